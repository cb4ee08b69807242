// Package policy masks caller PII before it reaches logs.
package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks email addresses, card numbers and phone numbers in
// transcript text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		// Cards before phones so a card number is not masked as a phone.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// MaskNumber keeps the country prefix and last four digits of a dial string,
// e.g. "+15551239876" becomes "+1******9876".
func MaskNumber(number string) string {
	number = strings.TrimSpace(number)
	if len(number) <= 6 {
		return strings.Repeat("*", len(number))
	}
	head := 1
	if strings.HasPrefix(number, "+") {
		head = 2
	}
	return number[:head] + strings.Repeat("*", len(number)-head-4) + number[len(number)-4:]
}
