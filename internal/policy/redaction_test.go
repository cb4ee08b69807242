package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "4242") || strings.Contains(out, "9876") {
		t.Fatalf("digits leaked: %q", out)
	}
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	in := "I would like to book a table for two at seven."
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v", in, out, changed)
	}
}

func TestMaskNumber(t *testing.T) {
	cases := map[string]string{
		"+15551239876": "+1******9876",
		"5551239876":   "5*****9876",
		"12345":        "*****",
		"":             "",
	}
	for in, want := range cases {
		if got := MaskNumber(in); got != want {
			t.Fatalf("MaskNumber(%q) = %q, want %q", in, got, want)
		}
	}
}
