package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestKindUnwrapsTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("agent id missing: %w", ErrConfiguration), "configuration"},
		{fmt.Errorf("wait metadata: %w", ErrHandshakeTimeout), "handshake_timeout"},
		{fmt.Errorf("dial: %w", context.DeadlineExceeded), "handshake_timeout"},
		{fmt.Errorf("read: %w", ErrTransport), "transport"},
		{fmt.Errorf("decode: %w", ErrProtocol), "protocol"},
		{ErrDuplicateSession, "duplicate_session"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "unknown"},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsFatalToSession(t *testing.T) {
	if IsFatalToSession(nil) {
		t.Fatalf("nil error should not be fatal")
	}
	if IsFatalToSession(fmt.Errorf("bad frame: %w", ErrProtocol)) {
		t.Fatalf("protocol error should not be fatal")
	}
	if !IsFatalToSession(fmt.Errorf("read: %w", ErrTransport)) {
		t.Fatalf("transport error should be fatal")
	}
}
