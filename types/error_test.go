package types

import (
	"errors"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstream, "upstream failed").
		WithCause(root).
		WithProvider("openai")

	if CodeFor(err) != ErrUpstream {
		t.Fatalf("expected code %s, got %s", ErrUpstream, CodeFor(err))
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
	if HTTPStatusFor(err) != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", HTTPStatusFor(err))
	}
}

func TestHTTPStatusFor_Defaults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrRoute, http.StatusBadRequest},
		{ErrAuth, http.StatusUnauthorized},
		{ErrUpstream, http.StatusBadGateway},
		{ErrInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatusFor(NewError(tc.code, "boom")); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.code, tc.want, got)
		}
	}
	if HTTPStatusFor(errors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("plain errors should map to 500")
	}
}

func TestHTTPStatusFor_Override(t *testing.T) {
	t.Parallel()

	err := NewError(ErrAuth, "forbidden scope").WithHTTPStatus(http.StatusForbidden)
	if HTTPStatusFor(err) != http.StatusForbidden {
		t.Fatalf("expected explicit 403 to win over the default")
	}
}
