package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestKindsMatchThroughWrapping(t *testing.T) {
	testlog.Start(t)
	err := fmt.Errorf("load: %w", Validation("consul.url", "incorrect Consul url"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("validation error must not match ErrNotFound")
	}
	if got := FieldOf(err); got != "consul.url" {
		t.Fatalf("unexpected field: %q", got)
	}
}

func TestConnectionBrokenUnwrapsCause(t *testing.T) {
	testlog.Start(t)
	cause := errors.New("read tcp: reset by peer")
	err := ConnectionBroken(cause)
	if !errors.Is(err, ErrConnectionBroken) || !errors.Is(err, cause) {
		t.Fatalf("expected kind and cause to match: %v", err)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	testlog.Start(t)
	cases := map[error]int{
		nil:                              http.StatusOK,
		Parse(errors.New("eof")):         http.StatusBadRequest,
		Validation("rest", "bad"):        http.StatusBadRequest,
		NotFound("application", "ping"):  http.StatusNotFound,
		PermissionDenied("bob", "ping"):  http.StatusForbidden,
		ConnectionBroken(nil):            http.StatusBadGateway,
		errors.New("something else"):     http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want {
			t.Fatalf("HTTPStatus(%v)=%d want %d", err, got, want)
		}
	}
}
