package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("loading ticket: %w", NotFound("ticket %d not found", 7))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped NotFound to match ErrNotFound")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("NotFound must not match ErrValidation")
	}
}

func TestProviderUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Provider(cause, "send text to %s", "5511")
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected provider error to match ErrDispatchFailed")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected provider error to unwrap to its cause")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		Validation("body is required"):     http.StatusBadRequest,
		NotFound("message"):                http.StatusNotFound,
		Provider(nil, "x"):                 http.StatusBadGateway,
		Conflict("dup"):                    http.StatusConflict,
		InvalidAssignment("cross tenant"):  http.StatusUnprocessableEntity,
		InvalidIdentifier("empty number"):  http.StatusBadRequest,
		errors.New("boom"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
