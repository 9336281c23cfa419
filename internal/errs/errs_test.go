package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("accept: %w", New(KindAlreadyAccepted, "request %s was taken", "r1"))
	if !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("expected already accepted, got %v", err)
	}
	if errors.Is(err, ErrInvalidState) {
		t.Fatalf("kinds must not cross-match")
	}
	if KindOf(err) != KindAlreadyAccepted {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if MessageOf(err) != "request r1 was taken" {
		t.Fatalf("unexpected message %q", MessageOf(err))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if k := KindOf(errors.New("boom")); k != "" {
		t.Fatalf("expected empty kind, got %q", k)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("gateway timeout")
	err := Wrap(KindUpstreamPayment, cause, "refund failed")
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
	if !errors.Is(err, ErrUpstreamPayment) {
		t.Fatalf("kind lost")
	}
}
