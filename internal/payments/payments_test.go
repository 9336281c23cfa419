package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
)

func TestMinorUnits(t *testing.T) {
	if got := ToMinorUnits(decimal.RequireFromString("40.00")); got != 4000 {
		t.Fatalf("expected 4000, got %d", got)
	}
	if got := ToMinorUnits(decimal.RequireFromString("12.345")); got != 1235 {
		t.Fatalf("expected rounding to 1235, got %d", got)
	}
	if !FromMinorUnits(1050).Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("unexpected conversion %s", FromMinorUnits(1050))
	}
}

func TestCaptureStatusFromIntent(t *testing.T) {
	cases := map[stripe.PaymentIntentStatus]CaptureStatus{
		stripe.PaymentIntentStatusSucceeded:             CaptureApproved,
		stripe.PaymentIntentStatusCanceled:              CaptureRejected,
		stripe.PaymentIntentStatusProcessing:            CapturePending,
		stripe.PaymentIntentStatusRequiresCapture:       CapturePending,
		stripe.PaymentIntentStatusRequiresPaymentMethod: CapturePending,
	}
	for in, want := range cases {
		if got := captureStatusFromIntent(in); got != want {
			t.Fatalf("%s: want %s got %s", in, want, got)
		}
	}
}

func TestSandboxStatuses(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox(nil)
	for ref, want := range map[string]CaptureStatus{
		"pi_123":         CaptureApproved,
		"pending_pi_123": CapturePending,
		"rejected_1":     CaptureRejected,
	} {
		got, err := s.CaptureStatus(ctx, ref)
		if err != nil || got != want {
			t.Fatalf("%s: want %s got %s (err=%v)", ref, want, got, err)
		}
	}
	if _, err := s.CaptureStatus(ctx, ""); !errors.Is(err, ErrEmptyReference) {
		t.Fatalf("expected empty reference error, got %v", err)
	}
}
