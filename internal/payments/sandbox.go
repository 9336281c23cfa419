package payments

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox stands in for the provider when no API key is configured. A
// reference prefixed "pending_" or "rejected_" reports that status; any other
// non-empty reference is approved.
type Sandbox struct {
	logger *slog.Logger
}

func NewSandbox(logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{logger: logger.With("component", "payments_sandbox")}
}

func (s *Sandbox) CaptureStatus(_ context.Context, paymentRef string) (CaptureStatus, error) {
	if paymentRef == "" {
		return "", ErrEmptyReference
	}
	st := CaptureApproved
	switch {
	case strings.HasPrefix(paymentRef, "pending_"):
		st = CapturePending
	case strings.HasPrefix(paymentRef, "rejected_"):
		st = CaptureRejected
	}
	s.logger.Info("capture status", "payment_ref", paymentRef, "status", st)
	return st, nil
}

func (s *Sandbox) Refund(_ context.Context, paymentRef string, amount decimal.Decimal) (RefundReceipt, error) {
	if paymentRef == "" {
		return RefundReceipt{}, ErrEmptyReference
	}
	id := "re_" + uuid.NewString()
	s.logger.Info("refund", "payment_ref", paymentRef, "amount", amount.StringFixed(2), "refund_id", id)
	return RefundReceipt{RefundID: id, Status: "succeeded", Amount: amount}, nil
}

func (s *Sandbox) InitiatePayout(_ context.Context, amount decimal.Decimal, destination string) (PayoutReceipt, error) {
	id := "tr_" + uuid.NewString()
	s.logger.Info("payout", "destination", destination, "amount", amount.StringFixed(2), "payout_id", id)
	return PayoutReceipt{PayoutID: id, Status: "initiated", Amount: amount}, nil
}
