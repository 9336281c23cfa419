package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type CaptureStatus string

const (
	CaptureApproved CaptureStatus = "approved"
	CapturePending  CaptureStatus = "pending"
	CaptureRejected CaptureStatus = "rejected"
)

type RefundReceipt struct {
	RefundID string
	Status   string
	Amount   decimal.Decimal
}

type PayoutReceipt struct {
	PayoutID string
	Status   string
	Amount   decimal.Decimal
}

// Gateway is the narrow view of the payment provider the coordinator and the
// ledger consume. Every call may be slow or fail.
type Gateway interface {
	CaptureStatus(ctx context.Context, paymentRef string) (CaptureStatus, error)
	Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (RefundReceipt, error)
	InitiatePayout(ctx context.Context, amount decimal.Decimal, destination string) (PayoutReceipt, error)
}

var ErrEmptyReference = errors.New("payments: empty payment reference")

// ToMinorUnits converts a 2-place amount into cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
