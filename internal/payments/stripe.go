package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/transfer"
)

// StripeGateway reads PaymentIntent status, refunds captured intents and
// pays workers out through Transfers to their connected account.
type StripeGateway struct {
	currency string
}

// NewStripeGateway sets the package-level stripe key.
func NewStripeGateway(apiKey, currency string) *StripeGateway {
	stripe.Key = apiKey
	if currency == "" {
		currency = "brl"
	}
	return &StripeGateway{currency: currency}
}

func (s *StripeGateway) CaptureStatus(ctx context.Context, paymentRef string) (CaptureStatus, error) {
	if paymentRef == "" {
		return "", ErrEmptyReference
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(paymentRef, params)
	if err != nil {
		return "", fmt.Errorf("stripe payment intent %s: %w", paymentRef, err)
	}
	return captureStatusFromIntent(pi.Status), nil
}

func captureStatusFromIntent(st stripe.PaymentIntentStatus) CaptureStatus {
	switch st {
	case stripe.PaymentIntentStatusSucceeded:
		return CaptureApproved
	case stripe.PaymentIntentStatusCanceled:
		return CaptureRejected
	default:
		return CapturePending
	}
}

func (s *StripeGateway) Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (RefundReceipt, error) {
	if paymentRef == "" {
		return RefundReceipt{}, ErrEmptyReference
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(ToMinorUnits(amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return RefundReceipt{}, fmt.Errorf("stripe refund %s: %w", paymentRef, err)
	}
	return RefundReceipt{RefundID: r.ID, Status: string(r.Status), Amount: FromMinorUnits(r.Amount)}, nil
}

func (s *StripeGateway) InitiatePayout(ctx context.Context, amount decimal.Decimal, destination string) (PayoutReceipt, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(ToMinorUnits(amount)),
		Currency:    stripe.String(s.currency),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	tr, err := transfer.New(params)
	if err != nil {
		return PayoutReceipt{}, fmt.Errorf("stripe transfer to %s: %w", destination, err)
	}
	return PayoutReceipt{PayoutID: tr.ID, Status: "initiated", Amount: FromMinorUnits(tr.Amount)}, nil
}
