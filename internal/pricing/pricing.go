// Package pricing computes the fee snapshot frozen onto a service request.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/roadside-dispatch/internal/models"
)

var (
	DayBaseFee        = decimal.NewFromInt(50)
	AfterHoursBaseFee = decimal.NewFromInt(100)
	PlatformShare     = decimal.RequireFromString("0.20")
	WorkerShare       = decimal.RequireFromString("0.80")
)

// Policy applies the time-of-day rule in Location. A nil Location means UTC.
type Policy struct {
	Location *time.Location
}

func NewPolicy(loc *time.Location) *Policy {
	return &Policy{Location: loc}
}

// IsAfterHours is true for hours [0,6) and [18,24).
func (p *Policy) IsAfterHours(at time.Time) bool {
	h := p.local(at).Hour()
	return h < 6 || h >= 18
}

// Compute returns the pricing snapshot for a request created at `at`.
// The distance fee is kept at zero.
func (p *Policy) Compute(at time.Time) models.Pricing {
	after := p.IsAfterHours(at)
	base := DayBaseFee
	if after {
		base = AfterHoursBaseFee
	}
	return models.Pricing{
		BaseFee:        base.Round(2),
		DistanceFee:    decimal.Zero,
		PlatformFee:    base.Mul(PlatformShare).Round(2),
		WorkerEarnings: base.Mul(WorkerShare).Round(2),
		TotalPrice:     base.Round(2),
		AfterHours:     after,
	}
}

func (p *Policy) local(at time.Time) time.Time {
	if p == nil || p.Location == nil {
		return at.UTC()
	}
	return at.In(p.Location)
}
