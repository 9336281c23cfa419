package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCompute(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	p := NewPolicy(loc)
	cases := []struct {
		name     string
		at       time.Time
		after    bool
		base     int64
		fee      int64
		earnings int64
	}{
		{"early morning", time.Date(2024, 5, 10, 3, 0, 0, 0, loc), true, 100, 20, 80},
		{"afternoon", time.Date(2024, 5, 10, 14, 0, 0, 0, loc), false, 50, 10, 40},
		{"six sharp is daytime", time.Date(2024, 5, 10, 6, 0, 0, 0, loc), false, 50, 10, 40},
		{"last daytime minute", time.Date(2024, 5, 10, 17, 59, 0, 0, loc), false, 50, 10, 40},
		{"eighteen sharp is after hours", time.Date(2024, 5, 10, 18, 0, 0, 0, loc), true, 100, 20, 80},
		{"midnight", time.Date(2024, 5, 10, 0, 0, 0, 0, loc), true, 100, 20, 80},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Compute(tc.at)
			if got.AfterHours != tc.after {
				t.Fatalf("after hours: want %v got %v", tc.after, got.AfterHours)
			}
			if !got.BaseFee.Equal(decimal.NewFromInt(tc.base)) {
				t.Fatalf("base fee: want %d got %s", tc.base, got.BaseFee)
			}
			if !got.PlatformFee.Equal(decimal.NewFromInt(tc.fee)) {
				t.Fatalf("platform fee: want %d got %s", tc.fee, got.PlatformFee)
			}
			if !got.WorkerEarnings.Equal(decimal.NewFromInt(tc.earnings)) {
				t.Fatalf("earnings: want %d got %s", tc.earnings, got.WorkerEarnings)
			}
			if !got.TotalPrice.Equal(got.BaseFee) {
				t.Fatalf("total must equal base fee, got %s", got.TotalPrice)
			}
			if !got.DistanceFee.IsZero() {
				t.Fatalf("distance fee must stay zero")
			}
		})
	}
}

func TestComputeUsesPolicyZone(t *testing.T) {
	// 14:00 UTC is 11:00 in Sao Paulo and 23:00 in Tokyo.
	at := time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)
	if NewPolicy(time.FixedZone("BRT", -3*3600)).IsAfterHours(at) {
		t.Fatalf("expected daytime in BRT")
	}
	if !NewPolicy(time.FixedZone("JST", 9*3600)).IsAfterHours(at) {
		t.Fatalf("expected after hours in JST")
	}
}
