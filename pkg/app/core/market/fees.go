package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var bps = decimal.New(1, -4)

// FeeSchedule holds maker/taker rates in basis points.
// Fees are charged on the asset the party receives and truncated to Scale decimals.
type FeeSchedule struct {
	MakerBps int64
	TakerBps int64
	Scale    int32
}

func (f FeeSchedule) Validate() error {
	if f.MakerBps < 0 || f.TakerBps < 0 {
		return fmt.Errorf("fees cannot be negative (maker %d bps, taker %d bps)", f.MakerBps, f.TakerBps)
	}
	if f.MakerBps > 10000 || f.TakerBps > 10000 {
		return fmt.Errorf("fees cannot exceed 10000 bps")
	}
	if f.Scale < 0 {
		return fmt.Errorf("fee scale cannot be negative")
	}
	return nil
}

// MakerFee returns the maker fee on a received amount
func (f FeeSchedule) MakerFee(received decimal.Decimal) decimal.Decimal {
	return f.fee(received, f.MakerBps)
}

// TakerFee returns the taker fee on a received amount
func (f FeeSchedule) TakerFee(received decimal.Decimal) decimal.Decimal {
	return f.fee(received, f.TakerBps)
}

func (f FeeSchedule) fee(received decimal.Decimal, rate int64) decimal.Decimal {
	if rate == 0 || !received.IsPositive() {
		return decimal.Zero
	}
	return received.Mul(decimal.NewFromInt(rate)).Mul(bps).Truncate(f.Scale)
}
