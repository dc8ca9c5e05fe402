package strategy

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Sizing resolves the USD stake of a new entry.
type Sizing struct {
	FixedUSD float64
	// Percent of the available bankroll; zero selects FixedUSD.
	Percent float64
	// MaxUSD caps a percent stake; zero means uncapped.
	MaxUSD float64
}

// Stake returns the USD to commit given the available bankroll. The result
// is never negative and never exceeds available.
func (s Sizing) Stake(available decimal.Decimal) decimal.Decimal {
	if !available.IsPositive() {
		return decimal.Zero
	}
	stake := decimal.NewFromFloat(s.FixedUSD)
	if s.Percent > 0 {
		stake = available.Mul(decimal.NewFromFloat(s.Percent)).Div(hundred)
		if s.MaxUSD > 0 {
			stake = decimal.Min(stake, decimal.NewFromFloat(s.MaxUSD))
		}
	}
	stake = decimal.Min(stake, available)
	if stake.IsNegative() {
		return decimal.Zero
	}
	return stake
}
