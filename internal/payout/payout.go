// Package payout computes what a winning bet is paid at round resolution.
//
// The house edge is not modeled here: a Policy maps a stake to a payout and
// the only guarantee the ledger relies on is payout >= stake. All arithmetic
// uses shopspring/decimal and rounds down to whole base units, so the house
// never pays out a fraction of a base unit it does not hold.
package payout

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/round-ledger/internal/model"
)

var (
	// ErrInvalidMultiplier is returned when the multiplier is below 1.
	ErrInvalidMultiplier = errors.New("payout: multiplier must be >= 1")

	// ErrOverflow is returned when a payout does not fit in model.Money.
	ErrOverflow = errors.New("payout: payout overflows")

	// DefaultMultiplier pays twice the stake.
	DefaultMultiplier = decimal.NewFromInt(2)

	maxMoney = decimal.NewFromInt(math.MaxInt64)
)

// Policy maps a winning stake to its payout.
type Policy interface {
	Payout(stake model.Money) (model.Money, error)
}

// Fixed pays stake × multiplier for every winning bet.
type Fixed struct {
	multiplier decimal.Decimal
}

// NewFixed creates a fixed-multiplier policy.
func NewFixed(multiplier decimal.Decimal) (*Fixed, error) {
	if multiplier.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidMultiplier, multiplier)
	}
	return &Fixed{multiplier: multiplier}, nil
}

// Multiplier returns the configured ratio.
func (f *Fixed) Multiplier() decimal.Decimal {
	return f.multiplier
}

// Payout returns floor(stake × multiplier), never less than stake.
func (f *Fixed) Payout(stake model.Money) (model.Money, error) {
	if stake <= 0 {
		return 0, fmt.Errorf("%w: stake %d", model.ErrInvalidAmount, stake)
	}
	p := decimal.NewFromInt(int64(stake)).Mul(f.multiplier).Floor()
	if p.GreaterThan(maxMoney) {
		return 0, fmt.Errorf("%w: stake %s × %s", ErrOverflow, stake, f.multiplier)
	}
	out := model.Money(p.IntPart())
	if out < stake {
		out = stake
	}
	return out, nil
}
