package model

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// UnitDecimals is the number of fractional digits of one major unit that the
// ledger stores. One native coin is 1_000_000_000 base units.
const UnitDecimals = 9

var (
	// ErrInvalidAmount is returned for non-positive amounts, amounts with more
	// precision than UnitDecimals, or amounts that overflow int64.
	ErrInvalidAmount = errors.New("model: invalid amount")

	unitScale  = decimal.New(1, UnitDecimals)
	maxMoney   = decimal.NewFromInt(math.MaxInt64)
	weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18-UnitDecimals), nil)
)

// Money is a fixed-point amount in base units. Never float64 for money.
type Money int64

// MoneyFromMajor converts a positive major-unit amount (e.g. 0.4) to base units.
func MoneyFromMajor(d decimal.Decimal) (Money, error) {
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: %s must be > 0", ErrInvalidAmount, d.String())
	}
	return scale(d)
}

// ParseMoney parses a major-unit decimal string.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return MoneyFromMajor(d)
}

// MustParseMoney is ParseMoney for constants and tests.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func scale(d decimal.Decimal) (Money, error) {
	scaled := d.Mul(unitScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, d.String(), UnitDecimals)
	}
	if scaled.Abs().GreaterThan(maxMoney) {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidAmount, d.String())
	}
	return Money(scaled.IntPart()), nil
}

// Major returns the amount in major units.
func (m Money) Major() decimal.Decimal {
	return decimal.New(int64(m), -UnitDecimals)
}

func (m Money) String() string {
	return m.Major().String()
}

// Wei converts base units to the chain's 18-decimal smallest unit.
func (m Money) Wei() *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(m)), weiPerUnit)
}

// MoneyFromWei truncates a wei amount to base units, saturating at MaxInt64.
func MoneyFromWei(wei *big.Int) Money {
	q := new(big.Int).Quo(wei, weiPerUnit)
	if !q.IsInt64() {
		if q.Sign() < 0 {
			return Money(math.MinInt64)
		}
		return Money(math.MaxInt64)
	}
	return Money(q.Int64())
}

// MarshalJSON encodes the amount as a quoted major-unit decimal ("1.4").
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted or bare major-unit decimal. Zero and
// negative values are allowed here; request validation happens in MoneyFromMajor.
func (m *Money) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
	}
	v, err := scale(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
