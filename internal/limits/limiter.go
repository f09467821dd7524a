// Package limits enforces per-player stake limits on bet placement.
//
// Two limits apply:
//   - MaxStake caps the amount of a single bet.
//   - MaxLocked caps a player's total locked exposure across all pending
//     bets, including the bet being placed.
//
// A zero limit disables that check.
package limits

import (
	"errors"
	"fmt"

	"github.com/atmx/round-ledger/internal/model"
)

var (
	// ErrStakeLimitExceeded is returned when a single bet exceeds MaxStake.
	ErrStakeLimitExceeded = errors.New("limits: stake limit exceeded")

	// ErrExposureLimitExceeded is returned when a bet would push the
	// player's locked balance beyond MaxLocked.
	ErrExposureLimitExceeded = errors.New("limits: locked exposure limit exceeded")
)

// StakeLimiter holds the configured limits. It is stateless; the current
// locked balance is passed in by the caller under the balance row lock.
type StakeLimiter struct {
	MaxStake  model.Money
	MaxLocked model.Money
}

// NewStakeLimiter creates a limiter. Negative limits are treated as zero.
func NewStakeLimiter(maxStake, maxLocked model.Money) *StakeLimiter {
	if maxStake < 0 {
		maxStake = 0
	}
	if maxLocked < 0 {
		maxLocked = 0
	}
	return &StakeLimiter{MaxStake: maxStake, MaxLocked: maxLocked}
}

// CheckStake validates a single stake before any state is read.
func (l *StakeLimiter) CheckStake(stake model.Money) error {
	if l == nil || l.MaxStake == 0 {
		return nil
	}
	if stake > l.MaxStake {
		return fmt.Errorf("%w: stake %s > max %s", ErrStakeLimitExceeded, stake, l.MaxStake)
	}
	return nil
}

// CheckExposure validates locked + stake against MaxLocked.
func (l *StakeLimiter) CheckExposure(locked, stake model.Money) error {
	if l == nil || l.MaxLocked == 0 {
		return nil
	}
	if locked > l.MaxLocked-stake {
		return fmt.Errorf("%w: locked %s + stake %s > max %s",
			ErrExposureLimitExceeded, locked, stake, l.MaxLocked)
	}
	return nil
}
