// Package round handles round identity validation, derivation of a round's
// betting window, and its lifecycle phase at a given instant.
package round

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/atmx/round-ledger/internal/model"
)

// MaxTimeframe bounds the duration of a single round.
const MaxTimeframe = 7 * 24 * 60 * 60

var ErrInvalidRound = errors.New("round: invalid round")

// Phase is the lifecycle stage of a round: open → locked → resolved.
type Phase string

const (
	// PhaseOpen accepts bets.
	PhaseOpen Phase = "open"
	// PhaseLocked has ended and awaits an authoritative end price.
	PhaseLocked Phase = "locked"
	// PhaseResolved is terminal.
	PhaseResolved Phase = "resolved"
)

// Validate checks that id is a start epoch aligned to timeframe.
// Round ids are the start timestamp in seconds, so id % timeframe == 0.
func Validate(id, timeframe int64) error {
	if timeframe <= 0 || timeframe > MaxTimeframe {
		return fmt.Errorf("%w: timeframe %d out of range (1..%d)", ErrInvalidRound, timeframe, MaxTimeframe)
	}
	if id <= 0 {
		return fmt.Errorf("%w: round id %d must be positive", ErrInvalidRound, id)
	}
	if id%timeframe != 0 {
		return fmt.Errorf("%w: round id %d is not aligned to timeframe %d", ErrInvalidRound, id, timeframe)
	}
	return nil
}

// ParseID parses a round id from a path segment.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a round id", ErrInvalidRound, s)
	}
	return id, nil
}

// Shell builds the unresolved round record for id/timeframe. It is what the
// first bet on a round inserts if the round does not exist yet.
func Shell(id, timeframe int64) (model.Round, error) {
	if err := Validate(id, timeframe); err != nil {
		return model.Round{}, err
	}
	start := time.Unix(id, 0).UTC()
	return model.Round{
		ID:          id,
		Timeframe:   timeframe,
		StartAt:     start,
		EndAt:       start.Add(time.Duration(timeframe) * time.Second),
		WinningSide: "",
	}, nil
}

// PhaseAt reports the phase of r at now.
func PhaseAt(r model.Round, now time.Time) Phase {
	switch {
	case r.Resolved:
		return PhaseResolved
	case now.Before(r.EndAt):
		return PhaseOpen
	default:
		return PhaseLocked
	}
}

// CheckAcceptsBets returns ErrInvalidRound unless r is still open at now.
func CheckAcceptsBets(r model.Round, now time.Time) error {
	switch PhaseAt(r, now) {
	case PhaseOpen:
		return nil
	case PhaseResolved:
		return fmt.Errorf("%w: round %d is already resolved", ErrInvalidRound, r.ID)
	default:
		return fmt.Errorf("%w: round %d ended at %s", ErrInvalidRound, r.ID, r.EndAt.Format(time.RFC3339))
	}
}
