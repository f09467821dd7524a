// Package events carries ledger events out of the engine (Kafka, WebSocket)
// and settlement commands into it (Kafka consumer).
package events

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/atmx/round-ledger/internal/model"
)

// Type names a ledger event.
type Type string

const (
	DepositCredited     Type = "deposit_credited"
	BetPlaced           Type = "bet_placed"
	RoundResolved       Type = "round_resolved"
	WithdrawalDebited   Type = "withdrawal_debited"
	WithdrawalFailed    Type = "withdrawal_failed"
	WithdrawalPending   Type = "withdrawal_pending"
	ReconciliationAlert Type = "reconciliation_alert"
)

// Event is a JSON message describing a committed ledger change.
type Event struct {
	Type         Type        `json:"type"`
	Address      string      `json:"address,omitempty"`
	RoundID      int64       `json:"round_id,omitempty"`
	BetID        string      `json:"bet_id,omitempty"`
	Side         model.Side  `json:"side,omitempty"`
	Amount       model.Money `json:"amount,omitempty"`
	ResolvedBets int         `json:"resolved_bets,omitempty"`
	WithdrawalID string      `json:"withdrawal_id,omitempty"`
	TxHash       string      `json:"tx_hash,omitempty"`
	Status       string      `json:"status,omitempty"`
	At           time.Time   `json:"at"`
}

// Key partitions events so a player's (or round's) events stay ordered.
func (e Event) Key() string {
	if e.Address != "" {
		return e.Address
	}
	if e.RoundID != 0 {
		return "round:" + strconv.FormatInt(e.RoundID, 10)
	}
	return string(e.Type)
}

// Publisher delivers events. Delivery is best effort; the ledger state is
// already committed when Publish is called.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes each event to every publisher.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
