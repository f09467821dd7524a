// Package store defines the persistence interface for the round ledger.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and local development). A Redis profile cache sits beside them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/round-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness rule:
	// a second bet by the same player on a round, a deposit tx hash seen
	// before, or a second open withdrawal for a player.
	ErrDuplicate = errors.New("store: duplicate")
)

// Store is the persistence interface. Every mutation goes through WithTx;
// the remaining methods are read-only queries outside any unit of work.
type Store interface {
	// WithTx runs fn as one atomic unit of work. If fn returns an error
	// nothing it wrote is visible afterwards.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Read-only queries ---

	// FindPlayer looks up a player by lowercased address.
	FindPlayer(ctx context.Context, address string) (*model.Player, error)

	// GetBalance returns the balance row of a player.
	GetBalance(ctx context.Context, playerID string) (*model.Balance, error)

	// GetRound returns a round by id.
	GetRound(ctx context.Context, id int64) (*model.Round, error)

	// ListBetsByRound returns every bet on a round ordered by creation.
	ListBetsByRound(ctx context.Context, roundID int64) ([]model.Bet, error)

	// ListTransfers returns a player's transfers in commit order.
	ListTransfers(ctx context.Context, playerID string) ([]model.Transfer, error)

	// GetPlayerStats aggregates a player's bets.
	GetPlayerStats(ctx context.Context, playerID string) (model.PlayerStats, error)

	// ListWithdrawalsByStatus returns withdrawals in the given status,
	// oldest first.
	ListWithdrawalsByStatus(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// Tx is the set of operations available inside a unit of work. Lock*
// methods hold the row until the unit of work ends.
type Tx interface {
	// --- Players and balances ---

	// GetOrCreatePlayer returns the player for address, creating it and a
	// zero balance if absent. Concurrent callers observe the same player.
	GetOrCreatePlayer(ctx context.Context, address string, now time.Time) (*model.Player, error)

	// FindPlayer looks up a player without creating it.
	FindPlayer(ctx context.Context, address string) (*model.Player, error)

	// GetPlayer looks up a player by id.
	GetPlayer(ctx context.Context, id string) (*model.Player, error)

	// LockBalance reads a balance row and holds it exclusively.
	LockBalance(ctx context.Context, playerID string) (*model.Balance, error)

	// SaveBalance writes back a balance obtained from LockBalance.
	SaveBalance(ctx context.Context, b *model.Balance) error

	// --- Rounds and bets ---

	// EnsureRound inserts r if no round with r.ID exists and returns the
	// stored round, share-locked. Existing rounds are never overwritten.
	EnsureRound(ctx context.Context, r model.Round) (*model.Round, error)

	// LockRound reads a round and holds it exclusively.
	LockRound(ctx context.Context, id int64) (*model.Round, error)

	// MarkRoundResolved flips a locked round to resolved.
	MarkRoundResolved(ctx context.Context, id int64, side model.Side, at time.Time) error

	// InsertBet creates a pending bet. ErrDuplicate if the player already
	// has a bet on the round.
	InsertBet(ctx context.Context, b *model.Bet) error

	// ListPendingBets returns the pending bets of a round ordered by
	// player id.
	ListPendingBets(ctx context.Context, roundID int64) ([]model.Bet, error)

	// SettleBet persists a bet's terminal status, payout and claim flag.
	SettleBet(ctx context.Context, b *model.Bet) error

	// --- Transfer log ---

	// AppendTransfer appends an immutable transfer row. ErrDuplicate if a
	// deposit carries a tx hash already recorded.
	AppendTransfer(ctx context.Context, t *model.Transfer) error

	// --- Withdrawals ---

	// InsertWithdrawal records a new withdrawal. ErrDuplicate if the
	// player already has an open one.
	InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error

	// LockWithdrawal reads a withdrawal and holds it exclusively.
	LockWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)

	// UpdateWithdrawal persists status, tx hash, nonce, raw transaction,
	// block and error.
	UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error
}
