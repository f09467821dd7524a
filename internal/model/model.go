// Package model defines the core ledger types shared across the engine.
// All monetary values are Money (int64 base units), never float64.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAddress = errors.New("model: invalid wallet address")
	ErrInvalidSide    = errors.New("model: side must be up or down")
)

// NormalizeAddress validates a 0x-prefixed wallet address and lowercases it.
// Addresses are the player's natural key and compare case-insensitively.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return strings.ToLower(address), nil
}

// Side is the predicted (or winning) price direction of a round.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
	SideNone Side = "none" // flat close, no winner
)

// ParseBetSide accepts "up" or "down".
func ParseBetSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideUp:
		return SideUp, nil
	case SideDown:
		return SideDown, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// ParseWinningSide accepts "up", "down" or "none".
func ParseWinningSide(s string) (Side, error) {
	if Side(strings.ToLower(strings.TrimSpace(s))) == SideNone {
		return SideNone, nil
	}
	side, err := ParseBetSide(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q (expected up, down or none)", ErrInvalidSide, s)
	}
	return side, nil
}

// Player is created lazily on first interaction and never deleted.
type Player struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"` // lowercased, unique
	CreatedAt time.Time `json:"created_at"`
}

// Balance is the single serialization point per player.
// Invariant: Available >= 0 && Locked >= 0.
type Balance struct {
	PlayerID  string    `json:"player_id"`
	Available Money     `json:"available"`
	Locked    Money     `json:"locked"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Round is a fixed-duration betting window. Resolution is one-way.
type Round struct {
	ID          int64      `json:"id"`        // start epoch seconds
	Timeframe   int64      `json:"timeframe"` // seconds
	StartAt     time.Time  `json:"start_at"`
	EndAt       time.Time  `json:"end_at"`
	Resolved    bool       `json:"resolved"`
	WinningSide Side       `json:"winning_side"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type BetStatus string

const (
	BetPending BetStatus = "pending"
	BetWon     BetStatus = "won"
	BetLost    BetStatus = "lost"
)

// Bet is one player's stake on one round. Status leaves pending exactly once.
type Bet struct {
	ID        string     `json:"id"`
	PlayerID  string     `json:"player_id"`
	RoundID   int64      `json:"round_id"`
	Amount    Money      `json:"amount"`
	Side      Side       `json:"side"`
	Status    BetStatus  `json:"status"`
	Claimed   bool       `json:"claimed"`
	Payout    Money      `json:"payout"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

type WithdrawalStatus string

const (
	WithdrawalRequested       WithdrawalStatus = "requested"
	WithdrawalRejected        WithdrawalStatus = "rejected"
	WithdrawalSigned          WithdrawalStatus = "signed"
	WithdrawalSent            WithdrawalStatus = "sent"
	WithdrawalReverted        WithdrawalStatus = "reverted"
	WithdrawalDebited         WithdrawalStatus = "debited"
	WithdrawalReconcileFailed WithdrawalStatus = "reconcile_failed"
)

// Open reports whether the withdrawal still blocks a new one for the player.
func (s WithdrawalStatus) Open() bool {
	return s == WithdrawalRequested || s == WithdrawalSigned || s == WithdrawalSent
}

// Withdrawal tracks one run of the two-phase withdrawal protocol.
type Withdrawal struct {
	ID          string           `json:"id"`
	PlayerID    string           `json:"player_id"`
	Address     string           `json:"address"`
	Amount      Money            `json:"amount"`
	Status      WithdrawalStatus `json:"status"`
	TxHash      string           `json:"tx_hash,omitempty"`
	Nonce       uint64           `json:"nonce,omitempty"`
	RawTx       []byte           `json:"-"` // signed transfer, kept for rebroadcast
	BlockNumber uint64           `json:"block_number,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// PlayerStats are aggregates over Bet and Transfer rows.
type PlayerStats struct {
	GamesPlayed  int64           `json:"games_played"`
	GamesWon     int64           `json:"games_won"`
	GamesSettled int64           `json:"-"`
	TotalWagered Money           `json:"total_wagered"`
	TotalPayout  Money           `json:"total_payout"`
	WinRate      decimal.Decimal `json:"win_rate"` // percent of settled bets
}

// ComputeWinRate fills WinRate from GamesWon / GamesSettled.
func (s *PlayerStats) ComputeWinRate() {
	if s.GamesSettled == 0 {
		s.WinRate = decimal.Zero
		return
	}
	s.WinRate = decimal.NewFromInt(s.GamesWon).
		Div(decimal.NewFromInt(s.GamesSettled)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
}

// BalanceView is the client-facing subset of Balance.
type BalanceView struct {
	Available Money `json:"available"`
	Locked    Money `json:"locked"`
	Points    int64 `json:"points"`
}

// Profile is the read model returned by GetProfile.
type Profile struct {
	Address string      `json:"address"`
	Balance BalanceView `json:"balance"`
	Stats   PlayerStats `json:"stats"`
}
