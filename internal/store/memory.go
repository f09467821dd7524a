package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/round-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A unit of work holds the store-wide lock for its whole duration, which
// serializes every mutation; on error the state captured at the start of
// the unit of work is restored.
type MemoryStore struct {
	mu sync.RWMutex
	memState
}

type memState struct {
	players     map[string]*model.Player // by address
	balances    map[string]model.Balance // by player id
	rounds      map[int64]model.Round
	bets        []model.Bet
	transfers   []model.Transfer
	withdrawals []model.Withdrawal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memState: memState{
			players:  make(map[string]*model.Player),
			balances: make(map[string]model.Balance),
			rounds:   make(map[int64]model.Round),
		},
	}
}

func (st memState) clone() memState {
	players := make(map[string]*model.Player, len(st.players))
	for k, p := range st.players {
		cp := *p
		players[k] = &cp
	}
	return memState{
		players:     players,
		balances:    maps.Clone(st.balances),
		rounds:      maps.Clone(st.rounds),
		bets:        slices.Clone(st.bets),
		transfers:   slices.Clone(st.transfers),
		withdrawals: slices.Clone(st.withdrawals),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.memState.clone()
	if err := fn(&memTx{s: s}); err != nil {
		s.memState = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) FindPlayer(_ context.Context, address string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findPlayer(address)
}

func (s *MemoryStore) findPlayer(address string) (*model.Player, error) {
	p, ok := s.players[strings.ToLower(address)]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", address, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, playerID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[playerID]
	if !ok {
		return nil, fmt.Errorf("balance %s: %w", playerID, ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) GetRound(_ context.Context, id int64) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) ListBetsByRound(_ context.Context, roundID int64) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.RoundID == roundID {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransfers(_ context.Context, playerID string) ([]model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transfer
	for _, t := range s.transfers {
		if t.PlayerID == playerID {
			result = append(result, t)
		}
	}
	return result, nil
}

// GetPlayerStats aggregates bet rows under a single lock.
func (s *MemoryStore) GetPlayerStats(_ context.Context, playerID string) (model.PlayerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats model.PlayerStats
	for _, b := range s.bets {
		if b.PlayerID != playerID {
			continue
		}
		stats.GamesPlayed++
		stats.TotalWagered += b.Amount
		stats.TotalPayout += b.Payout
		switch b.Status {
		case model.BetWon:
			stats.GamesWon++
			stats.GamesSettled++
		case model.BetLost:
			stats.GamesSettled++
		}
	}
	stats.ComputeWinRate()
	return stats, nil
}

func (s *MemoryStore) ListWithdrawalsByStatus(_ context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Withdrawal
	for _, w := range s.withdrawals {
		if w.Status == status {
			result = append(result, w)
		}
	}
	return result, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// memTx operates on the store while WithTx holds its write lock.
type memTx struct {
	s *MemoryStore
}

func (tx *memTx) GetOrCreatePlayer(_ context.Context, address string, now time.Time) (*model.Player, error) {
	address = strings.ToLower(address)
	if p, ok := tx.s.players[address]; ok {
		cp := *p
		return &cp, nil
	}

	p := &model.Player{ID: uuid.NewString(), Address: address, CreatedAt: now}
	tx.s.players[address] = p
	tx.s.balances[p.ID] = model.Balance{PlayerID: p.ID, UpdatedAt: now}

	cp := *p
	return &cp, nil
}

func (tx *memTx) FindPlayer(_ context.Context, address string) (*model.Player, error) {
	return tx.s.findPlayer(address)
}

func (tx *memTx) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	for _, p := range tx.s.players {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("player %s: %w", id, ErrNotFound)
}

func (tx *memTx) LockBalance(_ context.Context, playerID string) (*model.Balance, error) {
	b, ok := tx.s.balances[playerID]
	if !ok {
		return nil, fmt.Errorf("balance %s: %w", playerID, ErrNotFound)
	}
	return &b, nil
}

func (tx *memTx) SaveBalance(_ context.Context, b *model.Balance) error {
	if _, ok := tx.s.balances[b.PlayerID]; !ok {
		return fmt.Errorf("balance %s: %w", b.PlayerID, ErrNotFound)
	}
	if b.Available < 0 || b.Locked < 0 {
		return fmt.Errorf("balance %s: negative balance (available=%d locked=%d)", b.PlayerID, b.Available, b.Locked)
	}
	tx.s.balances[b.PlayerID] = *b
	return nil
}

func (tx *memTx) EnsureRound(_ context.Context, r model.Round) (*model.Round, error) {
	if existing, ok := tx.s.rounds[r.ID]; ok {
		return &existing, nil
	}
	tx.s.rounds[r.ID] = r
	return &r, nil
}

func (tx *memTx) LockRound(_ context.Context, id int64) (*model.Round, error) {
	r, ok := tx.s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (tx *memTx) MarkRoundResolved(_ context.Context, id int64, side model.Side, at time.Time) error {
	r, ok := tx.s.rounds[id]
	if !ok {
		return fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	r.Resolved = true
	r.WinningSide = side
	r.ResolvedAt = &at
	tx.s.rounds[id] = r
	return nil
}

func (tx *memTx) InsertBet(_ context.Context, b *model.Bet) error {
	for _, existing := range tx.s.bets {
		if existing.PlayerID == b.PlayerID && existing.RoundID == b.RoundID {
			return fmt.Errorf("bet by %s on round %d: %w", b.PlayerID, b.RoundID, ErrDuplicate)
		}
	}
	tx.s.bets = append(tx.s.bets, *b)
	return nil
}

func (tx *memTx) ListPendingBets(_ context.Context, roundID int64) ([]model.Bet, error) {
	var result []model.Bet
	for _, b := range tx.s.bets {
		if b.RoundID == roundID && b.Status == model.BetPending {
			result = append(result, b)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].PlayerID < result[j].PlayerID })
	return result, nil
}

func (tx *memTx) SettleBet(_ context.Context, b *model.Bet) error {
	for i := range tx.s.bets {
		if tx.s.bets[i].ID == b.ID && tx.s.bets[i].Status == model.BetPending {
			tx.s.bets[i].Status = b.Status
			tx.s.bets[i].Payout = b.Payout
			tx.s.bets[i].Claimed = b.Claimed
			tx.s.bets[i].SettledAt = b.SettledAt
			return nil
		}
	}
	return fmt.Errorf("pending bet %s: %w", b.ID, ErrNotFound)
}

func (tx *memTx) AppendTransfer(_ context.Context, t *model.Transfer) error {
	if meta, ok := t.Meta.(model.DepositMeta); ok && meta.TxHash != "" {
		for _, existing := range tx.s.transfers {
			if m, ok := existing.Meta.(model.DepositMeta); ok && strings.EqualFold(m.TxHash, meta.TxHash) {
				return fmt.Errorf("deposit %s: %w", meta.TxHash, ErrDuplicate)
			}
		}
	}
	tx.s.transfers = append(tx.s.transfers, *t)
	return nil
}

func (tx *memTx) InsertWithdrawal(_ context.Context, w *model.Withdrawal) error {
	for _, existing := range tx.s.withdrawals {
		if existing.PlayerID == w.PlayerID && existing.Status.Open() {
			return fmt.Errorf("open withdrawal %s for %s: %w", existing.ID, w.PlayerID, ErrDuplicate)
		}
	}
	tx.s.withdrawals = append(tx.s.withdrawals, *w)
	return nil
}

func (tx *memTx) LockWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	for _, w := range tx.s.withdrawals {
		if w.ID == id {
			return &w, nil
		}
	}
	return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
}

func (tx *memTx) UpdateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	for i := range tx.s.withdrawals {
		if tx.s.withdrawals[i].ID == w.ID {
			tx.s.withdrawals[i] = *w
			return nil
		}
	}
	return fmt.Errorf("withdrawal %s: %w", w.ID, ErrNotFound)
}
