package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/metrics"
	"github.com/atmx/round-ledger/internal/model"
	"github.com/atmx/round-ledger/internal/round"
	"github.com/atmx/round-ledger/internal/store"
)

// GetProfile returns a player's balance and betting stats, creating the
// player on first lookup.
func (s *Service) GetProfile(ctx context.Context, address string) (*model.Profile, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if p, ok := s.cache.GetProfile(ctx, addr); ok {
		return p, nil
	}

	p, err := s.store.FindPlayer(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		err = s.store.WithTx(ctx, func(tx store.Tx) error {
			p, err = tx.GetOrCreatePlayer(ctx, addr, s.now())
			return err
		})
	}
	if err != nil {
		return nil, err
	}

	bal, err := s.store.GetBalance(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.GetPlayerStats(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	profile := &model.Profile{Address: addr, Balance: view(bal), Stats: stats}
	s.cache.SetProfile(ctx, profile)
	return profile, nil
}

// ListTransfers returns a player's transfer log in commit order.
func (s *Service) ListTransfers(ctx context.Context, address string) ([]model.Transfer, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	p, err := s.findPlayer(ctx, addr)
	if err != nil {
		return nil, err
	}
	transfers, err := s.store.ListTransfers(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if transfers == nil {
		transfers = []model.Transfer{}
	}
	return transfers, nil
}

// RoundView is a round with its phase and bets.
type RoundView struct {
	model.Round
	Phase round.Phase `json:"phase"`
	Bets  []model.Bet `json:"bets"`
}

// GetRound returns a round and every bet placed on it.
func (s *Service) GetRound(ctx context.Context, id int64) (*RoundView, error) {
	r, err := s.store.GetRound(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, id)
		}
		return nil, err
	}
	bets, err := s.store.ListBetsByRound(ctx, id)
	if err != nil {
		return nil, err
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	return &RoundView{Round: *r, Phase: round.PhaseAt(*r, s.now()), Bets: bets}, nil
}

// VaultInfo is the vault's address and on-chain balance.
type VaultInfo struct {
	Address string      `json:"address"`
	Balance model.Money `json:"balance"`
}

// VaultStatus reads the vault balance.
func (s *Service) VaultStatus(ctx context.Context) (VaultInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.vaultTimeout)
	defer cancel()

	bal, err := s.vault.Balance(ctx)
	if err != nil {
		return VaultInfo{}, fmt.Errorf("%w: %w", ErrVaultUnavailable, err)
	}
	metrics.VaultBalance.Set(bal.Major().InexactFloat64())
	return VaultInfo{Address: s.vault.Address(), Balance: bal}, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) findPlayer(ctx context.Context, addr string) (*model.Player, error) {
	p, err := s.store.FindPlayer(ctx, addr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, addr)
		}
		return nil, err
	}
	return p, nil
}

// --- Replay ---

// ReplayResult compares the balance rebuilt from the transfer log with the
// stored one.
type ReplayResult struct {
	Address    string            `json:"address"`
	Replayed   model.BalanceView `json:"replayed"`
	Stored     model.BalanceView `json:"stored"`
	Consistent bool              `json:"consistent"`
}

// Replay rebuilds a player's balance from the transfer log alone.
func (s *Service) Replay(ctx context.Context, address string) (*ReplayResult, error) {
	defer metrics.ObserveOp("replay", time.Now())

	addr, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	p, err := s.findPlayer(ctx, addr)
	if err != nil {
		return nil, err
	}
	transfers, err := s.store.ListTransfers(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	bal, err := s.store.GetBalance(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	available, locked := ReplayTransfers(transfers)
	res := &ReplayResult{
		Address:  addr,
		Replayed: model.BalanceView{Available: available, Locked: locked, Points: bal.Points},
		Stored:   view(bal),
	}
	res.Consistent = available == bal.Available && locked == bal.Locked
	if !res.Consistent {
		s.log.Error("replay mismatch",
			zap.String("address", addr),
			zap.Stringer("replayed_available", available),
			zap.Stringer("stored_available", bal.Available),
			zap.Stringer("replayed_locked", locked),
			zap.Stringer("stored_locked", bal.Locked),
		)
	}
	return res, nil
}

// ReplayTransfers folds a transfer log into a balance. Available is the sum
// of all amounts; locked is the stake of every bet_lock whose bet has no
// payout or loss row yet.
func ReplayTransfers(transfers []model.Transfer) (available, locked model.Money) {
	open := make(map[string]model.Money)
	for _, t := range transfers {
		available += t.Amount
		switch m := t.Meta.(type) {
		case model.BetLockMeta:
			open[m.BetID] = -t.Amount
		case model.PayoutMeta:
			delete(open, m.BetID)
		case model.LossMeta:
			delete(open, m.BetID)
		}
	}
	for _, stake := range open {
		locked += stake
	}
	return available, locked
}
