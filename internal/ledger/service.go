// Package ledger is the settlement engine: it owns every balance-affecting
// operation (deposit, bet lock, resolution, withdrawal) and keeps the
// off-chain ledger in step with the on-chain vault.
//
// Every mutation runs in one store unit of work. Vault calls never run
// inside one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/events"
	"github.com/atmx/round-ledger/internal/limits"
	"github.com/atmx/round-ledger/internal/metrics"
	"github.com/atmx/round-ledger/internal/model"
	"github.com/atmx/round-ledger/internal/payout"
	"github.com/atmx/round-ledger/internal/round"
	"github.com/atmx/round-ledger/internal/store"
	"github.com/atmx/round-ledger/internal/vault"
)

const (
	DefaultVaultCallTimeout = 10 * time.Second
	DefaultConfirmTimeout   = 2 * time.Minute
	DefaultPollInterval     = 2 * time.Second
)

// Service runs ledger operations against a store and a vault.
type Service struct {
	store     store.Store
	vault     vault.Vault
	policy    payout.Policy
	limiter   *limits.StakeLimiter
	publisher events.Publisher
	cache     store.ProfileCache
	log       *zap.Logger
	now       func() time.Time

	vaultTimeout   time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLimiter enforces per-bet and per-player stake limits.
func WithLimiter(l *limits.StakeLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithPublisher sends ledger events after each committed mutation.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithProfileCache caches GetProfile results.
func WithProfileCache(c store.ProfileCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTimeouts bounds vault calls and the wait for confirmation.
func WithTimeouts(vaultCall, confirm time.Duration) Option {
	return func(s *Service) {
		if vaultCall > 0 {
			s.vaultTimeout = vaultCall
		}
		if confirm > 0 {
			s.confirmTimeout = confirm
		}
	}
}

// WithPollInterval sets how often receipts are polled while confirming.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewService creates a ledger service.
func NewService(st store.Store, v vault.Vault, policy payout.Policy, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:          st,
		vault:          v,
		policy:         policy,
		publisher:      events.Nop{},
		cache:          store.NopProfileCache{},
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		vaultTimeout:   DefaultVaultCallTimeout,
		confirmTimeout: DefaultConfirmTimeout,
		pollInterval:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Deposit ---

// Deposit credits a confirmed on-chain deposit to address. A non-empty
// txHash is credited at most once.
func (s *Service) Deposit(ctx context.Context, address string, amount decimal.Decimal, txHash string) (model.BalanceView, error) {
	defer metrics.ObserveOp("deposit", time.Now())

	addr, err := normalizeAddress(address)
	if err != nil {
		return model.BalanceView{}, err
	}
	amt, err := toMoney(amount)
	if err != nil {
		return model.BalanceView{}, err
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))

	now := s.now()
	var bal *model.Balance
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetOrCreatePlayer(ctx, addr, now)
		if err != nil {
			return err
		}
		bal, err = tx.LockBalance(ctx, p.ID)
		if err != nil {
			return err
		}
		if bal.Available > math.MaxInt64-amt {
			return fmt.Errorf("%w: balance would overflow", ErrInvalidAmount)
		}
		bal.Available += amt
		bal.UpdatedAt = now
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return err
		}
		err = tx.AppendTransfer(ctx, &model.Transfer{
			ID:        uuid.NewString(),
			PlayerID:  p.ID,
			Type:      model.TransferDeposit,
			Amount:    amt,
			Meta:      model.DepositMeta{TxHash: txHash},
			CreatedAt: now,
		})
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("%w: %s", ErrDuplicateDeposit, txHash)
		}
		return err
	})
	if err != nil {
		return model.BalanceView{}, err
	}

	metrics.DepositsCredited.Inc()
	s.invalidate(ctx, addr)
	s.log.Info("deposit credited",
		zap.String("address", addr),
		zap.Stringer("amount", amt),
		zap.String("tx_hash", txHash),
	)
	s.publish(ctx, events.Event{
		Type:    events.DepositCredited,
		Address: addr,
		Amount:  amt,
		TxHash:  txHash,
		At:      now,
	})
	return view(bal), nil
}

// --- Bets ---

// BetRequest is one player's stake on a round.
type BetRequest struct {
	Address   string
	Amount    decimal.Decimal
	Side      string
	RoundID   int64
	Timeframe int64
}

// PlaceBet locks the stake and records a pending bet. The round is created
// on first bet.
func (s *Service) PlaceBet(ctx context.Context, req BetRequest) (*model.Bet, error) {
	defer metrics.ObserveOp("place_bet", time.Now())

	addr, err := normalizeAddress(req.Address)
	if err != nil {
		return nil, err
	}
	stake, err := toMoney(req.Amount)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseBetSide(req.Side)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSide, err)
	}
	shell, err := round.Shell(req.RoundID, req.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRound, err)
	}
	now := s.now()
	if err := round.CheckAcceptsBets(shell, now); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRound, err)
	}
	if err := s.limiter.CheckStake(stake); err != nil {
		metrics.StakeLimitRejections.Inc()
		return nil, fmt.Errorf("%w: %w", ErrStakeLimitExceeded, err)
	}

	bet := &model.Bet{
		ID:        uuid.NewString(),
		RoundID:   req.RoundID,
		Amount:    stake,
		Side:      side,
		Status:    model.BetPending,
		CreatedAt: now,
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetOrCreatePlayer(ctx, addr, now)
		if err != nil {
			return err
		}
		bet.PlayerID = p.ID

		// Round before balance: resolution takes the same order.
		r, err := tx.EnsureRound(ctx, shell)
		if err != nil {
			return err
		}
		if r.Timeframe != req.Timeframe {
			return fmt.Errorf("%w: round %d has timeframe %d", ErrInvalidRound, r.ID, r.Timeframe)
		}
		if err := round.CheckAcceptsBets(*r, now); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRound, err)
		}

		bal, err := tx.LockBalance(ctx, p.ID)
		if err != nil {
			return err
		}
		if bal.Available < stake {
			return &InsufficientBalanceError{Address: addr, Required: stake, Available: bal.Available}
		}
		if err := s.limiter.CheckExposure(bal.Locked, stake); err != nil {
			metrics.StakeLimitRejections.Inc()
			return fmt.Errorf("%w: %w", ErrStakeLimitExceeded, err)
		}
		bal.Available -= stake
		bal.Locked += stake
		bal.UpdatedAt = now
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return err
		}

		if err := tx.InsertBet(ctx, bet); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: %s on round %d", ErrBetExists, addr, req.RoundID)
			}
			return err
		}
		return tx.AppendTransfer(ctx, &model.Transfer{
			ID:        uuid.NewString(),
			PlayerID:  p.ID,
			Type:      model.TransferBetLock,
			Amount:    -stake,
			Meta:      model.BetLockMeta{RoundID: req.RoundID, BetID: bet.ID},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsPlaced.WithLabelValues(string(side)).Inc()
	s.invalidate(ctx, addr)
	s.log.Info("bet placed",
		zap.String("bet_id", bet.ID),
		zap.String("address", addr),
		zap.Int64("round_id", req.RoundID),
		zap.String("side", string(side)),
		zap.Stringer("amount", stake),
	)
	s.publish(ctx, events.Event{
		Type:    events.BetPlaced,
		Address: addr,
		RoundID: req.RoundID,
		BetID:   bet.ID,
		Side:    side,
		Amount:  stake,
		At:      now,
	})
	return bet, nil
}

// --- Resolution ---

// ResolveRound settles every pending bet on the round and marks it
// resolved, all in one unit of work. A winning side of "none" settles every
// bet as lost.
func (s *Service) ResolveRound(ctx context.Context, roundID int64, winningSide string) (int, error) {
	defer metrics.ObserveOp("resolve_round", time.Now())

	side, err := model.ParseWinningSide(winningSide)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidSide, err)
	}
	if roundID <= 0 {
		return 0, fmt.Errorf("%w: round id %d", ErrInvalidRound, roundID)
	}

	now := s.now()
	var (
		addresses []string
		won, lost int
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRound(ctx, roundID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrRoundNotFound, roundID)
			}
			return err
		}
		if r.Resolved {
			return fmt.Errorf("%w: round %d (%s)", ErrAlreadyResolved, roundID, r.WinningSide)
		}
		if now.Before(r.EndAt) {
			return fmt.Errorf("%w: round %d ends at %s", ErrRoundNotEnded, roundID, r.EndAt.Format(time.RFC3339))
		}

		// Ordered by player id so concurrent resolutions lock balances in
		// the same order.
		bets, err := tx.ListPendingBets(ctx, roundID)
		if err != nil {
			return err
		}
		addresses = addresses[:0]
		won, lost = 0, 0
		for i := range bets {
			b := &bets[i]
			p, err := tx.GetPlayer(ctx, b.PlayerID)
			if err != nil {
				return err
			}
			addresses = append(addresses, p.Address)

			bal, err := tx.LockBalance(ctx, b.PlayerID)
			if err != nil {
				return err
			}
			if err := s.settle(ctx, tx, r, b, bal, side, now); err != nil {
				return err
			}
			if b.Status == model.BetWon {
				won++
			} else {
				lost++
			}
		}
		return tx.MarkRoundResolved(ctx, roundID, side, now)
	})
	if err != nil {
		return 0, err
	}

	metrics.RoundsResolved.Inc()
	metrics.BetsSettled.WithLabelValues(string(model.BetWon)).Add(float64(won))
	metrics.BetsSettled.WithLabelValues(string(model.BetLost)).Add(float64(lost))
	s.invalidate(ctx, addresses...)
	s.log.Info("round resolved",
		zap.Int64("round_id", roundID),
		zap.String("winning_side", string(side)),
		zap.Int("won", won),
		zap.Int("lost", lost),
	)
	s.publish(ctx, events.Event{
		Type:         events.RoundResolved,
		RoundID:      roundID,
		Side:         side,
		ResolvedBets: won + lost,
		At:           now,
	})
	return won + lost, nil
}

// settle releases one bet's stake: a win credits the payout, a loss
// forfeits the stake. Both append a settlement transfer.
func (s *Service) settle(ctx context.Context, tx store.Tx, r *model.Round, b *model.Bet, bal *model.Balance, side model.Side, now time.Time) error {
	if bal.Locked < b.Amount {
		return fmt.Errorf("bet %s: locked %s below stake %s", b.ID, bal.Locked, b.Amount)
	}
	bal.Locked -= b.Amount
	bal.UpdatedAt = now
	b.SettledAt = &now

	t := &model.Transfer{
		ID:        uuid.NewString(),
		PlayerID:  b.PlayerID,
		CreatedAt: now,
	}
	if b.Side == side {
		p, err := s.policy.Payout(b.Amount)
		if err != nil {
			return fmt.Errorf("payout for bet %s: %w", b.ID, err)
		}
		if bal.Available > math.MaxInt64-p {
			return fmt.Errorf("bet %s: payout %s overflows balance", b.ID, p)
		}
		bal.Available += p
		bal.Points++
		b.Status = model.BetWon
		b.Payout = p
		b.Claimed = true
		t.Type = model.TransferPayout
		t.Amount = p
		t.Meta = model.PayoutMeta{RoundID: r.ID, BetID: b.ID, Stake: b.Amount}
	} else {
		b.Status = model.BetLost
		t.Type = model.TransferLoss
		t.Meta = model.LossMeta{RoundID: r.ID, BetID: b.ID, Stake: b.Amount}
	}

	if err := tx.SettleBet(ctx, b); err != nil {
		return err
	}
	if err := tx.SaveBalance(ctx, bal); err != nil {
		return err
	}
	return tx.AppendTransfer(ctx, t)
}

// --- Helpers ---

func normalizeAddress(address string) (string, error) {
	addr, err := model.NormalizeAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return addr, nil
}

func toMoney(amount decimal.Decimal) (model.Money, error) {
	m, err := model.MoneyFromMajor(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	return m, nil
}

func view(b *model.Balance) model.BalanceView {
	return model.BalanceView{Available: b.Available, Locked: b.Locked, Points: b.Points}
}

// invalidate drops cached profiles. It runs after commit, so it must not
// be skipped when the caller's context is already cancelled.
func (s *Service) invalidate(ctx context.Context, addresses ...string) {
	if len(addresses) == 0 {
		return
	}
	s.cache.Invalidate(context.WithoutCancel(ctx), addresses...)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Warn("publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
