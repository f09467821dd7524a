package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/round-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are BIGINT base units. Row locks (SELECT ... FOR UPDATE)
// serialize balance mutations per player without a global lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a transaction. It commits if fn returns nil,
// otherwise it rolls back.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return fmt.Errorf("rollback after fn error: %v (fn err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) FindPlayer(ctx context.Context, address string) (*model.Player, error) {
	return findPlayer(ctx, s.pool, address)
}

func (s *PostgresStore) GetBalance(ctx context.Context, playerID string) (*model.Balance, error) {
	return scanBalance(s.pool.QueryRow(ctx, selectBalance+` WHERE player_id = $1`, playerID), playerID)
}

func (s *PostgresStore) GetRound(ctx context.Context, id int64) (*model.Round, error) {
	return scanRound(s.pool.QueryRow(ctx, selectRound+` WHERE id = $1`, id), id)
}

func (s *PostgresStore) ListBetsByRound(ctx context.Context, roundID int64) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx, selectBet+` WHERE round_id = $1 ORDER BY created_at, id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list bets for round %d: %w", roundID, err)
	}
	return scanBets(rows)
}

func (s *PostgresStore) ListTransfers(ctx context.Context, playerID string) ([]model.Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, player_id, type, amount, meta, created_at
		 FROM transfers WHERE player_id = $1 ORDER BY seq`, playerID)
	if err != nil {
		return nil, fmt.Errorf("list transfers for %s: %w", playerID, err)
	}
	defer rows.Close()

	var transfers []model.Transfer
	for rows.Next() {
		var (
			t    model.Transfer
			raw  []byte
			amnt int64
		)
		if err := rows.Scan(&t.ID, &t.PlayerID, &t.Type, &amnt, &raw, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount = model.Money(amnt)
		if t.Meta, err = model.DecodeMeta(t.Type, raw); err != nil {
			return nil, fmt.Errorf("transfer %s: %w", t.ID, err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// GetPlayerStats computes aggregates in SQL rather than replaying history.
func (s *PostgresStore) GetPlayerStats(ctx context.Context, playerID string) (model.PlayerStats, error) {
	var (
		stats           model.PlayerStats
		wagered, payout int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'won'),
		        COUNT(*) FILTER (WHERE status <> 'pending'),
		        COALESCE(SUM(amount), 0)::BIGINT,
		        COALESCE(SUM(payout), 0)::BIGINT
		 FROM bets WHERE player_id = $1`, playerID).
		Scan(&stats.GamesPlayed, &stats.GamesWon, &stats.GamesSettled, &wagered, &payout)
	if err != nil {
		return stats, fmt.Errorf("player stats %s: %w", playerID, err)
	}
	stats.TotalWagered = model.Money(wagered)
	stats.TotalPayout = model.Money(payout)
	stats.ComputeWinRate()
	return stats, nil
}

func (s *PostgresStore) ListWithdrawalsByStatus(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx, selectWithdrawal+` WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s withdrawals: %w", status, err)
	}
	defer rows.Close()

	var result []model.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows, "")
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	q querier
}

func (tx *pgTx) GetOrCreatePlayer(ctx context.Context, address string, now time.Time) (*model.Player, error) {
	id := uuid.NewString()
	tag, err := tx.q.Exec(ctx,
		`INSERT INTO players (id, address, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (address) DO NOTHING`, id, address, now)
	if err != nil {
		return nil, fmt.Errorf("insert player %s: %w", address, err)
	}
	if tag.RowsAffected() == 1 {
		if _, err := tx.q.Exec(ctx,
			`INSERT INTO balances (player_id, updated_at) VALUES ($1, $2)`, id, now); err != nil {
			return nil, fmt.Errorf("insert balance %s: %w", id, err)
		}
	}
	return findPlayer(ctx, tx.q, address)
}

func (tx *pgTx) FindPlayer(ctx context.Context, address string) (*model.Player, error) {
	return findPlayer(ctx, tx.q, address)
}

func (tx *pgTx) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p model.Player
	err := tx.q.QueryRow(ctx,
		`SELECT id, address, created_at FROM players WHERE id = $1`, id).
		Scan(&p.ID, &p.Address, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "player "+id)
	}
	return &p, nil
}

func (tx *pgTx) LockBalance(ctx context.Context, playerID string) (*model.Balance, error) {
	return scanBalance(tx.q.QueryRow(ctx, selectBalance+` WHERE player_id = $1 FOR UPDATE`, playerID), playerID)
}

func (tx *pgTx) SaveBalance(ctx context.Context, b *model.Balance) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE balances SET available = $2, locked = $3, points = $4, updated_at = $5
		 WHERE player_id = $1`,
		b.PlayerID, int64(b.Available), int64(b.Locked), b.Points, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", b.PlayerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance %s: %w", b.PlayerID, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) EnsureRound(ctx context.Context, r model.Round) (*model.Round, error) {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO rounds (id, timeframe, start_at, end_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`, r.ID, r.Timeframe, r.StartAt, r.EndAt)
	if err != nil {
		return nil, fmt.Errorf("insert round %d: %w", r.ID, err)
	}
	// FOR SHARE blocks a concurrent resolution until this bet commits.
	return scanRound(tx.q.QueryRow(ctx, selectRound+` WHERE id = $1 FOR SHARE`, r.ID), r.ID)
}

func (tx *pgTx) LockRound(ctx context.Context, id int64) (*model.Round, error) {
	return scanRound(tx.q.QueryRow(ctx, selectRound+` WHERE id = $1 FOR UPDATE`, id), id)
}

func (tx *pgTx) MarkRoundResolved(ctx context.Context, id int64, side model.Side, at time.Time) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE rounds SET resolved = TRUE, winning_side = $2, resolved_at = $3
		 WHERE id = $1 AND NOT resolved`, id, string(side), at)
	if err != nil {
		return fmt.Errorf("resolve round %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unresolved round %d: %w", id, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO bets (id, player_id, round_id, amount, side, status, claimed, payout, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.PlayerID, b.RoundID, int64(b.Amount), string(b.Side), string(b.Status),
		b.Claimed, int64(b.Payout), b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bet by %s on round %d: %w", b.PlayerID, b.RoundID, ErrDuplicate)
		}
		return fmt.Errorf("insert bet: %w", err)
	}
	return nil
}

func (tx *pgTx) ListPendingBets(ctx context.Context, roundID int64) ([]model.Bet, error) {
	rows, err := tx.q.Query(ctx,
		selectBet+` WHERE round_id = $1 AND status = 'pending' ORDER BY player_id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list pending bets for round %d: %w", roundID, err)
	}
	return scanBets(rows)
}

func (tx *pgTx) SettleBet(ctx context.Context, b *model.Bet) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE bets SET status = $2, payout = $3, claimed = $4, settled_at = $5
		 WHERE id = $1 AND status = 'pending'`,
		b.ID, string(b.Status), int64(b.Payout), b.Claimed, b.SettledAt)
	if err != nil {
		return fmt.Errorf("settle bet %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending bet %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

func (tx *pgTx) AppendTransfer(ctx context.Context, t *model.Transfer) error {
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return fmt.Errorf("encode %s meta: %w", t.Type, err)
	}
	_, err = tx.q.Exec(ctx,
		`INSERT INTO transfers (id, player_id, type, amount, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.PlayerID, string(t.Type), int64(t.Amount), meta, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s transfer: %w", t.Type, ErrDuplicate)
		}
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (tx *pgTx) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO withdrawals (id, player_id, address, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.PlayerID, w.Address, int64(w.Amount), string(w.Status), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open withdrawal for %s: %w", w.PlayerID, ErrDuplicate)
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (tx *pgTx) LockWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return scanWithdrawal(tx.q.QueryRow(ctx, selectWithdrawal+` WHERE id = $1 FOR UPDATE`, id), id)
}

func (tx *pgTx) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE withdrawals SET status = $2, tx_hash = $3, nonce = $4, raw_tx = $5, block_number = $6, error = $7, updated_at = $8
		 WHERE id = $1`,
		w.ID, string(w.Status), w.TxHash, int64(w.Nonce), rawTx(w.RawTx), int64(w.BlockNumber), w.Error, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open withdrawal for %s: %w", w.PlayerID, ErrDuplicate)
		}
		return fmt.Errorf("update withdrawal %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

// --- Scanning helpers ---

const (
	selectBalance    = `SELECT player_id, available, locked, points, updated_at FROM balances`
	selectRound      = `SELECT id, timeframe, start_at, end_at, resolved, winning_side, resolved_at FROM rounds`
	selectBet        = `SELECT id, player_id, round_id, amount, side, status, claimed, payout, created_at, settled_at FROM bets`
	selectWithdrawal = `SELECT id, player_id, address, amount, status, tx_hash, nonce, raw_tx, block_number, error, created_at, updated_at FROM withdrawals`
)

func findPlayer(ctx context.Context, q querier, address string) (*model.Player, error) {
	var p model.Player
	err := q.QueryRow(ctx,
		`SELECT id, address, created_at FROM players WHERE address = $1`, address).
		Scan(&p.ID, &p.Address, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "player "+address)
	}
	return &p, nil
}

func scanBalance(row pgx.Row, playerID string) (*model.Balance, error) {
	var (
		b                 model.Balance
		available, locked int64
	)
	if err := row.Scan(&b.PlayerID, &available, &locked, &b.Points, &b.UpdatedAt); err != nil {
		return nil, notFound(err, "balance "+playerID)
	}
	b.Available = model.Money(available)
	b.Locked = model.Money(locked)
	return &b, nil
}

func scanRound(row pgx.Row, id int64) (*model.Round, error) {
	var (
		r    model.Round
		side string
	)
	if err := row.Scan(&r.ID, &r.Timeframe, &r.StartAt, &r.EndAt, &r.Resolved, &side, &r.ResolvedAt); err != nil {
		return nil, notFound(err, fmt.Sprintf("round %d", id))
	}
	r.WinningSide = model.Side(side)
	return &r, nil
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var (
			b              model.Bet
			amount, payout int64
			side, status   string
		)
		if err := rows.Scan(&b.ID, &b.PlayerID, &b.RoundID, &amount, &side, &status,
			&b.Claimed, &payout, &b.CreatedAt, &b.SettledAt); err != nil {
			return nil, err
		}
		b.Amount = model.Money(amount)
		b.Payout = model.Money(payout)
		b.Side = model.Side(side)
		b.Status = model.BetStatus(status)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func scanWithdrawal(row pgx.Row, id string) (*model.Withdrawal, error) {
	var (
		w      model.Withdrawal
		amount int64
		nonce  int64
		block  int64
		status string
	)
	if err := row.Scan(&w.ID, &w.PlayerID, &w.Address, &amount, &status, &w.TxHash,
		&nonce, &w.RawTx, &block, &w.Error, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, notFound(err, "withdrawal "+id)
	}
	w.Amount = model.Money(amount)
	w.Nonce = uint64(nonce)
	if len(w.RawTx) == 0 {
		w.RawTx = nil
	}
	w.BlockNumber = uint64(block)
	w.Status = model.WithdrawalStatus(status)
	return &w, nil
}

// rawTx keeps the NOT NULL raw_tx column satisfied for unsigned rows.
func rawTx(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
