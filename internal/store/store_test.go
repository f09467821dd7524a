package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/round-ledger/internal/model"
	"github.com/atmx/round-ledger/internal/round"
	"github.com/atmx/round-ledger/internal/store"
)

var (
	t0    = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

// runStoreSuite exercises behavior every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("GetOrCreatePlayerIsIdempotent", func(t *testing.T) {
		testGetOrCreatePlayer(t, newStore(t))
	})
	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		testRollback(t, newStore(t))
	})
	t.Run("EnsureRoundNeverOverwrites", func(t *testing.T) {
		testEnsureRound(t, newStore(t))
	})
	t.Run("DuplicateBet", func(t *testing.T) {
		testDuplicateBet(t, newStore(t))
	})
	t.Run("DuplicateDepositTxHash", func(t *testing.T) {
		testDuplicateDeposit(t, newStore(t))
	})
	t.Run("OneOpenWithdrawal", func(t *testing.T) {
		testOneOpenWithdrawal(t, newStore(t))
	})
	t.Run("TransfersInCommitOrder", func(t *testing.T) {
		testTransferOrder(t, newStore(t))
	})
	t.Run("PlayerStats", func(t *testing.T) {
		testPlayerStats(t, newStore(t))
	})
	t.Run("ConcurrentGetOrCreate", func(t *testing.T) {
		testConcurrentGetOrCreate(t, newStore(t))
	})
}

func mustPlayer(t *testing.T, st store.Store, address string) *model.Player {
	t.Helper()
	var p *model.Player
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		p, err = tx.GetOrCreatePlayer(context.Background(), address, t0)
		return err
	})
	if err != nil {
		t.Fatalf("get or create player: %v", err)
	}
	return p
}

func mustRound(t *testing.T, st store.Store, id int64) model.Round {
	t.Helper()
	r, err := round.Shell(id, 60)
	if err != nil {
		t.Fatalf("round shell: %v", err)
	}
	err = st.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.EnsureRound(context.Background(), r)
		return err
	})
	if err != nil {
		t.Fatalf("ensure round: %v", err)
	}
	return r
}

func newBet(playerID string, roundID int64, amount model.Money, side model.Side) *model.Bet {
	return &model.Bet{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		RoundID:   roundID,
		Amount:    amount,
		Side:      side,
		Status:    model.BetPending,
		CreatedAt: t0,
	}
}

func testGetOrCreatePlayer(t *testing.T, st store.Store) {
	ctx := context.Background()
	p1 := mustPlayer(t, st, alice)
	p2 := mustPlayer(t, st, alice)
	if p1.ID != p2.ID {
		t.Fatalf("expected same player, got %s and %s", p1.ID, p2.ID)
	}

	b, err := st.GetBalance(ctx, p1.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.Available != 0 || b.Locked != 0 || b.Points != 0 {
		t.Errorf("expected zero balance, got %+v", b)
	}

	if _, err := st.FindPlayer(ctx, bob); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown player, got %v", err)
	}
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	p := mustPlayer(t, st, alice)
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx store.Tx) error {
		b, err := tx.LockBalance(ctx, p.ID)
		if err != nil {
			return err
		}
		b.Available = model.MustParseMoney("5")
		if err := tx.SaveBalance(ctx, b); err != nil {
			return err
		}
		if err := tx.AppendTransfer(ctx, &model.Transfer{
			ID: uuid.NewString(), PlayerID: p.ID, Type: model.TransferDeposit,
			Amount: b.Available, Meta: model.DepositMeta{}, CreatedAt: t0,
		}); err != nil {
			return err
		}
		if _, err := tx.GetOrCreatePlayer(ctx, bob, t0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	b, _ := st.GetBalance(ctx, p.ID)
	if b.Available != 0 {
		t.Errorf("expected rolled back balance 0, got %s", b.Available)
	}
	transfers, _ := st.ListTransfers(ctx, p.ID)
	if len(transfers) != 0 {
		t.Errorf("expected no transfers, got %d", len(transfers))
	}
	if _, err := st.FindPlayer(ctx, bob); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected bob to be rolled back, got %v", err)
	}
}

func testEnsureRound(t *testing.T, st store.Store) {
	ctx := context.Background()
	r := mustRound(t, st, 1_767_268_800)

	other := r
	other.Timeframe = 30
	other.EndAt = r.StartAt.Add(30 * time.Second)

	var got *model.Round
	err := st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.EnsureRound(ctx, other)
		return err
	})
	if err != nil {
		t.Fatalf("ensure round: %v", err)
	}
	if got.Timeframe != 60 || !got.EndAt.Equal(r.EndAt) {
		t.Errorf("existing round was overwritten: %+v", got)
	}

	if _, err := st.GetRound(ctx, 60); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testDuplicateBet(t *testing.T, st store.Store) {
	ctx := context.Background()
	p := mustPlayer(t, st, alice)
	r := mustRound(t, st, 1_767_268_800)

	insert := func() error {
		return st.WithTx(ctx, func(tx store.Tx) error {
			return tx.InsertBet(ctx, newBet(p.ID, r.ID, 1, model.SideUp))
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	if err := insert(); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	bets, _ := st.ListBetsByRound(ctx, r.ID)
	if len(bets) != 1 {
		t.Errorf("expected 1 bet, got %d", len(bets))
	}
}

func testDuplicateDeposit(t *testing.T, st store.Store) {
	ctx := context.Background()
	p := mustPlayer(t, st, alice)

	deposit := func(hash string) error {
		return st.WithTx(ctx, func(tx store.Tx) error {
			return tx.AppendTransfer(ctx, &model.Transfer{
				ID: uuid.NewString(), PlayerID: p.ID, Type: model.TransferDeposit,
				Amount: 1, Meta: model.DepositMeta{TxHash: hash}, CreatedAt: t0,
			})
		})
	}
	if err := deposit("0xaaa"); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if err := deposit("0xAAA"); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for repeated hash, got %v", err)
	}
	// Deposits without a hash are never deduplicated.
	if err := deposit(""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := deposit(""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func testOneOpenWithdrawal(t *testing.T, st store.Store) {
	ctx := context.Background()
	p := mustPlayer(t, st, alice)

	w1 := &model.Withdrawal{
		ID: uuid.NewString(), PlayerID: p.ID, Address: alice, Amount: 1,
		Status: model.WithdrawalRequested, CreatedAt: t0, UpdatedAt: t0,
	}
	insert := func(w *model.Withdrawal) error {
		return st.WithTx(ctx, func(tx store.Tx) error { return tx.InsertWithdrawal(ctx, w) })
	}
	if err := insert(w1); err != nil {
		t.Fatalf("first withdrawal: %v", err)
	}

	w2 := *w1
	w2.ID = uuid.NewString()
	if err := insert(&w2); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate while open, got %v", err)
	}

	raw := []byte{0xf8, 0x6b, 0x01}
	err := st.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWithdrawal(ctx, w1.ID)
		if err != nil {
			return err
		}
		w.Status = model.WithdrawalSigned
		w.TxHash = "0xfeed"
		w.Nonce = 42
		w.RawTx = raw
		return tx.UpdateWithdrawal(ctx, w)
	})
	if err != nil {
		t.Fatalf("record signed withdrawal: %v", err)
	}
	if err := insert(&w2); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate while signed, got %v", err)
	}
	signed, _ := st.ListWithdrawalsByStatus(ctx, model.WithdrawalSigned)
	if len(signed) != 1 || signed[0].Nonce != 42 || string(signed[0].RawTx) != string(raw) {
		t.Fatalf("expected nonce and raw tx kept, got %+v", signed)
	}

	err = st.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWithdrawal(ctx, w1.ID)
		if err != nil {
			return err
		}
		w.Status = model.WithdrawalDebited
		w.TxHash = "0xfeed"
		w.BlockNumber = 7
		return tx.UpdateWithdrawal(ctx, w)
	})
	if err != nil {
		t.Fatalf("update withdrawal: %v", err)
	}
	if err := insert(&w2); err != nil {
		t.Errorf("expected new withdrawal after close, got %v", err)
	}

	debited, _ := st.ListWithdrawalsByStatus(ctx, model.WithdrawalDebited)
	if len(debited) != 1 || debited[0].TxHash != "0xfeed" || debited[0].BlockNumber != 7 {
		t.Errorf("unexpected debited withdrawals %+v", debited)
	}
}

func testTransferOrder(t *testing.T, st store.Store) {
	ctx := context.Background()
	p := mustPlayer(t, st, alice)

	types := []model.TransferMeta{
		model.DepositMeta{TxHash: "0x01"},
		model.BetLockMeta{RoundID: 60, BetID: "b1"},
		model.LossMeta{RoundID: 60, BetID: "b1", Stake: 3},
		model.WithdrawMeta{TxHash: "0x02", BlockNumber: 9, WithdrawalID: "w1"},
	}
	for _, meta := range types {
		err := st.WithTx(ctx, func(tx store.Tx) error {
			return tx.AppendTransfer(ctx, &model.Transfer{
				ID: uuid.NewString(), PlayerID: p.ID, Type: meta.TransferType(),
				Amount: 1, Meta: meta, CreatedAt: t0,
			})
		})
		if err != nil {
			t.Fatalf("append %s: %v", meta.TransferType(), err)
		}
	}

	got, err := st.ListTransfers(ctx, p.ID)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(got) != len(types) {
		t.Fatalf("expected %d transfers, got %d", len(types), len(got))
	}
	for i, meta := range types {
		if got[i].Meta != meta {
			t.Errorf("transfer %d: expected meta %+v, got %+v", i, meta, got[i].Meta)
		}
	}
}

func testPlayerStats(t *testing.T, st store.Store) {
	ctx := context.Background()
	p := mustPlayer(t, st, alice)
	r1 := mustRound(t, st, 1_767_268_800)
	r2 := mustRound(t, st, 1_767_268_860)
	r3 := mustRound(t, st, 1_767_268_920)

	won := newBet(p.ID, r1.ID, model.MustParseMoney("0.4"), model.SideUp)
	lost := newBet(p.ID, r2.ID, model.MustParseMoney("0.5"), model.SideDown)
	pending := newBet(p.ID, r3.ID, model.MustParseMoney("0.1"), model.SideUp)

	err := st.WithTx(ctx, func(tx store.Tx) error {
		for _, b := range []*model.Bet{won, lost, pending} {
			if err := tx.InsertBet(ctx, b); err != nil {
				return err
			}
		}
		settled := t0.Add(time.Minute)
		won.Status, won.Payout, won.Claimed, won.SettledAt = model.BetWon, model.MustParseMoney("0.8"), true, &settled
		lost.Status, lost.SettledAt = model.BetLost, &settled
		if err := tx.SettleBet(ctx, won); err != nil {
			return err
		}
		return tx.SettleBet(ctx, lost)
	})
	if err != nil {
		t.Fatalf("seed bets: %v", err)
	}

	stats, err := st.GetPlayerStats(ctx, p.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.GamesPlayed != 3 || stats.GamesWon != 1 {
		t.Errorf("expected 3 played / 1 won, got %+v", stats)
	}
	if stats.TotalWagered != model.MustParseMoney("1") {
		t.Errorf("expected wagered 1, got %s", stats.TotalWagered)
	}
	if stats.TotalPayout != model.MustParseMoney("0.8") {
		t.Errorf("expected payout 0.8, got %s", stats.TotalPayout)
	}
	if stats.WinRate.String() != "50" {
		t.Errorf("expected win rate 50 over settled bets, got %s", stats.WinRate)
	}

	// A settled bet cannot be settled again.
	err = st.WithTx(ctx, func(tx store.Tx) error { return tx.SettleBet(ctx, won) })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound re-settling a bet, got %v", err)
	}
}

func testConcurrentGetOrCreate(t *testing.T, st store.Store) {
	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.WithTx(context.Background(), func(tx store.Tx) error {
				p, err := tx.GetOrCreatePlayer(context.Background(), bob, t0)
				if err == nil {
					ids[i] = p.ID
				}
				return err
			})
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] == "" || ids[i] != ids[0] {
			t.Fatalf("expected all callers to observe one player, got %v", ids)
		}
	}
}
