package vault_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atmx/round-ledger/internal/model"
	"github.com/atmx/round-ledger/internal/vault"
)

const (
	vaultAddr  = "0x9999999999999999999999999999999999999999"
	playerAddr = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
)

func m(s string) model.Money { return model.MustParseMoney(s) }

// send signs and broadcasts a transfer, returning its hash and the
// broadcast error.
func send(t *testing.T, v vault.Vault, amount string) (vault.Transfer, error) {
	t.Helper()
	tr, err := v.Sign(context.Background(), playerAddr, m(amount))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tr, v.Broadcast(context.Background(), tr)
}

func TestSimulated_BroadcastConfirms(t *testing.T) {
	ctx := context.Background()
	v := vault.NewSimulated(vaultAddr, m("10"))

	tr, err := send(t, v, "1")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	rcpt, err := vault.WaitConfirmed(ctx, v, tr.TxHash, time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rcpt.Status != vault.ReceiptConfirmed || rcpt.BlockNumber == 0 {
		t.Errorf("unexpected receipt %+v", rcpt)
	}
	if b, _ := v.Balance(ctx); b != m("9") {
		t.Errorf("expected vault balance 9, got %s", b)
	}
	if spent, _ := v.NonceSpent(ctx, tr.Nonce); !spent {
		t.Error("expected nonce spent after mining")
	}
}

func TestSimulated_SignBroadcastsNothing(t *testing.T) {
	ctx := context.Background()
	v := vault.NewSimulated(vaultAddr, m("10"))

	tr, err := v.Sign(ctx, playerAddr, m("1"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if tr.TxHash == "" || len(tr.Raw) == 0 {
		t.Fatalf("expected hash and raw bytes, got %+v", tr)
	}
	if rcpt, _ := v.Receipt(ctx, tr.TxHash); rcpt.Status != vault.ReceiptNotFound {
		t.Errorf("expected unbroadcast tx not found, got %s", rcpt.Status)
	}
	if v.Sends() != 0 {
		t.Errorf("expected nothing broadcast, got %d", v.Sends())
	}

	// A released nonce is handed out again.
	v.Release(tr)
	again, _ := v.Sign(ctx, playerAddr, m("2"))
	if again.Nonce != tr.Nonce {
		t.Errorf("expected nonce %d reused, got %d", tr.Nonce, again.Nonce)
	}
}

func TestSimulated_FailNextSendBroadcastsNothing(t *testing.T) {
	ctx := context.Background()
	v := vault.NewSimulated(vaultAddr, m("10"))
	v.FailNextSend(errors.New("rpc down"))

	tr, err := send(t, v, "1")
	if err == nil || errors.Is(err, vault.ErrBroadcastUnknown) {
		t.Fatalf("expected definite failure, got %v", err)
	}
	if v.Sends() != 0 {
		t.Errorf("expected nothing broadcast, got %d sends", v.Sends())
	}

	next, _ := v.Sign(ctx, playerAddr, m("1"))
	if next.Nonce != tr.Nonce {
		t.Errorf("expected refused nonce %d reused, got %d", tr.Nonce, next.Nonce)
	}
}

func TestSimulated_AmbiguousSendIsPollable(t *testing.T) {
	ctx := context.Background()
	v := vault.NewSimulated(vaultAddr, m("10"))
	v.AmbiguousNextSend()

	tr, err := send(t, v, "1")
	if !errors.Is(err, vault.ErrBroadcastUnknown) {
		t.Fatalf("expected ErrBroadcastUnknown, got %v", err)
	}
	rcpt, err := v.Receipt(ctx, tr.TxHash)
	if err != nil || rcpt.Status != vault.ReceiptConfirmed {
		t.Errorf("expected ambiguous send to be mined, got %+v %v", rcpt, err)
	}
}

func TestSimulated_LostSendCanBeRebroadcast(t *testing.T) {
	ctx := context.Background()
	v := vault.NewSimulated(vaultAddr, m("10"))
	v.LoseNextSend()

	tr, err := send(t, v, "1")
	if !errors.Is(err, vault.ErrBroadcastUnknown) {
		t.Fatalf("expected ErrBroadcastUnknown, got %v", err)
	}
	if rcpt, _ := v.Receipt(ctx, tr.TxHash); rcpt.Status != vault.ReceiptNotFound {
		t.Fatalf("expected lost tx not found, got %s", rcpt.Status)
	}
	if spent, _ := v.NonceSpent(ctx, tr.Nonce); spent {
		t.Fatal("expected nonce unspent")
	}

	if err := v.Broadcast(ctx, tr); err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	if rcpt, _ := v.Receipt(ctx, tr.TxHash); rcpt.Status != vault.ReceiptConfirmed {
		t.Errorf("expected rebroadcast tx mined, got %s", rcpt.Status)
	}
	if err := v.Broadcast(ctx, tr); err == nil {
		t.Error("expected rebroadcast of a mined tx to be refused")
	}
}

func TestSimulated_MinesInNonceOrder(t *testing.T) {
	ctx := context.Background()
	v := vault.NewSimulated(vaultAddr, m("10"))
	v.HoldNextSend()

	first, _ := send(t, v, "1")
	second, err := send(t, v, "2")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if rcpt, _ := v.Receipt(ctx, second.TxHash); rcpt.Status != vault.ReceiptPending {
		t.Fatalf("expected later nonce queued behind held one, got %s", rcpt.Status)
	}

	if !v.Mine(first.TxHash) {
		t.Fatal("expected held tx to mine")
	}
	if rcpt, _ := v.Receipt(ctx, second.TxHash); rcpt.Status != vault.ReceiptConfirmed {
		t.Errorf("expected queued tx mined after gap filled, got %s", rcpt.Status)
	}
	if b, _ := v.Balance(ctx); b != m("7") {
		t.Errorf("expected vault balance 7, got %s", b)
	}
}

func TestSimulated_CancelMakesTransferUnminable(t *testing.T) {
	ctx := context.Background()
	v := vault.NewSimulated(vaultAddr, m("10"))
	v.HoldNextSend()

	tr, _ := send(t, v, "1")
	v.Drop(tr.TxHash)

	c, err := v.Cancel(ctx, tr)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c.Nonce != tr.Nonce || c.TxHash == tr.TxHash {
		t.Errorf("expected replacement at nonce %d, got %+v", tr.Nonce, c)
	}
	if spent, _ := v.NonceSpent(ctx, tr.Nonce); !spent {
		t.Error("expected nonce spent by cancellation")
	}
	if v.Mine(tr.TxHash) {
		t.Error("expected replaced tx to be unminable")
	}
	if err := v.Broadcast(ctx, tr); err == nil {
		t.Error("expected rebroadcast of replaced tx to be refused")
	}
	if rcpt, _ := v.Receipt(ctx, tr.TxHash); rcpt.Status != vault.ReceiptNotFound {
		t.Errorf("expected replaced tx not found, got %s", rcpt.Status)
	}
	if b, _ := v.Balance(ctx); b != m("10") {
		t.Errorf("expected vault balance untouched, got %s", b)
	}
}

func TestWaitConfirmed_Reverted(t *testing.T) {
	ctx := context.Background()
	v := vault.NewSimulated(vaultAddr, m("10"))
	v.RevertNextSend()

	tr, _ := send(t, v, "1")
	if _, err := vault.WaitConfirmed(ctx, v, tr.TxHash, time.Millisecond); !errors.Is(err, vault.ErrTxFailed) {
		t.Errorf("expected ErrTxFailed, got %v", err)
	}
}

func TestWaitConfirmed_Timeout(t *testing.T) {
	v := vault.NewSimulated(vaultAddr, m("10"))
	v.HoldNextSend()

	tr, _ := send(t, v, "1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rcpt, err := vault.WaitConfirmed(ctx, v, tr.TxHash, 5*time.Millisecond)
	if !errors.Is(err, vault.ErrConfirmTimeout) {
		t.Fatalf("expected ErrConfirmTimeout, got %v", err)
	}
	if rcpt.Status != vault.ReceiptPending {
		t.Errorf("expected pending receipt, got %s", rcpt.Status)
	}

	v.Drop(tr.TxHash)
	if rcpt, _ := v.Receipt(context.Background(), tr.TxHash); rcpt.Status != vault.ReceiptNotFound {
		t.Errorf("expected dropped tx not found, got %s", rcpt.Status)
	}
}

func TestSimulated_ConcurrentSignsGetDistinctNonces(t *testing.T) {
	v := vault.NewSimulated(vaultAddr, m("100"))
	const n = 20

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = make(map[uint64]bool)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := v.Sign(context.Background(), playerAddr, m("1"))
			if err == nil {
				err = v.Broadcast(context.Background(), tr)
			}
			if err != nil {
				t.Errorf("send: %v", err)
				return
			}
			mu.Lock()
			nonces[tr.Nonce] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(nonces) != n {
		t.Errorf("expected %d distinct nonces, got %d", n, len(nonces))
	}
	if b, _ := v.Balance(context.Background()); b != m("80") {
		t.Errorf("expected every transfer mined, vault balance %s", b)
	}
}

// countingVault counts Balance calls through to the chain.
type countingVault struct {
	*vault.Simulated
	calls int
}

func (c *countingVault) Balance(ctx context.Context) (model.Money, error) {
	c.calls++
	return c.Simulated.Balance(ctx)
}

func TestCachedVault_TTLAndInvalidation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	inner := &countingVault{Simulated: vault.NewSimulated(vaultAddr, m("10"))}
	cached := vault.NewCachedVault(inner, vault.NewMemoryBalanceCache(clock), 5*time.Second)

	for range 3 {
		if b, err := cached.Balance(ctx); err != nil || b != m("10") {
			t.Fatalf("balance: %s %v", b, err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 chain call within TTL, got %d", inner.calls)
	}

	now = now.Add(6 * time.Second)
	if _, err := cached.Balance(ctx); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected refresh after TTL, got %d calls", inner.calls)
	}

	if _, err := send(t, cached, "4"); err != nil {
		t.Fatalf("send: %v", err)
	}
	b, _ := cached.Balance(ctx)
	if b != m("6") {
		t.Errorf("expected fresh balance 6 after broadcast, got %s", b)
	}
	if inner.calls != 3 {
		t.Errorf("expected broadcast to invalidate cache, got %d calls", inner.calls)
	}
}

func TestCachedVault_ZeroTTLDisablesCache(t *testing.T) {
	inner := &countingVault{Simulated: vault.NewSimulated(vaultAddr, m("10"))}
	cached := vault.NewCachedVault(inner, vault.NewMemoryBalanceCache(nil), 0)

	_, _ = cached.Balance(context.Background())
	_, _ = cached.Balance(context.Background())
	if inner.calls != 2 {
		t.Errorf("expected 2 chain calls, got %d", inner.calls)
	}
}
