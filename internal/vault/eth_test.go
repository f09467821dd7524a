package vault_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"github.com/atmx/round-ledger/internal/vault"
)

// flakyBackend loses the next SendTransaction before it reaches the node,
// the way a dropped connection does.
type flakyBackend struct {
	simulated.Client
	loseNext bool
}

func (f *flakyBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.loseNext {
		f.loseNext = false
		return errors.New("write tcp: connection reset by peer")
	}
	return f.Client.SendTransaction(ctx, tx)
}

type ethEnv struct {
	sim   *simulated.Backend
	flaky *flakyBackend
	v     *vault.EthVault
}

// newEthEnv funds a fresh key with 100 ether on a simulated chain.
func newEthEnv(t *testing.T) *ethEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	funds := new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)
	sim := simulated.NewBackend(types.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: funds},
	})
	t.Cleanup(func() { _ = sim.Close() })

	flaky := &flakyBackend{Client: sim.Client()}
	v, err := vault.NewEthVault(context.Background(), flaky, key, 0)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return &ethEnv{sim: sim, flaky: flaky, v: v}
}

func (e *ethEnv) receipt(t *testing.T, hash string) vault.Receipt {
	t.Helper()
	rcpt, err := e.v.Receipt(context.Background(), hash)
	if err != nil {
		t.Fatalf("receipt %s: %v", hash, err)
	}
	return rcpt
}

func (e *ethEnv) nonceSpent(t *testing.T, nonce uint64) bool {
	t.Helper()
	spent, err := e.v.NonceSpent(context.Background(), nonce)
	if err != nil {
		t.Fatalf("nonce spent: %v", err)
	}
	return spent
}

func (e *ethEnv) playerBalance(t *testing.T) *big.Int {
	t.Helper()
	bal, err := e.sim.Client().BalanceAt(context.Background(), common.HexToAddress(playerAddr), nil)
	if err != nil {
		t.Fatalf("player balance: %v", err)
	}
	return bal
}

func TestEthVault_BroadcastConfirms(t *testing.T) {
	ctx := context.Background()
	env := newEthEnv(t)

	tr, err := env.v.Sign(ctx, playerAddr, m("1"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if tr.Nonce != 0 || len(tr.Raw) == 0 {
		t.Fatalf("unexpected transfer %+v", tr)
	}
	if err := env.v.Broadcast(ctx, tr); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := env.receipt(t, tr.TxHash).Status; got != vault.ReceiptPending {
		t.Errorf("expected pending before mining, got %s", got)
	}
	if env.nonceSpent(t, tr.Nonce) {
		t.Error("expected nonce unspent before mining")
	}

	env.sim.Commit()

	rcpt := env.receipt(t, tr.TxHash)
	if rcpt.Status != vault.ReceiptConfirmed || rcpt.BlockNumber == 0 {
		t.Errorf("unexpected receipt %+v", rcpt)
	}
	if !env.nonceSpent(t, tr.Nonce) {
		t.Error("expected nonce spent after mining")
	}
	if got := env.playerBalance(t); got.Cmp(m("1").Wei()) != 0 {
		t.Errorf("expected player to receive 1 ether, got %s wei", got)
	}
}

func TestEthVault_RebroadcastIsAlreadyKnown(t *testing.T) {
	ctx := context.Background()
	env := newEthEnv(t)

	tr, _ := env.v.Sign(ctx, playerAddr, m("1"))
	if err := env.v.Broadcast(ctx, tr); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := env.v.Broadcast(ctx, tr); err != nil {
		t.Fatalf("expected second broadcast of the same tx to succeed, got %v", err)
	}
	env.sim.Commit()

	if got := env.receipt(t, tr.TxHash).Status; got != vault.ReceiptConfirmed {
		t.Errorf("expected confirmed, got %s", got)
	}
	if got := env.playerBalance(t); got.Cmp(m("1").Wei()) != 0 {
		t.Errorf("expected a single payout, got %s wei", got)
	}
}

func TestEthVault_RefusedBroadcastFreesNonce(t *testing.T) {
	ctx := context.Background()
	env := newEthEnv(t)

	tr, _ := env.v.Sign(ctx, playerAddr, m("1000"))
	err := env.v.Broadcast(ctx, tr)
	if err == nil || errors.Is(err, vault.ErrBroadcastUnknown) {
		t.Fatalf("expected node to refuse an overdraft, got %v", err)
	}

	next, err := env.v.Sign(ctx, playerAddr, m("1"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if next.Nonce != tr.Nonce {
		t.Fatalf("expected nonce %d reused, got %d", tr.Nonce, next.Nonce)
	}
	if err := env.v.Broadcast(ctx, next); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	env.sim.Commit()

	if got := env.receipt(t, next.TxHash).Status; got != vault.ReceiptConfirmed {
		t.Errorf("expected follow-up transfer mined without a nonce gap, got %s", got)
	}
}

func TestEthVault_UnknownOutcomeResyncsNonce(t *testing.T) {
	ctx := context.Background()
	env := newEthEnv(t)

	env.flaky.loseNext = true
	lost, _ := env.v.Sign(ctx, playerAddr, m("1"))
	if err := env.v.Broadcast(ctx, lost); !errors.Is(err, vault.ErrBroadcastUnknown) {
		t.Fatalf("expected ErrBroadcastUnknown, got %v", err)
	}
	if got := env.receipt(t, lost.TxHash).Status; got != vault.ReceiptNotFound {
		t.Fatalf("expected lost tx unknown to the node, got %s", got)
	}

	next, _ := env.v.Sign(ctx, playerAddr, m("2"))
	if next.Nonce != lost.Nonce {
		t.Fatalf("expected nonce %d reused after resync, got %d", lost.Nonce, next.Nonce)
	}
	if err := env.v.Broadcast(ctx, next); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	env.sim.Commit()

	if got := env.receipt(t, next.TxHash).Status; got != vault.ReceiptConfirmed {
		t.Errorf("expected follow-up mined, got %s", got)
	}
	// The lost transfer's nonce now belongs to another transaction, so it
	// can never be mined.
	if !env.nonceSpent(t, lost.Nonce) {
		t.Error("expected lost nonce spent")
	}
	if got := env.receipt(t, lost.TxHash).Status; got != vault.ReceiptNotFound {
		t.Errorf("expected lost tx not found, got %s", got)
	}
	if err := env.v.Broadcast(ctx, lost); err == nil || errors.Is(err, vault.ErrBroadcastUnknown) {
		t.Errorf("expected node to refuse a spent nonce, got %v", err)
	}
}

func TestEthVault_CancelReplacesPendingTransfer(t *testing.T) {
	ctx := context.Background()
	env := newEthEnv(t)

	tr, _ := env.v.Sign(ctx, playerAddr, m("1"))
	if err := env.v.Broadcast(ctx, tr); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	c, err := env.v.Cancel(ctx, tr)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c.Nonce != tr.Nonce || c.TxHash == tr.TxHash {
		t.Fatalf("expected replacement at nonce %d, got %+v", tr.Nonce, c)
	}
	env.sim.Commit()

	if got := env.receipt(t, c.TxHash).Status; got != vault.ReceiptConfirmed {
		t.Errorf("expected cancellation mined, got %s", got)
	}
	if got := env.receipt(t, tr.TxHash).Status; got != vault.ReceiptNotFound {
		t.Errorf("expected replaced tx not found, got %s", got)
	}
	if !env.nonceSpent(t, tr.Nonce) {
		t.Error("expected nonce spent by cancellation")
	}
	if got := env.playerBalance(t); got.Sign() != 0 {
		t.Errorf("expected no payout, got %s wei", got)
	}
}
