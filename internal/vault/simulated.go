package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/round-ledger/internal/model"
)

// Simulated is an in-process Vault used when no RPC endpoint is configured
// and in tests. Broadcasts are mined immediately unless a fault is
// injected. Like a real account, transactions mine in nonce order and at
// most one per nonce is ever mined.
type Simulated struct {
	mu        sync.Mutex
	address   string
	balance   model.Money
	nextNonce uint64
	confirmed uint64 // lowest nonce with nothing mined at or above it
	block     uint64
	txs       map[string]*simTx
	sends     int
	cancels   int

	failNext    error
	unknownNext bool
	lostNext    bool
	revertNext  bool
	holdNext    bool
	afterSend   func(txHash string)
}

type simTx struct {
	nonce   uint64
	to      string
	amount  model.Money
	status  ReceiptStatus
	block   uint64
	inPool  bool
	held    bool
	revert  bool
	dropped bool
}

// NewSimulated creates a simulated vault holding balance.
func NewSimulated(address string, balance model.Money) *Simulated {
	return &Simulated{
		address: strings.ToLower(address),
		balance: balance,
		block:   1,
		txs:     make(map[string]*simTx),
	}
}

func (s *Simulated) Address() string { return s.address }

func (s *Simulated) Balance(ctx context.Context) (model.Money, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *Simulated) Sign(ctx context.Context, to string, amount model.Money) (Transfer, error) {
	if err := ctx.Err(); err != nil {
		return Transfer{}, err
	}
	if !common.IsHexAddress(to) {
		return Transfer{}, fmt.Errorf("%w: %q", model.ErrInvalidAddress, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := max(s.nextNonce, s.confirmed)
	s.nextNonce = nonce + 1
	return s.transfer(nonce, strings.ToLower(to), amount, "transfer"), nil
}

func (s *Simulated) transfer(nonce uint64, to string, amount model.Money, kind string) Transfer {
	raw := fmt.Sprintf("%s:%s:%d:%s:%d", kind, s.address, nonce, to, amount)
	return Transfer{
		TxHash: crypto.Keccak256Hash([]byte(raw)).Hex(),
		Nonce:  nonce,
		To:     to,
		Amount: amount,
		Raw:    []byte(raw),
	}
}

func (s *Simulated) Broadcast(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.resyncLocked()
		s.mu.Unlock()
		return fmt.Errorf("send tx %s: %w", t.TxHash, err)
	}
	if s.lostNext {
		s.lostNext = false
		s.resyncLocked()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: connection reset", ErrBroadcastUnknown, t.TxHash)
	}
	if t.Nonce < s.confirmed {
		s.mu.Unlock()
		return fmt.Errorf("send tx %s: nonce too low", t.TxHash)
	}
	if tx, ok := s.txs[t.TxHash]; ok && tx.inPool && !tx.dropped {
		// Already known.
		s.mu.Unlock()
		return nil
	}
	if t.Amount > s.balance {
		s.resyncLocked()
		s.mu.Unlock()
		return fmt.Errorf("send tx %s: insufficient funds for transfer (have %s, want %s)", t.TxHash, s.balance, t.Amount)
	}

	s.sends++
	s.txs[t.TxHash] = &simTx{
		nonce:  t.Nonce,
		to:     t.To,
		amount: t.Amount,
		status: ReceiptPending,
		inPool: true,
		held:   s.holdNext,
		revert: s.revertNext,
	}
	s.holdNext, s.revertNext = false, false
	s.promoteLocked()

	unknown := s.unknownNext
	s.unknownNext = false
	hook := s.afterSend
	s.mu.Unlock()

	if hook != nil {
		hook(t.TxHash)
	}
	if unknown {
		return fmt.Errorf("%w: %s: connection reset", ErrBroadcastUnknown, t.TxHash)
	}
	return nil
}

func (s *Simulated) Release(Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncLocked()
}

// resyncLocked resets the next nonce to the first one not held by a mined
// or pooled transaction.
func (s *Simulated) resyncLocked() {
	next := s.confirmed
	for _, tx := range s.txs {
		if tx.inPool && !tx.dropped && tx.status == ReceiptPending {
			next = max(next, tx.nonce+1)
		}
	}
	s.nextNonce = next
}

// promoteLocked mines pooled transactions while one sits at the next
// nonce. Held and dropped ones wait for Mine.
func (s *Simulated) promoteLocked() {
	for {
		var next *simTx
		for _, tx := range s.txs {
			if tx.inPool && tx.status == ReceiptPending && !tx.held && !tx.dropped && tx.nonce == s.confirmed {
				next = tx
				break
			}
		}
		if next == nil {
			return
		}
		s.mineLocked(next)
	}
}

// mineLocked includes tx in a block. Every other transaction at the same
// nonce becomes unminable.
func (s *Simulated) mineLocked(tx *simTx) {
	s.block++
	tx.block = s.block
	if tx.revert {
		tx.status = ReceiptFailed
	} else {
		tx.status = ReceiptConfirmed
		s.balance -= tx.amount
	}
	s.confirmed = tx.nonce + 1
	for _, other := range s.txs {
		if other != tx && other.nonce == tx.nonce && other.status == ReceiptPending {
			other.dropped = true
		}
	}
}

func (s *Simulated) Receipt(ctx context.Context, txHash string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txHash]
	if !ok || tx.dropped {
		return Receipt{TxHash: txHash, Status: ReceiptNotFound}, nil
	}
	return Receipt{TxHash: txHash, Status: tx.status, BlockNumber: tx.block}, nil
}

func (s *Simulated) NonceSpent(ctx context.Context, nonce uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed > nonce, nil
}

// Cancel pools a zero-value self-transfer at t's nonce. It mines as soon as
// the nonce is next, ahead of a held t.
func (s *Simulated) Cancel(ctx context.Context, t Transfer) (Transfer, error) {
	if err := ctx.Err(); err != nil {
		return Transfer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Nonce < s.confirmed {
		return Transfer{}, fmt.Errorf("send cancel for %s: nonce too low", t.TxHash)
	}

	c := s.transfer(t.Nonce, s.address, 0, "cancel")
	s.txs[c.TxHash] = &simTx{nonce: c.Nonce, to: c.To, status: ReceiptPending, inPool: true}
	s.cancels++
	s.promoteLocked()
	return c, nil
}

// --- Fault injection ---

// FailNextSend makes the next Broadcast refuse its transfer.
func (s *Simulated) FailNextSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// AmbiguousNextSend broadcasts the next transfer but reports
// ErrBroadcastUnknown to the caller.
func (s *Simulated) AmbiguousNextSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unknownNext = true
}

// LoseNextSend reports ErrBroadcastUnknown for the next transfer without
// letting it reach the network.
func (s *Simulated) LoseNextSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostNext = true
}

// RevertNextSend mines the next transfer with a failed status.
func (s *Simulated) RevertNextSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertNext = true
}

// HoldNextSend leaves the next transfer pending until Mine or Drop.
func (s *Simulated) HoldNextSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdNext = true
}

// AfterSend installs a hook run after every broadcast, outside the lock.
func (s *Simulated) AfterSend(fn func(txHash string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterSend = fn
}

// Mine releases a held or dropped transfer, as a node that still holds it
// would, and reports whether it was mined. Once its nonce is spent it
// never can be.
func (s *Simulated) Mine(txHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txHash]
	if !ok || tx.status != ReceiptPending || tx.nonce < s.confirmed {
		return false
	}
	tx.held, tx.dropped = false, false
	s.promoteLocked()
	return tx.status != ReceiptPending
}

// Drop hides a pending transfer from Receipt, as if this node evicted it.
// Other nodes may still hold it, so Mine can still include it.
func (s *Simulated) Drop(txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[txHash]; ok && tx.status == ReceiptPending {
		tx.dropped = true
	}
}

// SetBalance overrides the vault balance.
func (s *Simulated) SetBalance(m model.Money) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = m
}

// Sends counts transfers that reached the simulated network.
func (s *Simulated) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// Cancels counts cancellation transfers mined.
func (s *Simulated) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}
