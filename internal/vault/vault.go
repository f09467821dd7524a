// Package vault wraps the on-chain account that holds the real funds
// backing every off-chain balance. The ledger only ever talks to it through
// Vault: a balance query, signed native transfers, and receipt and nonce
// lookups.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/round-ledger/internal/model"
)

var (
	// ErrBroadcastUnknown means a transfer may have reached the network but
	// the adapter could not confirm it (timeout, dropped connection). The
	// caller must poll the transfer's hash and may rebroadcast the same
	// signed bytes, but must never sign a new transfer for the same payout.
	ErrBroadcastUnknown = errors.New("vault: broadcast outcome unknown")

	// ErrTxFailed means the transfer was mined with a failed status.
	ErrTxFailed = errors.New("vault: transaction failed on chain")

	// ErrConfirmTimeout means no receipt arrived before the deadline.
	ErrConfirmTimeout = errors.New("vault: confirmation timed out")
)

// Transfer is a signed native transfer. Raw holds the signed bytes so the
// exact same transaction can be broadcast again after a restart.
type Transfer struct {
	TxHash string
	Nonce  uint64
	To     string
	Amount model.Money
	Raw    []byte
}

// Vault is the house-controlled on-chain account.
type Vault interface {
	// Address is the vault's public address.
	Address() string

	// Balance returns the vault's spendable on-chain balance.
	Balance(ctx context.Context) (model.Money, error)

	// Sign builds and signs a transfer of amount to to and reserves its
	// nonce. Nothing is broadcast.
	Sign(ctx context.Context, to string, amount model.Money) (Transfer, error)

	// Broadcast submits t. A node that already holds t counts as success.
	// Any error other than ErrBroadcastUnknown means the node refused t.
	Broadcast(ctx context.Context, t Transfer) error

	// Release gives back the nonce of a transfer that was signed but will
	// never be broadcast.
	Release(t Transfer)

	// Receipt reports the on-chain state of a transfer by hash.
	Receipt(ctx context.Context, txHash string) (Receipt, error)

	// NonceSpent reports whether a mined transaction of the vault already
	// uses nonce. Once it does, no other transaction at that nonce can
	// ever be mined.
	NonceSpent(ctx context.Context, nonce uint64) (bool, error)

	// Cancel broadcasts a zero-value transfer to the vault itself at t's
	// nonce with a higher gas price, so t can no longer be mined.
	Cancel(ctx context.Context, t Transfer) (Transfer, error)
}

// ReceiptStatus is the on-chain state of a sent transfer.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"   // known to the node, not mined
	ReceiptConfirmed ReceiptStatus = "confirmed" // mined, success
	ReceiptFailed    ReceiptStatus = "failed"    // mined, reverted
	ReceiptNotFound  ReceiptStatus = "not_found" // unknown to the node
)

// Receipt is the outcome of a transfer lookup.
type Receipt struct {
	TxHash      string        `json:"tx_hash"`
	Status      ReceiptStatus `json:"status"`
	BlockNumber uint64        `json:"block_number,omitempty"`
}

// WaitConfirmed polls v until txHash is mined or ctx expires. A mined but
// failed transaction returns ErrTxFailed; an expired ctx returns
// ErrConfirmTimeout with the last observed receipt.
func WaitConfirmed(ctx context.Context, v Vault, txHash string, every time.Duration) (Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	last := Receipt{TxHash: txHash, Status: ReceiptPending}
	for {
		rcpt, err := v.Receipt(ctx, txHash)
		if err == nil {
			last = rcpt
			switch rcpt.Status {
			case ReceiptConfirmed:
				return rcpt, nil
			case ReceiptFailed:
				return rcpt, fmt.Errorf("%w: %s", ErrTxFailed, txHash)
			}
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%w: %s (%s)", ErrConfirmTimeout, txHash, last.Status)
		case <-ticker.C:
		}
	}
}
