package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/model"
	"github.com/atmx/round-ledger/internal/vault"
)

// DefaultRebroadcastAfter is how long an open withdrawal may go unseen by
// the node before its signed transfer is broadcast again, and how long a
// withdrawal may stay requested before it is given up.
const DefaultRebroadcastAfter = 5 * time.Minute

var (
	errNonceSpent = errors.New("nonce spent by another transaction")
	errNeverSent  = errors.New("withdrawal never signed")
)

// Reconciler finishes withdrawals whose outcome was not observed by the
// request that started them.
//
// A withdrawal that was signed is only reverted once its transfer can no
// longer be mined: it failed on chain, the node refused it, or a mined
// transaction already uses its nonce. A transfer the node has lost is
// broadcast again from the stored bytes; if the node refuses it, a
// cancellation at the same nonce is sent and the next pass reverts.
type Reconciler struct {
	svc              *Service
	rebroadcastAfter time.Duration
	log              *zap.Logger
}

// NewReconciler creates a reconciler. A non-positive rebroadcastAfter uses
// DefaultRebroadcastAfter.
func NewReconciler(svc *Service, rebroadcastAfter time.Duration) *Reconciler {
	if rebroadcastAfter <= 0 {
		rebroadcastAfter = DefaultRebroadcastAfter
	}
	return &Reconciler{svc: svc, rebroadcastAfter: rebroadcastAfter, log: svc.log.Named("reconciler")}
}

// ReconcileStats counts what one pass did.
type ReconcileStats struct {
	Debited     int
	Reverted    int
	Failed      int
	Rebroadcast int
	Cancelled   int
	StillOpen   int
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := r.ReconcileOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Warn("reconcile pass", zap.Error(err))
				continue
			}
			if stats.Debited+stats.Reverted+stats.Failed+stats.Rebroadcast+stats.Cancelled > 0 {
				r.log.Info("reconcile pass",
					zap.Int("debited", stats.Debited),
					zap.Int("reverted", stats.Reverted),
					zap.Int("reconcile_failed", stats.Failed),
					zap.Int("rebroadcast", stats.Rebroadcast),
					zap.Int("cancelled", stats.Cancelled),
					zap.Int("still_open", stats.StillOpen),
				)
			}
		}
	}
}

// ReconcileOnce walks every open withdrawal once.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	for _, status := range []model.WithdrawalStatus{
		model.WithdrawalRequested,
		model.WithdrawalSigned,
		model.WithdrawalSent,
	} {
		ws, err := r.svc.store.ListWithdrawalsByStatus(ctx, status)
		if err != nil {
			return stats, err
		}
		for i := range ws {
			if err := r.reconcile(ctx, &ws[i], &stats); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// reconcile returns an error only when ctx is done.
func (r *Reconciler) reconcile(ctx context.Context, w *model.Withdrawal, stats *ReconcileStats) error {
	log := r.log.With(zap.String("withdrawal_id", w.ID), zap.String("status", string(w.Status)))
	stale := r.svc.now().Sub(w.UpdatedAt) >= r.rebroadcastAfter

	if w.TxHash == "" {
		// Requested but never signed: nothing can be on chain.
		if !stale {
			stats.StillOpen++
			return nil
		}
		if r.svc.finish(ctx, w, model.WithdrawalReverted, errNeverSent.Error()) {
			_ = r.svc.reverted(ctx, w, "", errNeverSent, log)
			stats.Reverted++
		} else {
			stats.StillOpen++
		}
		return nil
	}
	log = log.With(zap.String("tx_hash", w.TxHash), zap.Uint64("nonce", w.Nonce))

	// The nonce is checked before the receipt: if it is spent and the
	// receipt is still missing afterwards, this transfer lost the nonce.
	rctx, cancel := context.WithTimeout(ctx, r.svc.vaultTimeout)
	spent, err := r.svc.vault.NonceSpent(rctx, w.Nonce)
	var rcpt vault.Receipt
	if err == nil {
		rcpt, err = r.svc.vault.Receipt(rctx, w.TxHash)
	}
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("chain lookup", zap.Error(err))
		stats.StillOpen++
		return nil
	}

	switch rcpt.Status {
	case vault.ReceiptConfirmed:
		_, err := r.svc.settleWithdrawal(ctx, w.ID, rcpt)
		var recErr *ReconciliationError
		switch {
		case errors.As(err, &recErr):
			stats.Failed++
		case err != nil:
			log.Error("settle confirmed withdrawal", zap.Error(err))
			stats.StillOpen++
		default:
			stats.Debited++
		}

	case vault.ReceiptFailed:
		if r.svc.finish(ctx, w, model.WithdrawalReverted, "transaction failed on chain") {
			_ = r.svc.reverted(ctx, w, w.TxHash, vault.ErrTxFailed, log)
			stats.Reverted++
		}

	case vault.ReceiptNotFound:
		switch {
		case spent:
			if r.svc.finish(ctx, w, model.WithdrawalReverted, errNonceSpent.Error()) {
				_ = r.svc.reverted(ctx, w, w.TxHash, errNonceSpent, log)
				stats.Reverted++
			}
		case stale:
			r.rebroadcast(ctx, w, stats, log)
		default:
			stats.StillOpen++
		}

	default:
		if w.Status == model.WithdrawalSigned {
			// The node holds it, so it was broadcast.
			r.svc.finish(ctx, w, model.WithdrawalSent, "")
		}
		stats.StillOpen++
	}
	return nil
}

// rebroadcast submits the stored transfer again. A refusal means it can
// never be mined as is, so its nonce is claimed by a cancellation and the
// withdrawal is reverted once that is mined.
func (r *Reconciler) rebroadcast(ctx context.Context, w *model.Withdrawal, stats *ReconcileStats, log *zap.Logger) {
	t := vault.Transfer{TxHash: w.TxHash, Nonce: w.Nonce, To: w.Address, Amount: w.Amount, Raw: w.RawTx}
	stats.StillOpen++

	bctx, cancel := context.WithTimeout(ctx, r.svc.vaultTimeout)
	defer cancel()

	err := r.svc.vault.Broadcast(bctx, t)
	if err == nil || errors.Is(err, vault.ErrBroadcastUnknown) {
		// Restarts the rebroadcast timer.
		r.svc.finish(ctx, w, model.WithdrawalSent, "")
		stats.Rebroadcast++
		log.Info("withdrawal rebroadcast", zap.NamedError("broadcast_error", err))
		return
	}

	log.Warn("rebroadcast refused, cancelling nonce", zap.Error(err))
	c, cerr := r.svc.vault.Cancel(bctx, t)
	if cerr != nil {
		log.Error("cancel withdrawal transfer", zap.Error(cerr))
		return
	}
	r.svc.finish(ctx, w, model.WithdrawalSent, "cancelled by "+c.TxHash)
	stats.Cancelled++
	log.Warn("withdrawal transfer cancelled", zap.String("cancel_tx_hash", c.TxHash))
}
