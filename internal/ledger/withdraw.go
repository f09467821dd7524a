package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/events"
	"github.com/atmx/round-ledger/internal/metrics"
	"github.com/atmx/round-ledger/internal/model"
	"github.com/atmx/round-ledger/internal/store"
	"github.com/atmx/round-ledger/internal/vault"
)

// Withdraw pays amount out of the vault to address and debits the ledger
// only once the transfer is confirmed on chain:
//
//  1. preflight: the player exists and can cover amount; record the request
//  2. vault capacity check
//  3. sign, and record hash, nonce and signed bytes before broadcasting
//  4. broadcast and wait for confirmation
//  5. re-check and debit in one unit of work
//
// Any failure before step 5 leaves the balance untouched. Once step 3 is
// recorded the withdrawal is only closed as reverted when the transfer is
// provably unminable; otherwise it stays open and the reconciler finishes
// it.
func (s *Service) Withdraw(ctx context.Context, address string, amount decimal.Decimal) (*model.Withdrawal, error) {
	defer metrics.ObserveOp("withdraw", time.Now())

	addr, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	amt, err := toMoney(amount)
	if err != nil {
		return nil, err
	}

	w, err := s.preflight(ctx, addr, amt)
	if err != nil {
		return nil, err
	}
	log := s.log.With(
		zap.String("withdrawal_id", w.ID),
		zap.String("address", addr),
		zap.Stringer("amount", amt),
	)

	// From here on the withdrawal row must reach a terminal or polled state
	// even if the caller goes away.
	bg := context.WithoutCancel(ctx)

	if err := s.checkVaultCapacity(ctx, w); err != nil {
		s.finish(bg, w, model.WithdrawalRejected, err.Error())
		metrics.Withdrawals.WithLabelValues(string(model.WithdrawalRejected)).Inc()
		log.Warn("withdrawal rejected", zap.Error(err))
		return nil, err
	}

	signCtx, cancel := context.WithTimeout(ctx, s.vaultTimeout)
	t, err := s.vault.Sign(signCtx, addr, amt)
	cancel()
	if err != nil {
		s.finish(bg, w, model.WithdrawalReverted, err.Error())
		return nil, s.reverted(bg, w, "", err, log)
	}

	if !s.recordSigned(bg, w, t) {
		// Never broadcast: the nonce goes back to the vault.
		s.vault.Release(t)
		cause := fmt.Errorf("withdrawal %s no longer requested (%s)", w.ID, w.Status)
		if w.Status == model.WithdrawalRequested {
			cause = fmt.Errorf("record signed withdrawal %s failed", w.ID)
			s.finish(bg, w, model.WithdrawalReverted, cause.Error())
		}
		return nil, s.reverted(bg, w, "", cause, log)
	}
	log = log.With(zap.String("tx_hash", t.TxHash), zap.Uint64("nonce", t.Nonce))

	sendCtx, cancel := context.WithTimeout(ctx, s.vaultTimeout)
	err = s.vault.Broadcast(sendCtx, t)
	cancel()
	switch {
	case errors.Is(err, vault.ErrBroadcastUnknown):
		s.finish(bg, w, model.WithdrawalSent, err.Error())
		return nil, s.pending(bg, w, t.TxHash, err, log)
	case err != nil:
		// Refused by the node: the signed bytes are never broadcast again.
		s.finish(bg, w, model.WithdrawalReverted, err.Error())
		return nil, s.reverted(bg, w, t.TxHash, err, log)
	}

	s.finish(bg, w, model.WithdrawalSent, "")
	log.Info("withdrawal broadcast")

	confirmCtx, cancel := context.WithTimeout(bg, s.confirmTimeout)
	rcpt, err := vault.WaitConfirmed(confirmCtx, s.vault, t.TxHash, s.pollInterval)
	cancel()
	switch {
	case errors.Is(err, vault.ErrTxFailed):
		s.finish(bg, w, model.WithdrawalReverted, err.Error())
		return nil, s.reverted(bg, w, t.TxHash, err, log)
	case err != nil:
		return nil, s.pending(bg, w, t.TxHash, err, log)
	}

	return s.settleWithdrawal(bg, w.ID, rcpt)
}

// preflight checks the balance and records a requested withdrawal. It never
// debits.
func (s *Service) preflight(ctx context.Context, addr string, amt model.Money) (*model.Withdrawal, error) {
	now := s.now()
	w := &model.Withdrawal{
		ID:        uuid.NewString(),
		Address:   addr,
		Amount:    amt,
		Status:    model.WithdrawalRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.FindPlayer(ctx, addr)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrPlayerNotFound, addr)
			}
			return err
		}
		w.PlayerID = p.ID

		bal, err := tx.LockBalance(ctx, p.ID)
		if err != nil {
			return err
		}
		if bal.Available < amt {
			return &InsufficientBalanceError{Address: addr, Required: amt, Available: bal.Available}
		}

		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: %s", ErrWithdrawalInFlight, addr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Service) checkVaultCapacity(ctx context.Context, w *model.Withdrawal) error {
	ctx, cancel := context.WithTimeout(ctx, s.vaultTimeout)
	defer cancel()

	bal, err := s.vault.Balance(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVaultUnavailable, err)
	}
	metrics.VaultBalance.Set(bal.Major().InexactFloat64())
	if bal < w.Amount {
		return &VaultFundsError{Vault: s.vault.Address(), Required: w.Amount, Available: bal}
	}
	return nil
}

func (s *Service) pending(ctx context.Context, w *model.Withdrawal, txHash string, cause error, log *zap.Logger) error {
	metrics.Withdrawals.WithLabelValues("pending").Inc()
	log.Warn("withdrawal confirmation pending", zap.String("tx_hash", txHash), zap.Error(cause))
	s.publish(ctx, events.Event{
		Type:         events.WithdrawalPending,
		Address:      w.Address,
		Amount:       w.Amount,
		WithdrawalID: w.ID,
		TxHash:       txHash,
		Status:       string(model.WithdrawalSent),
		At:           s.now(),
	})
	return &ConfirmationPendingError{WithdrawalID: w.ID, TxHash: txHash, Err: cause}
}

func (s *Service) reverted(ctx context.Context, w *model.Withdrawal, txHash string, cause error, log *zap.Logger) error {
	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalReverted)).Inc()
	log.Warn("withdrawal reverted", zap.String("tx_hash", txHash), zap.Error(cause))
	s.publish(ctx, events.Event{
		Type:         events.WithdrawalFailed,
		Address:      w.Address,
		Amount:       w.Amount,
		WithdrawalID: w.ID,
		TxHash:       txHash,
		Status:       string(model.WithdrawalReverted),
		At:           s.now(),
	})
	return &WithdrawalRevertedError{
		WithdrawalID: w.ID,
		Address:      w.Address,
		Amount:       w.Amount,
		TxHash:       txHash,
		Err:          cause,
	}
}

// finish moves w from the status it was read in to status and reports
// whether it did. A row that moved on in the meantime is left alone and
// copied into w. Failures are logged: the row stays as it was and is
// visible to the reconciler or an operator.
func (s *Service) finish(ctx context.Context, w *model.Withdrawal, status model.WithdrawalStatus, reason string) bool {
	return s.transition(ctx, w, func(cur *model.Withdrawal) {
		cur.Status = status
		cur.Error = reason
	})
}

// recordSigned stores t on a requested withdrawal and moves it to signed.
func (s *Service) recordSigned(ctx context.Context, w *model.Withdrawal, t vault.Transfer) bool {
	return s.transition(ctx, w, func(cur *model.Withdrawal) {
		cur.Status = model.WithdrawalSigned
		cur.TxHash = t.TxHash
		cur.Nonce = t.Nonce
		cur.RawTx = t.Raw
	})
}

func (s *Service) transition(ctx context.Context, w *model.Withdrawal, apply func(*model.Withdrawal)) bool {
	from := w.Status
	var (
		cur   *model.Withdrawal
		moved bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		cur, err = tx.LockWithdrawal(ctx, w.ID)
		if err != nil {
			return err
		}
		moved = cur.Status == from
		if !moved {
			return nil
		}
		apply(cur)
		cur.UpdatedAt = s.now()
		return tx.UpdateWithdrawal(ctx, cur)
	})
	if err != nil {
		s.log.Error("update withdrawal status",
			zap.String("withdrawal_id", w.ID),
			zap.String("from", string(from)),
			zap.String("tx_hash", w.TxHash),
			zap.Error(err),
		)
		return false
	}
	*w = *cur
	return moved
}

// settleWithdrawal debits a confirmed withdrawal. If the player's available
// balance no longer covers it, the withdrawal is marked reconcile_failed
// and a ReconciliationError is returned; nothing is auto-corrected.
func (s *Service) settleWithdrawal(ctx context.Context, withdrawalID string, rcpt vault.Receipt) (*model.Withdrawal, error) {
	var (
		w       *model.Withdrawal
		recErr  *ReconciliationError
		debited bool
	)
	now := s.now()
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		recErr, debited = nil, false

		var err error
		w, err = tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if !w.Status.Open() {
			return nil
		}
		w.TxHash = rcpt.TxHash
		w.BlockNumber = rcpt.BlockNumber
		w.UpdatedAt = now

		bal, err := tx.LockBalance(ctx, w.PlayerID)
		if err != nil {
			return err
		}
		if bal.Available < w.Amount {
			recErr = &ReconciliationError{
				WithdrawalID: w.ID,
				Address:      w.Address,
				Amount:       w.Amount,
				Available:    bal.Available,
				TxHash:       rcpt.TxHash,
				BlockNumber:  rcpt.BlockNumber,
			}
			w.Status = model.WithdrawalReconcileFailed
			w.Error = recErr.Error()
			return tx.UpdateWithdrawal(ctx, w)
		}

		bal.Available -= w.Amount
		bal.UpdatedAt = now
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return err
		}
		if err := tx.AppendTransfer(ctx, &model.Transfer{
			ID:       uuid.NewString(),
			PlayerID: w.PlayerID,
			Type:     model.TransferWithdraw,
			Amount:   -w.Amount,
			Meta: model.WithdrawMeta{
				TxHash:       rcpt.TxHash,
				BlockNumber:  rcpt.BlockNumber,
				WithdrawalID: w.ID,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		w.Status = model.WithdrawalDebited
		w.Error = ""
		debited = true
		return tx.UpdateWithdrawal(ctx, w)
	})
	if err != nil {
		s.log.Error("withdrawal confirmed on chain but ledger debit failed",
			zap.String("withdrawal_id", withdrawalID),
			zap.String("tx_hash", rcpt.TxHash),
			zap.Uint64("block_number", rcpt.BlockNumber),
			zap.Error(err),
		)
		return nil, fmt.Errorf("settle withdrawal %s: %w", withdrawalID, err)
	}

	if recErr != nil {
		metrics.ReconciliationErrors.Inc()
		metrics.Withdrawals.WithLabelValues(string(model.WithdrawalReconcileFailed)).Inc()
		s.log.Error("reconciliation error",
			zap.String("withdrawal_id", recErr.WithdrawalID),
			zap.String("address", recErr.Address),
			zap.Stringer("amount", recErr.Amount),
			zap.Stringer("available", recErr.Available),
			zap.String("tx_hash", recErr.TxHash),
			zap.Uint64("block_number", recErr.BlockNumber),
		)
		s.publish(ctx, events.Event{
			Type:         events.ReconciliationAlert,
			Address:      recErr.Address,
			Amount:       recErr.Amount,
			WithdrawalID: recErr.WithdrawalID,
			TxHash:       recErr.TxHash,
			Status:       string(model.WithdrawalReconcileFailed),
			At:           now,
		})
		return w, recErr
	}
	if !debited {
		// Already closed by a concurrent settlement.
		return w, nil
	}

	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalDebited)).Inc()
	s.invalidate(ctx, w.Address)
	s.log.Info("withdrawal debited",
		zap.String("withdrawal_id", w.ID),
		zap.String("address", w.Address),
		zap.Stringer("amount", w.Amount),
		zap.String("tx_hash", w.TxHash),
		zap.Uint64("block_number", w.BlockNumber),
	)
	s.publish(ctx, events.Event{
		Type:         events.WithdrawalDebited,
		Address:      w.Address,
		Amount:       w.Amount,
		WithdrawalID: w.ID,
		TxHash:       w.TxHash,
		Status:       string(model.WithdrawalDebited),
		At:           now,
	})
	return w, nil
}
