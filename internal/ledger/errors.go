package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/round-ledger/internal/model"
)

// Validation errors. Nothing is read or written before these are returned.
var (
	ErrInvalidAmount  = errors.New("ledger: invalid amount")
	ErrInvalidAddress = errors.New("ledger: invalid address")
	ErrInvalidSide    = errors.New("ledger: invalid side")
	ErrInvalidRound   = errors.New("ledger: invalid round")
)

// Business-rule errors. Returned after a read; no mutation was applied.
var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAlreadyResolved     = errors.New("ledger: round already resolved")
	ErrRoundNotFound       = errors.New("ledger: round not found")
	ErrRoundNotEnded       = errors.New("ledger: round has not ended")
	ErrPlayerNotFound      = errors.New("ledger: player not found")
	ErrBetExists           = errors.New("ledger: player already has a bet on this round")
	ErrDuplicateDeposit    = errors.New("ledger: deposit already credited")
	ErrWithdrawalInFlight  = errors.New("ledger: a withdrawal is already in flight")
	ErrStakeLimitExceeded  = errors.New("ledger: stake limit exceeded")
)

// External-dependency and reconciliation errors.
var (
	ErrInsufficientVaultFunds = errors.New("ledger: insufficient vault funds")
	ErrVaultUnavailable       = errors.New("ledger: vault unavailable")
	ErrWithdrawalReverted     = errors.New("ledger: withdrawal reverted")
	ErrConfirmationPending    = errors.New("ledger: withdrawal confirmation pending")
	ErrReconciliation         = errors.New("ledger: reconciliation error")
)

// InsufficientBalanceError reports how far short a player's available
// balance is.
type InsufficientBalanceError struct {
	Address   string
	Required  model.Money
	Available model.Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: %s requires %s, available %s",
		ErrInsufficientBalance, e.Address, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

func (e *InsufficientBalanceError) Details() map[string]any {
	return map[string]any{
		"address":   e.Address,
		"required":  e.Required,
		"available": e.Available,
	}
}

// VaultFundsError is an operator alert: the on-chain vault cannot cover a
// withdrawal the off-chain ledger allows.
type VaultFundsError struct {
	Vault     string
	Required  model.Money
	Available model.Money
}

func (e *VaultFundsError) Error() string {
	return fmt.Sprintf("%s: vault %s holds %s, withdrawal requires %s",
		ErrInsufficientVaultFunds, e.Vault, e.Available, e.Required)
}

func (e *VaultFundsError) Unwrap() error { return ErrInsufficientVaultFunds }

func (e *VaultFundsError) Details() map[string]any {
	return map[string]any{
		"vault":     e.Vault,
		"required":  e.Required,
		"available": e.Available,
	}
}

// WithdrawalRevertedError means the on-chain transfer did not happen. The
// ledger was not debited and the request can be retried.
type WithdrawalRevertedError struct {
	WithdrawalID string
	Address      string
	Amount       model.Money
	TxHash       string
	Err          error
}

func (e *WithdrawalRevertedError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: tx %s: %v", ErrWithdrawalReverted, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrWithdrawalReverted, e.Err)
}

func (e *WithdrawalRevertedError) Unwrap() []error { return []error{ErrWithdrawalReverted, e.Err} }

func (e *WithdrawalRevertedError) Details() map[string]any {
	d := map[string]any{
		"withdrawal_id": e.WithdrawalID,
		"address":       e.Address,
		"amount":        e.Amount,
	}
	if e.TxHash != "" {
		d["tx_hash"] = e.TxHash
	}
	return d
}

// ConfirmationPendingError means the transfer may be on chain but was not
// confirmed in time. The withdrawal stays open and the reconciler settles
// it; the caller must not retry.
type ConfirmationPendingError struct {
	WithdrawalID string
	TxHash       string
	Err          error
}

func (e *ConfirmationPendingError) Error() string {
	return fmt.Sprintf("%s: tx %s: %v", ErrConfirmationPending, e.TxHash, e.Err)
}

func (e *ConfirmationPendingError) Unwrap() []error { return []error{ErrConfirmationPending, e.Err} }

func (e *ConfirmationPendingError) Details() map[string]any {
	return map[string]any{
		"withdrawal_id": e.WithdrawalID,
		"tx_hash":       e.TxHash,
	}
}

// ReconciliationError means the vault paid out but the ledger could not be
// debited. It requires manual audit against the transfer log and the chain.
type ReconciliationError struct {
	WithdrawalID string
	Address      string
	Amount       model.Money
	Available    model.Money
	TxHash       string
	BlockNumber  uint64
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s: withdrawal %s of %s to %s confirmed in tx %s but available is %s",
		ErrReconciliation, e.WithdrawalID, e.Amount, e.Address, e.TxHash, e.Available)
}

func (e *ReconciliationError) Unwrap() error { return ErrReconciliation }

func (e *ReconciliationError) Details() map[string]any {
	return map[string]any{
		"withdrawal_id": e.WithdrawalID,
		"address":       e.Address,
		"amount":        e.Amount,
		"available":     e.Available,
		"tx_hash":       e.TxHash,
		"block_number":  e.BlockNumber,
	}
}

// IsValidation reports whether err was rejected before touching state.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidSide) ||
		errors.Is(err, ErrInvalidRound)
}

var permanent = []error{
	ErrInsufficientBalance,
	ErrAlreadyResolved,
	ErrRoundNotFound,
	ErrPlayerNotFound,
	ErrBetExists,
	ErrDuplicateDeposit,
	ErrWithdrawalInFlight,
	ErrStakeLimitExceeded,
	ErrReconciliation,
}

// IsRetryable reports whether retrying the same command may succeed.
// Validation and business-rule rejections never do; infrastructure
// failures (database, network) might, and so does a resolution that
// arrived before its round ended.
func IsRetryable(err error) bool {
	if err == nil || IsValidation(err) || errors.Is(err, context.Canceled) {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}
	return true
}
