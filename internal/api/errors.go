package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/ledger"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

type detailer interface {
	Details() map[string]any
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidAddress, http.StatusBadRequest, "invalid_address"},
	{ledger.ErrInvalidSide, http.StatusBadRequest, "invalid_side"},
	{ledger.ErrInvalidRound, http.StatusBadRequest, "invalid_round"},

	{ledger.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{ledger.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{ledger.ErrRoundNotEnded, http.StatusConflict, "round_not_ended"},
	{ledger.ErrBetExists, http.StatusConflict, "bet_exists"},
	{ledger.ErrDuplicateDeposit, http.StatusConflict, "duplicate_deposit"},
	{ledger.ErrWithdrawalInFlight, http.StatusConflict, "withdrawal_in_flight"},
	{ledger.ErrStakeLimitExceeded, http.StatusConflict, "stake_limit_exceeded"},

	{ledger.ErrRoundNotFound, http.StatusNotFound, "round_not_found"},
	{ledger.ErrPlayerNotFound, http.StatusNotFound, "player_not_found"},

	{ledger.ErrInsufficientVaultFunds, http.StatusServiceUnavailable, "insufficient_vault_funds"},
	{ledger.ErrVaultUnavailable, http.StatusServiceUnavailable, "vault_unavailable"},
	{ledger.ErrWithdrawalReverted, http.StatusBadGateway, "withdrawal_reverted"},
	{ledger.ErrConfirmationPending, http.StatusAccepted, "confirmation_pending"},
	{ledger.ErrReconciliation, http.StatusInternalServerError, "reconciliation_error"},
}

// classify maps a ledger error to an HTTP status and a stable code.
func classify(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeError writes err as an ErrorResponse. Internal errors are logged and
// their text is not exposed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var d detailer
	if errors.As(err, &d) {
		resp.Details = d.Details()
	}

	switch {
	case code == "internal":
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp.Error = "internal error"
	case status >= http.StatusInternalServerError:
		h.log.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}
