// Package api exposes the ledger over HTTP.
//
// Amounts are decimal strings in major units; shopspring/decimal keeps them
// exact until the ledger converts them to base units.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/ledger"
	"github.com/atmx/round-ledger/internal/model"
	"github.com/atmx/round-ledger/internal/round"
)

// Handler serves ledger operations.
type Handler struct {
	svc *ledger.Service
	log *zap.Logger
}

// NewHandler creates a handler for svc.
func NewHandler(svc *ledger.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	TxHash  string          `json:"txHash"`
}

// BetRequest is the JSON body for POST /bets.
type BetRequest struct {
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	Side      string          `json:"side"` // "up" or "down"
	RoundID   int64           `json:"roundId"`
	Timeframe int64           `json:"timeframe"` // seconds
}

// BetResponse is returned from POST /bets.
type BetResponse struct {
	BetID string     `json:"betId"`
	Bet   *model.Bet `json:"bet"`
}

// ResolveRequest is the JSON body for POST /rounds/{roundID}/resolve.
type ResolveRequest struct {
	WinningSide string `json:"winningSide"` // "up", "down" or "none"
}

// ResolveResponse is returned from POST /rounds/{roundID}/resolve.
type ResolveResponse struct {
	RoundID      int64 `json:"roundId"`
	ResolvedBets int   `json:"resolvedBets"`
}

// WithdrawRequest is the JSON body for POST /withdrawals.
type WithdrawRequest struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

// WithdrawResponse is returned once a withdrawal is confirmed and debited.
type WithdrawResponse struct {
	WithdrawalID string      `json:"withdrawalId"`
	TxHash       string      `json:"txHash"`
	BlockNumber  uint64      `json:"blockNumber"`
	Amount       model.Money `json:"amount"`
}

// --- HTTP Handlers ---

// Deposit handles POST /api/v1/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, err := h.svc.Deposit(r.Context(), req.Address, req.Amount, req.TxHash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if !h.decode(w, r, &req) {
		return
	}
	bet, err := h.svc.PlaceBet(r.Context(), ledger.BetRequest{
		Address:   req.Address,
		Amount:    req.Amount,
		Side:      req.Side,
		RoundID:   req.RoundID,
		Timeframe: req.Timeframe,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BetResponse{BetID: bet.ID, Bet: bet})
}

// ResolveRound handles POST /api/v1/rounds/{roundID}/resolve
func (h *Handler) ResolveRound(w http.ResponseWriter, r *http.Request) {
	id, err := round.ParseID(chi.URLParam(r, "roundID"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", ledger.ErrInvalidRound, err))
		return
	}
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.svc.ResolveRound(r.Context(), id, req.WinningSide)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{RoundID: id, ResolvedBets: n})
}

// GetRound handles GET /api/v1/rounds/{roundID}
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	id, err := round.ParseID(chi.URLParam(r, "roundID"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", ledger.ErrInvalidRound, err))
		return
	}
	rv, err := h.svc.GetRound(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rv)
}

// Withdraw handles POST /api/v1/withdrawals
// Responds 200 once debited, 202 while confirmation is pending.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	wd, err := h.svc.Withdraw(r.Context(), req.Address, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{
		WithdrawalID: wd.ID,
		TxHash:       wd.TxHash,
		BlockNumber:  wd.BlockNumber,
		Amount:       wd.Amount,
	})
}

// GetProfile handles GET /api/v1/profile/{address}
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProfile(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListTransfers handles GET /api/v1/players/{address}/transfers
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	ts, err := h.svc.ListTransfers(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// Replay handles GET /api/v1/players/{address}/replay
// Rebuilds the balance from the transfer log and compares it.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Replay(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VaultStatus handles GET /api/v1/vault
func (h *Handler) VaultStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.VaultStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "round-ledger"})
}

// --- Helpers ---

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "invalid_request",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
