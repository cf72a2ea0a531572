// Package api provides the HTTP handlers for trading, account, and market
// queries. Business rejections are returned as model.Result bodies with a
// status derived from the error code.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/account"
	"github.com/campusx/exchange/internal/escrow"
	"github.com/campusx/exchange/internal/market"
	"github.com/campusx/exchange/internal/matching"
	"github.com/campusx/exchange/internal/model"
)

// AccountHeader carries the caller's account ID. Authentication happens
// upstream; the exchange trusts the gateway that sets it.
const AccountHeader = "X-Account-ID"

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler serves the exchange's HTTP API.
type Handler struct {
	engine   *matching.Engine
	accounts *account.Service
	escrows  *escrow.Service
	market   *market.Service
	logger   *slog.Logger
}

// NewHandler creates the API handler. A nil logger uses slog.Default().
func NewHandler(engine *matching.Engine, accounts *account.Service, escrows *escrow.Service, mkt *market.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, accounts: accounts, escrows: escrows, market: mkt, logger: logger}
}

// Routes mounts the API on r, which is expected to be the /api/v1 group.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.PlaceOrder)
	r.Get("/orders", h.ListOrders)
	r.Delete("/orders/{orderID}", h.CancelOrder)

	r.Get("/book", h.GetBook)
	r.Get("/trades", h.ListTrades)

	r.Get("/market", h.GetMarket)
	r.Put("/market/override", h.SetOverride)
	r.Put("/market/open", h.SetOpen)
	r.Put("/market/circuit-breaker", h.SetCircuitBreaker)
	r.Put("/market/ipo", h.SeedIPO)

	r.Post("/accounts", h.RegisterAccount)
	r.Get("/accounts/{accountID}", h.GetAccount)
	r.Get("/accounts/{accountID}/history", h.GetHistory)
	r.Post("/accounts/{accountID}/credit", h.CreditAccount)
	r.Post("/accounts/{accountID}/charge", h.ChargeAccount)
	r.Post("/accounts/{accountID}/reconcile", h.ReconcileAccount)
	r.Post("/accounts/{accountID}/holds", h.PlaceHold)

	r.Get("/escrows/{escrowID}", h.GetEscrow)
	r.Post("/escrows/{escrowID}/complete", h.CompleteHold)
	r.Post("/escrows/{escrowID}/cancel", h.CancelHold)

	r.Post("/transfers", h.Transfer)
}

// --- Request/Response types ---

// AmountRequest is the JSON body for credits and charges.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// RegisterRequest is the JSON body for POST /accounts.
type RegisterRequest struct {
	ID     string          `json:"id"`
	Points decimal.Decimal `json:"points"`
	Shares int64           `json:"shares"`
}

// TransferRequest is the JSON body for POST /transfers. The sender is the
// caller identified by the account header.
type TransferRequest struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// ReasonRequest is the optional JSON body for POST /escrows/{id}/cancel.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// OverrideRequest is the JSON body for PUT /market/override. A null Open
// clears the override.
type OverrideRequest struct {
	Open *bool `json:"open"`
}

// OpenRequest is the JSON body for PUT /market/open.
type OpenRequest struct {
	Open bool `json:"open"`
}

// IPORequest is the JSON body for PUT /market/ipo.
type IPORequest struct {
	Price  decimal.Decimal `json:"price"`
	Shares int64           `json:"shares"`
}

// MarketResponse is returned from GET /market.
type MarketResponse struct {
	Open           bool              `json:"open"`
	ReferencePrice decimal.Decimal   `json:"reference_price"`
	State          model.MarketState `json:"state"`
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req matching.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	if caller := r.Header.Get(AccountHeader); caller != "" {
		req.AccountID = caller
	}

	o, err := h.engine.PlaceOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.Result{
		Success: true,
		Message: "order accepted",
		OrderID: o.ID,
		Order:   o,
	})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	o, err := h.engine.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), caller, matching.ReasonUser)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListOrders handles GET /api/v1/orders: the caller's orders, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, "limit", defaultLimit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	orders, err := h.engine.UserOrders(r.Context(), caller, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetBook handles GET /api/v1/book?levels=N.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	levels, err := queryLimit(r, "levels", 10)
	if err != nil {
		h.writeError(w, err)
		return
	}
	depth, err := h.engine.Depth(r.Context(), levels)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

// ListTrades handles GET /api/v1/trades?limit=N.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, "limit", defaultLimit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	trades, err := h.engine.RecentTrades(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Market ---

// GetMarket handles GET /api/v1/market.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	state, err := h.market.State(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	open, err := h.market.IsOpen(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MarketResponse{Open: open, ReferencePrice: state.ReferencePrice(), State: *state})
}

// SetOverride handles PUT /api/v1/market/override.
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	state, err := h.market.SetOverride(r.Context(), req.Open)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SetOpen handles PUT /api/v1/market/open.
func (h *Handler) SetOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	state, err := h.market.SetOpen(r.Context(), req.Open)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SeedIPO handles PUT /api/v1/market/ipo.
func (h *Handler) SeedIPO(w http.ResponseWriter, r *http.Request) {
	var req IPORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	state, err := h.market.SeedIPO(r.Context(), req.Price, req.Shares)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SetCircuitBreaker handles PUT /api/v1/market/circuit-breaker.
func (h *Handler) SetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	var req model.CircuitBreaker
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	state, err := h.market.SetCircuitBreaker(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- Accounts ---

// RegisterAccount handles POST /api/v1/accounts.
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	a, err := h.accounts.Register(r.Context(), req.ID, req.Points, req.Shares)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.Get(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetHistory handles GET /api/v1/accounts/{accountID}/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, "limit", defaultLimit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	logs, err := h.accounts.History(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []model.PointLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// CreditAccount handles POST /api/v1/accounts/{accountID}/credit. The
// credit repays outstanding debt before it becomes spendable.
func (h *Handler) CreditAccount(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	a, err := h.accounts.CreditWithDebtRecovery(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ChargeAccount handles POST /api/v1/accounts/{accountID}/charge.
func (h *Handler) ChargeAccount(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	a, err := h.accounts.Charge(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ReconcileAccount handles POST /api/v1/accounts/{accountID}/reconcile.
func (h *Handler) ReconcileAccount(w http.ResponseWriter, r *http.Request) {
	a, changed, err := h.escrows.Reconcile(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": a, "changed": changed})
}

// --- Holds ---

// PlaceHold handles POST /api/v1/accounts/{accountID}/holds. It reserves
// points outside of trading until the hold is completed or cancelled.
func (h *Handler) PlaceHold(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	accountID := chi.URLParam(r, "accountID")
	e, err := h.escrows.Create(r.Context(), accountID, req.Amount, model.EscrowHold, model.EscrowMeta{})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("hold placed", "escrow_id", e.ID, "account_id", accountID,
		"amount", e.Amount.String(), "reason", req.Reason)
	writeJSON(w, http.StatusCreated, e)
}

// GetEscrow handles GET /api/v1/escrows/{escrowID}.
func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.escrows.Get(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CompleteHold handles POST /api/v1/escrows/{escrowID}/complete.
func (h *Handler) CompleteHold(w http.ResponseWriter, r *http.Request) {
	id, ok := h.holdID(w, r)
	if !ok {
		return
	}
	e, err := h.escrows.Complete(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CancelHold handles POST /api/v1/escrows/{escrowID}/cancel.
func (h *Handler) CancelHold(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, model.Validationf("invalid request body"))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "released"
	}
	id, ok := h.holdID(w, r)
	if !ok {
		return
	}
	e, err := h.escrows.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// holdID returns the escrow ID from the path if it names a hold. Order
// escrows are settled by the matching engine only.
func (h *Handler) holdID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "escrowID")
	e, err := h.escrows.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return "", false
	}
	if e.Type != model.EscrowHold {
		h.writeError(w, fmt.Errorf("escrow %s backs an order: %w", id, model.ErrInvalidState))
		return "", false
	}
	return id, true
}

// Transfer handles POST /api/v1/transfers.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Validationf("invalid request body"))
		return
	}
	if err := h.accounts.Transfer(r.Context(), caller, req.To, req.Amount, req.Note); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Result{Success: true, Message: "transferred"})
}

// --- helpers ---

func (h *Handler) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get(AccountHeader)
	if caller == "" {
		h.writeError(w, model.Validationf("%s header is required", AccountHeader))
		return "", false
	}
	return caller, true
}

func queryLimit(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, model.Validationf("%s must be a positive integer", key)
	}
	return min(n, maxLimit), nil
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch model.ErrorCode(err) {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeInsufficientFunds, model.CodeInsufficientShares, model.CodePriceLimit:
		return http.StatusUnprocessableEntity
	case model.CodeAccountFrozen:
		return http.StatusForbidden
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeMarketClosed, model.CodeInvalidState, model.CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON rejection. Internal errors are logged and
// returned with a generic message.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, model.ResultFromError(err))
}
