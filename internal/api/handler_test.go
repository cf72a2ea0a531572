package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/account"
	"github.com/campusx/exchange/internal/api"
	"github.com/campusx/exchange/internal/escrow"
	"github.com/campusx/exchange/internal/market"
	"github.com/campusx/exchange/internal/matching"
	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/retry"
	"github.com/campusx/exchange/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	engine *matching.Engine
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}

	mkt := market.NewService(st, policy, nil, nil)
	if _, err := mkt.Init(context.Background(), model.MarketState{
		IsOpen: true, IPOPrice: d("20"), IPOSharesRemaining: 100,
	}); err != nil {
		t.Fatalf("init market: %v", err)
	}
	cfg := matching.DefaultConfig()
	cfg.Retry = policy
	engine := matching.NewEngine(st, mkt, cfg, nil)
	h := api.NewHandler(engine, account.NewService(st, policy, nil), escrow.NewService(st, policy, nil), mkt, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return &testEnv{engine: engine, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(api.AccountHeader, caller)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (e *testEnv) register(t *testing.T, id, points string, shares int64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts", "", api.RegisterRequest{ID: id, Points: d(points), Shares: shares})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", id, w.Code, w.Body.String())
	}
}

func TestPlaceOrder_IPOFill(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "1000", 0)

	price := d("25")
	w := env.do(t, "POST", "/api/v1/orders", "alice", matching.PlaceRequest{
		Side: model.SideBuy, Type: model.OrderTypeLimit, Quantity: 5, Price: &price,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	res := decode[model.Result](t, w)
	if !res.Success || res.Order == nil || res.OrderID != res.Order.ID {
		t.Fatalf("result = %+v", res)
	}
	if placed := res.Order; placed.Owner != "alice" || placed.Status != model.OrderStatusPending {
		t.Errorf("placed = %+v", placed)
	}

	if _, err := env.engine.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, "GET", "/api/v1/trades", "", nil)
	trades := decode[[]model.Trade](t, w)
	if len(trades) != 1 || !trades[0].Price.Equal(d("20")) || trades[0].Quantity != 5 {
		t.Fatalf("trades = %+v", trades)
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice", "", nil)
	a := decode[model.Account](t, w)
	if !a.Points.Equal(d("900")) || a.Shares != 5 || !a.EscrowPoints.IsZero() {
		t.Errorf("alice = %+v", a)
	}

	w = env.do(t, "GET", "/api/v1/market", "", nil)
	m := decode[api.MarketResponse](t, w)
	if !m.Open || !m.ReferencePrice.Equal(d("20")) || m.State.IPOSharesRemaining != 95 {
		t.Errorf("market = %+v", m)
	}

	w = env.do(t, "GET", "/api/v1/orders", "alice", nil)
	orders := decode[[]model.Order](t, w)
	if len(orders) != 1 || orders[0].Status != model.OrderStatusFilled {
		t.Errorf("orders = %+v", orders)
	}
}

func TestPlaceOrder_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "10", 0)
	price := d("20")

	tests := []struct {
		name   string
		req    matching.PlaceRequest
		status int
		code   string
	}{
		{"bad side", matching.PlaceRequest{Side: "short", Type: model.OrderTypeLimit, Quantity: 1, Price: &price}, http.StatusBadRequest, model.CodeValidation},
		{"missing price", matching.PlaceRequest{Side: model.SideBuy, Type: model.OrderTypeLimit, Quantity: 1}, http.StatusBadRequest, model.CodeValidation},
		{"insufficient funds", matching.PlaceRequest{Side: model.SideBuy, Type: model.OrderTypeLimit, Quantity: 1, Price: &price}, http.StatusUnprocessableEntity, model.CodeInsufficientFunds},
		{"insufficient shares", matching.PlaceRequest{Side: model.SideSell, Type: model.OrderTypeMarket, Quantity: 1}, http.StatusUnprocessableEntity, model.CodeInsufficientShares},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/orders", "alice", tt.req)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			res := decode[model.Result](t, w)
			if res.Success || res.Code != tt.code {
				t.Errorf("result = %+v, want code %s", res, tt.code)
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", w.Code)
	}
}

func TestPlaceOrder_MarketClosed(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "100", 0)

	closed := false
	if w := env.do(t, "PUT", "/api/v1/market/override", "", api.OverrideRequest{Open: &closed}); w.Code != http.StatusOK {
		t.Fatalf("override: status %d", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/orders", "alice", matching.PlaceRequest{
		Side: model.SideBuy, Type: model.OrderTypeMarket, Quantity: 1,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if res := decode[model.Result](t, w); res.Code != model.CodeMarketClosed {
		t.Errorf("code = %s", res.Code)
	}

	w = env.do(t, "GET", "/api/v1/market", "", nil)
	if m := decode[api.MarketResponse](t, w); m.Open {
		t.Error("market should report closed under the override")
	}
}

func TestMarketAdmin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/market/ipo", "", api.IPORequest{Price: d("30"), Shares: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("seed ipo: status %d body %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "PUT", "/api/v1/market/ipo", "", api.IPORequest{Price: d("0"), Shares: 5}); w.Code != http.StatusBadRequest {
		t.Errorf("zero ipo price: status %d, want 400", w.Code)
	}

	if w := env.do(t, "PUT", "/api/v1/market/open", "", api.OpenRequest{Open: false}); w.Code != http.StatusOK {
		t.Fatalf("set open: status %d", w.Code)
	}

	m := decode[api.MarketResponse](t, env.do(t, "GET", "/api/v1/market", "", nil))
	if m.Open {
		t.Error("market should be closed after PUT /market/open false")
	}
	if !m.ReferencePrice.Equal(d("30")) || m.State.IPOSharesRemaining != 5 {
		t.Errorf("market = ref %s, ipo shares %d; want 30, 5", m.ReferencePrice, m.State.IPOSharesRemaining)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "100", 0)
	env.register(t, "bob", "100", 0)

	price := d("10")
	w := env.do(t, "POST", "/api/v1/orders", "alice", matching.PlaceRequest{
		Side: model.SideBuy, Type: model.OrderTypeLimit, Quantity: 3, Price: &price,
	})
	o := decode[model.Result](t, w).Order
	path := fmt.Sprintf("/api/v1/orders/%s", o.ID)

	if w := env.do(t, "DELETE", path, "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing caller: status = %d, want 400", w.Code)
	}
	if w := env.do(t, "DELETE", path, "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign cancel: status = %d, want 404", w.Code)
	}

	w = env.do(t, "DELETE", path, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d body %s", w.Code, w.Body.String())
	}
	if c := decode[model.Order](t, w); c.Status != model.OrderStatusCancelled || c.CancelReason != matching.ReasonUser {
		t.Errorf("cancelled = %+v", c)
	}

	if w := env.do(t, "DELETE", path, "alice", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", w.Code)
	}
	a := decode[model.Account](t, env.do(t, "GET", "/api/v1/accounts/alice", "", nil))
	if !a.Points.Equal(d("100")) || !a.EscrowPoints.IsZero() {
		t.Errorf("alice after cancel = %+v", a)
	}
}

func TestBookDepth(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "1000", 0)
	for _, p := range []string{"15", "15", "14"} {
		price := d(p)
		env.do(t, "POST", "/api/v1/orders", "alice", matching.PlaceRequest{
			Side: model.SideBuy, Type: model.OrderTypeLimit, Quantity: 2, Price: &price,
		})
	}

	depth := decode[model.Depth](t, env.do(t, "GET", "/api/v1/book?levels=1", "", nil))
	if len(depth.Bids) != 1 || !depth.Bids[0].Price.Equal(d("15")) || depth.Bids[0].Quantity != 4 {
		t.Errorf("bids = %+v", depth.Bids)
	}
	if len(depth.Asks) != 1 || !depth.Asks[0].Price.Equal(d("20")) {
		t.Errorf("asks = %+v", depth.Asks)
	}

	if w := env.do(t, "GET", "/api/v1/book?levels=zero", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad levels: status = %d", w.Code)
	}
}

func TestHolds(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "100", 0)

	w := env.do(t, "POST", "/api/v1/accounts/alice/holds", "", api.AmountRequest{Amount: d("40"), Reason: "deposit"})
	if w.Code != http.StatusCreated {
		t.Fatalf("hold: status %d body %s", w.Code, w.Body.String())
	}
	hold := decode[model.Escrow](t, w)
	if hold.Type != model.EscrowHold || !hold.Amount.Equal(d("40")) || hold.Status != model.EscrowActive {
		t.Fatalf("hold = %+v", hold)
	}
	a := decode[model.Account](t, env.do(t, "GET", "/api/v1/accounts/alice", "", nil))
	if !a.Points.Equal(d("60")) || !a.EscrowPoints.Equal(d("40")) {
		t.Errorf("after hold = %+v", a)
	}

	if w := env.do(t, "POST", "/api/v1/accounts/alice/holds", "", api.AmountRequest{Amount: d("100")}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("oversized hold: status %d, want 422", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/escrows/"+hold.ID+"/cancel", "", api.ReasonRequest{Reason: "refunded"})
	if c := decode[model.Escrow](t, w); w.Code != http.StatusOK || c.Status != model.EscrowCancelled {
		t.Fatalf("cancel hold: status %d escrow %+v", w.Code, c)
	}
	a = decode[model.Account](t, env.do(t, "GET", "/api/v1/accounts/alice", "", nil))
	if !a.Points.Equal(d("100")) || !a.EscrowPoints.IsZero() {
		t.Errorf("after cancel = %+v", a)
	}

	second := decode[model.Escrow](t, env.do(t, "POST", "/api/v1/accounts/alice/holds", "", api.AmountRequest{Amount: d("30")}))
	path := "/api/v1/escrows/" + second.ID + "/complete"
	if c := decode[model.Escrow](t, env.do(t, "POST", path, "", nil)); c.Status != model.EscrowCompleted {
		t.Fatalf("complete hold = %+v", c)
	}
	// Completing again is a no-op.
	if w := env.do(t, "POST", path, "", nil); w.Code != http.StatusOK {
		t.Errorf("second complete: status %d", w.Code)
	}
	a = decode[model.Account](t, env.do(t, "GET", "/api/v1/accounts/alice", "", nil))
	if !a.Points.Equal(d("70")) || !a.EscrowPoints.IsZero() {
		t.Errorf("after complete = %+v", a)
	}

	price := d("10")
	placed := decode[model.Result](t, env.do(t, "POST", "/api/v1/orders", "alice", matching.PlaceRequest{
		Side: model.SideBuy, Type: model.OrderTypeLimit, Quantity: 2, Price: &price,
	}))
	if placed.Order == nil {
		t.Fatalf("place = %+v", placed)
	}
	if w := env.do(t, "POST", "/api/v1/escrows/"+placed.Order.EscrowID+"/complete", "", nil); w.Code != http.StatusConflict {
		t.Errorf("complete order escrow: status %d, want 409", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/escrows/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing escrow: status %d, want 404", w.Code)
	}
}

func TestDebtLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "40", 0)
	env.register(t, "bob", "500", 0)

	w := env.do(t, "POST", "/api/v1/accounts/alice/charge", "", api.AmountRequest{Amount: d("100"), Reason: "late fee"})
	a := decode[model.Account](t, w)
	if !a.Points.IsZero() || !a.OwedPoints.Equal(d("60")) || !a.Frozen {
		t.Fatalf("after charge = %+v", a)
	}

	w = env.do(t, "POST", "/api/v1/transfers", "alice", api.TransferRequest{To: "bob", Amount: d("1")})
	if w.Code != http.StatusForbidden {
		t.Errorf("frozen transfer: status = %d, want 403", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/transfers", "bob", api.TransferRequest{To: "alice", Amount: d("100"), Note: "help"})
	if w.Code != http.StatusOK {
		t.Fatalf("transfer: status = %d body %s", w.Code, w.Body.String())
	}
	a = decode[model.Account](t, env.do(t, "GET", "/api/v1/accounts/alice", "", nil))
	if !a.Points.Equal(d("40")) || !a.OwedPoints.IsZero() || a.Frozen {
		t.Errorf("after transfer = %+v", a)
	}

	w = env.do(t, "POST", "/api/v1/accounts/alice/credit", "", api.AmountRequest{Amount: d("10"), Reason: "bonus"})
	if a := decode[model.Account](t, w); !a.Points.Equal(d("50")) {
		t.Errorf("after credit = %+v", a)
	}

	logs := decode[[]model.PointLog](t, env.do(t, "GET", "/api/v1/accounts/alice/history", "", nil))
	if len(logs) == 0 || logs[0].Kind != model.LogCredit {
		t.Errorf("history = %+v", logs)
	}
}

func TestAccounts_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "10", 0)

	if w := env.do(t, "POST", "/api/v1/accounts", "", api.RegisterRequest{ID: "alice"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate register: status = %d, want 409", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/accounts/ghost", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown account: status = %d, want 404", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/accounts/alice/credit", "", api.AmountRequest{Amount: d("-1")}); w.Code != http.StatusBadRequest {
		t.Errorf("negative credit: status = %d, want 400", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/accounts/alice/reconcile", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: status = %d", w.Code)
	}
	var body struct {
		Changed bool `json:"changed"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Changed {
		t.Errorf("reconcile changed = %v, err %v", body.Changed, err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.Validationf("bad"), http.StatusBadRequest},
		{fmt.Errorf("x: %w", model.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{model.ErrPriceLimitExceeded, http.StatusUnprocessableEntity},
		{model.ErrAccountFrozen, http.StatusForbidden},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrMarketClosed, http.StatusConflict},
		{model.ErrConcurrencyConflict, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
