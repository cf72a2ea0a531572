// Package matching accepts orders, matches them by price-time priority,
// and settles each trade through escrow in a single conditional commit.
//
// The book is never kept in memory between steps: every matching step
// re-reads the open orders from the store, so a pass always sees
// cancellations and placements that raced ahead of it.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/escrow"
	"github.com/campusx/exchange/internal/market"
	"github.com/campusx/exchange/internal/metrics"
	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/retry"
	"github.com/campusx/exchange/internal/store"
)

// Cancel reasons recorded on orders and escrows.
const (
	ReasonUser                    = "user_cancelled"
	ReasonInsufficientReservation = "insufficient_reservation"
)

// Notifier is told when the book changed and a pass should run soon.
type Notifier interface {
	Trigger() bool
}

// Publisher receives every committed trade. Publish runs on the settlement
// path between matching steps, so it must return promptly; slow sinks go
// behind a feed.Queue.
type Publisher interface {
	Publish(ctx context.Context, t model.Trade) error
}

// Config tunes the engine.
type Config struct {
	// MarketBuyBuffer is the fraction added to the reference price when
	// reserving funds for a market buy.
	MarketBuyBuffer decimal.Decimal
	Retry           retry.Policy
	// MaxStepsPerPass bounds the number of matching steps in one pass.
	MaxStepsPerPass int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MarketBuyBuffer: decimal.RequireFromString("0.2"),
		Retry:           retry.DefaultPolicy,
		MaxStepsPerPass: 10000,
	}
}

// Engine is the matching engine.
type Engine struct {
	store  store.Store
	market *market.Service
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	notifier  Notifier
	publisher Publisher
}

// NewEngine creates a matching engine. A nil logger uses slog.Default().
func NewEngine(st store.Store, mkt *market.Service, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxStepsPerPass <= 0 {
		cfg.MaxStepsPerPass = DefaultConfig().MaxStepsPerPass
	}
	return &Engine{
		store:  st,
		market: mkt,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier registers the scheduler that placements and cancellations wake.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// SetPublisher registers the sink for committed trades.
func (e *Engine) SetPublisher(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = p
}

func (e *Engine) notify() {
	e.mu.RLock()
	n := e.notifier
	e.mu.RUnlock()
	if n != nil {
		n.Trigger()
	}
}

func (e *Engine) publish(ctx context.Context, t model.Trade) {
	e.mu.RLock()
	p := e.publisher
	e.mu.RUnlock()
	if p == nil {
		return
	}
	if err := p.Publish(ctx, t); err != nil {
		e.logger.Warn("trade publish failed", "trade_id", t.ID, "err", err)
	}
}

// PlaceRequest is an order placement.
type PlaceRequest struct {
	AccountID string           `json:"account_id"`
	Side      model.Side       `json:"side"`
	Type      model.OrderType  `json:"order_type"`
	Quantity  int64            `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

// PlaceOrder validates the request, reserves funds or shares, and stores
// the order as pending. The reservation and the order are one conditional
// commit. Matching happens asynchronously afterwards.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	o, err := e.placeOrder(ctx, req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(model.ErrorCode(err)).Inc()
		e.logger.Info("order rejected",
			"account_id", req.AccountID,
			"side", string(req.Side),
			"type", string(req.Type),
			"quantity", req.Quantity,
			"err", err,
		)
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(o.Side), string(o.Type)).Inc()
	e.logger.Info("order placed",
		"order_id", o.ID,
		"account_id", o.Owner,
		"side", string(o.Side),
		"type", string(o.Type),
		"quantity", o.Quantity,
		"price", o.Price.Decimal.String(),
	)
	e.notify()
	return o, nil
}

func (e *Engine) placeOrder(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	state, err := e.store.GetMarketState(ctx)
	if err != nil {
		return nil, err
	}
	if !e.market.OpenAt(state, e.now()) {
		return nil, model.ErrMarketClosed
	}

	if req.AccountID == "" {
		return nil, model.Validationf("account id is required")
	}
	if !req.Side.Valid() {
		return nil, model.Validationf("side must be buy or sell, got %q", req.Side)
	}
	if !req.Type.Valid() {
		return nil, model.Validationf("order type must be market, limit or market_converted, got %q", req.Type)
	}
	if req.Quantity <= 0 {
		return nil, model.Validationf("quantity must be positive")
	}

	price := decimal.NullDecimal{}
	switch req.Type {
	case model.OrderTypeLimit:
		if req.Price == nil {
			return nil, model.Validationf("limit orders require a price")
		}
		if !req.Price.IsPositive() {
			return nil, model.Validationf("price must be positive")
		}
		if err := market.CheckPrice(state, *req.Price, false); err != nil {
			return nil, err
		}
		price = decimal.NewNullDecimal(*req.Price)
	case model.OrderTypeMarket, model.OrderTypeMarketConverted:
	}

	ref := state.ReferencePrice()
	if req.Side == model.SideBuy && req.Type.IsMarket() && !ref.IsPositive() {
		return nil, model.Validationf("no reference price for a market buy")
	}
	typ, amount := Reservation(req.Side, req.Type, req.Quantity, price.Decimal, ref, e.cfg.MarketBuyBuffer)

	orderID := uuid.New().String()
	var placed model.Order
	err = retry.Do(ctx, "place_order", e.cfg.Retry, func(ctx context.Context) error {
		a, err := e.store.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}

		now := e.now()
		meta := model.EscrowMeta{OrderID: orderID, Side: req.Side, Quantity: req.Quantity, Price: price}
		esc, err := escrow.Reserve(a, typ, amount, meta, now)
		if err != nil {
			return err
		}

		o := model.Order{
			ID:        orderID,
			Owner:     a.ID,
			Side:      req.Side,
			Type:      req.Type,
			Quantity:  req.Quantity,
			Price:     price,
			Status:    model.OrderStatusPending,
			EscrowID:  esc.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}

		var b store.Batch
		b.UpdateAccount(*a)
		b.InsertEscrow(esc)
		b.InsertOrder(o)
		if err := e.store.Commit(ctx, &b); err != nil {
			return err
		}
		placed = o
		placed.Version = 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &placed, nil
}

// CancelOrder cancels a pending or partial order and refunds its
// remaining reservation. requester must own the order; an empty
// requester skips the ownership check.
func (e *Engine) CancelOrder(ctx context.Context, orderID, requester, reason string) (*model.Order, error) {
	if reason == "" {
		reason = ReasonUser
	}

	var cancelled model.Order
	err := retry.Do(ctx, "cancel_order", e.cfg.Retry, func(ctx context.Context) error {
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if requester != "" && o.Owner != requester {
			return fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
		}
		if !o.Status.Open() {
			return fmt.Errorf("order %s is %s: %w", orderID, o.Status, model.ErrInvalidState)
		}

		var b store.Batch
		if err := e.cancelInto(ctx, &b, o, reason); err != nil {
			return err
		}
		if err := e.store.Commit(ctx, &b); err != nil {
			return err
		}
		cancelled = *o
		cancelled.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.WithLabelValues(reason).Inc()
	e.logger.Info("order cancelled",
		"order_id", orderID,
		"account_id", cancelled.Owner,
		"filled", cancelled.FilledQuantity,
		"reason", reason,
	)
	e.notify()
	return &cancelled, nil
}

// cancelInto adds the cancellation of o and the refund of its escrow to b.
// o is updated in place.
func (e *Engine) cancelInto(ctx context.Context, b *store.Batch, o *model.Order, reason string) error {
	now := e.now()
	if o.EscrowID != "" {
		esc, err := e.store.GetEscrow(ctx, o.EscrowID)
		if err != nil {
			return err
		}
		if esc.Status == model.EscrowActive {
			a, err := e.store.GetAccount(ctx, esc.AccountID)
			if err != nil {
				return err
			}
			for _, l := range escrow.Refund(a, esc, reason, now) {
				b.AppendLog(l)
			}
			b.UpdateAccount(*a)
			b.UpdateEscrow(*esc)
		}
	}

	o.Status = model.OrderStatusCancelled
	o.CancelReason = reason
	o.UpdatedAt = now
	b.UpdateOrder(*o)
	return nil
}

// Depth returns the aggregated book, including the IPO level.
func (e *Engine) Depth(ctx context.Context, levels int) (model.Depth, error) {
	orders, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return model.Depth{}, err
	}
	state, err := e.store.GetMarketState(ctx)
	if err != nil {
		return model.Depth{}, err
	}
	return buildBook(orders, state, nil).depth(levels, state.ReferencePrice()), nil
}

// RecentTrades returns the latest trades, newest first.
func (e *Engine) RecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return e.store.ListRecentTrades(ctx, limit)
}

// UserOrders returns an account's orders, newest first.
func (e *Engine) UserOrders(ctx context.Context, owner string, limit int) ([]model.Order, error) {
	return e.store.ListOrdersByOwner(ctx, owner, limit)
}

// RunPass matches crossing orders until the top of the book no longer
// crosses. It returns the number of trades executed. A failing pair is
// logged and its orders are skipped for the rest of the pass.
func (e *Engine) RunPass(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.MatchPassDuration.Observe(time.Since(start).Seconds()) }()

	state, err := e.store.GetMarketState(ctx)
	if err != nil {
		return 0, err
	}
	if !e.market.OpenAt(state, e.now()) {
		metrics.MatchPasses.WithLabelValues("skipped_closed").Inc()
		return 0, nil
	}
	metrics.MatchPasses.WithLabelValues("run").Inc()

	excluded := make(map[string]bool)
	trades := 0
	for step := 0; step < e.cfg.MaxStepsPerPass; step++ {
		if err := ctx.Err(); err != nil {
			return trades, err
		}

		orders, err := e.store.ListOpenOrders(ctx)
		if err != nil {
			return trades, err
		}
		state, err := e.store.GetMarketState(ctx)
		if err != nil {
			return trades, err
		}
		if !e.market.OpenAt(state, e.now()) {
			break
		}

		buy, sell, ok := buildBook(orders, state, excluded).best()
		if !ok || !Crosses(&buy, &sell) {
			break
		}

		t, err := e.settle(ctx, buy.ID, sell.ID)
		if err != nil {
			if ctx.Err() != nil {
				return trades, ctx.Err()
			}
			metrics.SettlementErrors.Inc()
			for _, id := range blamed(err, buy.ID, sell.ID) {
				excluded[id] = true
			}
			e.logger.Error("settlement failed",
				"buy_order_id", buy.ID,
				"sell_order_id", sell.ID,
				"err", err,
			)
			continue
		}
		if t != nil {
			trades++
		}
	}

	if trades > 0 {
		e.logger.Info("matching pass complete", "trades", trades, "duration", time.Since(start).String())
	}
	return trades, nil
}

// orderError attributes a settlement failure to one order.
type orderError struct {
	orderID string
	err     error
}

func (e *orderError) Error() string { return fmt.Sprintf("order %s: %v", e.orderID, e.err) }
func (e *orderError) Unwrap() error { return e.err }

func blame(orderID string, err error) error {
	if err == nil {
		return nil
	}
	return &orderError{orderID: orderID, err: err}
}

// blamed returns the orders to exclude after err: the attributed order,
// or both when the failure cannot be pinned on one side.
func blamed(err error, buyID, sellID string) []string {
	var oe *orderError
	if errors.As(err, &oe) {
		return []string{oe.orderID}
	}
	return []string{buyID, sellID}
}
