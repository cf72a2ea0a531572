package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/account"
	"github.com/campusx/exchange/internal/escrow"
	"github.com/campusx/exchange/internal/metrics"
	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/retry"
	"github.com/campusx/exchange/internal/store"
)

// settle executes one trade between the given orders. Every record it
// touches is re-read and written back in one conditional commit, so a
// concurrent cancellation either lands first (and the pair is skipped)
// or conflicts and is retried. It returns nil, nil when the pair no
// longer trades.
func (e *Engine) settle(ctx context.Context, buyID, sellID string) (*model.Trade, error) {
	var trade *model.Trade
	err := retry.Do(ctx, "settle", e.cfg.Retry, func(ctx context.Context) error {
		trade = nil
		t, err := e.settleOnce(ctx, buyID, sellID)
		if err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, nil
	}

	kind := "peer"
	if trade.IsIPO {
		kind = "ipo"
	}
	metrics.TradesTotal.WithLabelValues(kind).Inc()
	metrics.TradeVolume.WithLabelValues(kind).Add(float64(trade.Quantity))
	e.logger.Info("trade executed",
		"trade_id", trade.ID,
		"buy_order_id", trade.BuyOrderID,
		"sell_order_id", trade.SellOrderID,
		"price", trade.Price.String(),
		"quantity", trade.Quantity,
		"ipo", trade.IsIPO,
	)
	e.publish(ctx, *trade)
	return trade, nil
}

// accountSet loads each account once so a self-trade updates one record.
type accountSet struct {
	st    store.Store
	byID  map[string]*model.Account
	order []string
}

func (s *accountSet) get(ctx context.Context, id string) (*model.Account, error) {
	if a, ok := s.byID[id]; ok {
		return a, nil
	}
	a, err := s.st.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.byID[id] = a
	s.order = append(s.order, id)
	return a, nil
}

func (s *accountSet) writeTo(b *store.Batch) {
	for _, id := range s.order {
		b.UpdateAccount(*s.byID[id])
	}
}

func (e *Engine) settleOnce(ctx context.Context, buyID, sellID string) (*model.Trade, error) {
	state, err := e.store.GetMarketState(ctx)
	if err != nil {
		return nil, err
	}

	buy, err := e.store.GetOrder(ctx, buyID)
	if err != nil {
		return nil, blame(buyID, err)
	}
	var sell *model.Order
	if sellID == model.IPOOrderID {
		ipo, ok := state.IPOOrder()
		if !ok {
			return nil, nil
		}
		sell = &ipo
	} else if sell, err = e.store.GetOrder(ctx, sellID); err != nil {
		return nil, blame(sellID, err)
	}

	// Check-before-write: a cancellation or fill may have landed since
	// the book was read.
	if !buy.Status.Open() || !sell.Status.Open() || !Crosses(buy, sell) {
		return nil, nil
	}

	price := TradePrice(buy, sell, state.ReferencePrice())
	if !price.IsPositive() {
		return nil, fmt.Errorf("no usable trade price for %s/%s", buyID, sellID)
	}
	qty := min(buy.Remaining(), sell.Remaining())

	accounts := &accountSet{st: e.store, byID: make(map[string]*model.Account)}
	buyer, err := accounts.get(ctx, buy.Owner)
	if err != nil {
		return nil, blame(buyID, err)
	}
	buyEsc, err := e.store.GetEscrow(ctx, buy.EscrowID)
	if err != nil {
		return nil, blame(buyID, err)
	}
	if buyEsc.Status != model.EscrowActive {
		return nil, blame(buyID, fmt.Errorf("escrow %s is %s: %w", buyEsc.ID, buyEsc.Status, model.ErrInvalidState))
	}

	now := e.now()
	var b store.Batch

	if buy.Type.IsMarket() {
		if afford := Affordable(buyEsc.Amount, price); afford < qty {
			qty = afford
		}
		if qty == 0 {
			// The reservation cannot pay for a single share at this price.
			for _, l := range escrow.Refund(buyer, buyEsc, ReasonInsufficientReservation, now) {
				b.AppendLog(l)
			}
			buy.Status = model.OrderStatusCancelled
			buy.CancelReason = ReasonInsufficientReservation
			buy.UpdatedAt = now
			b.UpdateOrder(*buy)
			b.UpdateEscrow(*buyEsc)
			accounts.writeTo(&b)
			if err := e.store.Commit(ctx, &b); err != nil {
				return nil, err
			}
			metrics.OrdersCancelled.WithLabelValues(ReasonInsufficientReservation).Inc()
			e.logger.Info("market buy cancelled",
				"order_id", buy.ID,
				"filled", buy.FilledQuantity,
				"price", price.String(),
				"reason", ReasonInsufficientReservation,
			)
			return nil, nil
		}
	}

	cost := price.Mul(decimal.NewFromInt(qty))
	tradeID := uuid.New().String()

	// Buyer: pay from escrow, refund any price improvement, receive shares.
	consumed := BuyConsumption(buy, buyEsc.Amount, price, qty)
	if err := escrow.Consume(buyer, buyEsc, consumed, now); err != nil {
		return nil, blame(buyID, err)
	}
	if consumed.LessThan(cost) {
		return nil, blame(buyID, fmt.Errorf("escrow %s released %s for a cost of %s: %w",
			buyEsc.ID, consumed.String(), cost.String(), model.ErrInvalidState))
	}
	buyer.Shares += qty
	b.AppendLog(account.NewLog(buyer.ID, cost.Neg(), model.LogTradeBuy, tradeID, "", now))
	if surplus := consumed.Sub(cost); surplus.IsPositive() {
		repaid := account.ApplyCredit(buyer, surplus, now)
		for _, l := range account.CreditLogs(buyer.ID, model.LogEscrowRefund, surplus, repaid, tradeID, "price improvement", now) {
			b.AppendLog(l)
		}
	}
	fill(buy, qty, now)
	if buy.Status == model.OrderStatusFilled {
		escrow.Finish(buyer, buyEsc, now)
	}
	b.UpdateOrder(*buy)
	b.UpdateEscrow(*buyEsc)

	// Seller: the IPO pool shrinks, or shares leave escrow and points are
	// credited through debt recovery.
	if sell.IsSystemOrder {
		state.IPOSharesRemaining -= qty
	} else {
		seller, err := accounts.get(ctx, sell.Owner)
		if err != nil {
			return nil, blame(sellID, err)
		}
		sellEsc, err := e.store.GetEscrow(ctx, sell.EscrowID)
		if err != nil {
			return nil, blame(sellID, err)
		}
		if err := escrow.Consume(seller, sellEsc, decimal.NewFromInt(qty), now); err != nil {
			return nil, blame(sellID, err)
		}
		repaid := account.ApplyCredit(seller, cost, now)
		for _, l := range account.CreditLogs(seller.ID, model.LogTradeSell, cost, repaid, tradeID, "", now) {
			b.AppendLog(l)
		}
		fill(sell, qty, now)
		if sell.Status == model.OrderStatusFilled {
			escrow.Finish(seller, sellEsc, now)
		}
		b.UpdateOrder(*sell)
		b.UpdateEscrow(*sellEsc)
	}
	accounts.writeTo(&b)

	state.LastTradePrice = decimal.NewNullDecimal(price)
	state.LastTradeAt = &now
	state.UpdatedAt = now
	b.UpdateMarket(*state)

	t := model.Trade{
		ID:          tradeID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.Owner,
		SellerID:    sell.Owner,
		Price:       price,
		Quantity:    qty,
		IsIPO:       sell.IsSystemOrder,
		ExecutedAt:  now,
	}
	b.AppendTrade(t)

	if err := e.store.Commit(ctx, &b); err != nil {
		return nil, err
	}
	return &t, nil
}

func fill(o *model.Order, qty int64, now time.Time) {
	o.FilledQuantity += qty
	if o.FilledQuantity >= o.Quantity {
		o.Status = model.OrderStatusFilled
	} else {
		o.Status = model.OrderStatusPartial
	}
	o.UpdatedAt = now
}
