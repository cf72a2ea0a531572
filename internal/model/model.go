// Package model defines the core domain types shared across the exchange engine.
// Points and prices use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SystemAccountID owns the IPO sell order. It never holds a real account row.
const SystemAccountID = "system"

// IPOOrderID identifies the virtual system sell order backed by the IPO pool.
const IPOOrderID = "ipo"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType tags how an order is priced. The set is closed: every
// type-dependent decision switches over all three values.
type OrderType string

const (
	OrderTypeMarket          OrderType = "market"
	OrderTypeLimit           OrderType = "limit"
	OrderTypeMarketConverted OrderType = "market_converted"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeMarketConverted:
		return true
	}
	return false
}

// IsMarket reports whether orders of this type execute without a price limit.
// market and market_converted share matching treatment.
func (t OrderType) IsMarket() bool {
	switch t {
	case OrderTypeMarket, OrderTypeMarketConverted:
		return true
	case OrderTypeLimit:
		return false
	}
	return false
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Open reports whether an order in this status can still trade or be cancelled.
func (s OrderStatus) Open() bool {
	return s == OrderStatusPending || s == OrderStatusPartial
}

// Account is a participant's balance sheet. EscrowPoints and EscrowShares
// are caches of the active escrows; the escrow records are the source of truth.
type Account struct {
	ID           string          `json:"id" db:"id"`
	Points       decimal.Decimal `json:"points" db:"points"`
	Shares       int64           `json:"shares" db:"shares"`
	EscrowPoints decimal.Decimal `json:"escrow_points" db:"escrow_points"`
	EscrowShares int64           `json:"escrow_shares" db:"escrow_shares"`
	OwedPoints   decimal.Decimal `json:"owed_points" db:"owed_points"`
	Frozen       bool            `json:"frozen" db:"frozen"`
	Version      int64           `json:"version" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// IsFrozen reports whether the account is blocked from new trades and
// outgoing transfers. Any outstanding debt freezes the account.
func (a *Account) IsFrozen() bool {
	return a.Frozen || a.OwedPoints.IsPositive()
}

// Order is a buy or sell instruction for the exchange's single instrument.
// Price is set only for limit orders.
type Order struct {
	ID             string              `json:"id" db:"id"`
	Owner          string              `json:"owner" db:"owner"`
	Side           Side                `json:"side" db:"side"`
	Type           OrderType           `json:"order_type" db:"order_type"`
	Quantity       int64               `json:"quantity" db:"quantity"`
	FilledQuantity int64               `json:"filled_quantity" db:"filled_quantity"`
	Price          decimal.NullDecimal `json:"price" db:"price"`
	Status         OrderStatus         `json:"status" db:"status"`
	IsSystemOrder  bool                `json:"is_system_order" db:"is_system_order"`
	EscrowID       string              `json:"escrow_id,omitempty" db:"escrow_id"`
	CancelReason   string              `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at" db:"updated_at"`
	Version        int64               `json:"version" db:"version"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// LimitPrice returns the order's limit price. ok is false for market-type
// orders and for limit orders whose stored price is missing or not positive.
func (o *Order) LimitPrice() (price decimal.Decimal, ok bool) {
	switch o.Type {
	case OrderTypeLimit:
		if o.Price.Valid && o.Price.Decimal.IsPositive() {
			return o.Price.Decimal, true
		}
		return decimal.Zero, false
	case OrderTypeMarket, OrderTypeMarketConverted:
		return decimal.Zero, false
	}
	return decimal.Zero, false
}

// EscrowType tags what an escrow holds.
type EscrowType string

const (
	EscrowBuyFunds   EscrowType = "buy_funds"   // points reserved for a buy order
	EscrowSellShares EscrowType = "sell_shares" // shares reserved for a sell order
	EscrowHold       EscrowType = "hold"        // points held outside of trading
)

// HoldsShares reports whether the escrow amount is denominated in shares.
func (t EscrowType) HoldsShares() bool {
	return t == EscrowSellShares
}

// Valid reports whether t is a known escrow type.
func (t EscrowType) Valid() bool {
	switch t {
	case EscrowBuyFunds, EscrowSellShares, EscrowHold:
		return true
	}
	return false
}

// EscrowStatus is the lifecycle state of an escrow.
type EscrowStatus string

const (
	EscrowActive    EscrowStatus = "active"
	EscrowCompleted EscrowStatus = "completed"
	EscrowCancelled EscrowStatus = "cancelled"
)

// EscrowMeta records what the reservation was made for.
type EscrowMeta struct {
	OrderID  string              `json:"order_id,omitempty"`
	Side     Side                `json:"side,omitempty"`
	Quantity int64               `json:"quantity,omitempty"`
	Price    decimal.NullDecimal `json:"price"`
}

// Escrow removes points or shares from an account's available balance
// until they are paid out (completed) or returned (cancelled).
// Amount is what is still held; OriginalAmount is what was reserved.
type Escrow struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Type           EscrowType      `json:"type" db:"type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	OriginalAmount decimal.Decimal `json:"original_amount" db:"original_amount"`
	Status         EscrowStatus    `json:"status" db:"status"`
	Meta           EscrowMeta      `json:"metadata" db:"metadata"`
	Reason         string          `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	Version        int64           `json:"version" db:"version"`
}

// Trade is an immutable record of one execution between a buy and a sell order.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	BuyOrderID  string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id" db:"sell_order_id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	IsIPO       bool            `json:"is_ipo" db:"is_ipo"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// Value returns price × quantity.
func (t *Trade) Value() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// PointLogKind classifies a points movement.
type PointLogKind string

const (
	LogTradeBuy      PointLogKind = "trade_buy"
	LogTradeSell     PointLogKind = "trade_sell"
	LogEscrowRefund  PointLogKind = "escrow_refund"
	LogDebtRepayment PointLogKind = "debt_repayment"
	LogCredit        PointLogKind = "credit"
	LogCharge        PointLogKind = "charge"
	LogTransferIn    PointLogKind = "transfer_in"
	LogTransferOut   PointLogKind = "transfer_out"
)

// PointLog is an append-only record of a points movement on one account.
// Delta is signed: positive for credits, negative for debits.
type PointLog struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Delta     decimal.Decimal `json:"delta" db:"delta"`
	Kind      PointLogKind    `json:"kind" db:"kind"`
	Reference string          `json:"reference,omitempty" db:"reference"`
	Note      string          `json:"note,omitempty" db:"note"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// BreakerMode selects how the circuit-breaker band is applied.
type BreakerMode string

const (
	BreakerPercent BreakerMode = "percent" // band is a fraction of the reference price
	BreakerFixed   BreakerMode = "fixed"   // band is an absolute number of points
)

// CircuitBreaker bounds the limit prices accepted around the reference price.
type CircuitBreaker struct {
	Enabled bool            `json:"enabled"`
	Mode    BreakerMode     `json:"mode"`
	Band    decimal.Decimal `json:"band"`
}

// MarketState is the exchange-wide singleton.
type MarketState struct {
	IsOpen             bool                `json:"is_open" db:"is_open"`
	Override           *bool               `json:"override,omitempty" db:"override"`
	LastTradePrice     decimal.NullDecimal `json:"last_trade_price" db:"last_trade_price"`
	LastTradeAt        *time.Time          `json:"last_trade_at,omitempty" db:"last_trade_at"`
	IPOPrice           decimal.Decimal     `json:"ipo_price" db:"ipo_price"`
	IPOSharesRemaining int64               `json:"ipo_shares_remaining" db:"ipo_shares_remaining"`
	Breaker            CircuitBreaker      `json:"circuit_breaker" db:"circuit_breaker"`
	CreatedAt          time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at" db:"updated_at"`
	Version            int64               `json:"version" db:"version"`
}

// ReferencePrice is the last trade price, or the IPO price before any trade.
func (m *MarketState) ReferencePrice() decimal.Decimal {
	if m.LastTradePrice.Valid && m.LastTradePrice.Decimal.IsPositive() {
		return m.LastTradePrice.Decimal
	}
	return m.IPOPrice
}

// IPOOrder returns the virtual system sell order backed by the IPO pool,
// or false when the pool is exhausted.
func (m *MarketState) IPOOrder() (Order, bool) {
	if m.IPOSharesRemaining <= 0 || !m.IPOPrice.IsPositive() {
		return Order{}, false
	}
	return Order{
		ID:            IPOOrderID,
		Owner:         SystemAccountID,
		Side:          SideSell,
		Type:          OrderTypeLimit,
		Quantity:      m.IPOSharesRemaining,
		Price:         decimal.NewNullDecimal(m.IPOPrice),
		Status:        OrderStatusPending,
		IsSystemOrder: true,
		CreatedAt:     m.CreatedAt,
		Version:       m.Version,
	}, true
}

// Depth is an aggregated view of the re-derived order book.
type Depth struct {
	Bids           []PriceLevel    `json:"bids"`
	Asks           []PriceLevel    `json:"asks"`
	MarketBuyQty   int64           `json:"market_buy_qty"`
	MarketSellQty  int64           `json:"market_sell_qty"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
}

// PriceLevel aggregates the remaining quantity resting at one price.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	OrderCount int             `json:"order_count"`
}
