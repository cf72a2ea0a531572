package matching

import (
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/model"
)

var two = decimal.NewFromInt(2)

// Crosses reports whether a buy and a sell can trade: either side is
// market-type, or the buy limit is at least the sell limit.
func Crosses(buy, sell *model.Order) bool {
	if buy.Type.IsMarket() || sell.Type.IsMarket() {
		return true
	}
	bp, bok := buy.LimitPrice()
	sp, sok := sell.LimitPrice()
	return bok && sok && bp.GreaterThanOrEqual(sp)
}

// TradePrice picks the execution price for a crossing pair. The first
// matching rule wins:
//
//  1. A system seller trades at its fixed IPO price.
//  2. A market buyer pays the seller's limit, or the reference price
//     when the seller is market-type too.
//  3. A market seller receives the buyer's limit.
//  4. Between two limits, the earlier order's price stands; equal or
//     missing timestamps use the seller's price.
//  5. Anything else: the midpoint of two usable prices, else the
//     reference price.
func TradePrice(buy, sell *model.Order, ref decimal.Decimal) decimal.Decimal {
	if sell.IsSystemOrder {
		if p, ok := sell.LimitPrice(); ok {
			return p
		}
	}

	bp, bok := buy.LimitPrice()
	sp, sok := sell.LimitPrice()

	switch {
	case buy.Type.IsMarket():
		if sell.Type.IsMarket() {
			return ref
		}
		if sok {
			return sp
		}
	case sell.Type.IsMarket():
		if bok {
			return bp
		}
	default:
		if bok && sok {
			if buy.CreatedAt.IsZero() || sell.CreatedAt.IsZero() {
				return sp
			}
			if buy.CreatedAt.Before(sell.CreatedAt) {
				return bp
			}
			return sp
		}
	}

	if bok && sok {
		return bp.Add(sp).Div(two)
	}
	return ref
}

// Reservation returns how much an order must hold in escrow when placed:
// points for buys, shares for sells. Market buys reserve at the reference
// price plus buffer since their execution price is unknown.
func Reservation(side model.Side, typ model.OrderType, qty int64, price, ref, buffer decimal.Decimal) (model.EscrowType, decimal.Decimal) {
	q := decimal.NewFromInt(qty)
	if side == model.SideSell {
		return model.EscrowSellShares, q
	}
	switch typ {
	case model.OrderTypeLimit:
		return model.EscrowBuyFunds, price.Mul(q)
	case model.OrderTypeMarket, model.OrderTypeMarketConverted:
		return model.EscrowBuyFunds, ref.Mul(decimal.NewFromInt(1).Add(buffer)).Mul(q)
	}
	return model.EscrowBuyFunds, decimal.Zero
}

// BuyConsumption returns how much of the buyer's escrow a fill of qty at
// price uses up. A final fill takes the whole residual; otherwise a limit
// buy releases its limit price per share and a market buy the trade price.
// The difference to the actual cost is refunded to the buyer.
func BuyConsumption(buy *model.Order, residual, price decimal.Decimal, qty int64) decimal.Decimal {
	if buy.FilledQuantity+qty >= buy.Quantity {
		return residual
	}
	q := decimal.NewFromInt(qty)
	if lp, ok := buy.LimitPrice(); ok {
		return lp.Mul(q)
	}
	return price.Mul(q)
}

// Affordable caps a market buy's fill to what its residual reservation
// can pay at price.
func Affordable(residual, price decimal.Decimal) int64 {
	if !price.IsPositive() || !residual.IsPositive() {
		return 0
	}
	return residual.Div(price).Floor().IntPart()
}
