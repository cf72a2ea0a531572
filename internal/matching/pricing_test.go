package matching

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/campusx/exchange/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func limit(side model.Side, price string, at time.Time) *model.Order {
	return &model.Order{
		ID:        string(side) + "-" + price,
		Side:      side,
		Type:      model.OrderTypeLimit,
		Quantity:  1,
		Price:     decimal.NewNullDecimal(d(price)),
		Status:    model.OrderStatusPending,
		CreatedAt: at,
	}
}

func marketOrder(side model.Side, typ model.OrderType, at time.Time) *model.Order {
	return &model.Order{
		ID:        string(side) + "-" + string(typ),
		Side:      side,
		Type:      typ,
		Quantity:  1,
		Status:    model.OrderStatusPending,
		CreatedAt: at,
	}
}

func TestTradePrice(t *testing.T) {
	ref := d("50")
	ipo := &model.Order{
		ID: model.IPOOrderID, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: decimal.NewNullDecimal(d("20")), IsSystemOrder: true, CreatedAt: t0,
	}
	anomalous := &model.Order{ID: "bad", Side: model.SideSell, Type: model.OrderTypeLimit, CreatedAt: t0}

	tests := []struct {
		name string
		buy  *model.Order
		sell *model.Order
		want string
	}{
		{"ipo seller sets price", limit(model.SideBuy, "25", t0.Add(time.Hour)), ipo, "20"},
		{"ipo seller vs market buy", marketOrder(model.SideBuy, model.OrderTypeMarket, t0), ipo, "20"},
		{"market buy takes seller limit", marketOrder(model.SideBuy, model.OrderTypeMarket, t0), limit(model.SideSell, "150", t0.Add(time.Second)), "150"},
		{"converted buy takes seller limit", marketOrder(model.SideBuy, model.OrderTypeMarketConverted, t0), limit(model.SideSell, "150", t0), "150"},
		{"market vs market uses reference", marketOrder(model.SideBuy, model.OrderTypeMarket, t0), marketOrder(model.SideSell, model.OrderTypeMarketConverted, t0), "50"},
		{"market sell takes buyer limit", limit(model.SideBuy, "70", t0), marketOrder(model.SideSell, model.OrderTypeMarket, t0), "70"},
		{"earlier buyer sets price", limit(model.SideBuy, "800", t0), limit(model.SideSell, "100", t0.Add(time.Second)), "800"},
		{"earlier seller sets price", limit(model.SideBuy, "800", t0.Add(time.Second)), limit(model.SideSell, "100", t0), "100"},
		{"equal timestamps use seller", limit(model.SideBuy, "30", t0), limit(model.SideSell, "25", t0), "25"},
		{"missing timestamp uses seller", limit(model.SideBuy, "30", time.Time{}), limit(model.SideSell, "25", t0), "25"},
		{"market buy vs anomalous seller", marketOrder(model.SideBuy, model.OrderTypeMarket, t0), anomalous, "50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TradePrice(tt.buy, tt.sell, ref); !got.Equal(d(tt.want)) {
				t.Errorf("TradePrice = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCrosses(t *testing.T) {
	tests := []struct {
		name string
		buy  *model.Order
		sell *model.Order
		want bool
	}{
		{"buy above sell", limit(model.SideBuy, "30", t0), limit(model.SideSell, "25", t0), true},
		{"buy equals sell", limit(model.SideBuy, "25", t0), limit(model.SideSell, "25", t0), true},
		{"buy below sell", limit(model.SideBuy, "24.99", t0), limit(model.SideSell, "25", t0), false},
		{"market buy", marketOrder(model.SideBuy, model.OrderTypeMarket, t0), limit(model.SideSell, "999", t0), true},
		{"market sell", limit(model.SideBuy, "1", t0), marketOrder(model.SideSell, model.OrderTypeMarketConverted, t0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Crosses(tt.buy, tt.sell); got != tt.want {
				t.Errorf("Crosses = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReservation(t *testing.T) {
	buffer := d("0.2")
	ref := d("100")

	typ, amt := Reservation(model.SideBuy, model.OrderTypeLimit, 5, d("25"), ref, buffer)
	if typ != model.EscrowBuyFunds || !amt.Equal(d("125")) {
		t.Errorf("limit buy = %s %s, want buy_funds 125", typ, amt)
	}
	typ, amt = Reservation(model.SideBuy, model.OrderTypeMarket, 10, decimal.Zero, ref, buffer)
	if typ != model.EscrowBuyFunds || !amt.Equal(d("1200")) {
		t.Errorf("market buy = %s %s, want buy_funds 1200", typ, amt)
	}
	typ, amt = Reservation(model.SideSell, model.OrderTypeMarket, 7, decimal.Zero, ref, buffer)
	if typ != model.EscrowSellShares || !amt.Equal(d("7")) {
		t.Errorf("sell = %s %s, want sell_shares 7", typ, amt)
	}
}

func TestAffordable(t *testing.T) {
	if got := Affordable(d("1200"), d("150")); got != 8 {
		t.Errorf("Affordable = %d, want 8", got)
	}
	if got := Affordable(d("149.99"), d("150")); got != 0 {
		t.Errorf("Affordable = %d, want 0", got)
	}
	if got := Affordable(d("10"), decimal.Zero); got != 0 {
		t.Errorf("Affordable at zero price = %d, want 0", got)
	}
}

// A limit buyer never pays above its limit and a limit seller never
// receives below its limit, whatever the order of arrival.
func TestProperty_PriceImprovement(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ref := decimal.NewFromInt(rapid.Int64Range(1, 1000).Draw(t, "ref"))
		sellCents := rapid.Int64Range(100, 100000).Draw(t, "sell")
		buyCents := rapid.Int64Range(sellCents, 200000).Draw(t, "buy")
		buyAt := t0.Add(time.Duration(rapid.IntRange(0, 5).Draw(t, "buyAt")) * time.Second)
		sellAt := t0.Add(time.Duration(rapid.IntRange(0, 5).Draw(t, "sellAt")) * time.Second)

		buy := &model.Order{Side: model.SideBuy, Type: model.OrderTypeLimit,
			Price: decimal.NewNullDecimal(decimal.New(buyCents, -2)), CreatedAt: buyAt}
		sell := &model.Order{Side: model.SideSell, Type: model.OrderTypeLimit,
			Price: decimal.NewNullDecimal(decimal.New(sellCents, -2)), CreatedAt: sellAt}

		if !Crosses(buy, sell) {
			t.Fatalf("buy %s should cross sell %s", buy.Price.Decimal, sell.Price.Decimal)
		}
		p := TradePrice(buy, sell, ref)
		if p.GreaterThan(buy.Price.Decimal) {
			t.Fatalf("buyer pays %s above limit %s", p, buy.Price.Decimal)
		}
		if p.LessThan(sell.Price.Decimal) {
			t.Fatalf("seller receives %s below limit %s", p, sell.Price.Decimal)
		}

		mkt := &model.Order{Side: model.SideBuy, Type: model.OrderTypeMarket, CreatedAt: buyAt}
		if got := TradePrice(mkt, sell, ref); !got.Equal(sell.Price.Decimal) {
			t.Fatalf("market buy paid %s, want seller limit %s", got, sell.Price.Decimal)
		}
		mktSell := &model.Order{Side: model.SideSell, Type: model.OrderTypeMarketConverted, CreatedAt: sellAt}
		if got := TradePrice(buy, mktSell, ref); !got.Equal(buy.Price.Decimal) {
			t.Fatalf("market sell received %s, want buyer limit %s", got, buy.Price.Decimal)
		}
	})
}
