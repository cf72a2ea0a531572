// Package market holds the exchange-wide state: the open/closed gate, the
// reference price, the circuit breaker, and the IPO pool.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/retry"
	"github.com/campusx/exchange/internal/store"
)

// Service reads and administers the market state singleton.
type Service struct {
	store  store.Store
	policy retry.Policy
	window *Window
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a market service. window may be nil, in which case
// the stored is_open flag decides unless an override is set.
func NewService(st store.Store, policy retry.Policy, window *Window, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		policy: policy,
		window: window,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Init stores the initial market state unless one already exists.
func (s *Service) Init(ctx context.Context, state model.MarketState) (bool, error) {
	if err := validateBreaker(state.Breaker); err != nil {
		return false, err
	}
	now := s.now()
	state.CreatedAt = now
	state.UpdatedAt = now
	stored, err := s.store.InitMarketState(ctx, &state)
	if err != nil {
		return false, err
	}
	if stored {
		s.logger.Info("market state initialized",
			"ipo_price", state.IPOPrice.String(),
			"ipo_shares", state.IPOSharesRemaining,
			"open", state.IsOpen,
		)
	}
	return stored, nil
}

// State returns the current market state.
func (s *Service) State(ctx context.Context) (*model.MarketState, error) {
	return s.store.GetMarketState(ctx)
}

// IsOpen reports whether orders are accepted and matching runs right now.
func (s *Service) IsOpen(ctx context.Context) (bool, error) {
	state, err := s.store.GetMarketState(ctx)
	if err != nil {
		return false, err
	}
	return s.OpenAt(state, s.now()), nil
}

// OpenAt evaluates the gate for a state already read: a manual override
// wins, then the trading window if one is configured, then the stored flag.
func (s *Service) OpenAt(state *model.MarketState, t time.Time) bool {
	if state.Override != nil {
		return *state.Override
	}
	if s.window != nil {
		return s.window.Contains(t)
	}
	return state.IsOpen
}

// ReferencePrice returns the last trade price, or the IPO price before the
// first trade.
func (s *Service) ReferencePrice(ctx context.Context) (decimal.Decimal, error) {
	state, err := s.store.GetMarketState(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return state.ReferencePrice(), nil
}

// CheckPriceLimit rejects limit prices outside the circuit-breaker band.
func (s *Service) CheckPriceLimit(ctx context.Context, price decimal.Decimal, isSystem bool) error {
	state, err := s.store.GetMarketState(ctx)
	if err != nil {
		return err
	}
	return CheckPrice(state, price, isSystem)
}

// CheckPrice is CheckPriceLimit for a state already read. System orders
// are exempt.
func CheckPrice(state *model.MarketState, price decimal.Decimal, isSystem bool) error {
	if isSystem || !state.Breaker.Enabled {
		return nil
	}
	low, high := Band(state)
	if price.LessThan(low) || price.GreaterThan(high) {
		return fmt.Errorf("price %s outside [%s, %s]: %w",
			price.String(), low.String(), high.String(), model.ErrPriceLimitExceeded)
	}
	return nil
}

// Band returns the accepted price range around the reference price.
func Band(state *model.MarketState) (low, high decimal.Decimal) {
	ref := state.ReferencePrice()
	band := state.Breaker.Band
	switch state.Breaker.Mode {
	case model.BreakerFixed:
		low, high = ref.Sub(band), ref.Add(band)
	case model.BreakerPercent:
		low, high = ref.Mul(decimal.NewFromInt(1).Sub(band)), ref.Mul(decimal.NewFromInt(1).Add(band))
	default:
		return decimal.Zero, ref
	}
	if low.IsNegative() {
		low = decimal.Zero
	}
	return low, high
}

// SetOverride forces the market open or closed. nil clears the override.
func (s *Service) SetOverride(ctx context.Context, override *bool) (*model.MarketState, error) {
	return s.update(ctx, "market_override", func(m *model.MarketState) error {
		if override == nil {
			m.Override = nil
			return nil
		}
		v := *override
		m.Override = &v
		return nil
	})
}

// SetOpen sets the stored open flag used when neither an override nor a
// trading window applies.
func (s *Service) SetOpen(ctx context.Context, open bool) (*model.MarketState, error) {
	return s.update(ctx, "market_open", func(m *model.MarketState) error {
		m.IsOpen = open
		return nil
	})
}

// SetCircuitBreaker replaces the circuit-breaker configuration.
func (s *Service) SetCircuitBreaker(ctx context.Context, cb model.CircuitBreaker) (*model.MarketState, error) {
	if err := validateBreaker(cb); err != nil {
		return nil, err
	}
	return s.update(ctx, "market_breaker", func(m *model.MarketState) error {
		m.Breaker = cb
		return nil
	})
}

// SeedIPO sets the IPO price and the number of shares the system sells.
func (s *Service) SeedIPO(ctx context.Context, price decimal.Decimal, shares int64) (*model.MarketState, error) {
	if !price.IsPositive() {
		return nil, model.Validationf("ipo price must be positive")
	}
	if shares < 0 {
		return nil, model.Validationf("ipo shares must not be negative")
	}
	return s.update(ctx, "market_ipo", func(m *model.MarketState) error {
		m.IPOPrice = price
		m.IPOSharesRemaining = shares
		return nil
	})
}

func (s *Service) update(ctx context.Context, op string, fn func(*model.MarketState) error) (*model.MarketState, error) {
	var result model.MarketState
	err := retry.Do(ctx, op, s.policy, func(ctx context.Context) error {
		m, err := s.store.GetMarketState(ctx)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		m.UpdatedAt = s.now()

		var b store.Batch
		b.UpdateMarket(*m)
		if err := s.store.Commit(ctx, &b); err != nil {
			return err
		}
		result = *m
		result.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("market state updated", "op", op, "version", result.Version)
	return &result, nil
}

func validateBreaker(cb model.CircuitBreaker) error {
	if !cb.Enabled {
		return nil
	}
	if cb.Band.IsNegative() {
		return model.Validationf("circuit-breaker band must not be negative")
	}
	switch cb.Mode {
	case model.BreakerPercent:
		if cb.Band.GreaterThan(decimal.NewFromInt(1)) {
			return model.Validationf("percent band must be at most 1")
		}
	case model.BreakerFixed:
	default:
		return model.Validationf("unknown circuit-breaker mode %q", cb.Mode)
	}
	return nil
}
