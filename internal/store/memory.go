package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/campusx/exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	orders   map[string]*model.Order
	escrows  map[string]*model.Escrow
	market   *model.MarketState
	trades   []model.Trade
	logs     []model.PointLog
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		orders:   make(map[string]*model.Order),
		escrows:  make(map[string]*model.Escrow),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
	}
	// Store a copy to avoid external mutation.
	copy := *a
	copy.Version = 1
	s.accounts[a.ID] = &copy
	a.Version = 1
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status.Open() {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) ListOrdersByOwner(_ context.Context, owner string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Owner == owner {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, id string) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", id, model.ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) ListActiveEscrows(_ context.Context, accountID string) ([]model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Escrow
	for _, e := range s.escrows {
		if e.AccountID == accountID && e.Status == model.EscrowActive {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListRecentTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, s.trades[i])
	}
	return result, nil
}

func (s *MemoryStore) ListPointLogs(_ context.Context, accountID string, limit int) ([]model.PointLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PointLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if s.logs[i].AccountID == accountID {
			result = append(result, s.logs[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) GetMarketState(_ context.Context) (*model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.market == nil {
		return nil, fmt.Errorf("market state: %w", model.ErrNotFound)
	}
	copy := *s.market
	return &copy, nil
}

func (s *MemoryStore) InitMarketState(_ context.Context, m *model.MarketState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.market != nil {
		return false, nil
	}
	copy := *m
	copy.Version = 1
	s.market = &copy
	return true, nil
}

// Commit validates every expected version under a single lock, then
// applies the whole batch. Nothing is written if any check fails.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range b.accounts {
		cur, ok := s.accounts[a.ID]
		if !ok || cur.Version != a.Version {
			return fmt.Errorf("account %s: %w", a.ID, ErrWriteConflict)
		}
	}
	for _, w := range b.orders {
		cur, ok := s.orders[w.order.ID]
		if w.insert {
			if ok {
				return fmt.Errorf("order %s: %w", w.order.ID, ErrWriteConflict)
			}
			continue
		}
		if !ok || cur.Version != w.order.Version {
			return fmt.Errorf("order %s: %w", w.order.ID, ErrWriteConflict)
		}
	}
	for _, w := range b.escrows {
		cur, ok := s.escrows[w.escrow.ID]
		if w.insert {
			if ok {
				return fmt.Errorf("escrow %s: %w", w.escrow.ID, ErrWriteConflict)
			}
			continue
		}
		if !ok || cur.Version != w.escrow.Version {
			return fmt.Errorf("escrow %s: %w", w.escrow.ID, ErrWriteConflict)
		}
	}
	if b.market != nil && (s.market == nil || s.market.Version != b.market.Version) {
		return fmt.Errorf("market state: %w", ErrWriteConflict)
	}

	for _, a := range b.accounts {
		copy := a
		copy.Version++
		s.accounts[a.ID] = &copy
	}
	for _, w := range b.orders {
		copy := w.order
		if w.insert {
			copy.Version = 1
		} else {
			copy.Version++
		}
		s.orders[copy.ID] = &copy
	}
	for _, w := range b.escrows {
		copy := w.escrow
		if w.insert {
			copy.Version = 1
		} else {
			copy.Version++
		}
		s.escrows[copy.ID] = &copy
	}
	if b.market != nil {
		copy := *b.market
		copy.Version++
		s.market = &copy
	}
	s.trades = append(s.trades, b.trades...)
	s.logs = append(s.logs, b.logs...)
	return nil
}
