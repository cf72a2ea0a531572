package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusx/exchange/internal/model"
)

// recentTradesCached is how many trades the recent-trades cache entry holds.
const recentTradesCached = 100

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only the hot read paths are cached: the market state, accounts, and the
// recent trades tape. Matching never reads through the cache for orders.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store. rdb is
// usually a *redis.Client.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.ID))
	return nil
}

func (s *CachedStore) InitMarketState(ctx context.Context, m *model.MarketState) (bool, error) {
	stored, err := s.primary.InitMarketState(ctx, m)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, marketStateKey)
	return stored, nil
}

// Commit invalidates every key the batch could have touched, whether or
// not the commit succeeded. A conflict means the cached copy is stale.
func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	err := s.primary.Commit(ctx, b)

	keys := make([]string, 0, len(b.accounts)+2)
	for _, id := range b.AccountIDs() {
		keys = append(keys, accountKey(id))
	}
	if b.market != nil {
		keys = append(keys, marketStateKey)
	}
	if len(b.trades) > 0 {
		keys = append(keys, recentTradesKey)
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.load(ctx, accountKey(id), &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, accountKey(id), acct)
	return acct, nil
}

func (s *CachedStore) GetMarketState(ctx context.Context) (*model.MarketState, error) {
	var m model.MarketState
	if s.load(ctx, marketStateKey, &m) {
		return &m, nil
	}

	state, err := s.primary.GetMarketState(ctx)
	if err != nil {
		return nil, err
	}
	s.save(ctx, marketStateKey, state)
	return state, nil
}

func (s *CachedStore) ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 || limit > recentTradesCached {
		return s.primary.ListRecentTrades(ctx, limit)
	}

	var trades []model.Trade
	if s.load(ctx, recentTradesKey, &trades) {
		if len(trades) > limit {
			trades = trades[:limit]
		}
		return trades, nil
	}

	trades, err := s.primary.ListRecentTrades(ctx, recentTradesCached)
	if err != nil {
		return nil, err
	}
	s.save(ctx, recentTradesKey, trades)
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx)
}

func (s *CachedStore) ListOrdersByOwner(ctx context.Context, owner string, limit int) ([]model.Order, error) {
	return s.primary.ListOrdersByOwner(ctx, owner, limit)
}

func (s *CachedStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return s.primary.GetEscrow(ctx, id)
}

func (s *CachedStore) ListActiveEscrows(ctx context.Context, accountID string) ([]model.Escrow, error) {
	return s.primary.ListActiveEscrows(ctx, accountID)
}

func (s *CachedStore) ListPointLogs(ctx context.Context, accountID string, limit int) ([]model.PointLog, error) {
	return s.primary.ListPointLogs(ctx, accountID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	marketStateKey  = "market:state"
	recentTradesKey = "trades:recent"
)

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
