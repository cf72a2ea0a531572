// Package store defines the persistence interfaces for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every balance-affecting write goes through Commit with a Batch of
// conditional writes: each update carries the version that was read, and
// the whole batch is rejected with ErrWriteConflict if any record moved.
package store

import (
	"context"
	"errors"

	"github.com/campusx/exchange/internal/model"
)

// ErrWriteConflict is returned by Commit when a record's version no longer
// matches the version the caller read. Callers retry via the retry package.
var ErrWriteConflict = errors.New("store: write conflict")

// ErrDuplicate is returned when creating a record whose ID already exists.
var ErrDuplicate = errors.New("store: duplicate id")

// AccountStore reads and creates accounts. Updates go through Commit.
type AccountStore interface {
	// CreateAccount persists a new account with version 1.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// OrderStore reads persisted orders. The order book is always re-derived
// from these reads.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOpenOrders returns all pending and partial orders.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)

	// ListOrdersByOwner returns an owner's orders, newest first.
	ListOrdersByOwner(ctx context.Context, owner string, limit int) ([]model.Order, error)
}

// EscrowStore reads escrow records.
type EscrowStore interface {
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)

	// ListActiveEscrows returns the active escrows of one account.
	ListActiveEscrows(ctx context.Context, accountID string) ([]model.Escrow, error)
}

// LedgerStore reads the append-only trade and point logs.
type LedgerStore interface {
	// ListRecentTrades returns the most recent trades, newest first.
	ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// ListPointLogs returns an account's point movements, newest first.
	ListPointLogs(ctx context.Context, accountID string, limit int) ([]model.PointLog, error)
}

// MarketStore reads the market-state singleton.
type MarketStore interface {
	GetMarketState(ctx context.Context) (*model.MarketState, error)

	// InitMarketState stores s if no state exists yet. It reports whether
	// s was stored.
	InitMarketState(ctx context.Context, s *model.MarketState) (bool, error)
}

// Committer applies a Batch atomically or not at all.
type Committer interface {
	Commit(ctx context.Context, b *Batch) error
}

// Store is the full persistence interface.
type Store interface {
	AccountStore
	OrderStore
	EscrowStore
	LedgerStore
	MarketStore
	Committer
}

// Batch collects conditional writes for one atomic Commit.
//
// Updated records carry the Version that was read; the store checks it and
// persists the record with Version+1. Inserted records are stored with
// Version 1. Trades and point logs are appended unconditionally.
type Batch struct {
	accounts []model.Account
	orders   []orderWrite
	escrows  []escrowWrite
	market   *model.MarketState
	trades   []model.Trade
	logs     []model.PointLog
}

type orderWrite struct {
	order  model.Order
	insert bool
}

type escrowWrite struct {
	escrow model.Escrow
	insert bool
}

// UpdateAccount adds a conditional account update. Updating the same
// account twice keeps the first expected version and the latest content.
func (b *Batch) UpdateAccount(a model.Account) {
	for i := range b.accounts {
		if b.accounts[i].ID == a.ID {
			a.Version = b.accounts[i].Version
			b.accounts[i] = a
			return
		}
	}
	b.accounts = append(b.accounts, a)
}

// InsertOrder adds a new order.
func (b *Batch) InsertOrder(o model.Order) {
	b.orders = append(b.orders, orderWrite{order: o, insert: true})
}

// UpdateOrder adds a conditional order update.
func (b *Batch) UpdateOrder(o model.Order) {
	for i := range b.orders {
		if b.orders[i].order.ID == o.ID {
			if !b.orders[i].insert {
				o.Version = b.orders[i].order.Version
			}
			b.orders[i].order = o
			return
		}
	}
	b.orders = append(b.orders, orderWrite{order: o})
}

// InsertEscrow adds a new escrow.
func (b *Batch) InsertEscrow(e model.Escrow) {
	b.escrows = append(b.escrows, escrowWrite{escrow: e, insert: true})
}

// UpdateEscrow adds a conditional escrow update.
func (b *Batch) UpdateEscrow(e model.Escrow) {
	for i := range b.escrows {
		if b.escrows[i].escrow.ID == e.ID {
			if !b.escrows[i].insert {
				e.Version = b.escrows[i].escrow.Version
			}
			b.escrows[i].escrow = e
			return
		}
	}
	b.escrows = append(b.escrows, escrowWrite{escrow: e})
}

// UpdateMarket adds a conditional market-state update.
func (b *Batch) UpdateMarket(m model.MarketState) {
	if b.market != nil {
		m.Version = b.market.Version
	}
	b.market = &m
}

// AppendTrade appends an immutable trade record.
func (b *Batch) AppendTrade(t model.Trade) {
	b.trades = append(b.trades, t)
}

// AppendLog appends an immutable point log entry.
func (b *Batch) AppendLog(l model.PointLog) {
	b.logs = append(b.logs, l)
}

// AccountIDs returns the IDs of accounts updated by the batch.
func (b *Batch) AccountIDs() []string {
	ids := make([]string, 0, len(b.accounts))
	for _, a := range b.accounts {
		ids = append(ids, a.ID)
	}
	return ids
}
