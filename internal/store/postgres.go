package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All point values are stored as NUMERIC for exact decimal precision.
// Commit runs the batch in one transaction; every update is guarded by
// "WHERE version = expected" and a zero row count aborts the batch.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const accountColumns = `id, points::TEXT, shares, escrow_points::TEXT, escrow_shares,
	owed_points::TEXT, frozen, version, created_at, updated_at`

const orderColumns = `id, owner, side, order_type, quantity, filled_quantity, price::TEXT,
	status, is_system_order, escrow_id, cancel_reason, version, created_at, updated_at`

const escrowColumns = `id, account_id, type, amount::TEXT, original_amount::TEXT, status,
	metadata, reason, version, created_at, updated_at`

const tradeColumns = `id, buy_order_id, sell_order_id, buyer_id, seller_id, price::TEXT,
	quantity, is_ipo, executed_at`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, points, shares, escrow_points, escrow_shares, owed_points, frozen, version, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5, $6::NUMERIC, $7, 1, $8, $9)`,
		a.ID, a.Points.String(), a.Shares, a.EscrowPoints.String(), a.EscrowShares,
		a.OwedPoints.String(), a.Frozen, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.ID, err)
	}
	a.Version = 1
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('pending', 'partial')
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListOrdersByOwner(ctx context.Context, owner string, limit int) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE owner = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, owner, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escrow %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) ListActiveEscrows(ctx context.Context, accountID string) ([]model.Escrow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+escrowColumns+` FROM escrows
		 WHERE account_id = $1 AND status = 'active'
		 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []model.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

func (s *PostgresStore) ListRecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY executed_at DESC, id DESC LIMIT $1`,
		limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price string
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&price, &t.Quantity, &t.IsIPO, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListPointLogs(ctx context.Context, accountID string, limit int) ([]model.PointLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, delta::TEXT, kind, reference, note, created_at
		 FROM point_logs WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.PointLog
	for rows.Next() {
		var l model.PointLog
		var delta, kind string
		if err := rows.Scan(&l.ID, &l.AccountID, &delta, &kind, &l.Reference, &l.Note, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Delta, _ = decimal.NewFromString(delta)
		l.Kind = model.PointLogKind(kind)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) GetMarketState(ctx context.Context) (*model.MarketState, error) {
	var m model.MarketState
	var lastPrice *string
	var ipoPrice, band, mode string

	err := s.pool.QueryRow(ctx,
		`SELECT is_open, override, last_trade_price::TEXT, last_trade_at,
		        ipo_price::TEXT, ipo_shares_remaining,
		        breaker_enabled, breaker_mode, breaker_band::TEXT,
		        version, created_at, updated_at
		 FROM market_state WHERE id = 1`).
		Scan(&m.IsOpen, &m.Override, &lastPrice, &m.LastTradeAt,
			&ipoPrice, &m.IPOSharesRemaining,
			&m.Breaker.Enabled, &mode, &band,
			&m.Version, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market state: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market state: %w", err)
	}

	m.LastTradePrice = nullDecimal(lastPrice)
	m.IPOPrice, _ = decimal.NewFromString(ipoPrice)
	m.Breaker.Mode = model.BreakerMode(mode)
	m.Breaker.Band, _ = decimal.NewFromString(band)
	return &m, nil
}

func (s *PostgresStore) InitMarketState(ctx context.Context, m *model.MarketState) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO market_state (id, is_open, override, last_trade_price, last_trade_at,
		        ipo_price, ipo_shares_remaining, breaker_enabled, breaker_mode, breaker_band,
		        version, created_at, updated_at)
		 VALUES (1, $1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, 1, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		m.IsOpen, m.Override, nullDecimalArg(m.LastTradePrice), m.LastTradeAt,
		m.IPOPrice.String(), m.IPOSharesRemaining,
		m.Breaker.Enabled, string(m.Breaker.Mode), m.Breaker.Band.String(),
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("init market state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Commit applies the batch in a single transaction.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, a := range b.accounts {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts
			 SET points = $2::NUMERIC, shares = $3, escrow_points = $4::NUMERIC, escrow_shares = $5,
			     owed_points = $6::NUMERIC, frozen = $7, updated_at = $8, version = version + 1
			 WHERE id = $1 AND version = $9`,
			a.ID, a.Points.String(), a.Shares, a.EscrowPoints.String(), a.EscrowShares,
			a.OwedPoints.String(), a.Frozen, a.UpdatedAt, a.Version)
		if err != nil {
			return fmt.Errorf("update account %s: %w", a.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("account %s: %w", a.ID, ErrWriteConflict)
		}
	}

	for _, w := range b.orders {
		if err := s.writeOrder(ctx, tx, w); err != nil {
			return err
		}
	}

	for _, w := range b.escrows {
		if err := s.writeEscrow(ctx, tx, w); err != nil {
			return err
		}
	}

	if m := b.market; m != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE market_state
			 SET is_open = $1, override = $2, last_trade_price = $3::NUMERIC, last_trade_at = $4,
			     ipo_price = $5::NUMERIC, ipo_shares_remaining = $6,
			     breaker_enabled = $7, breaker_mode = $8, breaker_band = $9::NUMERIC,
			     updated_at = $10, version = version + 1
			 WHERE id = 1 AND version = $11`,
			m.IsOpen, m.Override, nullDecimalArg(m.LastTradePrice), m.LastTradeAt,
			m.IPOPrice.String(), m.IPOSharesRemaining,
			m.Breaker.Enabled, string(m.Breaker.Mode), m.Breaker.Band.String(),
			m.UpdatedAt, m.Version)
		if err != nil {
			return fmt.Errorf("update market state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("market state: %w", ErrWriteConflict)
		}
	}

	for _, t := range b.trades {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, buy_order_id, sell_order_id, buyer_id, seller_id, price, quantity, is_ipo, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
			t.ID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
			t.Price.String(), t.Quantity, t.IsIPO, t.ExecutedAt); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}

	for _, l := range b.logs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO point_logs (id, account_id, delta, kind, reference, note, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
			l.ID, l.AccountID, l.Delta.String(), string(l.Kind), l.Reference, l.Note, l.CreatedAt); err != nil {
			return fmt.Errorf("insert point log %s: %w", l.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) writeOrder(ctx context.Context, tx pgx.Tx, w orderWrite) error {
	o := w.order
	if w.insert {
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, owner, side, order_type, quantity, filled_quantity, price, status,
			        is_system_order, escrow_id, cancel_reason, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, 1, $12, $13)`,
			o.ID, o.Owner, string(o.Side), string(o.Type), o.Quantity, o.FilledQuantity,
			nullDecimalArg(o.Price), string(o.Status), o.IsSystemOrder, o.EscrowID, o.CancelReason,
			o.CreatedAt, o.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", o.ID, ErrWriteConflict)
		}
		if err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE orders
		 SET filled_quantity = $2, status = $3, escrow_id = $4, cancel_reason = $5,
		     updated_at = $6, version = version + 1
		 WHERE id = $1 AND version = $7`,
		o.ID, o.FilledQuantity, string(o.Status), o.EscrowID, o.CancelReason, o.UpdatedAt, o.Version)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrWriteConflict)
	}
	return nil
}

func (s *PostgresStore) writeEscrow(ctx context.Context, tx pgx.Tx, w escrowWrite) error {
	e := w.escrow
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("encode escrow metadata: %w", err)
	}
	if w.insert {
		_, err := tx.Exec(ctx,
			`INSERT INTO escrows (id, account_id, type, amount, original_amount, status, metadata, reason, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, 1, $9, $10)`,
			e.ID, e.AccountID, string(e.Type), e.Amount.String(), e.OriginalAmount.String(),
			string(e.Status), meta, e.Reason, e.CreatedAt, e.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("escrow %s: %w", e.ID, ErrWriteConflict)
		}
		if err != nil {
			return fmt.Errorf("insert escrow %s: %w", e.ID, err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE escrows
		 SET amount = $2::NUMERIC, status = $3, reason = $4, updated_at = $5, version = version + 1
		 WHERE id = $1 AND version = $6`,
		e.ID, e.Amount.String(), string(e.Status), e.Reason, e.UpdatedAt, e.Version)
	if err != nil {
		return fmt.Errorf("update escrow %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow %s: %w", e.ID, ErrWriteConflict)
	}
	return nil
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row pgxRow) (*model.Account, error) {
	var a model.Account
	var points, escrowPoints, owed string
	if err := row.Scan(&a.ID, &points, &a.Shares, &escrowPoints, &a.EscrowShares,
		&owed, &a.Frozen, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Points, _ = decimal.NewFromString(points)
	a.EscrowPoints, _ = decimal.NewFromString(escrowPoints)
	a.OwedPoints, _ = decimal.NewFromString(owed)
	return &a, nil
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var side, otype, status string
	var price *string
	if err := row.Scan(&o.ID, &o.Owner, &side, &otype, &o.Quantity, &o.FilledQuantity, &price,
		&status, &o.IsSystemOrder, &o.EscrowID, &o.CancelReason, &o.Version,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Type = model.OrderType(otype)
	o.Status = model.OrderStatus(status)
	o.Price = nullDecimal(price)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanEscrow(row pgxRow) (*model.Escrow, error) {
	var e model.Escrow
	var etype, status, amount, original string
	var meta []byte
	if err := row.Scan(&e.ID, &e.AccountID, &etype, &amount, &original, &status,
		&meta, &e.Reason, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Type = model.EscrowType(etype)
	e.Status = model.EscrowStatus(status)
	e.Amount, _ = decimal.NewFromString(amount)
	e.OriginalAmount, _ = decimal.NewFromString(original)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return nil, fmt.Errorf("decode escrow metadata: %w", err)
		}
	}
	return &e, nil
}

func nullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
