// Package escrow moves points and shares between an account's available
// balance and reserved holds.
//
// The account's EscrowPoints and EscrowShares fields are caches of the
// active escrows. Every helper here updates the cache and the escrow
// record together so both end up in the same conditional commit.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/account"
	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/retry"
	"github.com/campusx/exchange/internal/store"
)

// Service creates, completes, and cancels escrows.
type Service struct {
	store  store.Store
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an escrow service. A nil logger uses slog.Default().
func NewService(st store.Store, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create reserves amount from the account's available balance.
func (s *Service) Create(ctx context.Context, accountID string, amount decimal.Decimal, typ model.EscrowType, meta model.EscrowMeta) (*model.Escrow, error) {
	var result model.Escrow
	err := retry.Do(ctx, "escrow_create", s.policy, func(ctx context.Context) error {
		a, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		e, err := Reserve(a, typ, amount, meta, s.now())
		if err != nil {
			return err
		}

		var b store.Batch
		b.UpdateAccount(*a)
		b.InsertEscrow(e)
		if err := s.store.Commit(ctx, &b); err != nil {
			return err
		}
		result = e
		result.Version = 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("escrow created",
		"escrow_id", result.ID,
		"account_id", accountID,
		"type", string(typ),
		"amount", amount.String(),
	)
	return &result, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// Complete finalizes an active escrow. Completing an escrow that is
// already completed or cancelled returns it unchanged.
func (s *Service) Complete(ctx context.Context, id string) (*model.Escrow, error) {
	var result model.Escrow
	err := retry.Do(ctx, "escrow_complete", s.policy, func(ctx context.Context) error {
		e, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != model.EscrowActive {
			result = *e
			return nil
		}
		a, err := s.store.GetAccount(ctx, e.AccountID)
		if err != nil {
			return err
		}

		Finish(a, e, s.now())

		var b store.Batch
		b.UpdateAccount(*a)
		b.UpdateEscrow(*e)
		if err := s.store.Commit(ctx, &b); err != nil {
			return err
		}
		result = *e
		result.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel returns the remaining held amount to the account. Points go
// through debt recovery. Cancelling an escrow that is already completed
// or cancelled returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*model.Escrow, error) {
	var result model.Escrow
	err := retry.Do(ctx, "escrow_cancel", s.policy, func(ctx context.Context) error {
		e, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != model.EscrowActive {
			result = *e
			return nil
		}
		a, err := s.store.GetAccount(ctx, e.AccountID)
		if err != nil {
			return err
		}

		var b store.Batch
		for _, l := range Refund(a, e, reason, s.now()) {
			b.AppendLog(l)
		}
		b.UpdateAccount(*a)
		b.UpdateEscrow(*e)
		if err := s.store.Commit(ctx, &b); err != nil {
			return err
		}
		result = *e
		result.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("escrow cancelled", "escrow_id", id, "reason", reason)
	return &result, nil
}

// Reconcile recomputes the account's escrow caches from its active escrows
// and rewrites them if they drifted. It reports whether anything changed.
func (s *Service) Reconcile(ctx context.Context, accountID string) (*model.Account, bool, error) {
	var result model.Account
	var changed bool
	err := retry.Do(ctx, "escrow_reconcile", s.policy, func(ctx context.Context) error {
		a, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		active, err := s.store.ListActiveEscrows(ctx, accountID)
		if err != nil {
			return err
		}

		points, shares := Totals(active)
		changed = !a.EscrowPoints.Equal(points) || a.EscrowShares != shares
		if !changed {
			result = *a
			return nil
		}

		s.logger.Warn("escrow cache drift",
			"account_id", accountID,
			"cached_points", a.EscrowPoints.String(),
			"actual_points", points.String(),
			"cached_shares", a.EscrowShares,
			"actual_shares", shares,
		)
		a.EscrowPoints = points
		a.EscrowShares = shares
		a.UpdatedAt = s.now()

		var b store.Batch
		b.UpdateAccount(*a)
		if err := s.store.Commit(ctx, &b); err != nil {
			return err
		}
		result = *a
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, changed, nil
}

// Totals sums active escrows per unit.
func Totals(escrows []model.Escrow) (points decimal.Decimal, shares int64) {
	points = decimal.Zero
	for _, e := range escrows {
		if e.Status != model.EscrowActive {
			continue
		}
		if e.Type.HoldsShares() {
			shares += e.Amount.IntPart()
		} else {
			points = points.Add(e.Amount)
		}
	}
	return points, shares
}

// Reserve moves amount from a's available balance into a new active escrow.
// It mutates a and returns the escrow to insert alongside it.
func Reserve(a *model.Account, typ model.EscrowType, amount decimal.Decimal, meta model.EscrowMeta, now time.Time) (model.Escrow, error) {
	if !typ.Valid() {
		return model.Escrow{}, model.Validationf("unknown escrow type %q", typ)
	}
	if !amount.IsPositive() {
		return model.Escrow{}, model.Validationf("escrow amount must be positive")
	}
	if a.IsFrozen() {
		return model.Escrow{}, fmt.Errorf("account %s: %w", a.ID, model.ErrAccountFrozen)
	}

	if typ.HoldsShares() {
		if !amount.IsInteger() {
			return model.Escrow{}, model.Validationf("share escrow must be a whole number")
		}
		qty := amount.IntPart()
		if a.Shares < qty {
			return model.Escrow{}, fmt.Errorf("account %s needs %d shares, has %d: %w",
				a.ID, qty, a.Shares, model.ErrInsufficientShares)
		}
		a.Shares -= qty
		a.EscrowShares += qty
	} else {
		if a.Points.LessThan(amount) {
			return model.Escrow{}, fmt.Errorf("account %s needs %s points, has %s: %w",
				a.ID, amount.String(), a.Points.String(), model.ErrInsufficientFunds)
		}
		a.Points = a.Points.Sub(amount)
		a.EscrowPoints = a.EscrowPoints.Add(amount)
	}
	a.UpdatedAt = now

	return model.Escrow{
		ID:             uuid.New().String(),
		AccountID:      a.ID,
		Type:           typ,
		Amount:         amount,
		OriginalAmount: amount,
		Status:         model.EscrowActive,
		Meta:           meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Consume pays amount out of an active escrow. The amount leaves the
// account entirely; the caller credits the counterparty.
func Consume(a *model.Account, e *model.Escrow, amount decimal.Decimal, now time.Time) error {
	if e.Status != model.EscrowActive {
		return fmt.Errorf("escrow %s is %s: %w", e.ID, e.Status, model.ErrInvalidState)
	}
	if amount.IsNegative() || amount.GreaterThan(e.Amount) {
		return fmt.Errorf("escrow %s holds %s, cannot consume %s: %w",
			e.ID, e.Amount.String(), amount.String(), model.ErrInvalidState)
	}

	e.Amount = e.Amount.Sub(amount)
	e.UpdatedAt = now
	if e.Type.HoldsShares() {
		a.EscrowShares -= amount.IntPart()
	} else {
		a.EscrowPoints = a.EscrowPoints.Sub(amount)
	}
	a.UpdatedAt = now
	return nil
}

// Finish marks an active escrow completed. Any residual leaves the cache
// without being credited back.
func Finish(a *model.Account, e *model.Escrow, now time.Time) {
	if e.Status != model.EscrowActive {
		return
	}
	if e.Type.HoldsShares() {
		a.EscrowShares -= e.Amount.IntPart()
	} else {
		a.EscrowPoints = a.EscrowPoints.Sub(e.Amount)
	}
	e.Status = model.EscrowCompleted
	e.UpdatedAt = now
	a.UpdatedAt = now
}

// Refund cancels an active escrow and returns its remaining amount to a's
// available balance. Points are credited through debt recovery. The
// returned logs record the points movement, if any.
func Refund(a *model.Account, e *model.Escrow, reason string, now time.Time) []model.PointLog {
	if e.Status != model.EscrowActive {
		return nil
	}

	var logs []model.PointLog
	if e.Type.HoldsShares() {
		qty := e.Amount.IntPart()
		a.EscrowShares -= qty
		a.Shares += qty
		a.UpdatedAt = now
	} else {
		a.EscrowPoints = a.EscrowPoints.Sub(e.Amount)
		if e.Amount.IsPositive() {
			repaid := account.ApplyCredit(a, e.Amount, now)
			logs = account.CreditLogs(a.ID, model.LogEscrowRefund, e.Amount, repaid, e.ID, reason, now)
		}
		a.UpdatedAt = now
	}

	e.Status = model.EscrowCancelled
	e.Reason = reason
	e.UpdatedAt = now
	return logs
}
