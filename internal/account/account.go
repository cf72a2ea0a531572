// Package account owns participant balances and the debt-recovery rule:
// every points credit repays outstanding debt before it becomes spendable.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/retry"
	"github.com/campusx/exchange/internal/store"
)

// Service registers accounts and applies credits, charges, and transfers.
type Service struct {
	store  store.Store
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an account service. A nil logger uses slog.Default().
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

// Register creates an account with an opening balance.
func (s *Service) Register(ctx context.Context, id string, points decimal.Decimal, shares int64) (*model.Account, error) {
	if id == "" {
		return nil, model.Validationf("account id is required")
	}
	if id == model.SystemAccountID {
		return nil, model.Validationf("account id %q is reserved", id)
	}
	if points.IsNegative() || shares < 0 {
		return nil, model.Validationf("opening balance must not be negative")
	}

	now := s.now()
	a := &model.Account{
		ID:           id,
		Points:       points,
		Shares:       shares,
		EscrowPoints: decimal.Zero,
		OwedPoints:   decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("account %s already exists: %w", id, model.ErrInvalidState)
		}
		return nil, err
	}

	s.logger.Info("account registered", "account_id", id, "points", points.String(), "shares", shares)
	return a, nil
}

// Get returns an account by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// History returns an account's most recent point movements.
func (s *Service) History(ctx context.Context, id string, limit int) ([]model.PointLog, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListPointLogs(ctx, id, limit)
}

// CreditWithDebtRecovery credits amount to the account, repaying debt first.
// The credit and the repayment are one conditional write.
func (s *Service) CreditWithDebtRecovery(ctx context.Context, id string, amount decimal.Decimal, reason string) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, model.Validationf("credit amount must be positive")
	}

	var result model.Account
	err := retry.Do(ctx, "credit", s.policy, func(ctx context.Context) error {
		a, err := s.store.GetAccount(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		repaid := ApplyCredit(a, amount, now)

		var b store.Batch
		b.UpdateAccount(*a)
		for _, l := range CreditLogs(a.ID, model.LogCredit, amount, repaid, "", reason, now) {
			b.AppendLog(l)
		}
		if err := s.store.Commit(ctx, &b); err != nil {
			return err
		}
		result = *a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account credited",
		"account_id", id,
		"amount", amount.String(),
		"owed_points", result.OwedPoints.String(),
		"frozen", result.IsFrozen(),
	)
	return &result, nil
}

// Charge deducts amount from the account. Whatever the available points
// cannot cover becomes debt and freezes the account.
func (s *Service) Charge(ctx context.Context, id string, amount decimal.Decimal, reason string) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, model.Validationf("charge amount must be positive")
	}

	var result model.Account
	err := retry.Do(ctx, "charge", s.policy, func(ctx context.Context) error {
		a, err := s.store.GetAccount(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		taken := decimal.Min(a.Points, amount)
		shortfall := amount.Sub(taken)
		a.Points = a.Points.Sub(taken)
		if shortfall.IsPositive() {
			a.OwedPoints = a.OwedPoints.Add(shortfall)
			a.Frozen = true
		}
		a.UpdatedAt = now

		var b store.Batch
		b.UpdateAccount(*a)
		note := reason
		if shortfall.IsPositive() {
			note = fmt.Sprintf("%s (debt %s)", reason, shortfall.String())
		}
		b.AppendLog(NewLog(a.ID, taken.Neg(), model.LogCharge, "", note, now))
		if err := s.store.Commit(ctx, &b); err != nil {
			return err
		}
		result = *a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account charged",
		"account_id", id,
		"amount", amount.String(),
		"owed_points", result.OwedPoints.String(),
	)
	return &result, nil
}

// Transfer moves points between two accounts. The receiver's debt is
// repaid first. Both accounts change in one conditional write.
func (s *Service) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, note string) error {
	if from == to {
		return model.Validationf("cannot transfer to the same account")
	}
	if !amount.IsPositive() {
		return model.Validationf("transfer amount must be positive")
	}

	ref := uuid.New().String()
	err := retry.Do(ctx, "transfer", s.policy, func(ctx context.Context) error {
		sender, err := s.store.GetAccount(ctx, from)
		if err != nil {
			return err
		}
		receiver, err := s.store.GetAccount(ctx, to)
		if err != nil {
			return err
		}
		if sender.IsFrozen() {
			return fmt.Errorf("account %s: %w", from, model.ErrAccountFrozen)
		}
		if sender.Points.LessThan(amount) {
			return fmt.Errorf("transfer %s needs %s points, has %s: %w",
				from, amount.String(), sender.Points.String(), model.ErrInsufficientFunds)
		}

		now := s.now()
		sender.Points = sender.Points.Sub(amount)
		sender.UpdatedAt = now
		repaid := ApplyCredit(receiver, amount, now)

		var b store.Batch
		b.UpdateAccount(*sender)
		b.UpdateAccount(*receiver)
		b.AppendLog(NewLog(from, amount.Neg(), model.LogTransferOut, ref, note, now))
		for _, l := range CreditLogs(to, model.LogTransferIn, amount, repaid, ref, note, now) {
			b.AppendLog(l)
		}
		return s.store.Commit(ctx, &b)
	})
	if err != nil {
		return err
	}

	s.logger.Info("points transferred", "from", from, "to", to, "amount", amount.String(), "ref", ref)
	return nil
}

// ApplyCredit credits amount to a and returns how much of the resulting
// pool went to debt. With pool = points + amount: no debt credits
// normally; otherwise min(pool, owed) repays debt, the rest stays as
// points, and a fully repaid account is unfrozen.
func ApplyCredit(a *model.Account, amount decimal.Decimal, now time.Time) decimal.Decimal {
	a.UpdatedAt = now
	if !a.OwedPoints.IsPositive() {
		a.Points = a.Points.Add(amount)
		return decimal.Zero
	}

	pool := a.Points.Add(amount)
	repay := decimal.Min(pool, a.OwedPoints)
	a.OwedPoints = a.OwedPoints.Sub(repay)
	a.Points = pool.Sub(repay)
	if a.OwedPoints.IsZero() {
		a.Frozen = false
	}
	return repay
}

// CreditLogs returns the point logs for a credit applied with ApplyCredit:
// the credit itself and, when debt was repaid, the repayment.
func CreditLogs(accountID string, kind model.PointLogKind, amount, repaid decimal.Decimal, ref, note string, now time.Time) []model.PointLog {
	logs := []model.PointLog{NewLog(accountID, amount, kind, ref, note, now)}
	if repaid.IsPositive() {
		logs = append(logs, NewLog(accountID, repaid.Neg(), model.LogDebtRepayment, ref, "", now))
	}
	return logs
}

// NewLog builds a point log entry with a fresh ID.
func NewLog(accountID string, delta decimal.Decimal, kind model.PointLogKind, ref, note string, now time.Time) model.PointLog {
	return model.PointLog{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Delta:     delta,
		Kind:      kind,
		Reference: ref,
		Note:      note,
		CreatedAt: now,
	}
}
