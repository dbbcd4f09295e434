package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/payment"
	"github.com/pastoralhq/smsync/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInsufficientBalance is returned when a deduction would overdraw the
// account. No mutation happens.
var ErrInsufficientBalance = store.ErrInsufficientBalance

// ErrConflict is returned after the bounded retry budget for write-lock
// races is exhausted.
var ErrConflict = errors.New("ledger conflict: concurrent mutation retries exhausted")

// conflictRetries bounds how many times a raced read-modify-write is
// replayed before ErrConflict surfaces.
const conflictRetries = 3

// Opts carries the billing parameters the ledger operates under.
type Opts struct {
	Tenant          string
	CostPerMessage  decimal.Decimal
	MinimumRecharge decimal.Decimal
	InitialBalance  decimal.Decimal
}

// Ledger owns all balance arithmetic for one tenant. Every mutation is an
// atomic read-modify-write in the store paired with an append-only
// transaction row; callers never compute balance deltas themselves.
type Ledger struct {
	db        *store.DB
	opts      Opts
	confirmer payment.Confirmer
	bus       *bus.Bus
	logger    *zap.Logger
}

// New creates a ledger for one tenant.
func New(db *store.DB, opts Opts, confirmer payment.Confirmer, b *bus.Bus, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, opts: opts, confirmer: confirmer, bus: b, logger: logger}
}

// Account returns the tenant's account, provisioning it on first use with
// the configured initial balance.
func (l *Ledger) Account() (*store.Account, error) {
	return l.db.GetOrCreateAccount(l.opts.Tenant, l.opts.InitialBalance)
}

// CostPerMessage returns the configured per-message cost.
func (l *Ledger) CostPerMessage() decimal.Decimal {
	return l.opts.CostPerMessage
}

// Allowance returns how many messages the given balance purchases at the
// configured per-message cost.
func (l *Ledger) Allowance(balance decimal.Decimal) int64 {
	if balance.Sign() <= 0 || l.opts.CostPerMessage.Sign() <= 0 {
		return 0
	}
	return balance.Div(l.opts.CostPerMessage).Floor().IntPart()
}

// Deduct debits the account for count successfully delivered messages.
// The debit is all-or-nothing: either the balance covers
// count * costPerMessage and every counter moves atomically, or
// ErrInsufficientBalance comes back with no mutation. Raced writes are
// retried up to the conflict budget.
func (l *Ledger) Deduct(count int64) (*store.Account, error) {
	if count <= 0 {
		return nil, fmt.Errorf("deduct count must be positive, got %d", count)
	}
	if _, err := l.Account(); err != nil {
		return nil, err
	}
	amount := l.opts.CostPerMessage.Mul(decimal.NewFromInt(count))

	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		acc, err := l.db.ApplyDeduction(l.opts.Tenant, count, amount, uuid.New().String())
		if err == nil {
			l.logger.Info("balance debited",
				zap.Int64("messages", count),
				zap.String("amount", amount.String()),
				zap.String("balance", acc.Balance.String()))
			l.bus.Emit(bus.KindLedgerDebited, acc)
			return acc, nil
		}
		if errors.Is(err, ErrInsufficientBalance) {
			return nil, err
		}
		if !store.IsBusy(err) {
			return nil, err
		}
		lastErr = err
	}
	l.logger.Error("deduction retries exhausted", zap.Error(lastErr))
	return nil, ErrConflict
}

// Recharge confirms the payment with the payment collaborator and credits
// the confirmed amount. Below-minimum amounts are rejected before any
// external call.
func (l *Ledger) Recharge(ctx context.Context, amount decimal.Decimal, methodRef string) (*store.Account, error) {
	if amount.LessThan(l.opts.MinimumRecharge) {
		return nil, fmt.Errorf("recharge amount %s below minimum %s",
			amount.String(), l.opts.MinimumRecharge.String())
	}
	if _, err := l.Account(); err != nil {
		return nil, err
	}

	confirmed, err := l.confirmer.Confirm(ctx, l.opts.Tenant, amount, methodRef)
	if err != nil {
		return nil, fmt.Errorf("payment not confirmed: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		acc, err := l.db.ApplyRecharge(l.opts.Tenant, confirmed, methodRef, uuid.New().String())
		if err == nil {
			l.logger.Info("balance recharged",
				zap.String("amount", confirmed.String()),
				zap.String("balance", acc.Balance.String()))
			l.bus.Emit(bus.KindLedgerRecharged, acc)
			return acc, nil
		}
		if !store.IsBusy(err) {
			return nil, err
		}
		lastErr = err
	}
	l.logger.Error("recharge retries exhausted", zap.Error(lastErr))
	return nil, ErrConflict
}

// Transactions returns the most recent ledger entries, newest first.
func (l *Ledger) Transactions(limit int) ([]store.Transaction, error) {
	return l.db.ListTransactions(l.opts.Tenant, limit)
}
