package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned when a deduction would overdraw the
// account. The account is left untouched.
var ErrInsufficientBalance = errors.New("insufficient balance")

// GetOrCreateAccount returns the tenant's account, provisioning it with the
// given initial balance on first use.
func (db *DB) GetOrCreateAccount(tenant string, initial decimal.Decimal) (*Account, error) {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		INSERT INTO accounts (tenant, balance, messages_sent, total_spent, last_updated)
		VALUES (?, ?, 0, '0', ?)
		ON CONFLICT(tenant) DO NOTHING`,
		tenant, initial.String(), now); err != nil {
		return nil, fmt.Errorf("provision account: %w", err)
	}
	return db.getAccount(db.DB, tenant)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (db *DB) getAccount(q querier, tenant string) (*Account, error) {
	var (
		acc        Account
		balance    string
		totalSpent string
		updated    int64
	)
	err := q.QueryRow(`
		SELECT tenant, balance, messages_sent, total_spent, last_updated
		FROM accounts WHERE tenant = ?`, tenant).
		Scan(&acc.Tenant, &balance, &acc.MessagesSent, &totalSpent, &updated)
	if err != nil {
		return nil, err
	}
	if acc.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("corrupt balance %q: %w", balance, err)
	}
	if acc.TotalSpent, err = decimal.NewFromString(totalSpent); err != nil {
		return nil, fmt.Errorf("corrupt total_spent %q: %w", totalSpent, err)
	}
	acc.LastUpdated = time.UnixMilli(updated)
	return &acc, nil
}

// ApplyDeduction atomically debits the account for count messages worth
// amount in total and appends the deduction transaction. The read, the
// decision and the write happen inside one immediate transaction, so two
// concurrent deductions can never both succeed against a balance that only
// covers one of them. Returns ErrInsufficientBalance with no mutation when
// the balance does not cover the amount.
func (db *DB) ApplyDeduction(tenant string, count int64, amount decimal.Decimal, txID string) (*Account, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := db.getAccount(tx, tenant)
	if err != nil {
		return nil, err
	}
	if acc.Balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	before := acc.Balance
	acc.Balance = acc.Balance.Sub(amount)
	acc.MessagesSent += count
	acc.TotalSpent = acc.TotalSpent.Add(amount)
	acc.LastUpdated = time.Now()

	if _, err := tx.Exec(`
		UPDATE accounts SET balance = ?, messages_sent = ?, total_spent = ?, last_updated = ?
		WHERE tenant = ?`,
		acc.Balance.String(), acc.MessagesSent, acc.TotalSpent.String(), acc.LastUpdated.UnixMilli(), tenant); err != nil {
		return nil, err
	}
	if err := appendTransaction(tx, &Transaction{
		ID:            txID,
		Tenant:        tenant,
		Type:          "deduction",
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  acc.Balance,
		CreatedAt:     acc.LastUpdated,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return acc, nil
}

// ApplyRecharge atomically credits the account and appends the recharge
// transaction. Confirmation of the payment itself happens upstream.
func (db *DB) ApplyRecharge(tenant string, amount decimal.Decimal, paymentRef, txID string) (*Account, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := db.getAccount(tx, tenant)
	if err != nil {
		return nil, err
	}

	before := acc.Balance
	acc.Balance = acc.Balance.Add(amount)
	acc.LastUpdated = time.Now()

	if _, err := tx.Exec(`
		UPDATE accounts SET balance = ?, last_updated = ? WHERE tenant = ?`,
		acc.Balance.String(), acc.LastUpdated.UnixMilli(), tenant); err != nil {
		return nil, err
	}
	if err := appendTransaction(tx, &Transaction{
		ID:            txID,
		Tenant:        tenant,
		Type:          "recharge",
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  acc.Balance,
		PaymentRef:    paymentRef,
		CreatedAt:     acc.LastUpdated,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return acc, nil
}

func appendTransaction(tx *sql.Tx, t *Transaction) error {
	_, err := tx.Exec(`
		INSERT INTO transactions (id, tenant, type, amount, balance_before, balance_after, payment_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Tenant, t.Type, t.Amount.String(), t.BalanceBefore.String(), t.BalanceAfter.String(), t.PaymentRef, t.CreatedAt.UnixMilli())
	return err
}

// ListTransactions returns the most recent ledger entries, newest first.
func (db *DB) ListTransactions(tenant string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, tenant, type, amount, balance_before, balance_after, payment_ref, created_at
		FROM transactions WHERE tenant = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		tenant, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Transaction
	for rows.Next() {
		var (
			t       Transaction
			amount  string
			before  string
			after   string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.Tenant, &t.Type, &amount, &before, &after, &t.PaymentRef, &created); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if t.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}
