package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeConfirmer struct {
	err   error
	calls int
}

func (f *fakeConfirmer) Confirm(_ context.Context, _ string, amount decimal.Decimal, _ string) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return amount, nil
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func testLedger(t *testing.T, opts Opts) (*Ledger, *fakeConfirmer) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if opts.Tenant == "" {
		opts.Tenant = "main"
	}
	if opts.CostPerMessage.IsZero() {
		opts.CostPerMessage = dec(t, "0.0225")
	}
	if opts.MinimumRecharge.IsZero() {
		opts.MinimumRecharge = dec(t, "10.00")
	}
	confirmer := &fakeConfirmer{}
	return New(db, opts, confirmer, bus.New(), zap.NewNop()), confirmer
}

func TestAccountProvisionedAtZero(t *testing.T) {
	l, _ := testLedger(t, Opts{})

	acc, err := l.Account()
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", acc.Balance)
	}
	if acc.MessagesSent != 0 {
		t.Errorf("messages sent = %d, want 0", acc.MessagesSent)
	}
}

func TestRechargeThenDeduct(t *testing.T) {
	l, _ := testLedger(t, Opts{})

	if _, err := l.Recharge(context.Background(), dec(t, "10.00"), "card-1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := l.Deduct(1); err != nil {
			t.Fatal(err)
		}
	}

	acc, err := l.Account()
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.Equal(dec(t, "9.8875")) {
		t.Errorf("balance = %s, want 9.8875", acc.Balance)
	}
	if acc.MessagesSent != 5 {
		t.Errorf("messages sent = %d, want 5", acc.MessagesSent)
	}
	if !acc.TotalSpent.Equal(dec(t, "0.1125")) {
		t.Errorf("total spent = %s, want 0.1125", acc.TotalSpent)
	}

	txs, err := l.Transactions(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 6 {
		t.Errorf("got %d transactions, want 6 (1 recharge + 5 deductions)", len(txs))
	}
}

func TestDeductRejectsOverdrawWithoutMutation(t *testing.T) {
	l, _ := testLedger(t, Opts{InitialBalance: decimal.RequireFromString("0.02")})

	_, err := l.Deduct(1)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	acc, err := l.Account()
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.Equal(dec(t, "0.02")) || acc.MessagesSent != 0 {
		t.Errorf("account mutated on rejected deduction: %s / %d", acc.Balance, acc.MessagesSent)
	}
}

func TestDeductRejectsNonPositiveCount(t *testing.T) {
	l, _ := testLedger(t, Opts{})
	if _, err := l.Deduct(0); err == nil {
		t.Error("Deduct(0) should fail")
	}
}

// TestConcurrentDeductions races N workers against a balance that covers
// exactly K messages. Exactly K must succeed and the balance must land on
// zero, never below.
func TestConcurrentDeductions(t *testing.T) {
	const workers = 12
	const budget = 7

	l, _ := testLedger(t, Opts{InitialBalance: decimal.RequireFromString("0.0225").Mul(decimal.NewFromInt(budget))})
	if _, err := l.Account(); err != nil {
		t.Fatal(err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deduct(1)
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, ErrInsufficientBalance):
			default:
				t.Errorf("unexpected deduction error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != budget {
		t.Errorf("%d deductions succeeded, want %d", succeeded, budget)
	}
	acc, err := l.Account()
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", acc.Balance)
	}
	if acc.Balance.Sign() < 0 {
		t.Errorf("balance went negative: %s", acc.Balance)
	}
}

func TestRechargeBelowMinimumRejectedBeforePayment(t *testing.T) {
	l, confirmer := testLedger(t, Opts{})

	if _, err := l.Recharge(context.Background(), dec(t, "9.99"), "card-1"); err == nil {
		t.Fatal("below-minimum recharge should fail")
	}
	if confirmer.calls != 0 {
		t.Errorf("payment confirmer called %d times, want 0", confirmer.calls)
	}
}

func TestRechargeFailsWhenPaymentNotConfirmed(t *testing.T) {
	l, confirmer := testLedger(t, Opts{})
	confirmer.err = errors.New("card declined")

	if _, err := l.Recharge(context.Background(), dec(t, "10.00"), "card-1"); err == nil {
		t.Fatal("unconfirmed payment should fail the recharge")
	}

	acc, err := l.Account()
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.IsZero() {
		t.Errorf("balance credited despite failed payment: %s", acc.Balance)
	}
}

func TestAllowance(t *testing.T) {
	l, _ := testLedger(t, Opts{})

	cases := []struct {
		balance string
		want    int64
	}{
		{"0", 0},
		{"-1", 0},
		{"0.0225", 1},
		{"0.0449", 1},
		{"10.00", 444},
	}
	for _, c := range cases {
		if got := l.Allowance(dec(t, c.balance)); got != c.want {
			t.Errorf("Allowance(%s) = %d, want %d", c.balance, got, c.want)
		}
	}
}
