package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate once.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Dirty {
		t.Error("migration left the schema dirty")
	}
}

func TestUpsertRecordIsIdempotent(t *testing.T) {
	db := testDB(t)

	r := &Record{Tenant: "main", MsgID: "m1", ConversationKey: "+15551234567", Body: "hello", Direction: "inbound", Status: "received", Origin: "feed", OccurredAt: 1000}
	if err := db.UpsertRecord(r); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRecord(r); err != nil {
		t.Fatal(err)
	}

	rows, err := db.QueryConversation("main", "+15551234567", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows, want 1", len(rows))
	}
}

func TestUpsertRecordNeverDowngradesTerminalStatus(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRecord(&Record{Tenant: "main", MsgID: "m1", ConversationKey: "k", Body: "hi", Direction: "outbound", Status: "sent", Origin: "local", OccurredAt: 1000}); err != nil {
		t.Fatal(err)
	}
	// A stale copy still carrying the in-flight status arrives later.
	if err := db.UpsertRecord(&Record{Tenant: "main", MsgID: "m1", ConversationKey: "k", Body: "hi", Direction: "outbound", Status: "sending", Origin: "poll", OccurredAt: 1000}); err != nil {
		t.Fatal(err)
	}

	rows, err := db.QueryConversation("main", "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Status != "sent" {
		t.Errorf("status = %q, want sent", rows[0].Status)
	}
}

func TestUpsertRecordAdvancesInFlightStatus(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRecord(&Record{Tenant: "main", MsgID: "m1", ConversationKey: "k", Body: "hi", Direction: "outbound", Status: "sending", Origin: "local", OccurredAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRecord(&Record{Tenant: "main", MsgID: "m1", ConversationKey: "k", Body: "hi", Direction: "outbound", Status: "delivered", Origin: "poll", OccurredAt: 1000}); err != nil {
		t.Fatal(err)
	}

	rows, err := db.QueryConversation("main", "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Status != "delivered" {
		t.Errorf("status = %q, want delivered", rows[0].Status)
	}
}

func TestFinalizeOutbound(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRecord(&Record{Tenant: "main", MsgID: "client-1", ClientMsgID: "client-1", ConversationKey: "k", Body: "hi", Direction: "outbound", Status: "sending", Origin: "local", OccurredAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.FinalizeOutbound("main", "client-1", "prov-9", "sent", ""); err != nil {
		t.Fatal(err)
	}

	rows, err := db.QueryConversation("main", "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Status != "sent" || rows[0].MsgID != "prov-9" {
		t.Errorf("row = %q/%q, want sent/prov-9", rows[0].Status, rows[0].MsgID)
	}

	// A second finalize finds no in-flight row and changes nothing.
	if err := db.FinalizeOutbound("main", "client-1", "", "failed", "late"); err != nil {
		t.Fatal(err)
	}
	rows, _ = db.QueryConversation("main", "k", 0, 0)
	if rows[0].Status != "sent" {
		t.Errorf("status = %q after repeat finalize, want sent", rows[0].Status)
	}
}

func TestFinalizeOutboundRecordsNote(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRecord(&Record{Tenant: "main", MsgID: "client-1", ClientMsgID: "client-1", ConversationKey: "k", Body: "hi", Direction: "outbound", Status: "sending", Origin: "local", OccurredAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.FinalizeOutbound("main", "client-1", "", "failed", "timeout with unknown outcome; needs manual reconciliation"); err != nil {
		t.Fatal(err)
	}

	rows, err := db.QueryConversation("main", "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Note == "" {
		t.Error("reconciliation note not persisted")
	}
}

func TestQueryConversationWindow(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{1000, 2000, 3000, 4000} {
		if err := db.UpsertRecord(&Record{Tenant: "main", MsgID: string(rune('a' + i)), ConversationKey: "k", Body: "b", Direction: "inbound", Status: "received", Origin: "feed", OccurredAt: ts}); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := db.QueryConversation("main", "k", 2000, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (since inclusive, until exclusive)", len(rows))
	}
	if rows[0].OccurredAt != 2000 || rows[1].OccurredAt != 3000 {
		t.Errorf("window returned wrong rows: %d, %d", rows[0].OccurredAt, rows[1].OccurredAt)
	}
}

func TestListConversations(t *testing.T) {
	db := testDB(t)

	seed := []Record{
		{Tenant: "main", MsgID: "a", ConversationKey: "old", Body: "b", Direction: "inbound", Status: "received", Origin: "feed", OccurredAt: 1000},
		{Tenant: "main", MsgID: "b", ConversationKey: "new", Body: "b", Direction: "inbound", Status: "received", Origin: "feed", OccurredAt: 5000},
		{Tenant: "main", MsgID: "c", ConversationKey: "new", Body: "b", Direction: "outbound", Status: "sent", Origin: "local", OccurredAt: 6000},
	}
	for i := range seed {
		if err := db.UpsertRecord(&seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	convos, err := db.ListConversations("main")
	if err != nil {
		t.Fatal(err)
	}
	if len(convos) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convos))
	}
	if convos[0].Key != "new" || convos[0].MessageCount != 2 {
		t.Errorf("first = %q/%d, want new/2 (most recent first)", convos[0].Key, convos[0].MessageCount)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRecord(&Record{Tenant: "alpha", MsgID: "m1", ConversationKey: "k", Body: "b", Direction: "inbound", Status: "received", Origin: "feed", OccurredAt: 1000}); err != nil {
		t.Fatal(err)
	}

	rows, err := db.QueryConversation("beta", "k", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("tenant beta sees %d rows from alpha, want 0", len(rows))
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)

	v, err := db.GetCheckpoint("poll.last.k")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset checkpoint = %q, want empty", v)
	}

	if err := db.SetCheckpoint("poll.last.k", "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("poll.last.k", "2000"); err != nil {
		t.Fatal(err)
	}
	if v, _ = db.GetCheckpoint("poll.last.k"); v != "2000" {
		t.Errorf("checkpoint = %q, want 2000", v)
	}
}

func TestAccountProvisionedOnce(t *testing.T) {
	db := testDB(t)

	acc, err := db.GetOrCreateAccount("main", dec(t, "25.00"))
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.Equal(dec(t, "25.00")) {
		t.Errorf("balance = %s, want 25.00", acc.Balance)
	}

	// A second call with a different initial must not re-provision.
	acc, err = db.GetOrCreateAccount("main", dec(t, "99.00"))
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.Equal(dec(t, "25.00")) {
		t.Errorf("balance = %s after repeat provision, want 25.00", acc.Balance)
	}
}

func TestApplyDeduction(t *testing.T) {
	db := testDB(t)

	if _, err := db.GetOrCreateAccount("main", dec(t, "10")); err != nil {
		t.Fatal(err)
	}
	acc, err := db.ApplyDeduction("main", 5, dec(t, "0.1125"), "tx-1")
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
}

func TestApplyDeductionRejectsOverdraw(t *testing.T) {
	db := testDB(t)

	if _, err := db.GetOrCreateAccount("main", dec(t, "0.01")); err != nil {
		t.Fatal(err)
	}
	_, err := db.ApplyDeduction("main", 1, dec(t, "0.0225"), "tx-1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// No mutation: balance, counters and the ledger are untouched.
	acc, err := db.GetOrCreateAccount("main", dec(t, "0"))
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.Equal(dec(t, "0.01")) || acc.MessagesSent != 0 {
		t.Errorf("account mutated on rejected deduction: %s / %d", acc.Balance, acc.MessagesSent)
	}
	txs, err := db.ListTransactions("main", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 0 {
		t.Errorf("got %d transactions after rejected deduction, want 0", len(txs))
	}
}

func TestTransactionLogCarriesSnapshots(t *testing.T) {
	db := testDB(t)

	if _, err := db.GetOrCreateAccount("main", dec(t, "0")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ApplyRecharge("main", dec(t, "10.00"), "pay-1", "tx-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ApplyDeduction("main", 1, dec(t, "0.0225"), "tx-2"); err != nil {
		t.Fatal(err)
	}

	txs, err := db.ListTransactions("main", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	// Newest first.
	if txs[0].Type != "deduction" || txs[1].Type != "recharge" {
		t.Fatalf("order = %s, %s, want deduction then recharge", txs[0].Type, txs[1].Type)
	}
	if !txs[0].BalanceBefore.Equal(dec(t, "10.00")) || !txs[0].BalanceAfter.Equal(dec(t, "9.9775")) {
		t.Errorf("deduction snapshots = %s -> %s", txs[0].BalanceBefore, txs[0].BalanceAfter)
	}
	if txs[1].PaymentRef != "pay-1" {
		t.Errorf("payment ref = %q, want pay-1", txs[1].PaymentRef)
	}
}
