package store

import (
	"time"

	"github.com/pastoralhq/smsync/internal/message"
	"github.com/shopspring/decimal"
)

// Record is a persisted message row. OccurredAt and CreatedAt are unix
// milliseconds.
type Record struct {
	ID              int64
	Tenant          string
	MsgID           string
	ClientMsgID     string
	ConversationKey string
	RecipientID     string
	Body            string
	Direction       string
	Status          string
	Origin          string
	Note            string
	OccurredAt      int64
	CreatedAt       int64
}

// ToMessage converts a persisted row back into the domain message shape.
func (r *Record) ToMessage() *message.Message {
	return &message.Message{
		ID:              r.MsgID,
		ClientMessageID: r.ClientMsgID,
		ConversationKey: r.ConversationKey,
		Body:            r.Body,
		Direction:       message.Direction(r.Direction),
		Status:          message.Status(r.Status),
		OccurredAt:      time.UnixMilli(r.OccurredAt),
		Origin:          message.Origin(r.Origin),
	}
}

// RecordOf converts a domain message into a persistable row for a tenant.
func RecordOf(tenant string, m *message.Message) *Record {
	return &Record{
		Tenant:          tenant,
		MsgID:           m.ID,
		ClientMsgID:     m.ClientMessageID,
		ConversationKey: m.ConversationKey,
		Body:            m.Body,
		Direction:       string(m.Direction),
		Status:          string(m.Status),
		Origin:          string(m.Origin),
		OccurredAt:      m.OccurredAt.UnixMilli(),
	}
}

// Account is a tenant's balance account row.
type Account struct {
	Tenant       string
	Balance      decimal.Decimal
	MessagesSent int64
	TotalSpent   decimal.Decimal
	LastUpdated  time.Time
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID            string
	Tenant        string
	Type          string // recharge, deduction
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	PaymentRef    string
	CreatedAt     time.Time
}

// ConversationSummary describes one known conversation key.
type ConversationSummary struct {
	Key           string
	MessageCount  int
	LastMessageAt int64
}
