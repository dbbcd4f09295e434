package bus

import (
	"time"

	"github.com/pastoralhq/smsync/internal/message"
)

// Event kinds published by the core. Subscribers filter by namespace
// prefix, e.g. "message." or "ledger.".
const (
	KindMessageUpserted     = "message.upserted"
	KindMessageSendAck      = "message.send_ack"
	KindMessageSendFailed   = "message.send_failed"
	KindConversationUpdated = "conversation.updated"
	KindFeedConnected       = "feed.connected"
	KindFeedDisconnected    = "feed.disconnected"
	KindPollCompleted       = "poll.completed"
	KindLedgerDebited       = "ledger.debited"
	KindLedgerRecharged     = "ledger.recharged"
	KindStatusChanged       = "status.changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ConversationUpdate is the payload for conversation.updated events. It
// carries what an external unread counter needs: which conversation moved
// and in which direction.
type ConversationUpdate struct {
	ConversationKey string
	Direction       message.Direction
	MessageCount    int
}

// SendResult is the payload for send ack/failure events.
type SendResult struct {
	ClientMessageID   string
	ConversationKey   string
	ProviderMessageID string
	Err               string
	Ambiguous         bool
}
