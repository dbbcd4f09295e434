package message

import (
	"strings"
	"time"
)

// Direction indicates whether a message was received or sent by the tenant.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Origin records which ingestion path produced a message. It is used only
// for merge diagnostics and is never shown to the UI.
type Origin string

const (
	OriginFeed  Origin = "change-feed"
	OriginPoll  Origin = "poll"
	OriginLocal Origin = "optimistic-local"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusReceived  Status = "received"
)

// statusRank orders statuses by completeness. All terminal statuses share
// the top rank: one terminal status never supersedes a different one.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 2,
	StatusFailed:    2,
	StatusReceived:  2,
}

// IsTerminal reports whether s is a final delivery state.
func (s Status) IsTerminal() bool {
	return statusRank[s] == 2
}

// Outranks reports whether s carries strictly more complete delivery
// information than other.
func (s Status) Outranks(other Status) bool {
	return statusRank[s] > statusRank[other]
}

// Message is a single conversation entry, regardless of which source
// delivered it.
type Message struct {
	ID              string
	ClientMessageID string
	ConversationKey string
	Body            string
	Direction       Direction
	Status          Status
	OccurredAt      time.Time
	Origin          Origin
}

// Fingerprint derives the deduplication key for a message. Messages for the
// same human-sent text arrive from different sources with different IDs and
// sub-minute timestamp skew, so the key coarsens the authorship time to the
// minute. An empty (whitespace-only) body yields an empty fingerprint, which
// matches nothing: malformed records are kept distinct instead of being
// silently merged.
//
// Known limitation: two distinct same-text messages in the same direction and
// minute collapse to one entry, and a true duplicate straddling a minute
// boundary is not merged. See DESIGN.md.
func Fingerprint(m *Message) string {
	body := strings.TrimSpace(m.Body)
	if body == "" {
		return ""
	}
	dir := m.Direction
	if dir == "" {
		dir = Outbound
	}
	bucket := m.OccurredAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	return string(dir) + "_" + body + "_" + bucket
}

// NormalizeKey canonicalizes a recipient identity into a conversation key.
// Phone numbers reduce to their digits with a country code prefix; when no
// usable phone is present the recipient entity id is the key.
func NormalizeKey(phone, recipientID string) string {
	digits := digitsOf(phone)
	if len(digits) < 10 {
		return recipientID
	}
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
