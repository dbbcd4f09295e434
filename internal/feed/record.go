package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pastoralhq/smsync/internal/message"
)

// ErrMalformedRecord marks a feed record that cannot be mapped to a valid
// message. Malformed records are logged and dropped; they never stop the
// merge pipeline.
var ErrMalformedRecord = errors.New("malformed feed record")

// Record is the wire shape of one change-feed notification.
type Record struct {
	ID          string `json:"id"`
	Tenant      string `json:"tenant"`
	RecipientID string `json:"recipient_id"`
	Phone       string `json:"phone"`
	Body        string `json:"body"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	OccurredAt  string `json:"occurred_at"`
}

// ParseRecord maps a raw feed payload to a domain message. The returned
// recipient id accompanies the message into the persistence mirror.
func ParseRecord(payload []byte) (*message.Message, string, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if rec.ID == "" {
		return nil, "", fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if rec.Body == "" {
		return nil, "", fmt.Errorf("%w: missing body", ErrMalformedRecord)
	}
	occurred, err := time.Parse(time.RFC3339, rec.OccurredAt)
	if err != nil {
		return nil, "", fmt.Errorf("%w: bad occurred_at %q", ErrMalformedRecord, rec.OccurredAt)
	}

	dir := message.Direction(rec.Direction)
	if dir != message.Inbound && dir != message.Outbound {
		return nil, "", fmt.Errorf("%w: bad direction %q", ErrMalformedRecord, rec.Direction)
	}
	st := message.Status(rec.Status)
	if st == "" {
		if dir == message.Inbound {
			st = message.StatusReceived
		} else {
			st = message.StatusSent
		}
	}

	key := message.NormalizeKey(rec.Phone, rec.RecipientID)
	if key == "" {
		return nil, "", fmt.Errorf("%w: no recipient identity", ErrMalformedRecord)
	}

	return &message.Message{
		ID:              rec.ID,
		ConversationKey: key,
		Body:            rec.Body,
		Direction:       dir,
		Status:          st,
		OccurredAt:      occurred,
		Origin:          message.OriginFeed,
	}, rec.RecipientID, nil
}
