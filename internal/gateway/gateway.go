package gateway

import (
	"context"
	"time"

	"github.com/pastoralhq/smsync/internal/message"
)

// Deliverer is the delivery-gateway collaborator. Send hands one message to
// the provider and returns the provider-assigned message id on
// accepted-for-delivery. Query pulls provider-side message history for a
// conversation; the poller uses it to pick up messages that have not landed
// in storage yet.
type Deliverer interface {
	Send(ctx context.Context, destination, body, idempotencyKey string) (providerMessageID string, err error)
	Query(ctx context.Context, conversationKey string, since time.Time) ([]*message.Message, error)
}
