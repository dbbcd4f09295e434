package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pastoralhq/smsync/internal/message"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client talks to the SMS gateway's HTTP API. All calls go through a
// circuit breaker: a tripped breaker fails fast without an HTTP attempt so
// a dying provider does not pile up in-flight sends.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("User-Agent", "smsync/1.0")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sms-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("gateway breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{http: http, breaker: breaker, logger: logger}
}

type sendRequest struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send submits one outbound message. The idempotency key lets the provider
// deduplicate retried submissions on its side.
func (c *Client) Send(ctx context.Context, destination, body, idempotencyKey string) (string, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var out sendResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(sendRequest{To: destination, Body: body, IdempotencyKey: idempotencyKey}).
			SetResult(&out).
			Post("/v1/messages")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("gateway returned %s: %s", resp.Status(), out.Error)
		}
		if out.MessageID == "" {
			return nil, fmt.Errorf("gateway accepted without a message id")
		}
		return out.MessageID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

type queryResponse struct {
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	Direction  string `json:"direction"`
	Status     string `json:"status"`
	OccurredAt string `json:"occurred_at"`
}

// Query pulls the provider's message history for a conversation key since
// the given time.
func (c *Client) Query(ctx context.Context, conversationKey string, since time.Time) ([]*message.Message, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var out queryResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("conversation", conversationKey).
			SetQueryParam("since", since.UTC().Format(time.RFC3339)).
			SetResult(&out).
			Get("/v1/messages")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("gateway returned %s", resp.Status())
		}
		return out.Messages, nil
	})
	if err != nil {
		return nil, err
	}

	wire := result.([]wireMessage)
	msgs := make([]*message.Message, 0, len(wire))
	for _, w := range wire {
		m, err := w.toMessage(conversationKey)
		if err != nil {
			c.logger.Warn("dropping malformed gateway record",
				zap.String("id", w.ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (w *wireMessage) toMessage(conversationKey string) (*message.Message, error) {
	if w.Body == "" {
		return nil, fmt.Errorf("empty body")
	}
	occurred, err := time.Parse(time.RFC3339, w.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("bad occurred_at %q: %w", w.OccurredAt, err)
	}
	dir := message.Direction(w.Direction)
	if dir != message.Inbound && dir != message.Outbound {
		return nil, fmt.Errorf("bad direction %q", w.Direction)
	}
	st := message.Status(w.Status)
	if st == "" {
		if dir == message.Inbound {
			st = message.StatusReceived
		} else {
			st = message.StatusSent
		}
	}
	return &message.Message{
		ID:              w.ID,
		ConversationKey: conversationKey,
		Body:            w.Body,
		Direction:       dir,
		Status:          st,
		OccurredAt:      occurred,
		Origin:          message.OriginPoll,
	}, nil
}
