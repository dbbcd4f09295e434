package send

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/conversation"
	"github.com/pastoralhq/smsync/internal/gateway"
	"github.com/pastoralhq/smsync/internal/ledger"
	"github.com/pastoralhq/smsync/internal/message"
	"github.com/pastoralhq/smsync/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInsufficientBalance is returned before any write or external call
// when the balance cannot cover a send.
var ErrInsufficientBalance = ledger.ErrInsufficientBalance

// ErrDeliveryFailed is returned when the gateway rejected or could not
// accept a message. The failed entry stays visible in the conversation.
var ErrDeliveryFailed = errors.New("delivery failed")

// ErrDeliveryAmbiguous is returned when a delivery call timed out with an
// unknown outcome. Billed as failed (no debit), flagged for manual
// reconciliation, never auto-retried: a retry could double-deliver.
var ErrDeliveryAmbiguous = errors.New("delivery outcome unknown")

const ambiguousNote = "timeout with unknown outcome; needs manual reconciliation"

// Request is one outbound compose request.
type Request struct {
	RecipientID string
	Phone       string
	Body        string
}

// Result reports the outcome of one send attempt.
type Result struct {
	ClientMessageID   string
	ProviderMessageID string
	ConversationKey   string
	Status            message.Status
	Debited           bool
	Err               error
}

// GroupResult reports a group broadcast. Results holds one entry per
// recipient in request order; Delivered counts confirmed successes, which
// is exactly what was debited.
type GroupResult struct {
	Results   []Result
	Delivered int64
}

// Pipeline drives an outbound message through balance pre-check,
// optimistic record, external delivery, and exactly-one finalization.
type Pipeline struct {
	convo     *conversation.Store
	db        *store.DB
	gw        gateway.Deliverer
	ledger    *ledger.Ledger
	tenant    string
	threshold decimal.Decimal
	timeout   time.Duration
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewPipeline creates a send pipeline.
func NewPipeline(convo *conversation.Store, db *store.DB, gw gateway.Deliverer, l *ledger.Ledger, tenantName string, threshold decimal.Decimal, timeout time.Duration, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		convo:     convo,
		db:        db,
		gw:        gw,
		ledger:    l,
		tenant:    tenantName,
		threshold: threshold,
		timeout:   timeout,
		bus:       b,
		logger:    logger,
	}
}

// Send delivers one message. The pre-check rejects before anything is
// written; after the optimistic record exists, exactly one finalization
// (sent or failed) follows, and the debit happens only on confirmed
// success.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("empty message body")
	}
	if err := p.precheck(); err != nil {
		return nil, err
	}
	res := p.deliver(ctx, req)
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// SendGroup broadcasts to every recipient. The threshold pre-check runs
// once for the whole batch before any send; past that, each recipient is
// guarded by a per-message allowance check in request order, so a balance
// that covers only K of N recipients delivers (and debits) exactly the
// first K and pre-empts the rest without a delivery attempt.
func (p *Pipeline) SendGroup(ctx context.Context, body string, recipients []Request) (*GroupResult, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("empty message body")
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	if err := p.precheck(); err != nil {
		return nil, err
	}

	group := &GroupResult{}
	for _, req := range recipients {
		req.Body = body
		if err := p.allowanceGuard(); err != nil {
			group.Results = append(group.Results, Result{
				ConversationKey: message.NormalizeKey(req.Phone, req.RecipientID),
				Status:          message.StatusFailed,
				Err:             err,
			})
			continue
		}
		res := p.deliver(ctx, req)
		if res.Status == message.StatusSent {
			group.Delivered++
		}
		group.Results = append(group.Results, *res)
	}
	return group, nil
}

// precheck is the fast local guard: balance must sit above the configured
// floor. It is not the authoritative accounting step.
func (p *Pipeline) precheck() error {
	acc, err := p.ledger.Account()
	if err != nil {
		return fmt.Errorf("balance pre-check: %w", err)
	}
	if acc.Balance.LessThan(p.threshold) {
		return fmt.Errorf("balance %s below send threshold %s: %w",
			acc.Balance.String(), p.threshold.String(), ErrInsufficientBalance)
	}
	return nil
}

// allowanceGuard pre-empts a group recipient when the remaining balance no
// longer covers one message. Guarding before the gateway call keeps the
// debit-after-delivery invariant safe: we never deliver something we
// cannot bill.
func (p *Pipeline) allowanceGuard() error {
	acc, err := p.ledger.Account()
	if err != nil {
		return fmt.Errorf("allowance check: %w", err)
	}
	if p.ledger.Allowance(acc.Balance) < 1 {
		return fmt.Errorf("allowance exhausted: %w", ErrInsufficientBalance)
	}
	return nil
}

// deliver runs steps 2-5 for one recipient: optimistic record, gateway
// call, finalization, debit.
func (p *Pipeline) deliver(ctx context.Context, req Request) *Result {
	clientID := uuid.New().String()
	key := message.NormalizeKey(req.Phone, req.RecipientID)
	now := time.Now()

	optimistic := &message.Message{
		ID:              clientID,
		ClientMessageID: clientID,
		ConversationKey: key,
		Body:            req.Body,
		Direction:       message.Outbound,
		Status:          message.StatusSending,
		OccurredAt:      now,
		Origin:          message.OriginLocal,
	}
	p.convo.Upsert(optimistic)
	rec := store.RecordOf(p.tenant, optimistic)
	rec.RecipientID = req.RecipientID
	if err := p.db.UpsertRecord(rec); err != nil {
		p.logger.Error("failed to persist optimistic record",
			zap.String("client_msg_id", clientID), zap.Error(err))
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	providerID, err := p.gw.Send(callCtx, key, req.Body, clientID)
	cancel()

	res := &Result{ClientMessageID: clientID, ConversationKey: key}
	if err != nil {
		ambiguous := errors.Is(err, context.DeadlineExceeded)
		res.Status = message.StatusFailed
		if ambiguous {
			res.Err = fmt.Errorf("%w: %v", ErrDeliveryAmbiguous, err)
		} else {
			res.Err = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		p.finalize(optimistic, "", message.StatusFailed, ambiguous)
		return res
	}

	res.ProviderMessageID = providerID
	res.Status = message.StatusSent
	p.finalize(optimistic, providerID, message.StatusSent, false)

	// Debit only after confirmed delivery success.
	if _, err := p.ledger.Deduct(1); err != nil {
		// The message is already out; surface the accounting gap loudly
		// instead of pretending the send failed.
		p.logger.Error("delivered but not debited",
			zap.String("client_msg_id", clientID),
			zap.String("provider_msg_id", providerID),
			zap.Error(err))
	} else {
		res.Debited = true
	}
	return res
}

// finalize applies exactly one terminal upsert for a send attempt and
// mirrors it into persistence.
func (p *Pipeline) finalize(optimistic *message.Message, providerID string, st message.Status, ambiguous bool) {
	final := *optimistic
	final.Status = st
	if providerID != "" {
		final.ID = providerID
	}
	p.convo.Upsert(&final)

	note := ""
	if ambiguous {
		note = ambiguousNote
		p.logger.Warn("ambiguous delivery outcome",
			zap.String("client_msg_id", optimistic.ClientMessageID),
			zap.String("conversation_key", optimistic.ConversationKey))
	}
	if err := p.db.FinalizeOutbound(p.tenant, optimistic.ClientMessageID, providerID, string(st), note); err != nil {
		p.logger.Error("failed to finalize persisted record",
			zap.String("client_msg_id", optimistic.ClientMessageID), zap.Error(err))
	}

	if st == message.StatusSent {
		p.bus.Emit(bus.KindMessageSendAck, bus.SendResult{
			ClientMessageID:   optimistic.ClientMessageID,
			ConversationKey:   optimistic.ConversationKey,
			ProviderMessageID: providerID,
		})
	} else {
		errText := "delivery failed"
		if ambiguous {
			errText = ambiguousNote
		}
		p.bus.Emit(bus.KindMessageSendFailed, bus.SendResult{
			ClientMessageID: optimistic.ClientMessageID,
			ConversationKey: optimistic.ConversationKey,
			Err:             errText,
			Ambiguous:       ambiguous,
		})
	}
}
