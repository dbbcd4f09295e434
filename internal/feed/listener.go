package feed

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/config"
	"github.com/pastoralhq/smsync/internal/conversation"
	"github.com/pastoralhq/smsync/internal/status"
	"github.com/pastoralhq/smsync/internal/store"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	initialRedial = time.Second
	maxRedial     = 60 * time.Second
)

// Listener maintains the AMQP change-feed subscription. Each configured
// binding is one logical message collection; every delivery funnels through
// the conversation store's merge path and is mirrored into persistence.
//
// A lost connection never stops the listener: it flips the state machine to
// Degraded (the poller becomes the sole source) and redials with capped
// exponential backoff until the subscription is back.
type Listener struct {
	cfg       config.Feed
	tenant    string
	convo     *conversation.Store
	db        *store.DB
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger
	cancel    context.CancelFunc
	connected atomic.Bool
	done      chan struct{}
}

// NewListener creates a change-feed listener.
func NewListener(cfg config.Feed, tenantName string, convo *conversation.Store, db *store.DB, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Listener {
	return &Listener{
		cfg:     cfg,
		tenant:  tenantName,
		convo:   convo,
		db:      db,
		bus:     b,
		machine: machine,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start runs the subscribe/consume/redial loop in the background.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

// Stop tears the subscription down and waits for the loop to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}

// Connected reports whether the feed subscription is currently live.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		_ = l.machine.Transition(status.Connecting)

		err := l.consumeOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		l.markDisconnected(err)

		// Capped exponential backoff before redialing.
		attempt++
		sleep := initialRedial * time.Duration(math.Pow(2, float64(min(attempt-1, 10))))
		if sleep > maxRedial {
			sleep = maxRedial
		}
		l.logger.Warn("feed redial scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("sleep", sleep),
			zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_ = l.machine.Transition(status.Reconnecting)
	}
}

// consumeOnce dials, binds every collection, and consumes until the
// connection drops or the context is cancelled.
func (l *Listener) consumeOnce(ctx context.Context) error {
	conn, err := amqp091.Dial(l.cfg.URL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(l.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(l.queueName(), true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, binding := range l.cfg.Bindings {
		if err := ch.QueueBind(q.Name, binding, l.cfg.Exchange, false, nil); err != nil {
			return err
		}
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	l.connected.Store(true)
	_ = l.machine.Transition(status.Live)
	l.bus.Emit(bus.KindFeedConnected, nil)
	l.logger.Info("change feed connected",
		zap.String("queue", q.Name),
		zap.Strings("bindings", l.cfg.Bindings))

	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return nil
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			l.handleDelivery(d)
		}
	}
}

func (l *Listener) handleDelivery(d amqp091.Delivery) {
	msg, recipientID, err := ParseRecord(d.Body)
	if err != nil {
		// Drop, never requeue: a malformed record stays malformed.
		l.logger.Warn("dropping feed record",
			zap.String("routing_key", d.RoutingKey),
			zap.Error(err))
		_ = d.Ack(false)
		return
	}

	if l.convo.Upsert(msg) {
		l.bus.Emit(bus.KindMessageUpserted, msg)
	}

	rec := store.RecordOf(l.tenant, msg)
	rec.RecipientID = recipientID
	if err := l.db.UpsertRecord(rec); err != nil {
		l.logger.Error("failed to mirror feed record",
			zap.String("msg_id", msg.ID), zap.Error(err))
		// The in-memory view already has it; requeueing would only
		// duplicate work, and the poller reconciles persistence.
	}
	_ = d.Ack(false)
}

func (l *Listener) markDisconnected(err error) {
	if l.connected.Swap(false) {
		l.bus.Emit(bus.KindFeedDisconnected, nil)
	}
	_ = l.machine.Transition(status.Degraded)
	if err != nil {
		l.logger.Warn("change feed disconnected", zap.Error(err))
	}
}

func (l *Listener) queueName() string {
	if l.cfg.Queue != "" {
		return l.cfg.Queue
	}
	return "smsync." + l.tenant
}
