package poll

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/conversation"
	"github.com/pastoralhq/smsync/internal/gateway"
	"github.com/pastoralhq/smsync/internal/message"
	"github.com/pastoralhq/smsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler periodically pulls message history and replays it through the
// conversation store's merge path. It compensates for the push feed: the
// two race by design and the fingerprint-aware upsert absorbs the double
// delivery.
//
// The primary query source is the delivery gateway; when that fails the
// poller falls back to the persisted records. Both failing only delays the
// conversation, never drops it.
type Reconciler struct {
	db       *store.DB
	convo    *conversation.Store
	gw       gateway.Deliverer
	tenant   string
	interval time.Duration
	window   time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	live   bool
	cancel context.CancelFunc
	done   chan struct{}

	// trigger carries on-demand poll requests; "" polls every known key.
	trigger chan string
}

// PollReport is the payload of poll.completed events.
type PollReport struct {
	Keys     int
	Merged   int
	Fallback int
	Failed   int
}

// NewReconciler creates a polling reconciler.
func NewReconciler(db *store.DB, convo *conversation.Store, gw gateway.Deliverer, tenantName string, interval, window time.Duration, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:       db,
		convo:    convo,
		gw:       gw,
		tenant:   tenantName,
		interval: interval,
		window:   window,
		bus:      b,
		logger:   logger,
		trigger:  make(chan string, 16),
	}
}

// Start begins the interval polling loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.live = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()
	go r.loop(ctx)
}

// Stop cancels the loop. In-flight queries may finish, but their results
// are discarded once the reconciler is no longer live.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.live = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// TriggerNow requests an immediate poll of one conversation key, or of
// every known conversation when key is empty. Non-blocking; a full trigger
// queue means a poll is already coming.
func (r *Reconciler) TriggerNow(key string) {
	select {
	case r.trigger <- key:
	default:
	}
}

func (r *Reconciler) isLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pollAll(ctx)
		case key := <-r.trigger:
			if key == "" {
				r.pollAll(ctx)
			} else {
				report := PollReport{Keys: 1}
				r.pollKey(ctx, key, &report)
				r.finish(report)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) pollAll(ctx context.Context) {
	keys := r.knownKeys()
	report := PollReport{Keys: len(keys)}
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		r.pollKey(ctx, key, &report)
	}
	r.finish(report)
}

// knownKeys unions the in-memory view's keys with the persisted ones, so a
// conversation that only exists in storage still gets reconciled.
func (r *Reconciler) knownKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, k := range r.convo.Keys() {
		seen[k] = true
		keys = append(keys, k)
	}
	summaries, err := r.db.ListConversations(r.tenant)
	if err != nil {
		r.logger.Error("failed to list persisted conversations", zap.Error(err))
		return keys
	}
	for _, s := range summaries {
		if !seen[s.Key] {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

func (r *Reconciler) pollKey(ctx context.Context, key string, report *PollReport) {
	since := r.sinceFor(key)

	msgs, err := r.gw.Query(ctx, key, since)
	fromGateway := err == nil
	if err != nil {
		r.logger.Warn("gateway poll failed, falling back to storage",
			zap.String("conversation_key", key), zap.Error(err))
		msgs, err = r.queryStorage(key, since)
		if err != nil {
			r.logger.Warn("storage fallback failed",
				zap.String("conversation_key", key), zap.Error(err))
			report.Failed++
			return
		}
		report.Fallback++
	}

	// A result landing after teardown must not touch the view.
	if !r.isLive() {
		return
	}

	merged := r.convo.UpsertBatch(msgs)
	report.Merged += merged

	if fromGateway {
		for _, m := range msgs {
			if err := r.db.UpsertRecord(store.RecordOf(r.tenant, m)); err != nil {
				r.logger.Error("failed to mirror polled record",
					zap.String("msg_id", m.ID), zap.Error(err))
			}
		}
	}
	if err := r.db.SetCheckpoint(checkpointKey(key), strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		r.logger.Error("failed to store poll checkpoint",
			zap.String("conversation_key", key), zap.Error(err))
	}
}

// sinceFor widens the query window to the last successful poll when that
// is older than the configured window, so nothing is missed across long
// outages.
func (r *Reconciler) sinceFor(key string) time.Time {
	since := time.Now().Add(-r.window)
	val, err := r.db.GetCheckpoint(checkpointKey(key))
	if err != nil || val == "" {
		return since
	}
	last, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return since
	}
	if t := time.UnixMilli(last); t.Before(since) {
		return t
	}
	return since
}

func (r *Reconciler) queryStorage(key string, since time.Time) ([]*message.Message, error) {
	records, err := r.db.QueryConversation(r.tenant, key, since.UnixMilli(), 0)
	if err != nil {
		return nil, err
	}
	msgs := make([]*message.Message, 0, len(records))
	for i := range records {
		m := records[i].ToMessage()
		m.Origin = message.OriginPoll
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (r *Reconciler) finish(report PollReport) {
	if !r.isLive() {
		return
	}
	r.bus.Emit(bus.KindPollCompleted, report)
	if report.Merged > 0 || report.Failed > 0 {
		r.logger.Info("poll completed",
			zap.Int("keys", report.Keys),
			zap.Int("merged", report.Merged),
			zap.Int("fallback", report.Fallback),
			zap.Int("failed", report.Failed))
	}
}

func checkpointKey(key string) string {
	return "poll.last." + key
}
