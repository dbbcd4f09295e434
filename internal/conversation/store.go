package conversation

import (
	"sort"
	"sync"

	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/message"
	"go.uber.org/zap"
)

// Store holds the merged, time-ordered view of every conversation. It is a
// materialized view over the persisted message records, never authoritative
// storage: it can be rebuilt at any time with Hydrate.
//
// All ingestion paths (change feed, poller, optimistic local writes) funnel
// through Upsert, which is commutative under the fingerprint and
// status-precedence rules: applying the same set of messages in any order
// converges to the same view.
type Store struct {
	mu        sync.Mutex
	convos    map[string][]*entry
	seq       int
	observers map[int]observer
	nextObs   int
	bus       *bus.Bus
	logger    *zap.Logger
}

type entry struct {
	msg *message.Message
	seq int
}

type observer struct {
	key string // empty matches every conversation
	fn  func(key string)
}

// NewStore creates an empty conversation store.
func NewStore(b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		convos:    make(map[string][]*entry),
		observers: make(map[int]observer),
		bus:       b,
		logger:    logger,
	}
}

// Upsert merges one message into its conversation. Returns true when the
// view changed (insert or supersede), false for a discarded duplicate.
func (s *Store) Upsert(m *message.Message) bool {
	changed := s.UpsertBatch([]*message.Message{m})
	return changed > 0
}

// UpsertBatch merges a batch of messages, possibly spanning conversations,
// and notifies observers at most once per affected conversation. Returns
// the number of messages that changed the view.
func (s *Store) UpsertBatch(msgs []*message.Message) int {
	s.mu.Lock()
	touched := make(map[string]message.Direction)
	changed := 0
	for _, m := range msgs {
		if m == nil || m.ConversationKey == "" {
			continue
		}
		if s.apply(m) {
			changed++
			touched[m.ConversationKey] = m.Direction
		}
	}
	obs := s.matchObservers(touched)
	s.mu.Unlock()

	for key, dir := range touched {
		if s.bus != nil {
			s.bus.Emit(bus.KindConversationUpdated, bus.ConversationUpdate{
				ConversationKey: key,
				Direction:       dir,
				MessageCount:    changed,
			})
		}
	}
	for _, o := range obs {
		o.fn(o.key)
	}
	return changed
}

// apply merges one message under the lock. Match by source id, client
// message id, or fingerprint; supersede only when the incoming status is
// strictly more final.
func (s *Store) apply(m *message.Message) bool {
	list := s.convos[m.ConversationKey]
	fp := message.Fingerprint(m)

	for _, e := range list {
		if !s.matches(e.msg, m, fp) {
			continue
		}
		cur := e.msg
		if m.Status.Outranks(cur.Status) {
			merged := *m
			if merged.ID == "" {
				merged.ID = cur.ID
			}
			if merged.ClientMessageID == "" {
				merged.ClientMessageID = cur.ClientMessageID
			}
			e.msg = &merged
			s.sortConversation(m.ConversationKey)
			return true
		}
		if cur.Status.IsTerminal() && m.Status.IsTerminal() && cur.Status != m.Status {
			s.logger.Warn("conflicting terminal statuses for message",
				zap.String("conversation_key", m.ConversationKey),
				zap.String("msg_id", cur.ID),
				zap.String("have", string(cur.Status)),
				zap.String("got", string(m.Status)),
				zap.String("got_origin", string(m.Origin)))
		}
		return false
	}

	cp := *m
	s.seq++
	s.convos[m.ConversationKey] = append(list, &entry{msg: &cp, seq: s.seq})
	s.sortConversation(m.ConversationKey)
	return true
}

func (s *Store) matches(have, incoming *message.Message, incomingFP string) bool {
	if incoming.ID != "" && have.ID == incoming.ID {
		return true
	}
	if incoming.ClientMessageID != "" && have.ClientMessageID == incoming.ClientMessageID {
		return true
	}
	// Empty fingerprints (blank body) never match anything.
	if incomingFP != "" && message.Fingerprint(have) == incomingFP {
		return true
	}
	return false
}

// sortConversation keeps a conversation ordered by authorship time. Ties
// order by id, falling back to insertion order, so that replaying the same
// message set in any order yields the same sequence.
func (s *Store) sortConversation(key string) {
	list := s.convos[key]
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.msg.OccurredAt.Equal(b.msg.OccurredAt) {
			return a.msg.OccurredAt.Before(b.msg.OccurredAt)
		}
		if a.msg.ID != b.msg.ID {
			return a.msg.ID < b.msg.ID
		}
		return a.seq < b.seq
	})
}

// List returns a copy of the merged, time-ordered view for a conversation.
// Safe to call repeatedly.
func (s *Store) List(key string) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.convos[key]
	out := make([]message.Message, len(list))
	for i, e := range list {
		out[i] = *e.msg
	}
	return out
}

// Keys returns every known conversation key.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.convos))
	for k := range s.convos {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribe registers an observer for a conversation key. An empty key
// observes every conversation. Returns an unsubscribe function.
func (s *Store) Subscribe(key string, fn func(key string)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = observer{key: key, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

type firing struct {
	key string
	fn  func(key string)
}

func (s *Store) matchObservers(touched map[string]message.Direction) []firing {
	var out []firing
	for key := range touched {
		for _, o := range s.observers {
			if o.key == "" || o.key == key {
				out = append(out, firing{key: key, fn: o.fn})
			}
		}
	}
	return out
}

// Hydrate rebuilds the view from already-persisted messages. Meant for
// startup; it funnels through the same merge path as live traffic.
func (s *Store) Hydrate(msgs []*message.Message) int {
	return s.UpsertBatch(msgs)
}
