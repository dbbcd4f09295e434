package daemon

import (
	"path/filepath"
	"testing"

	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/conversation"
	"github.com/pastoralhq/smsync/internal/store"
	"go.uber.org/zap"
)

func TestHydrateRebuildsConversationView(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	seed := []store.Record{
		{Tenant: "main", MsgID: "m1", ConversationKey: "+15551234567", Body: "Hello", Direction: "inbound", Status: "received", Origin: "feed", OccurredAt: 1000},
		{Tenant: "main", MsgID: "m2", ConversationKey: "+15551234567", Body: "Hi there", Direction: "outbound", Status: "sent", Origin: "local", OccurredAt: 2000},
		{Tenant: "main", MsgID: "m3", ConversationKey: "+15559998888", Body: "See you Sunday", Direction: "outbound", Status: "delivered", Origin: "local", OccurredAt: 3000},
	}
	for i := range seed {
		if err := db.UpsertRecord(&seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	records, err := db.AllMessages("main")
	if err != nil {
		t.Fatal(err)
	}

	convo := conversation.NewStore(bus.New(), zap.NewNop())
	hydrate(convo, records)

	if got := len(convo.Keys()); got != 2 {
		t.Fatalf("got %d conversations, want 2", got)
	}
	msgs := convo.List("+15551234567")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Body != "Hello" || msgs[1].Body != "Hi there" {
		t.Errorf("hydrated order wrong: %q, %q", msgs[0].Body, msgs[1].Body)
	}
}
