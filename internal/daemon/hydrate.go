package daemon

import (
	"github.com/pastoralhq/smsync/internal/conversation"
	"github.com/pastoralhq/smsync/internal/message"
	"github.com/pastoralhq/smsync/internal/store"
)

// hydrate replays persisted rows through the conversation store's merge
// path.
func hydrate(convo *conversation.Store, records []store.Record) {
	msgs := make([]*message.Message, 0, len(records))
	for i := range records {
		msgs = append(msgs, records[i].ToMessage())
	}
	convo.Hydrate(msgs)
}
