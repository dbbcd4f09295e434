package store

import (
	"database/sql"
	"time"
)

// UpsertRecord inserts or updates a message row (idempotent on
// tenant + msg_id). A terminal status is never downgraded by a
// later-arriving stale copy: the status column only changes while the
// existing row is still pending or sending.
func (db *DB) UpsertRecord(r *Record) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (tenant, msg_id, client_msg_id, conversation_key, recipient_id, body, direction, status, origin, note, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, msg_id) DO UPDATE SET
			client_msg_id = CASE WHEN excluded.client_msg_id != '' THEN excluded.client_msg_id ELSE messages.client_msg_id END,
			status = CASE WHEN messages.status IN ('pending', 'sending') THEN excluded.status ELSE messages.status END,
			note = CASE WHEN excluded.note != '' THEN excluded.note ELSE messages.note END`,
		r.Tenant, r.MsgID, r.ClientMsgID, r.ConversationKey, r.RecipientID, r.Body, r.Direction, r.Status, r.Origin, r.Note, r.OccurredAt, now)
	return err
}

// FinalizeOutbound resolves an optimistic outbound row by client message
// id, recording the final status, the provider-assigned message id when
// one exists, and an optional reconciliation note.
func (db *DB) FinalizeOutbound(tenant, clientMsgID, providerMsgID, status, note string) error {
	_, err := db.Exec(`
		UPDATE messages
		SET status = ?,
		    msg_id = CASE WHEN ? != '' THEN ? ELSE msg_id END,
		    note = ?
		WHERE tenant = ? AND client_msg_id = ? AND status IN ('pending', 'sending')`,
		status, providerMsgID, providerMsgID, note, tenant, clientMsgID)
	return err
}

// UpdateStatus sets the status of a message row by its source id. Used when
// the delivery provider reports a later status transition (sent ->
// delivered). Terminal-to-terminal rewrites are allowed here because the
// provider is authoritative for its own ids.
func (db *DB) UpdateStatus(tenant, msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE tenant = ? AND msg_id = ?`,
		status, tenant, msgID)
	return err
}

const recordColumns = `id, tenant, msg_id, client_msg_id, conversation_key, recipient_id, body, direction, status, origin, note, occurred_at, created_at`

// QueryConversation returns rows for a conversation key within
// [since, until), ordered by authorship time. A zero until means no upper
// bound.
func (db *DB) QueryConversation(tenant, key string, since, until int64) ([]Record, error) {
	if until <= 0 {
		until = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+recordColumns+`
		FROM messages
		WHERE tenant = ? AND conversation_key = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at ASC, id ASC`,
		tenant, key, since, until)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// AllMessages returns every row for a tenant ordered by authorship time.
// Used to rebuild the in-memory conversation view on startup.
func (db *DB) AllMessages(tenant string) ([]Record, error) {
	rows, err := db.Query(`
		SELECT `+recordColumns+`
		FROM messages
		WHERE tenant = ?
		ORDER BY occurred_at ASC, id ASC`, tenant)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// ListConversations returns one summary per known conversation key,
// most recently active first.
func (db *DB) ListConversations(tenant string) ([]ConversationSummary, error) {
	rows, err := db.Query(`
		SELECT conversation_key, COUNT(*), MAX(occurred_at)
		FROM messages
		WHERE tenant = ?
		GROUP BY conversation_key
		ORDER BY MAX(occurred_at) DESC`, tenant)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		if err := rows.Scan(&s.Key, &s.MessageCount, &s.LastMessageAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Tenant, &r.MsgID, &r.ClientMsgID, &r.ConversationKey, &r.RecipientID, &r.Body, &r.Direction, &r.Status, &r.Origin, &r.Note, &r.OccurredAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
