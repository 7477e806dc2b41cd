package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one row of a chat's message log. Call outcomes are stored as
// kind="call" with a per-recipient label map so each participant's history
// reads from their own perspective.
type Message struct {
	ID          int64             `json:"id"`
	ChatID      string            `json:"chat_id"`
	SenderUID   string            `json:"sender_uid"`
	Kind        string            `json:"kind"` // "text" | "call"
	Body        string            `json:"body"`
	Labels      map[string]string `json:"labels,omitempty"` // uid → outcome label
	DurationSec int               `json:"duration_sec,omitempty"`
	TS          time.Time         `json:"ts"`
}

// AppendMessage appends one message row and returns its id.
func (s *DB) AppendMessage(ctx context.Context, m *Message) (int64, error) {
	labels := "{}"
	if len(m.Labels) > 0 {
		b, err := json.Marshal(m.Labels)
		if err != nil {
			return 0, fmt.Errorf("store: marshal labels: %w", err)
		}
		labels = string(b)
	}
	if m.TS.IsZero() {
		m.TS = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, sender_uid, kind, body, labels, duration_sec, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.SenderUID, m.Kind, m.Body, labels, m.DurationSec, m.TS.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: last insert id: %w", err)
	}
	m.ID = id
	return id, nil
}

// RecentMessages returns up to limit most recent messages for the chat,
// oldest first.
func (s *DB) RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_uid, kind, body, labels, duration_sec, ts
		FROM messages WHERE chat_id = ?
		ORDER BY ts DESC, id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{ChatID: chatID}
		var labels string
		var ts int64
		if err := rows.Scan(&m.ID, &m.SenderUID, &m.Kind, &m.Body, &labels, &m.DurationSec, &ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.TS = time.UnixMilli(ts)
		if err := json.Unmarshal([]byte(labels), &m.Labels); err != nil {
			m.Labels = nil
		}
		out = append(out, m)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
