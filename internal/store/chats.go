package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertChat creates or renames a chat.
func (s *DB) UpsertChat(ctx context.Context, chatID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, title) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title`, chatID, title)
	if err != nil {
		return fmt.Errorf("store: upsert chat: %w", err)
	}
	return nil
}

// AddChatMember adds uid to the chat roster. Idempotent; profile fields are
// refreshed on re-add.
func (s *DB) AddChatMember(ctx context.Context, chatID string, p Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_members (chat_id, uid, display_name, avatar_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, uid) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_hash = excluded.avatar_hash`,
		chatID, p.UID, p.DisplayName, p.AvatarHash)
	if err != nil {
		return fmt.Errorf("store: add chat member: %w", err)
	}
	return nil
}

// RemoveChatMember drops uid from the chat roster.
func (s *DB) RemoveChatMember(ctx context.Context, chatID, uid string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_members WHERE chat_id = ? AND uid = ?`, chatID, uid)
	if err != nil {
		return fmt.Errorf("store: remove chat member: %w", err)
	}
	return nil
}

// Members returns the chat roster with display profiles, sorted by uid.
func (s *DB) Members(ctx context.Context, chatID string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, display_name, avatar_hash
		FROM chat_members WHERE chat_id = ? ORDER BY uid`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: query members: %w", err)
	}
	defer rows.Close()

	var members []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.UID, &p.DisplayName, &p.AvatarHash); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		members = append(members, p)
	}
	return members, rows.Err()
}

// SetChatSummary updates the chat's "most recent message" line.
func (s *DB) SetChatSummary(ctx context.Context, chatID, summary string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET summary = ?, summary_ts = ? WHERE id = ?`,
		summary, ts.UnixMilli(), chatID)
	if err != nil {
		return fmt.Errorf("store: set summary: %w", err)
	}
	return nil
}

// BumpUnreadExcept increments the unread counter of every chat member except
// the sender.
func (s *DB) BumpUnreadExcept(ctx context.Context, chatID, senderUID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unread_counts (chat_id, uid, count)
		SELECT chat_id, uid, 1 FROM chat_members WHERE chat_id = ? AND uid != ?
		ON CONFLICT(chat_id, uid) DO UPDATE SET count = count + 1`,
		chatID, senderUID)
	if err != nil {
		return fmt.Errorf("store: bump unread: %w", err)
	}
	return nil
}

// UnreadCount returns uid's unread counter for the chat.
func (s *DB) UnreadCount(ctx context.Context, chatID, uid string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM unread_counts WHERE chat_id = ? AND uid = ?`,
		chatID, uid).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: unread count: %w", err)
	}
	return n, nil
}
