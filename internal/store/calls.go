package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"
)

// Profile is the display identity of one chat member, seeded into a call
// record so every participant can render the roster before all profiles are
// independently known.
type Profile struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	AvatarHash  string `json:"avatar_hash,omitempty"`
}

// CallRecord is the authoritative shared object describing an in-progress
// call. One per chat; IsActive=false means the record should be treated as
// absent.
type CallRecord struct {
	ID                 string             `json:"id"`
	ChatID             string             `json:"chat_id"`
	InitiatorUID       string             `json:"initiator_uid"`
	IsVideoCall        bool               `json:"is_video_call"`
	IsGroupCall        bool               `json:"is_group_call"`
	Participants       []string           `json:"participants"` // joined, sorted
	ParticipantDetails map[string]Profile `json:"participant_details"`
	StartTime          time.Time          `json:"start_time"` // zero = not yet set
	ScreenSharingUIDs  []string           `json:"screen_sharing_uids"`
	Status             string             `json:"status"`
	IsActive           bool               `json:"is_active"`
}

// HasParticipant reports whether uid has joined the call.
func (r *CallRecord) HasParticipant(uid string) bool {
	for _, p := range r.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// IsScreenSharing reports whether uid is currently sharing screen.
func (r *CallRecord) IsScreenSharing(uid string) bool {
	for _, p := range r.ScreenSharingUIDs {
		if p == uid {
			return true
		}
	}
	return false
}

// CreateCall inserts a fresh call record for the chat, replacing any stale
// inactive one. Participants and screen-share rows are reset.
func (s *DB) CreateCall(ctx context.Context, rec *CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := json.Marshal(rec.ParticipantDetails)
	if err != nil {
		return fmt.Errorf("store: marshal participant details: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM call_participants WHERE chat_id = ?`, rec.ChatID); err != nil {
		return fmt.Errorf("store: reset participants: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM call_screen_shares WHERE chat_id = ?`, rec.ChatID); err != nil {
		return fmt.Errorf("store: reset screen shares: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calls (chat_id, id, initiator_uid, is_video, is_group, start_time, status, is_active, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			id = excluded.id, initiator_uid = excluded.initiator_uid,
			is_video = excluded.is_video, is_group = excluded.is_group,
			start_time = excluded.start_time, status = excluded.status,
			is_active = 1, details = excluded.details`,
		rec.ChatID, rec.ID, rec.InitiatorUID,
		boolInt(rec.IsVideoCall), boolInt(rec.IsGroupCall),
		timeMillis(rec.StartTime), rec.Status, string(details)); err != nil {
		return fmt.Errorf("store: insert call: %w", err)
	}
	for _, uid := range rec.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO call_participants (chat_id, uid) VALUES (?, ?)`,
			rec.ChatID, uid); err != nil {
			return fmt.Errorf("store: insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	s.notifyCall(ctx, rec.ChatID)
	return nil
}

// GetCall returns the active call record for the chat, or nil when the chat
// has no call or the record is deactivated.
func (s *DB) GetCall(ctx context.Context, chatID string) (*CallRecord, error) {
	rec, err := s.loadCall(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.IsActive {
		return nil, nil
	}
	return rec, nil
}

// AddParticipant marks uid as joined. Idempotent.
func (s *DB) AddParticipant(ctx context.Context, chatID, uid string) error {
	return s.mutateCall(ctx, chatID,
		`INSERT OR IGNORE INTO call_participants (chat_id, uid) VALUES (?, ?)`, chatID, uid)
}

// RemoveParticipant removes uid from the joined set. Idempotent.
func (s *DB) RemoveParticipant(ctx context.Context, chatID, uid string) error {
	return s.mutateCall(ctx, chatID,
		`DELETE FROM call_participants WHERE chat_id = ? AND uid = ?`, chatID, uid)
}

// SetStartTime stamps the call start, but only if no participant set it
// before; whichever join completes first wins and the value never changes.
func (s *DB) SetStartTime(ctx context.Context, chatID string, t time.Time) error {
	return s.mutateCall(ctx, chatID,
		`UPDATE calls SET start_time = ? WHERE chat_id = ? AND start_time = 0`,
		timeMillis(t), chatID)
}

// SetStatus updates the human-facing call status.
func (s *DB) SetStatus(ctx context.Context, chatID, status string) error {
	return s.mutateCall(ctx, chatID,
		`UPDATE calls SET status = ? WHERE chat_id = ?`, status, chatID)
}

// SetScreenShare records or clears uid's screen-sharing flag.
func (s *DB) SetScreenShare(ctx context.Context, chatID, uid string, on bool) error {
	if on {
		return s.mutateCall(ctx, chatID,
			`INSERT OR IGNORE INTO call_screen_shares (chat_id, uid) VALUES (?, ?)`, chatID, uid)
	}
	return s.mutateCall(ctx, chatID,
		`DELETE FROM call_screen_shares WHERE chat_id = ? AND uid = ?`, chatID, uid)
}

// DeactivateCall marks the record inactive. Watchers receive one final
// snapshot with IsActive=false.
func (s *DB) DeactivateCall(ctx context.Context, chatID string) error {
	return s.mutateCall(ctx, chatID,
		`UPDATE calls SET is_active = 0 WHERE chat_id = ?`, chatID)
}

// WatchCall subscribes to call-record snapshots for a chat. Every mutation
// through this store delivers a fresh snapshot on the returned channel, in
// application order. The cancel func must be called to release the watcher.
func (s *DB) WatchCall(chatID string) (<-chan *CallRecord, func()) {
	ch := make(chan *CallRecord, 16)

	s.watchMu.Lock()
	s.watchers[chatID] = append(s.watchers[chatID], ch)
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		chans := s.watchers[chatID]
		for i, c := range chans {
			if c == ch {
				s.watchers[chatID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

// WatchAllCalls subscribes to call-record snapshots across every chat. Used
// for incoming-call discovery: a new active record on a chat the local peer
// has not joined is a ring.
func (s *DB) WatchAllCalls() (<-chan *CallRecord, func()) {
	ch := make(chan *CallRecord, 16)

	s.watchMu.Lock()
	s.allWatch = append(s.allWatch, ch)
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		for i, c := range s.allWatch {
			if c == ch {
				s.allWatch = append(s.allWatch[:i], s.allWatch[i+1:]...)
				close(ch)
				break
			}
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

// mutateCall runs one statement and fans the resulting snapshot out, holding
// the mutation lock so watchers see changes in application order.
func (s *DB) mutateCall(ctx context.Context, chatID, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	s.notifyCall(ctx, chatID)
	return nil
}

// notifyCall loads the current snapshot (active or not) and delivers it to
// every watcher. A slow watcher loses its oldest buffered snapshot, never the
// newest; the most recent applied state always wins.
func (s *DB) notifyCall(ctx context.Context, chatID string) {
	rec, err := s.loadCall(ctx, chatID)
	if err != nil {
		log.Printf("STORE: load snapshot for %s: %v", chatID, err)
		return
	}
	if rec == nil {
		return
	}

	s.watchMu.Lock()
	chans := append([]chan *CallRecord(nil), s.watchers[chatID]...)
	chans = append(chans, s.allWatch...)
	s.watchMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- rec:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- rec:
			default:
			}
		}
	}
}

// loadCall reads the full record, including inactive ones.
func (s *DB) loadCall(ctx context.Context, chatID string) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, initiator_uid, is_video, is_group, start_time, status, is_active, details
		FROM calls WHERE chat_id = ?`, chatID)

	rec := &CallRecord{ChatID: chatID}
	var isVideo, isGroup, isActive int
	var startMillis int64
	var details string
	err := row.Scan(&rec.ID, &rec.InitiatorUID, &isVideo, &isGroup, &startMillis, &rec.Status, &isActive, &details)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan call: %w", err)
	}
	rec.IsVideoCall = isVideo != 0
	rec.IsGroupCall = isGroup != 0
	rec.IsActive = isActive != 0
	if startMillis > 0 {
		rec.StartTime = time.UnixMilli(startMillis)
	}
	if err := json.Unmarshal([]byte(details), &rec.ParticipantDetails); err != nil {
		rec.ParticipantDetails = map[string]Profile{}
	}

	rec.Participants, err = s.callUIDs(ctx, `call_participants`, chatID)
	if err != nil {
		return nil, err
	}
	rec.ScreenSharingUIDs, err = s.callUIDs(ctx, `call_screen_shares`, chatID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *DB) callUIDs(ctx context.Context, table, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid FROM `+table+` WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", table, err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", table, err)
		}
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
