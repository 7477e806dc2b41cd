package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goopkit/huddle/internal/history"
	"github.com/goopkit/huddle/internal/store"
)

// ErrBusy means another call is already active on this node.
var ErrBusy = errors.New("call: another call is active")

// IncomingCall announces an active call on a chat the local peer has not
// joined. Answer with JoinCall, reject with DeclineCall, or ignore it.
type IncomingCall struct {
	ChatID string
	Record *store.CallRecord
}

// Manager multiplexes call sessions, one per chat, and watches the record
// stream for calls arriving from other peers. A node carries at most one
// active session at a time.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	incoming  chan IncomingCall
	recCh     <-chan *store.CallRecord
	recCancel func()

	closeOnce sync.Once
	done      chan struct{}
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
		incoming: make(chan IncomingCall, 8),
		done:     make(chan struct{}),
	}
	m.recCh, m.recCancel = m.opts.Records.WatchAllCalls()
	go m.watchIncoming()
	return m
}

// Incoming delivers one announcement per new remote call.
func (m *Manager) Incoming() <-chan IncomingCall { return m.incoming }

// watchIncoming turns record snapshots into incoming-call announcements. A
// record is a ring when it is active, was started by someone else, and the
// local peer neither joined it nor has a session for its chat.
func (m *Manager) watchIncoming() {
	announced := make(map[string]string) // chatID → call id already announced
	for {
		select {
		case <-m.done:
			return
		case rec, ok := <-m.recCh:
			if !ok {
				return
			}
			if !rec.IsActive {
				delete(announced, rec.ChatID)
				continue
			}
			if rec.InitiatorUID == m.opts.SelfUID || rec.HasParticipant(m.opts.SelfUID) {
				continue
			}
			if m.Get(rec.ChatID) != nil || announced[rec.ChatID] == rec.ID {
				continue
			}
			announced[rec.ChatID] = rec.ID
			select {
			case m.incoming <- IncomingCall{ChatID: rec.ChatID, Record: rec}:
				log.Printf("CALL: incoming call on %s from %s", rec.ChatID, shortUID(rec.InitiatorUID))
			default:
				log.Printf("CALL: incoming queue full, dropping announcement for %s", rec.ChatID)
			}
		}
	}
}

// StartCall places a new call on the chat and returns its session.
func (m *Manager) StartCall(ctx context.Context, chatID string, video bool) (*Session, error) {
	s, err := m.register(chatID)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx, video); err != nil {
		m.abort(s)
		return nil, err
	}
	return s, nil
}

// JoinCall answers the chat's active call and returns its session.
func (m *Manager) JoinCall(ctx context.Context, chatID string) (*Session, error) {
	s, err := m.register(chatID)
	if err != nil {
		return nil, err
	}
	if err := s.join(ctx); err != nil {
		m.abort(s)
		return nil, err
	}
	return s, nil
}

// DeclineCall rejects an incoming call without joining: the record is ended
// for everyone and the decline lands in chat history for all parties.
func (m *Manager) DeclineCall(ctx context.Context, chatID string) error {
	rec, err := m.opts.Records.GetCall(ctx, chatID)
	if err != nil {
		return fmt.Errorf("call: read record: %w", err)
	}
	if rec == nil {
		return ErrNoCall
	}

	if err := m.opts.Records.SetStatus(ctx, chatID, string(StatusEnded)); err != nil {
		log.Printf("CALL [%s]: decline: set status: %v", chatID, err)
	}
	if err := m.opts.Records.DeactivateCall(ctx, chatID); err != nil {
		return fmt.Errorf("call: decline: deactivate: %w", err)
	}
	if err := m.opts.Relay.Purge(ctx, chatID); err != nil {
		log.Printf("CALL [%s]: decline: purge relay: %v", chatID, err)
	}

	self := m.opts.SelfUID
	return m.opts.History.AppendOutcome(ctx, history.Outcome{
		ChatID:       chatID,
		CallID:       rec.ID,
		InitiatorUID: rec.InitiatorUID,
		EndedBy:      self,
		IsVideoCall:  rec.IsVideoCall,
		Labels:       outcomeLabels(rec, self, 0),
	})
}

// HangUp ends the chat's session.
func (m *Manager) HangUp(ctx context.Context, chatID string) error {
	s := m.Get(chatID)
	if s == nil {
		return ErrNoCall
	}
	return s.HangUp(ctx)
}

// Get returns the session for the chat, or nil.
func (m *Manager) Get(chatID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[chatID]
}

// Active returns the current session, if any.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		return s
	}
	return nil
}

// register creates and tracks a session for the chat, enforcing one active
// call per node.
func (m *Manager) register(chatID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) > 0 {
		return nil, ErrBusy
	}
	s := newSession(chatID, m.opts, m.remove)
	m.sessions[chatID] = s
	return s, nil
}

// remove is the session's onClosed hook.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.chatID] == s {
		delete(m.sessions, s.chatID)
	}
	m.mu.Unlock()
}

// abort discards a session whose start or join never completed.
func (m *Manager) abort(s *Session) {
	m.remove(s)
	_ = s.do(func() error {
		return s.teardown(context.Background(), reasonLocalHangup)
	})
}

// Close hangs up every session and stops the incoming watcher.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.recCancel()
	})

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range sessions {
		if err := s.HangUp(ctx); err != nil && !errors.Is(err, ErrEnded) {
			log.Printf("CALL [%s]: close: %v", s.chatID, err)
		}
	}
	return nil
}
