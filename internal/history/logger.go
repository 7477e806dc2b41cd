// Package history appends call outcomes to the chat message log. It is the
// only thing the call engine writes to chat history: one message per ended
// call, carrying a per-recipient label map so A sees "Outgoing call" where B
// sees "Incoming call".
package history

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goopkit/huddle/internal/store"
	"github.com/goopkit/huddle/internal/util"
)

// DefaultBufferSize is the number of recent outcomes kept in memory for the API.
const DefaultBufferSize = 100

// Outcome describes one ended call.
type Outcome struct {
	ChatID       string
	CallID       string
	InitiatorUID string
	EndedBy      string
	IsVideoCall  bool
	Duration     time.Duration
	Labels       map[string]string // uid → outcome label
}

// Logger writes call outcomes to the message log, updates the chat summary
// and bumps unread counters for everyone except the participant who ended
// the call.
type Logger struct {
	db *store.DB

	recent *util.Tail[*store.Message]

	mu        sync.RWMutex
	listeners []chan *store.Message
}

func New(db *store.DB, bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Logger{
		db:     db,
		recent: util.NewTail[*store.Message](bufferSize),
	}
}

// AppendOutcome records one call outcome. Partial failure is tolerated: the
// summary and unread updates are attempted even when earlier steps fail, and
// the first error is returned for observability.
func (l *Logger) AppendOutcome(ctx context.Context, o Outcome) error {
	msg := &store.Message{
		ChatID:      o.ChatID,
		SenderUID:   o.EndedBy,
		Kind:        "call",
		Body:        summaryLine(o),
		Labels:      o.Labels,
		DurationSec: int(o.Duration.Seconds()),
		TS:          time.Now(),
	}

	var firstErr error
	if _, err := l.db.AppendMessage(ctx, msg); err != nil {
		firstErr = fmt.Errorf("history: append: %w", err)
		log.Printf("HISTORY: %v", firstErr)
	}
	if err := l.db.SetChatSummary(ctx, o.ChatID, msg.Body, msg.TS); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("history: summary: %w", err)
		}
		log.Printf("HISTORY: set summary for %s: %v", o.ChatID, err)
	}
	if err := l.db.BumpUnreadExcept(ctx, o.ChatID, o.EndedBy); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("history: unread: %w", err)
		}
		log.Printf("HISTORY: bump unread for %s: %v", o.ChatID, err)
	}

	l.recent.Add(msg)
	l.notify(msg)

	if firstErr == nil {
		log.Printf("HISTORY: logged call %s on %s (%s)", o.CallID, o.ChatID, msg.Body)
	}
	return firstErr
}

// Recent returns the most recent outcome messages, oldest first.
func (l *Logger) Recent() []*store.Message {
	return l.recent.Items()
}

// Subscribe returns a channel that receives each logged outcome.
func (l *Logger) Subscribe() <-chan *store.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan *store.Message, 10)
	l.listeners = append(l.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (l *Logger) Unsubscribe(ch <-chan *store.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, listener := range l.listeners {
		if listener == ch {
			close(listener)
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *Logger) notify(msg *store.Message) {
	l.mu.RLock()
	for _, listener := range l.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	l.mu.RUnlock()
}

// summaryLine renders the chat-list preview, e.g. "Video call · 0:42".
func summaryLine(o Outcome) string {
	kind := "Voice call"
	if o.IsVideoCall {
		kind = "Video call"
	}
	if o.Duration <= 0 {
		return kind
	}
	secs := int(o.Duration.Seconds())
	return fmt.Sprintf("%s · %d:%02d", kind, secs/60, secs%60)
}
