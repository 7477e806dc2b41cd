package relay

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemTransport is an in-process Transport. Used by tests and by loopback
// calls where both participants run inside the same daemon.
type MemTransport struct {
	seq int64

	mu      sync.Mutex
	backlog map[string][]*Message      // chatID|to → undelivered messages, in order
	subs    map[string][]chan *Message // chatID|to → subscriber channels
}

func NewMemTransport() *MemTransport {
	return &MemTransport{
		backlog: make(map[string][]*Message),
		subs:    make(map[string][]chan *Message),
	}
}

func key(chatID, to string) string { return chatID + "|" + to }

// Append delivers msg to current subscribers of its recipient, or buffers it
// until one subscribes.
func (t *MemTransport) Append(_ context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Seq = atomic.AddInt64(&t.seq, 1)

	k := key(msg.ChatID, msg.To)

	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[k]
	if len(subs) == 0 {
		t.backlog[k] = append(t.backlog[k], msg)
		return nil
	}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			log.Printf("RELAY: subscriber full, dropping %s %s→%s", msg.Type, msg.From, msg.To)
		}
	}
	return nil
}

// Subscribe replays the recipient's backlog in order, then delivers live
// messages. Replay and registration happen atomically so nothing is lost in
// between.
func (t *MemTransport) Subscribe(chatID, to string) (<-chan *Message, func()) {
	k := key(chatID, to)
	ch := make(chan *Message, 256)

	t.mu.Lock()
	replay := t.backlog[k]
	if len(replay) > cap(ch) {
		// Keep the newest; a stale candidate is superseded anyway.
		replay = replay[len(replay)-cap(ch):]
	}
	for _, msg := range replay {
		ch <- msg
	}
	delete(t.backlog, k)
	t.subs[k] = append(t.subs[k], ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		chans := t.subs[k]
		for i, c := range chans {
			if c == ch {
				t.subs[k] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// Purge drops all buffered messages for the chat.
func (t *MemTransport) Purge(_ context.Context, chatID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.backlog {
		if len(k) > len(chatID) && k[:len(chatID)] == chatID && k[len(chatID)] == '|' {
			delete(t.backlog, k)
		}
	}
	return nil
}
