package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/goopkit/huddle/internal/proto"
)

const (
	// backlogCap is the maximum number of messages buffered per recipient
	// before a session subscribes and drains them.
	backlogCap = 200

	// defaultAckTimeout bounds how long Append waits for a transport ACK.
	defaultAckTimeout = 10 * time.Second
)

// StreamTransport is a Transport over libp2p streams. Participant ids are
// libp2p peer ids; Append opens (or reuses) a stream to the recipient, writes
// the message as newline-delimited JSON and waits for a transport ACK, so a
// sender's messages arrive in the order they were appended.
type StreamTransport struct {
	host   host.Host
	selfID string

	seq        int64 // atomic monotonic counter for outbound messages
	ackTimeout time.Duration

	mu      sync.Mutex
	backlog map[string][]*Message      // chatID|to → messages arrived before subscribe
	subs    map[string][]chan *Message // chatID|to → subscriber channels
}

// NewStreamTransport registers the signaling stream handler on h.
func NewStreamTransport(h host.Host, ackTimeout time.Duration) *StreamTransport {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	t := &StreamTransport{
		host:       h,
		selfID:     h.ID().String(),
		ackTimeout: ackTimeout,
		backlog:    make(map[string][]*Message),
		subs:       make(map[string][]chan *Message),
	}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), t.handleIncoming)
	log.Printf("RELAY: registered handler for %s", proto.SignalProtoID)
	return t
}

// Append writes one signaling message to its recipient and waits for the
// transport ACK. Messages addressed to self short-circuit locally.
func (t *StreamTransport) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Seq = atomic.AddInt64(&t.seq, 1)

	if msg.To == t.selfID {
		t.deliver(msg)
		return nil
	}

	pid, err := peer.Decode(msg.To)
	if err != nil {
		return fmt.Errorf("relay: invalid recipient id %q: %w", msg.To, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.ackTimeout)
	defer cancel()

	stream, err := t.host.NewStream(dialCtx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return fmt.Errorf("relay: open stream to %s: %w", msg.To, err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return fmt.Errorf("relay: encode msg: %w", err)
	}

	// Read the transport ACK (remote writes it back synchronously).
	var a ack
	_ = stream.SetReadDeadline(time.Now().Add(t.ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&a); err != nil {
		return fmt.Errorf("relay: waiting for ack from %s: %w", msg.To, err)
	}
	if a.ID != msg.ID {
		return fmt.Errorf("relay: ack id mismatch (got %s, want %s)", a.ID, msg.ID)
	}

	log.Printf("RELAY: sent %s %s (chat=%s) to %s", msg.Type, msg.ID[:8], msg.ChatID, msg.To[:8])
	return nil
}

// handleIncoming reads one Message, ACKs it, and hands it to the recipient's
// subscription (or the backlog when nobody subscribed yet).
func (t *StreamTransport) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg Message
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Printf("RELAY: decode error from %s: %v", remotePeer[:8], err)
		return
	}

	// The stream authenticates the sender; a spoofed From field is dropped.
	if msg.From != remotePeer {
		log.Printf("RELAY: msg from %s claims from=%s, dropping", remotePeer[:8], msg.From)
		return
	}
	if msg.To != t.selfID {
		log.Printf("RELAY: msg addressed to %s arrived here, dropping", msg.To)
		return
	}

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack{ID: msg.ID, Seq: msg.Seq}); err != nil {
		log.Printf("RELAY: ack write error to %s: %v", remotePeer[:8], err)
		// Continue delivering even if the ACK write failed.
	}

	t.deliver(&msg)
}

func (t *StreamTransport) deliver(msg *Message) {
	k := key(msg.ChatID, msg.To)

	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[k]
	if len(subs) == 0 {
		buf := t.backlog[k]
		if len(buf) >= backlogCap {
			buf = buf[1:] // drop oldest
		}
		t.backlog[k] = append(buf, msg)
		return
	}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			log.Printf("RELAY: subscriber full, dropping %s from %s", msg.Type, msg.From[:8])
		}
	}
}

// Subscribe replays buffered messages for the recipient in arrival order,
// then delivers live ones. Replay and registration are atomic.
func (t *StreamTransport) Subscribe(chatID, to string) (<-chan *Message, func()) {
	k := key(chatID, to)
	ch := make(chan *Message, 256)

	t.mu.Lock()
	replay := t.backlog[k]
	if len(replay) > cap(ch) {
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

// Purge drops every buffered message for the chat.
func (t *StreamTransport) Purge(_ context.Context, chatID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.backlog {
		if len(k) > len(chatID) && k[:len(chatID)] == chatID && k[len(chatID)] == '|' {
			delete(t.backlog, k)
		}
	}
	return nil
}
