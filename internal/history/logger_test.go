package history

import (
	"context"
	"testing"
	"time"

	"github.com/goopkit/huddle/internal/store"
)

func setup(t *testing.T) (*Logger, *store.DB) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.UpsertChat(ctx, "chat-1", "Pair"); err != nil {
		t.Fatalf("UpsertChat: %v", err)
	}
	for _, p := range []store.Profile{{UID: "alice"}, {UID: "bob"}} {
		if err := db.AddChatMember(ctx, "chat-1", p); err != nil {
			t.Fatalf("AddChatMember: %v", err)
		}
	}
	return New(db, 10), db
}

func TestAppendOutcomeWritesHistory(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()

	err := l.AppendOutcome(ctx, Outcome{
		ChatID:       "chat-1",
		CallID:       "call-1",
		InitiatorUID: "alice",
		EndedBy:      "alice",
		IsVideoCall:  true,
		Duration:     42 * time.Second,
		Labels:       map[string]string{"alice": "Outgoing call", "bob": "Incoming call"},
	})
	if err != nil {
		t.Fatalf("AppendOutcome: %v", err)
	}

	msgs, err := db.RecentMessages(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Kind != "call" {
		t.Errorf("kind = %q, want call", msg.Kind)
	}
	if msg.Body != "Video call · 0:42" {
		t.Errorf("body = %q", msg.Body)
	}
	if msg.Labels["bob"] != "Incoming call" {
		t.Errorf("labels = %v", msg.Labels)
	}
	if msg.DurationSec != 42 {
		t.Errorf("duration = %d", msg.DurationSec)
	}

	// The ender does not get an unread bump; the other side does.
	n, err := db.UnreadCount(ctx, "chat-1", "bob")
	if err != nil || n != 1 {
		t.Errorf("bob unread = %d (%v), want 1", n, err)
	}
	n, err = db.UnreadCount(ctx, "chat-1", "alice")
	if err != nil || n != 0 {
		t.Errorf("alice unread = %d (%v), want 0", n, err)
	}

	recent := l.Recent()
	if len(recent) != 1 || recent[0].Body != msg.Body {
		t.Errorf("Recent() = %+v", recent)
	}
}

func TestAppendOutcomeNotifiesSubscribers(t *testing.T) {
	l, _ := setup(t)

	ch := l.Subscribe()
	defer l.Unsubscribe(ch)

	err := l.AppendOutcome(context.Background(), Outcome{
		ChatID:       "chat-1",
		CallID:       "call-1",
		InitiatorUID: "alice",
		EndedBy:      "bob",
		Labels:       map[string]string{"alice": "Declined call", "bob": "Declined call"},
	})
	if err != nil {
		t.Fatalf("AppendOutcome: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Body != "Voice call" {
			t.Errorf("body = %q, want plain Voice call for zero duration", msg.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}

func TestSummaryLine(t *testing.T) {
	cases := []struct {
		name string
		o    Outcome
		want string
	}{
		{"voice with duration", Outcome{Duration: 75 * time.Second}, "Voice call · 1:15"},
		{"video with duration", Outcome{IsVideoCall: true, Duration: 9 * time.Second}, "Video call · 0:09"},
		{"never connected", Outcome{IsVideoCall: true}, "Video call"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := summaryLine(tc.o); got != tc.want {
				t.Errorf("summaryLine = %q, want %q", got, tc.want)
			}
		})
	}
}
