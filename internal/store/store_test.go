package store

import (
	"context"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(chatID string) *CallRecord {
	return &CallRecord{
		ID:           "call-1",
		ChatID:       chatID,
		InitiatorUID: "alice",
		IsVideoCall:  true,
		Participants: []string{"alice"},
		ParticipantDetails: map[string]Profile{
			"alice": {UID: "alice", DisplayName: "Alice"},
			"bob":   {UID: "bob", DisplayName: "Bob"},
		},
		Status:   "Calling…",
		IsActive: true,
	}
}

func TestCallRecordLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("create and read", func(t *testing.T) {
		if err := db.CreateCall(ctx, testRecord("chat-1")); err != nil {
			t.Fatalf("CreateCall: %v", err)
		}
		rec, err := db.GetCall(ctx, "chat-1")
		if err != nil {
			t.Fatalf("GetCall: %v", err)
		}
		if rec == nil {
			t.Fatal("GetCall returned nil for active call")
		}
		if rec.InitiatorUID != "alice" || !rec.IsVideoCall || rec.IsGroupCall {
			t.Errorf("unexpected record: %+v", rec)
		}
		if len(rec.Participants) != 1 || rec.Participants[0] != "alice" {
			t.Errorf("participants = %v, want [alice]", rec.Participants)
		}
		if rec.ParticipantDetails["bob"].DisplayName != "Bob" {
			t.Errorf("details lost: %+v", rec.ParticipantDetails)
		}
	})

	t.Run("add and remove participant", func(t *testing.T) {
		if err := db.AddParticipant(ctx, "chat-1", "bob"); err != nil {
			t.Fatalf("AddParticipant: %v", err)
		}
		if err := db.AddParticipant(ctx, "chat-1", "bob"); err != nil {
			t.Fatalf("AddParticipant twice: %v", err)
		}
		rec, _ := db.GetCall(ctx, "chat-1")
		if len(rec.Participants) != 2 {
			t.Fatalf("participants = %v, want 2 entries", rec.Participants)
		}
		if err := db.RemoveParticipant(ctx, "chat-1", "bob"); err != nil {
			t.Fatalf("RemoveParticipant: %v", err)
		}
		rec, _ = db.GetCall(ctx, "chat-1")
		if rec.HasParticipant("bob") {
			t.Error("bob still listed after removal")
		}
	})

	t.Run("first start time wins", func(t *testing.T) {
		first := time.Now().Add(-time.Minute)
		if err := db.SetStartTime(ctx, "chat-1", first); err != nil {
			t.Fatalf("SetStartTime: %v", err)
		}
		if err := db.SetStartTime(ctx, "chat-1", time.Now()); err != nil {
			t.Fatalf("SetStartTime second: %v", err)
		}
		rec, _ := db.GetCall(ctx, "chat-1")
		if rec.StartTime.UnixMilli() != first.UnixMilli() {
			t.Errorf("start time changed: got %v, want %v", rec.StartTime, first)
		}
	})

	t.Run("screen share flags", func(t *testing.T) {
		if err := db.SetScreenShare(ctx, "chat-1", "alice", true); err != nil {
			t.Fatalf("SetScreenShare on: %v", err)
		}
		rec, _ := db.GetCall(ctx, "chat-1")
		if !rec.IsScreenSharing("alice") {
			t.Error("alice not marked sharing")
		}
		if err := db.SetScreenShare(ctx, "chat-1", "alice", false); err != nil {
			t.Fatalf("SetScreenShare off: %v", err)
		}
		rec, _ = db.GetCall(ctx, "chat-1")
		if rec.IsScreenSharing("alice") {
			t.Error("alice still marked sharing")
		}
	})

	t.Run("deactivate hides record", func(t *testing.T) {
		if err := db.DeactivateCall(ctx, "chat-1"); err != nil {
			t.Fatalf("DeactivateCall: %v", err)
		}
		rec, err := db.GetCall(ctx, "chat-1")
		if err != nil {
			t.Fatalf("GetCall: %v", err)
		}
		if rec != nil {
			t.Errorf("GetCall returned %+v for deactivated call", rec)
		}
	})

	t.Run("recreate over stale record", func(t *testing.T) {
		fresh := testRecord("chat-1")
		fresh.ID = "call-2"
		if err := db.CreateCall(ctx, fresh); err != nil {
			t.Fatalf("CreateCall: %v", err)
		}
		rec, _ := db.GetCall(ctx, "chat-1")
		if rec == nil || rec.ID != "call-2" {
			t.Fatalf("expected fresh record, got %+v", rec)
		}
		if rec.IsScreenSharing("alice") {
			t.Error("stale screen-share row survived recreate")
		}
	})
}

func TestWatchCallDeliversSnapshotsInOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ch, cancel := db.WatchCall("chat-w")
	defer cancel()

	if err := db.CreateCall(ctx, testRecord("chat-w")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if err := db.AddParticipant(ctx, "chat-w", "bob"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := db.DeactivateCall(ctx, "chat-w"); err != nil {
		t.Fatalf("DeactivateCall: %v", err)
	}

	var snaps []*CallRecord
	timeout := time.After(2 * time.Second)
	for len(snaps) < 3 {
		select {
		case rec := <-ch:
			snaps = append(snaps, rec)
		case <-timeout:
			t.Fatalf("timed out after %d snapshots", len(snaps))
		}
	}

	if !snaps[0].IsActive || len(snaps[0].Participants) != 1 {
		t.Errorf("first snapshot: %+v", snaps[0])
	}
	if !snaps[1].HasParticipant("bob") {
		t.Errorf("second snapshot missing bob: %+v", snaps[1])
	}
	if snaps[2].IsActive {
		t.Errorf("final snapshot still active: %+v", snaps[2])
	}
}

func TestWatchAllCallsSeesEveryChat(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ch, cancel := db.WatchAllCalls()
	defer cancel()

	if err := db.CreateCall(ctx, testRecord("chat-a")); err != nil {
		t.Fatalf("CreateCall a: %v", err)
	}
	recB := testRecord("chat-b")
	recB.ID = "call-b"
	if err := db.CreateCall(ctx, recB); err != nil {
		t.Fatalf("CreateCall b: %v", err)
	}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case rec := <-ch:
			seen[rec.ChatID] = true
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	if !seen["chat-a"] || !seen["chat-b"] {
		t.Errorf("missing chats: %v", seen)
	}
}

func TestChatsAndUnread(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertChat(ctx, "chat-1", "Pair"); err != nil {
		t.Fatalf("UpsertChat: %v", err)
	}
	for _, p := range []Profile{
		{UID: "alice", DisplayName: "Alice"},
		{UID: "bob", DisplayName: "Bob"},
	} {
		if err := db.AddChatMember(ctx, "chat-1", p); err != nil {
			t.Fatalf("AddChatMember: %v", err)
		}
	}

	members, err := db.Members(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 || members[0].UID != "alice" {
		t.Fatalf("members = %+v", members)
	}

	if err := db.BumpUnreadExcept(ctx, "chat-1", "alice"); err != nil {
		t.Fatalf("BumpUnreadExcept: %v", err)
	}
	if err := db.BumpUnreadExcept(ctx, "chat-1", "alice"); err != nil {
		t.Fatalf("BumpUnreadExcept again: %v", err)
	}

	n, err := db.UnreadCount(ctx, "chat-1", "bob")
	if err != nil {
		t.Fatalf("UnreadCount bob: %v", err)
	}
	if n != 2 {
		t.Errorf("bob unread = %d, want 2", n)
	}
	n, err = db.UnreadCount(ctx, "chat-1", "alice")
	if err != nil {
		t.Fatalf("UnreadCount alice: %v", err)
	}
	if n != 0 {
		t.Errorf("alice unread = %d, want 0", n)
	}
}

func TestMessagesChronologicalOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := db.AppendMessage(ctx, &Message{
			ChatID:    "chat-m",
			SenderUID: "alice",
			Kind:      "text",
			Body:      string(rune('a' + i)),
			TS:        base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := db.RecentMessages(ctx, "chat-m", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Body != "c" || msgs[2].Body != "e" {
		t.Errorf("messages out of order: %q %q %q", msgs[0].Body, msgs[1].Body, msgs[2].Body)
	}
}
