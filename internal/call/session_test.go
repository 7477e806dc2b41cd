package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/goopkit/huddle/internal/history"
	"github.com/goopkit/huddle/internal/presence"
	"github.com/goopkit/huddle/internal/relay"
	"github.com/goopkit/huddle/internal/store"
)

// fakeMedia captures nothing; links fall back to recvonly transceivers, which
// is enough to drive real SDP negotiation in tests.
type fakeMedia struct{}

func (fakeMedia) AcquireUser(_ context.Context, _ bool) (*LocalMedia, error) {
	return &LocalMedia{}, nil
}
func (fakeMedia) AcquireScreen(_ context.Context) (LocalTrack, error) { return nil, ErrNoCapture }
func (fakeMedia) AcquireCamera(_ context.Context) (LocalTrack, error) { return nil, ErrNoCapture }
func (fakeMedia) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{})
}

// failMedia has no usable capture device at all.
type failMedia struct{ fakeMedia }

func (failMedia) AcquireUser(_ context.Context, _ bool) (*LocalMedia, error) {
	return nil, errors.New("no usable capture device")
}

// stubTrack is a sendable video track whose capture lifecycle the test
// controls: end simulates the source going away, Closed reports release.
type stubTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	closed  bool
	onEnded func(error)
}

func newStubTrack(t *testing.T, id string) *stubTrack {
	t.Helper()
	base, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "stub")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return &stubTrack{TrackLocalStaticSample: base}
}

func (s *stubTrack) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubTrack) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubTrack) OnEnded(f func(error)) {
	s.mu.Lock()
	s.onEnded = f
	s.mu.Unlock()
}

func (s *stubTrack) end(err error) {
	s.mu.Lock()
	f := s.onEnded
	s.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// shareMedia is fakeMedia plus screen and camera capture backed by stubs.
type shareMedia struct {
	fakeMedia
	screen *stubTrack
	cam    *stubTrack
}

func (m shareMedia) AcquireScreen(_ context.Context) (LocalTrack, error) { return m.screen, nil }
func (m shareMedia) AcquireCamera(_ context.Context) (LocalTrack, error) {
	if m.cam == nil {
		return nil, ErrNoCapture
	}
	return m.cam, nil
}

// testBench wires managers to one shared store and one in-process relay, the
// way daemons share the record through sync.
type testBench struct {
	t         *testing.T
	db        *store.DB
	roster    *presence.PeerTable
	transport relay.Transport
	hist      *history.Logger
	alice     *Manager
	bob       *Manager
}

func benchCore(t *testing.T, chatID string, uids ...string) *testBench {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.UpsertChat(ctx, chatID, "Chat"); err != nil {
		t.Fatal(err)
	}
	for _, uid := range uids {
		if err := db.AddChatMember(ctx, chatID, store.Profile{UID: uid, DisplayName: uid}); err != nil {
			t.Fatal(err)
		}
	}

	return &testBench{
		t:         t,
		db:        db,
		roster:    presence.NewPeerTable(),
		transport: relay.NewMemTransport(),
		hist:      history.New(db, 10),
	}
}

func (b *testBench) manager(uid string, media MediaSource) *Manager {
	m := NewManager(Options{
		SelfUID:         uid,
		Relay:           b.transport,
		Records:         b.db,
		Members:         b.db,
		History:         b.hist,
		Roster:          b.roster,
		Media:           media,
		DisconnectGrace: 500 * time.Millisecond,
		EndedLinger:     50 * time.Millisecond,
	})
	b.t.Cleanup(func() { m.Close() })
	return m
}

func newBench(t *testing.T) *testBench {
	b := benchCore(t, "chat-1", "alice", "bob")
	b.alice = b.manager("alice", fakeMedia{})
	b.bob = b.manager("bob", fakeMedia{})
	return b
}

// linkCount reads the session's live link count off its event loop.
func linkCount(s *Session) int {
	n := -1
	_ = s.do(func() error { n = len(s.links); return nil })
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func callMessages(t *testing.T, db *store.DB) []*store.Message {
	t.Helper()
	msgs, err := db.RecentMessages(context.Background(), "chat-1", 20)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Kind == "call" {
			out = append(out, m)
		}
	}
	return out
}

func TestCallLifecycle(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()

	b.roster.Upsert("bob", "Bob", "", false)

	sessA, err := b.alice.StartCall(ctx, "chat-1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if st := sessA.Status(); st != StatusRinging {
		t.Errorf("initial status = %q, want %q (bob is reachable)", st, StatusRinging)
	}
	if sessA.Role() != RoleInitiator {
		t.Errorf("role = %q", sessA.Role())
	}

	// Bob's manager announces the incoming call off the record stream.
	var incoming IncomingCall
	select {
	case incoming = <-b.bob.Incoming():
	case <-time.After(5 * time.Second):
		t.Fatal("bob never saw the incoming call")
	}
	if incoming.ChatID != "chat-1" || incoming.Record.InitiatorUID != "alice" {
		t.Fatalf("incoming = %+v", incoming)
	}

	sessB, err := b.bob.JoinCall(ctx, "chat-1")
	if err != nil {
		t.Fatalf("JoinCall: %v", err)
	}
	if st := sessB.Status(); st != StatusOngoing {
		t.Errorf("joiner status = %q, want %q", st, StatusOngoing)
	}
	if sessB.Role() != RoleCallee {
		t.Errorf("joiner role = %q", sessB.Role())
	}

	// Alice converges on Ongoing via the shared record.
	waitFor(t, func() bool { return sessA.Status() == StatusOngoing }, "alice ongoing")

	rec, err := b.db.GetCall(ctx, "chat-1")
	if err != nil || rec == nil {
		t.Fatalf("GetCall: %v %v", rec, err)
	}
	if !rec.HasParticipant("alice") || !rec.HasParticipant("bob") {
		t.Errorf("participants = %v", rec.Participants)
	}
	if rec.StartTime.IsZero() {
		t.Error("start time never set")
	}

	// Bob hangs up; the record deactivates and alice follows.
	if err := b.bob.HangUp(ctx, "chat-1"); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	waitFor(t, func() bool { return sessA.Status() == StatusEnded }, "alice ended")
	waitFor(t, func() bool { return sessB.Status() == StatusEnded }, "bob ended")

	if rec, _ := b.db.GetCall(ctx, "chat-1"); rec != nil {
		t.Errorf("record still active after hangup: %+v", rec)
	}

	// Both sides log the call; it connected, so labels are fixed by role.
	waitFor(t, func() bool { return len(callMessages(t, b.db)) == 2 }, "two outcome messages")
	for _, msg := range callMessages(t, b.db) {
		if msg.Labels["alice"] != LabelOutgoing {
			t.Errorf("alice label = %q, want %q", msg.Labels["alice"], LabelOutgoing)
		}
		if msg.Labels["bob"] != LabelIncoming {
			t.Errorf("bob label = %q, want %q", msg.Labels["bob"], LabelIncoming)
		}
	}

	// Sessions are dropped after the linger, freeing both nodes.
	waitFor(t, func() bool { return b.alice.Get("chat-1") == nil }, "alice session removed")
	waitFor(t, func() bool { return b.bob.Get("chat-1") == nil }, "bob session removed")
}

func TestStartCallWhileBusy(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()

	if _, err := b.alice.StartCall(ctx, "chat-1", false); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := b.alice.StartCall(ctx, "chat-1", false); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartCall err = %v, want ErrBusy", err)
	}
}

func TestHangUpBeforeAnswerIsCancelled(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()

	sessA, err := b.alice.StartCall(ctx, "chat-1", true)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if st := sessA.Status(); st != StatusCalling {
		t.Errorf("status = %q, want %q (bob not reachable)", st, StatusCalling)
	}

	if err := sessA.HangUp(ctx); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	if st := sessA.Status(); st != StatusEnded {
		t.Errorf("status after hangup = %q", st)
	}

	// Teardown is idempotent: a second trigger is a no-op, not a second
	// outcome entry.
	if err := sessA.HangUp(ctx); err != nil && !errors.Is(err, ErrEnded) {
		t.Errorf("second HangUp err = %v", err)
	}

	msgs := callMessages(t, b.db)
	if len(msgs) != 1 {
		t.Fatalf("got %d outcome messages, want 1", len(msgs))
	}
	if msgs[0].Labels["alice"] != LabelCancelled || msgs[0].Labels["bob"] != LabelMissed {
		t.Errorf("labels = %v", msgs[0].Labels)
	}
	if msgs[0].DurationSec != 0 {
		t.Errorf("duration = %d, want 0", msgs[0].DurationSec)
	}
}

func TestDeclineEndsCallForEveryone(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()

	sessA, err := b.alice.StartCall(ctx, "chat-1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if err := b.bob.DeclineCall(ctx, "chat-1"); err != nil {
		t.Fatalf("DeclineCall: %v", err)
	}

	waitFor(t, func() bool { return sessA.Status() == StatusEnded }, "alice ended after decline")

	if rec, _ := b.db.GetCall(ctx, "chat-1"); rec != nil {
		t.Errorf("record still active after decline: %+v", rec)
	}

	waitFor(t, func() bool { return len(callMessages(t, b.db)) == 2 }, "decline outcomes")
	for _, msg := range callMessages(t, b.db) {
		if msg.Labels["alice"] != LabelDeclined || msg.Labels["bob"] != LabelDeclined {
			t.Errorf("labels = %v, want declined for all", msg.Labels)
		}
	}
}

func TestDeclineWithoutCall(t *testing.T) {
	b := newBench(t)
	if err := b.bob.DeclineCall(context.Background(), "chat-1"); !errors.Is(err, ErrNoCall) {
		t.Errorf("err = %v, want ErrNoCall", err)
	}
}

func TestHangUpWithoutCall(t *testing.T) {
	b := newBench(t)
	if err := b.alice.HangUp(context.Background(), "chat-1"); !errors.Is(err, ErrNoCall) {
		t.Errorf("err = %v, want ErrNoCall", err)
	}
}

func TestSessionEventsCarryMonotonicRevisions(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()

	sessA, err := b.alice.StartCall(ctx, "chat-1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	events, cancel := sessA.Subscribe()
	defer cancel()

	if _, err := b.bob.JoinCall(ctx, "chat-1"); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}
	if err := b.bob.HangUp(ctx, "chat-1"); err != nil {
		t.Fatalf("HangUp: %v", err)
	}

	var last int64
	sawEnded := false
	timeout := time.After(5 * time.Second)
	for !sawEnded {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatal("event channel closed before ended event")
			}
			if evt.Rev <= last {
				t.Errorf("rev %d after %d", evt.Rev, last)
			}
			last = evt.Rev
			if evt.Type == EventEnded {
				sawEnded = true
			}
		case <-timeout:
			t.Fatal("never saw ended event")
		}
	}
}

func TestToggleMute(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()

	sessA, err := b.alice.StartCall(ctx, "chat-1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	muted, err := sessA.ToggleMute()
	if err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	if !muted {
		t.Error("first toggle should mute")
	}
	muted, err = sessA.ToggleMute()
	if err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	if muted {
		t.Error("second toggle should unmute")
	}

	if err := sessA.HangUp(ctx); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	if _, err := sessA.ToggleMute(); err == nil {
		t.Error("ToggleMute on ended session should fail")
	}
}

func TestStartCallAbortsWhenCaptureFails(t *testing.T) {
	b := benchCore(t, "chat-1", "alice", "bob")
	alice := b.manager("alice", failMedia{})
	ctx := context.Background()

	if _, err := alice.StartCall(ctx, "chat-1", false); err == nil {
		t.Fatal("StartCall should fail when no capture device works")
	}

	// No record means nobody else ever rings for a call that never came up.
	if rec, _ := b.db.GetCall(ctx, "chat-1"); rec != nil {
		t.Errorf("record created despite capture failure: %+v", rec)
	}

	// The failed attempt must release the single-call slot.
	if _, err := alice.StartCall(ctx, "chat-1", false); errors.Is(err, ErrBusy) {
		t.Error("failed start left the manager busy")
	}
}

func TestFailedCaptureSurfacesErrorStatus(t *testing.T) {
	b := benchCore(t, "chat-1", "alice", "bob")
	opts := Options{
		SelfUID:     "alice",
		Relay:       b.transport,
		Records:     b.db,
		Members:     b.db,
		History:     b.hist,
		Roster:      b.roster,
		Media:       failMedia{},
		EndedLinger: 10 * time.Millisecond,
	}
	s := newSession("chat-1", opts.withDefaults(), nil)
	events, cancel := s.Subscribe()
	defer cancel()

	if err := s.start(context.Background(), false); err == nil {
		t.Fatal("start should fail without capture")
	}
	if st := s.Status(); st != StatusError {
		t.Errorf("status = %q, want %q", st, StatusError)
	}

	sawError := false
	for !sawError {
		select {
		case evt := <-events:
			if evt.Type == EventError && evt.Err != "" {
				sawError = true
			}
		case <-time.After(time.Second):
			t.Fatal("no error event emitted for the capture failure")
		}
	}

	// Teardown keeps the error status visible instead of flipping to ended.
	if err := s.do(func() error { return s.teardown(context.Background(), reasonLocalHangup) }); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if st := s.Status(); st != StatusError {
		t.Errorf("status after teardown = %q, want %q", st, StatusError)
	}
}

func TestGroupCallMesh(t *testing.T) {
	b := benchCore(t, "chat-g", "alice", "bob", "carol")
	alice := b.manager("alice", fakeMedia{})
	bob := b.manager("bob", fakeMedia{})
	carol := b.manager("carol", fakeMedia{})
	ctx := context.Background()

	waitIncoming := func(m *Manager, who string) {
		t.Helper()
		select {
		case <-m.Incoming():
		case <-time.After(5 * time.Second):
			t.Fatalf("%s never saw the incoming call", who)
		}
	}

	sessA, err := alice.StartCall(ctx, "chat-g", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	rec, err := b.db.GetCall(ctx, "chat-g")
	if err != nil || rec == nil {
		t.Fatalf("GetCall: %v %v", rec, err)
	}
	if !rec.IsGroupCall {
		t.Error("three-member chat should produce a group call")
	}

	waitIncoming(bob, "bob")
	sessB, err := bob.JoinCall(ctx, "chat-g")
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if sessB.Role() != RoleParticipant {
		t.Errorf("bob role = %q, want %q", sessB.Role(), RoleParticipant)
	}
	waitFor(t, func() bool { return linkCount(sessA) == 1 && linkCount(sessB) == 1 }, "first pair linked")

	// Carol joins last and offers to both existing participants; everyone
	// ends up with exactly one link per remote, never a duplicate.
	waitIncoming(carol, "carol")
	sessC, err := carol.JoinCall(ctx, "chat-g")
	if err != nil {
		t.Fatalf("carol join: %v", err)
	}
	waitFor(t, func() bool {
		return linkCount(sessA) == 2 && linkCount(sessB) == 2 && linkCount(sessC) == 2
	}, "full mesh")
	waitFor(t, func() bool { return sessA.Status() == StatusOngoing }, "alice ongoing")

	// One participant leaving a group call leaves the record active and the
	// rest of the mesh connected.
	if err := bob.HangUp(ctx, "chat-g"); err != nil {
		t.Fatalf("bob hangup: %v", err)
	}
	waitFor(t, func() bool { return sessB.Status() == StatusEnded }, "bob ended")
	waitFor(t, func() bool {
		rec, _ := b.db.GetCall(ctx, "chat-g")
		return rec != nil && !rec.HasParticipant("bob")
	}, "bob removed from record")
	waitFor(t, func() bool { return linkCount(sessA) == 1 && linkCount(sessC) == 1 }, "mesh pruned")
	if st := sessA.Status(); st != StatusOngoing {
		t.Errorf("alice status after bob left = %q", st)
	}
	if st := sessC.Status(); st != StatusOngoing {
		t.Errorf("carol status after bob left = %q", st)
	}

	// The next-to-last participant leaving ends the call for everyone.
	if err := alice.HangUp(ctx, "chat-g"); err != nil {
		t.Fatalf("alice hangup: %v", err)
	}
	waitFor(t, func() bool { return sessC.Status() == StatusEnded }, "carol ended")
	if rec, _ := b.db.GetCall(ctx, "chat-g"); rec != nil {
		t.Errorf("record still active after last pair hung up: %+v", rec)
	}
}

func TestScreenShareSwapsOutboundVideo(t *testing.T) {
	b := benchCore(t, "chat-1", "alice", "bob")
	screen := newStubTrack(t, "screen")
	cam := newStubTrack(t, "camera")
	alice := b.manager("alice", shareMedia{screen: screen, cam: cam})
	bob := b.manager("bob", fakeMedia{})
	ctx := context.Background()

	sessA, err := alice.StartCall(ctx, "chat-1", true)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	select {
	case <-bob.Incoming():
	case <-time.After(5 * time.Second):
		t.Fatal("bob never saw the incoming call")
	}
	if _, err := bob.JoinCall(ctx, "chat-1"); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}
	waitFor(t, func() bool { return linkCount(sessA) == 1 }, "pair linked")

	if err := sessA.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	waitFor(t, func() bool {
		rec, _ := b.db.GetCall(ctx, "chat-1")
		return rec != nil && rec.IsScreenSharing("alice")
	}, "share flag set")
	_ = sessA.do(func() error {
		if sessA.outboundVideo() != LocalTrack(screen) {
			t.Error("outbound video is not the screen capture")
		}
		return nil
	})

	if err := sessA.StartScreenShare(ctx); err == nil {
		t.Error("second StartScreenShare should fail while sharing")
	}

	// Stopping on a video call with no camera track reacquires one and
	// restores it as the outbound video.
	if err := sessA.StopScreenShare(ctx); err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	waitFor(t, func() bool {
		rec, _ := b.db.GetCall(ctx, "chat-1")
		return rec != nil && !rec.IsScreenSharing("alice")
	}, "share flag cleared")
	if !screen.Closed() {
		t.Error("screen track not closed on stop")
	}
	_ = sessA.do(func() error {
		if sessA.screenTrack != nil {
			t.Error("screen track still installed after stop")
		}
		if sessA.local == nil || sessA.local.Video != LocalTrack(cam) {
			t.Error("camera not reacquired after stopping the share")
		}
		if sessA.outboundVideo() != LocalTrack(cam) {
			t.Error("camera not restored as outbound video")
		}
		return nil
	})
}

func TestScreenShareStopsWhenCaptureDies(t *testing.T) {
	b := benchCore(t, "chat-1", "alice", "bob")
	screen := newStubTrack(t, "screen")
	alice := b.manager("alice", shareMedia{screen: screen})
	ctx := context.Background()

	sessA, err := alice.StartCall(ctx, "chat-1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := sessA.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	waitFor(t, func() bool {
		rec, _ := b.db.GetCall(ctx, "chat-1")
		return rec != nil && rec.IsScreenSharing("alice")
	}, "share flag set")

	// The capture source going away must stop the share without an explicit
	// StopScreenShare.
	screen.end(errors.New("source window closed"))

	waitFor(t, func() bool {
		rec, _ := b.db.GetCall(ctx, "chat-1")
		return rec != nil && !rec.IsScreenSharing("alice")
	}, "share flag cleared after capture loss")
	waitFor(t, func() bool {
		released := false
		_ = sessA.do(func() error { released = sessA.screenTrack == nil; return nil })
		return released
	}, "screen track released")
	if !screen.Closed() {
		t.Error("dead capture track not closed")
	}
}

func TestTeardownFlipsStatusBeforeEndedEvent(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()

	sessA, err := b.alice.StartCall(ctx, "chat-1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	events, cancel := sessA.Subscribe()
	defer cancel()

	if err := sessA.HangUp(ctx); err != nil {
		t.Fatalf("HangUp: %v", err)
	}

	// The status flip is the first thing teardown publishes; the final event
	// comes after the record and resource work.
	sawEndedStatus := false
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == EventStatus && evt.Status == StatusEnded {
				sawEndedStatus = true
			}
			if evt.Type == EventEnded {
				if !sawEndedStatus {
					t.Error("final event arrived before the ended status flip")
				}
				return
			}
		case <-timeout:
			t.Fatal("never saw the final teardown event")
		}
	}
}
