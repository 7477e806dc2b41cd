package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/goopkit/huddle/internal/presence"
	"github.com/goopkit/huddle/internal/relay"
	"github.com/goopkit/huddle/internal/store"
)

var (
	// ErrEnded is returned by operations on a session that already tore down.
	ErrEnded = errors.New("call: session ended")

	// ErrNoCall means the chat has no active call record.
	ErrNoCall = errors.New("call: no active call")
)

// Session owns one call on one chat: the authoritative record, the link mesh
// and the local media. All mutable state belongs to a single event-loop
// goroutine; external callers reach it through posted closures, so handlers
// never race and every state check happens against current state.
type Session struct {
	chatID  string
	selfUID string
	role    Role

	relay   relay.Transport
	records Records
	members Membership
	history Outcomes
	roster  Roster
	media   MediaSource

	disconnectGrace time.Duration
	endedLinger     time.Duration

	// Loop-owned. Never touched off the event loop.
	status      Status
	rec         *store.CallRecord
	links       map[string]*peerLink
	orphans     map[string][]webrtc.ICECandidateInit
	local       *LocalMedia
	screenTrack LocalTrack
	muted       bool
	ended       bool

	relayCh      <-chan *relay.Message
	relayCancel  func()
	recordCh     <-chan *store.CallRecord
	recordCancel func()
	presCh       chan presence.PeerEvent

	cmds chan func()
	done chan struct{}

	evMu sync.RWMutex
	rev  int64
	subs map[chan Event]struct{}
	snap Event // last emitted event, for accessors after the loop exits

	onClosed func(*Session)
}

func newSession(chatID string, opts Options, onClosed func(*Session)) *Session {
	s := &Session{
		chatID:          chatID,
		selfUID:         opts.SelfUID,
		relay:           opts.Relay,
		records:         opts.Records,
		members:         opts.Members,
		history:         opts.History,
		roster:          opts.Roster,
		media:           opts.Media,
		disconnectGrace: opts.DisconnectGrace,
		endedLinger:     opts.EndedLinger,
		links:           make(map[string]*peerLink),
		orphans:         make(map[string][]webrtc.ICECandidateInit),
		cmds:            make(chan func(), 64),
		done:            make(chan struct{}),
		subs:            make(map[chan Event]struct{}),
		onClosed:        onClosed,
	}
	go s.run()
	return s
}

// run is the event loop. Inbound signals, record snapshots, presence changes
// and posted commands are all applied here, one at a time.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.cmds:
			fn()
		case msg, ok := <-s.relayCh:
			if !ok {
				s.relayCh = nil
				continue
			}
			s.handleSignal(msg)
		case rec, ok := <-s.recordCh:
			if !ok {
				s.recordCh = nil
				continue
			}
			s.applyRecord(rec)
		case evt, ok := <-s.presCh:
			if !ok {
				s.presCh = nil
				continue
			}
			s.handlePresence(evt)
		}
	}
}

// post schedules fn on the event loop without waiting for it.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// do runs fn on the event loop and waits for its result.
func (s *Session) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.cmds <- func() { errc <- fn() }:
	case <-s.done:
		return ErrEnded
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrEnded
		}
	}
}

// start places a new call on the chat. Local media is acquired before
// anything shared is written, so a capture failure aborts cleanly; the
// record and subscriptions come up before anyone can answer.
func (s *Session) start(ctx context.Context, video bool) error {
	members, err := s.members.Members(ctx, s.chatID)
	if err != nil {
		return fmt.Errorf("call: chat members: %w", err)
	}
	if len(members) < 2 {
		return fmt.Errorf("call: chat %s has nobody to call", s.chatID)
	}

	media, err := s.media.AcquireUser(ctx, video)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("call: acquire media: %w", err)
	}

	details := make(map[string]store.Profile, len(members))
	for _, m := range members {
		details[m.UID] = m
	}
	rec := &store.CallRecord{
		ID:                 uuid.NewString(),
		ChatID:             s.chatID,
		InitiatorUID:       s.selfUID,
		IsVideoCall:        video,
		IsGroupCall:        len(members) > 2,
		Participants:       []string{s.selfUID},
		ParticipantDetails: details,
		Status:             string(StatusCalling),
		IsActive:           true,
	}
	if err := s.records.CreateCall(ctx, rec); err != nil {
		media.Close()
		return fmt.Errorf("call: create record: %w", err)
	}

	return s.do(func() error {
		if s.ended {
			media.Close()
			return ErrEnded
		}
		s.activate(media, rec, RoleInitiator)

		// Ring as soon as an invited member is reachable; until then the
		// roster subscription flips Calling… into Ringing… on arrival.
		status := StatusCalling
		for uid := range details {
			if uid != s.selfUID && s.roster.Reachable(uid) {
				status = StatusRinging
				break
			}
		}
		s.setStatus(status, true)
		log.Printf("CALL [%s]: started (video=%v, group=%v)", s.chatID, video, rec.IsGroupCall)
		return nil
	})
}

// join answers the chat's active call: read the record, capture media,
// subscribe, offer to everyone already in, and only then mark self joined so
// nobody offers to a participant who cannot signal back yet.
func (s *Session) join(ctx context.Context) error {
	rec, err := s.records.GetCall(ctx, s.chatID)
	if err != nil {
		return fmt.Errorf("call: read record: %w", err)
	}
	if rec == nil {
		return ErrNoCall
	}

	media, err := s.media.AcquireUser(ctx, rec.IsVideoCall)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("call: acquire media: %w", err)
	}

	role := RoleCallee
	if rec.IsGroupCall {
		role = RoleParticipant
	}

	return s.do(func() error {
		if s.ended {
			media.Close()
			return ErrEnded
		}
		s.activate(media, rec, role)

		for _, uid := range rec.Participants {
			if uid == s.selfUID {
				continue
			}
			link, err := s.newLink(uid)
			if err != nil {
				s.emitError(fmt.Errorf("link to %s: %w", shortUID(uid), err))
				continue
			}
			if err := s.sendOffer(link); err != nil {
				s.emitError(fmt.Errorf("offer to %s: %w", shortUID(uid), err))
			}
		}

		if err := s.records.AddParticipant(ctx, s.chatID, s.selfUID); err != nil {
			log.Printf("CALL [%s]: add participant: %v", s.chatID, err)
		}
		if err := s.records.SetStartTime(ctx, s.chatID, time.Now()); err != nil {
			log.Printf("CALL [%s]: set start time: %v", s.chatID, err)
		}
		s.setStatus(StatusOngoing, true)
		log.Printf("CALL [%s]: joined as %s", s.chatID, s.role)
		return nil
	})
}

// fail flips the session into the error status before it is discarded, so
// subscribers and the snapshot see why the call never came up.
func (s *Session) fail(err error) {
	_ = s.do(func() error {
		s.setStatus(StatusError, false)
		s.emitError(err)
		return nil
	})
}

// activate installs media, record and subscriptions. Loop only. The relay
// subscription replays anything that arrived before this moment, so signals
// sent between record creation and activation are not lost.
func (s *Session) activate(media *LocalMedia, rec *store.CallRecord, role Role) {
	s.local = media
	s.rec = rec
	s.role = role
	s.relayCh, s.relayCancel = s.relay.Subscribe(s.chatID, s.selfUID)
	s.recordCh, s.recordCancel = s.records.WatchCall(s.chatID)
	s.presCh = s.roster.Subscribe()
}

// applyRecord reconciles a fresh record snapshot into local state. Loop only.
func (s *Session) applyRecord(rec *store.CallRecord) {
	if s.ended {
		return
	}
	s.rec = rec

	if !rec.IsActive {
		if err := s.teardown(context.Background(), reasonRemoteEnded); err != nil {
			log.Printf("CALL [%s]: teardown after remote end: %v", s.chatID, err)
		}
		return
	}

	// Drop links to participants that left the record.
	for uid := range s.links {
		if !rec.HasParticipant(uid) {
			log.Printf("CALL [%s]: %s left, dropping link", s.chatID, shortUID(uid))
			s.dropLink(uid)
		}
	}

	// An ongoing call collapsing to just us means the other side is gone
	// even though the record was never deactivated.
	if s.status == StatusOngoing && len(s.links) == 0 &&
		rec.HasParticipant(s.selfUID) && len(rec.Participants) < 2 {
		if err := s.teardown(context.Background(), reasonRemoteEnded); err != nil {
			log.Printf("CALL [%s]: teardown after roster collapse: %v", s.chatID, err)
		}
		return
	}

	// Two-phase status: local transitions apply optimistically, and the
	// shared record only ever moves us forward. A stale snapshot cannot
	// regress an ongoing call, and "Call ended" arrives via deactivation.
	if r := Status(rec.Status); r != StatusEnded && statusRank(r) > statusRank(s.status) {
		s.setStatus(r, false)
	}

	s.emit(EventRecord)
}

// handlePresence flips Calling… into Ringing… when an invited member shows
// up. Loop only.
func (s *Session) handlePresence(evt presence.PeerEvent) {
	if s.ended || s.status != StatusCalling || evt.Type != "update" {
		return
	}
	if evt.Peer == nil || !evt.Peer.Reachable || s.rec == nil {
		return
	}
	if evt.PeerID == s.selfUID || s.rec.HasParticipant(evt.PeerID) {
		return
	}
	if _, invited := s.rec.ParticipantDetails[evt.PeerID]; !invited {
		return
	}
	log.Printf("CALL [%s]: %s is reachable, ringing", s.chatID, shortUID(evt.PeerID))
	s.setStatus(StatusRinging, true)
}

// setStatus applies a status transition. writeBack propagates it to the
// shared record; reconciliation paths pass false since the value came from
// there. Loop only.
func (s *Session) setStatus(st Status, writeBack bool) {
	if s.status == st {
		return
	}
	s.status = st
	if writeBack && !s.ended {
		if err := s.records.SetStatus(context.Background(), s.chatID, string(st)); err != nil {
			log.Printf("CALL [%s]: write status: %v", s.chatID, err)
		}
	}
	s.emit(EventStatus)
}

// HangUp ends the call locally and, when we are the last relevant
// participant, for everyone.
func (s *Session) HangUp(ctx context.Context) error {
	return s.do(func() error {
		return s.teardown(ctx, reasonLocalHangup)
	})
}

// ToggleMute flips the microphone and reports the new muted state. The audio
// sender stays up; its track is swapped out so negotiation is untouched.
func (s *Session) ToggleMute() (bool, error) {
	var muted bool
	err := s.do(func() error {
		if s.ended {
			return ErrEnded
		}
		s.muted = !s.muted
		muted = s.muted
		var track webrtc.TrackLocal
		if !s.muted && s.local != nil && s.local.Audio != nil {
			track = s.local.Audio
		}
		for _, link := range s.links {
			if link.audioSender == nil {
				continue
			}
			if err := link.audioSender.ReplaceTrack(track); err != nil {
				log.Printf("CALL [%s]: replace audio for %s: %v", s.chatID, shortUID(link.remoteUID), err)
			}
		}
		log.Printf("CALL [%s]: muted=%v", s.chatID, s.muted)
		s.emit(EventStatus)
		return nil
	})
	return muted, err
}

// endedNotifier is implemented by capture tracks that can report the source
// going away (window closed, capture permission revoked).
type endedNotifier interface {
	OnEnded(func(error))
}

// StartScreenShare swaps the outbound video to a screen capture and flags it
// on the shared record. A capture that dies on its own (the shared window
// closing, the compositor revoking the stream) stops the share the same way
// an explicit stop does.
func (s *Session) StartScreenShare(ctx context.Context) error {
	track, err := s.media.AcquireScreen(ctx)
	if err != nil {
		return err
	}
	err = s.do(func() error {
		if s.ended {
			return ErrEnded
		}
		if s.screenTrack != nil {
			return errors.New("call: already sharing screen")
		}
		s.screenTrack = track
		s.replaceOutboundVideo(track)
		if err := s.records.SetScreenShare(ctx, s.chatID, s.selfUID, true); err != nil {
			log.Printf("CALL [%s]: set screen-share flag: %v", s.chatID, err)
		}
		log.Printf("CALL [%s]: screen share started", s.chatID)
		return nil
	})
	if err != nil {
		_ = track.Close()
		return err
	}
	if en, ok := track.(endedNotifier); ok {
		en.OnEnded(func(cause error) {
			if cause != nil {
				log.Printf("CALL [%s]: screen capture ended: %v", s.chatID, cause)
			}
			// StopScreenShare is a no-op when the share already stopped, so a
			// callback firing for our own Close is harmless.
			go func() {
				if err := s.StopScreenShare(context.Background()); err != nil && !errors.Is(err, ErrEnded) {
					log.Printf("CALL [%s]: stop share after capture loss: %v", s.chatID, err)
				}
			}()
		})
	}
	return err
}

// StopScreenShare restores the camera (reacquiring it when the original
// capture never produced one) and clears the shared flag.
func (s *Session) StopScreenShare(ctx context.Context) error {
	needCamera := false
	err := s.do(func() error {
		if s.ended {
			return ErrEnded
		}
		if s.screenTrack == nil {
			return nil
		}
		needCamera = s.rec != nil && s.rec.IsVideoCall && (s.local == nil || s.local.Video == nil)
		return nil
	})
	if err != nil || !needCamera {
		if err != nil {
			return err
		}
		return s.finishStopShare(ctx, nil)
	}

	camera, err := s.media.AcquireCamera(ctx)
	if err != nil {
		log.Printf("CALL [%s]: reacquire camera: %v", s.chatID, err)
		camera = nil
	}
	return s.finishStopShare(ctx, camera)
}

func (s *Session) finishStopShare(ctx context.Context, camera LocalTrack) error {
	err := s.do(func() error {
		if s.ended {
			return ErrEnded
		}
		if s.screenTrack == nil {
			return nil
		}
		_ = s.screenTrack.Close()
		s.screenTrack = nil
		if camera != nil && s.local != nil && s.local.Video == nil {
			s.local.Video = camera
			camera = nil
		}
		s.replaceOutboundVideo(s.outboundVideo())
		if err := s.records.SetScreenShare(ctx, s.chatID, s.selfUID, false); err != nil {
			log.Printf("CALL [%s]: clear screen-share flag: %v", s.chatID, err)
		}
		log.Printf("CALL [%s]: screen share stopped", s.chatID)
		return nil
	})
	if camera != nil {
		_ = camera.Close()
	}
	return err
}

// ChatID returns the chat this session belongs to.
func (s *Session) ChatID() string { return s.chatID }

// Role reports how the local peer entered the call.
func (s *Session) Role() Role { return s.role }

// Status returns the last emitted status.
func (s *Session) Status() Status {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	return s.snap.Status
}

// Snapshot returns the last emitted event, carrying status, record and
// remote streams.
func (s *Session) Snapshot() Event {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	return s.snap
}

// Subscribe returns a channel of session events. Slow consumers lose events;
// every event carries the full snapshot so the latest one is always enough.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.evMu.Lock()
	s.subs[ch] = struct{}{}
	s.evMu.Unlock()

	cancel := func() {
		s.evMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.evMu.Unlock()
	}
	return ch, cancel
}

// emit publishes the current state to subscribers. Loop only (also called
// from teardown, which runs on the loop).
func (s *Session) emit(evtType string) {
	evt := Event{
		Type:    evtType,
		ChatID:  s.chatID,
		Status:  s.status,
		Record:  s.rec,
		Streams: s.remoteStreams(),
	}

	s.evMu.Lock()
	s.rev++
	evt.Rev = s.rev
	s.snap = evt
	subs := make([]chan Event, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.evMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *Session) emitStreams() { s.emit(EventStreams) }

// emitError surfaces a non-fatal engine error as an event. Loop only.
func (s *Session) emitError(err error) {
	log.Printf("CALL [%s]: %v", s.chatID, err)
	evt := Event{
		Type:   EventError,
		ChatID: s.chatID,
		Status: s.status,
		Record: s.rec,
		Err:    err.Error(),
	}
	s.evMu.Lock()
	s.rev++
	evt.Rev = s.rev
	subs := make([]chan Event, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.evMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// remoteStreams flattens every link's inbound tracks. Loop only.
func (s *Session) remoteStreams() []RemoteTrack {
	var out []RemoteTrack
	for _, link := range s.links {
		for _, rt := range link.remoteTracks {
			out = append(out, rt)
		}
	}
	return out
}
