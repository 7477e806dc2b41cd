package call

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/goopkit/huddle/internal/history"
	"github.com/goopkit/huddle/internal/store"
)

// Teardown triggers. The trigger decides who "ended" the call for outcome
// labelling and whether the shared record still needs deactivating.
const (
	reasonLocalHangup    = "local hangup"
	reasonRemoteEnded    = "remote ended"
	reasonConnectionLost = "connection lost"
)

// teardown dismantles the session in a fixed order: flip to ended, settle the
// shared record, release subscriptions, close links, stop capture, write the
// history outcome, purge the relay. Loop only.
//
// The very first thing it does is mark the session ended, so a second trigger
// arriving mid-teardown (remote deactivation racing a local hangup, a link
// failing while the record watcher already fired) returns immediately and
// every step runs exactly once. Steps after the first failure still run; the
// first error is returned so HangUp callers see it.
func (s *Session) teardown(ctx context.Context, reason string) error {
	if s.ended {
		return nil
	}
	s.ended = true
	rec := s.rec
	log.Printf("CALL [%s]: tearing down (%s)", s.chatID, reason)

	// Status flips first so the UI reacts immediately; the record and
	// resource work below can take network round trips. A session that
	// errored before coming up keeps its error status.
	if s.status != StatusError {
		s.setStatus(StatusEnded, false)
	}

	var firstErr error
	fail := func(step string, err error) {
		if err == nil {
			return
		}
		log.Printf("CALL [%s]: teardown %s: %v", s.chatID, step, err)
		if firstErr == nil {
			firstErr = fmt.Errorf("call: teardown %s: %w", step, err)
		}
	}

	// Settle the shared record. When the remote side already deactivated it
	// there is nothing left to write; otherwise the last-but-one participant
	// leaving ends the call for everyone, and a group participant just
	// removes their own membership row.
	if reason != reasonRemoteEnded && rec != nil {
		others := 0
		for _, uid := range rec.Participants {
			if uid != s.selfUID {
				others++
			}
		}
		if rec.IsScreenSharing(s.selfUID) {
			fail("clear screen share", s.records.SetScreenShare(ctx, s.chatID, s.selfUID, false))
		}
		if others >= 2 {
			fail("leave record", s.records.RemoveParticipant(ctx, s.chatID, s.selfUID))
		} else {
			fail("set status", s.records.SetStatus(ctx, s.chatID, string(StatusEnded)))
			fail("deactivate record", s.records.DeactivateCall(ctx, s.chatID))
		}
	}

	// Release subscriptions before closing links so their events stop
	// flowing into a session that is going away.
	if s.relayCancel != nil {
		s.relayCancel()
	}
	if s.recordCancel != nil {
		s.recordCancel()
	}
	if s.presCh != nil {
		s.roster.Unsubscribe(s.presCh)
	}

	for uid := range s.links {
		s.dropLink(uid)
	}

	if s.screenTrack != nil {
		_ = s.screenTrack.Close()
		s.screenTrack = nil
	}
	s.local.Close()
	s.local = nil

	if rec != nil {
		fail("append outcome", s.appendOutcome(ctx, rec, reason))
	}

	fail("purge relay", s.relay.Purge(ctx, s.chatID))

	s.emit(EventEnded)

	// Keep "Call ended" visible briefly, then drop the session.
	time.AfterFunc(s.endedLinger, func() {
		if s.onClosed != nil {
			s.onClosed(s)
		}
		close(s.done)
	})
	return firstErr
}

// appendOutcome writes this call's history entry from the local perspective.
// Duration comes from the shared start time, so every participant logs the
// same value; a call that never connected logs zero.
func (s *Session) appendOutcome(ctx context.Context, rec *store.CallRecord, reason string) error {
	var duration time.Duration
	if !rec.StartTime.IsZero() {
		duration = time.Since(rec.StartTime)
	}

	endedBy := s.selfUID
	if reason == reasonRemoteEnded {
		endedBy = firstOtherUID(rec, s.selfUID)
	}

	return s.history.AppendOutcome(ctx, history.Outcome{
		ChatID:       s.chatID,
		CallID:       rec.ID,
		InitiatorUID: rec.InitiatorUID,
		EndedBy:      endedBy,
		IsVideoCall:  rec.IsVideoCall,
		Duration:     duration,
		Labels:       outcomeLabels(rec, endedBy, duration),
	})
}

// firstOtherUID picks a stable stand-in for "the other side" when the remote
// end tore the call down and the exact actor is unknown.
func firstOtherUID(rec *store.CallRecord, self string) string {
	for _, uid := range rec.Participants {
		if uid != self {
			return uid
		}
	}
	uids := make([]string, 0, len(rec.ParticipantDetails))
	for uid := range rec.ParticipantDetails {
		if uid != self {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	if len(uids) > 0 {
		return uids[0]
	}
	return rec.InitiatorUID
}
