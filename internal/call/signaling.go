package call

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/goopkit/huddle/internal/relay"
)

// sendOffer creates and dispatches an offer on the link. Trickle ICE: the
// description goes out immediately and candidates follow as they gather.
// Loop only.
func (s *Session) sendOffer(link *peerLink) error {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	link.offered = true
	return s.sendDescription(link, relay.TypeOffer, offer)
}

func (s *Session) sendAnswer(link *peerLink) error {
	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return s.sendDescription(link, relay.TypeAnswer, answer)
}

func (s *Session) sendDescription(link *peerLink, typ string, sd webrtc.SessionDescription) error {
	payload, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if !link.enqueue(&relay.Message{
		ChatID:  s.chatID,
		Type:    typ,
		From:    s.selfUID,
		To:      link.remoteUID,
		Payload: payload,
	}) {
		return fmt.Errorf("link to %s not accepting sends", shortUID(link.remoteUID))
	}
	return nil
}

// handleSignal routes one inbound relay message. Loop only. Errors here never
// escape to the relay; they are logged and surfaced as error events so a
// malformed message from one peer cannot take the session down.
func (s *Session) handleSignal(msg *relay.Message) {
	if s.ended || msg.From == s.selfUID {
		return
	}
	switch msg.Type {
	case relay.TypeOffer:
		s.handleOffer(msg)
	case relay.TypeAnswer:
		s.handleAnswer(msg)
	case relay.TypeCandidate:
		s.handleCandidate(msg)
	default:
		log.Printf("CALL [%s]: unknown signal type %q from %s", s.chatID, msg.Type, shortUID(msg.From))
	}
}

func (s *Session) handleOffer(msg *relay.Message) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &sd); err != nil {
		s.emitError(fmt.Errorf("bad offer from %s: %w", shortUID(msg.From), err))
		return
	}

	link := s.links[msg.From]
	if link == nil {
		var err error
		link, err = s.newLink(msg.From)
		if err != nil {
			s.emitError(fmt.Errorf("link to %s: %w", shortUID(msg.From), err))
			return
		}
		link.pending = append(link.pending, s.orphans[msg.From]...)
		delete(s.orphans, msg.From)
	}

	if link.offered {
		// Glare: both sides offered at once. The lexicographically smaller
		// uid wins as offerer; the other side rolls its offer back and
		// answers instead, so exactly one negotiation survives.
		if s.selfUID < msg.From {
			log.Printf("CALL [%s]: glare with %s, keeping our offer", s.chatID, shortUID(msg.From))
			return
		}
		log.Printf("CALL [%s]: glare with %s, rolling back our offer", s.chatID, shortUID(msg.From))
		if err := link.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			s.emitError(fmt.Errorf("rollback for %s: %w", shortUID(msg.From), err))
			return
		}
		link.offered = false
	}

	if err := link.pc.SetRemoteDescription(sd); err != nil {
		s.emitError(fmt.Errorf("apply offer from %s: %w", shortUID(msg.From), err))
		return
	}
	link.remoteReady = true
	s.flushPending(link)

	if err := s.sendAnswer(link); err != nil {
		s.emitError(fmt.Errorf("answer %s: %w", shortUID(msg.From), err))
	}
}

func (s *Session) handleAnswer(msg *relay.Message) {
	link := s.links[msg.From]
	if link == nil || !link.offered {
		// An answer with no outstanding offer is a protocol violation, most
		// likely a stale message from a previous negotiation round.
		s.emitError(fmt.Errorf("unexpected answer from %s, dropping", shortUID(msg.From)))
		return
	}

	var sd webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &sd); err != nil {
		s.emitError(fmt.Errorf("bad answer from %s: %w", shortUID(msg.From), err))
		return
	}
	if err := link.pc.SetRemoteDescription(sd); err != nil {
		s.emitError(fmt.Errorf("apply answer from %s: %w", shortUID(msg.From), err))
		return
	}
	link.offered = false
	link.remoteReady = true
	s.flushPending(link)
}

func (s *Session) handleCandidate(msg *relay.Message) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &cand); err != nil {
		log.Printf("CALL [%s]: bad candidate from %s: %v", s.chatID, shortUID(msg.From), err)
		return
	}

	link := s.links[msg.From]
	if link == nil {
		// Candidate raced ahead of any description from this peer. Park it;
		// the link adopts parked candidates on creation.
		s.orphans[msg.From] = append(s.orphans[msg.From], cand)
		return
	}
	if !link.remoteReady {
		link.pending = append(link.pending, cand)
		return
	}
	s.applyCandidate(link, cand)
}

// flushPending replays candidates buffered while no remote description was
// set. Loop only.
func (s *Session) flushPending(link *peerLink) {
	pending := link.pending
	link.pending = nil
	for _, cand := range pending {
		s.applyCandidate(link, cand)
	}
}

func (s *Session) applyCandidate(link *peerLink, cand webrtc.ICECandidateInit) {
	if err := link.pc.AddICECandidate(cand); err != nil {
		// A candidate landing during rollback loses its description; the
		// restarted negotiation regathers, so this one is expendable.
		if strings.Contains(err.Error(), "remote description") {
			return
		}
		log.Printf("CALL [%s]: add candidate from %s: %v", s.chatID, shortUID(link.remoteUID), err)
	}
}
