package call

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/goopkit/huddle/internal/relay"
)

// pliInterval is how often a keyframe request is sent for each inbound video
// track so late joiners and lossy paths recover a decodable picture.
const pliInterval = 3 * time.Second

// peerLink is one leg of the call mesh: the PeerConnection to a single remote
// participant plus its negotiation state. All fields are owned by the
// session's event loop; the send queue and pc callbacks are the only pieces
// touched from other goroutines.
type peerLink struct {
	remoteUID string
	pc        *webrtc.PeerConnection

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	offered     bool // local offer outstanding, awaiting the answer
	remoteReady bool // remote description has been applied
	pending     []webrtc.ICECandidateInit

	remoteTracks map[string]RemoteTrack

	graceTimer *time.Timer

	sendQ  chan *relay.Message
	closed chan struct{}
}

// newLink builds the peer connection toward remoteUID, attaches local tracks
// and starts the ordered sender goroutine. Loop only.
func (s *Session) newLink(remoteUID string) (*peerLink, error) {
	pc, err := s.media.NewPeerConnection()
	if err != nil {
		return nil, err
	}

	link := &peerLink{
		remoteUID:    remoteUID,
		pc:           pc,
		remoteTracks: make(map[string]RemoteTrack),
		sendQ:        make(chan *relay.Message, 64),
		closed:       make(chan struct{}),
	}

	s.attachLocal(link)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Printf("CALL [%s]: marshal candidate: %v", s.chatID, err)
			return
		}
		link.enqueue(&relay.Message{
			ChatID:  s.chatID,
			Type:    relay.TypeCandidate,
			From:    s.selfUID,
			To:      remoteUID,
			Payload: payload,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: link %s state %s", s.chatID, shortUID(remoteUID), state)
		s.post(func() { s.handleLinkState(link, state) })
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go link.drainRemote(remote, pc)
		s.post(func() { s.handleRemoteTrack(link, remote) })
	})

	go s.linkSender(link)

	s.links[remoteUID] = link
	return link, nil
}

// attachLocal wires the current local tracks into the link, falling back to
// recvonly transceivers when there is nothing to send.
func (s *Session) attachLocal(link *peerLink) {
	attached := false
	if s.local != nil && s.local.Audio != nil {
		sender, err := link.pc.AddTrack(s.local.Audio)
		if err != nil {
			log.Printf("CALL [%s]: add audio track: %v", s.chatID, err)
		} else {
			link.audioSender = sender
			attached = true
		}
	}
	videoTrack := s.outboundVideo()
	if videoTrack != nil {
		sender, err := link.pc.AddTrack(videoTrack)
		if err != nil {
			log.Printf("CALL [%s]: add video track: %v", s.chatID, err)
		} else {
			link.videoSender = sender
			attached = true
		}
	}
	if !attached {
		addRecvOnlyTransceivers(s.chatID, link.pc)
	}
}

// outboundVideo is the video track currently being sent: the screen capture
// while sharing, otherwise the camera.
func (s *Session) outboundVideo() LocalTrack {
	if s.screenTrack != nil {
		return s.screenTrack
	}
	if s.local != nil {
		return s.local.Video
	}
	return nil
}

// enqueue hands a message to the link's ordered sender. Dropping on overflow
// is safe for candidates; descriptions go through sendDescription which
// reports the failure.
func (l *peerLink) enqueue(msg *relay.Message) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.sendQ <- msg:
		return true
	default:
		log.Printf("CALL: send queue full, dropping %s to %s", msg.Type, shortUID(l.remoteUID))
		return false
	}
}

// linkSender drains the link's queue one message at a time so the remote sees
// this sender's messages in append order: never an answer before its offer,
// never a candidate before its description.
func (s *Session) linkSender(link *peerLink) {
	for {
		select {
		case <-link.closed:
			return
		case msg := <-link.sendQ:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.relay.Append(ctx, msg)
			cancel()
			if err != nil {
				log.Printf("CALL [%s]: send %s to %s: %v", s.chatID, msg.Type, shortUID(msg.To), err)
				if msg.Type != relay.TypeCandidate {
					s.post(func() { s.emitError(err) })
				}
			}
		}
	}
}

// drainRemote keeps the inbound RTP flowing and requests keyframes for video.
// Runs until the track or connection closes.
func (l *peerLink) drainRemote(remote *webrtc.TrackRemote, pc *webrtc.PeerConnection) {
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-l.closed:
					return
				case <-ticker.C:
					if err := pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
					}); err != nil {
						return
					}
				}
			}
		}()
	}

	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

// handleLinkState reacts to connection-state transitions. Loop only.
func (s *Session) handleLinkState(link *peerLink, state webrtc.PeerConnectionState) {
	if s.ended || s.links[link.remoteUID] != link {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if link.graceTimer != nil {
			link.graceTimer.Stop()
			link.graceTimer = nil
		}
	case webrtc.PeerConnectionStateDisconnected:
		// Transient by definition; give ICE a chance to recover before
		// treating the participant as gone.
		if link.graceTimer == nil {
			link.graceTimer = time.AfterFunc(s.disconnectGrace, func() {
				s.post(func() { s.onLinkLost(link, "disconnect grace expired") })
			})
		}
	case webrtc.PeerConnectionStateFailed:
		s.onLinkLost(link, "connection failed")
	}
}

// onLinkLost drops the dead link. Losing the last remote ends the call;
// in a group call the rest of the mesh keeps going.
func (s *Session) onLinkLost(link *peerLink, reason string) {
	if s.ended || s.links[link.remoteUID] != link {
		return
	}
	log.Printf("CALL [%s]: lost link to %s: %s", s.chatID, shortUID(link.remoteUID), reason)
	s.dropLink(link.remoteUID)
	if len(s.links) == 0 {
		if err := s.teardown(context.Background(), reasonConnectionLost); err != nil {
			log.Printf("CALL [%s]: teardown after link loss: %v", s.chatID, err)
		}
		return
	}
	s.emitStreams()
}

// handleRemoteTrack records one inbound track, deduplicating repeated OnTrack
// callbacks for the same track id. Loop only.
func (s *Session) handleRemoteTrack(link *peerLink, remote *webrtc.TrackRemote) {
	if s.ended || s.links[link.remoteUID] != link {
		return
	}
	id := remote.ID()
	if _, seen := link.remoteTracks[id]; seen {
		return
	}
	link.remoteTracks[id] = RemoteTrack{
		UID:     link.remoteUID,
		TrackID: id,
		Kind:    remote.Kind().String(),
	}
	log.Printf("CALL [%s]: remote %s track from %s", s.chatID, remote.Kind(), shortUID(link.remoteUID))
	s.emitStreams()
}

// dropLink closes and forgets the link to remoteUID. Loop only.
func (s *Session) dropLink(remoteUID string) {
	link, ok := s.links[remoteUID]
	if !ok {
		return
	}
	delete(s.links, remoteUID)
	link.shutdown()
}

// shutdown releases the link's resources. Idempotent.
func (l *peerLink) shutdown() {
	select {
	case <-l.closed:
		return
	default:
	}
	close(l.closed)
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
	if err := l.pc.Close(); err != nil {
		log.Printf("CALL: close pc to %s: %v", shortUID(l.remoteUID), err)
	}
}

// replaceOutboundVideo swaps the video track on every link, adding a sender
// and renegotiating where the link had none. Loop only.
func (s *Session) replaceOutboundVideo(track LocalTrack) {
	for _, link := range s.links {
		if link.videoSender != nil {
			if err := link.videoSender.ReplaceTrack(track); err != nil {
				log.Printf("CALL [%s]: replace video for %s: %v", s.chatID, shortUID(link.remoteUID), err)
			}
			continue
		}
		if track == nil {
			continue
		}
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			log.Printf("CALL [%s]: add video for %s: %v", s.chatID, shortUID(link.remoteUID), err)
			continue
		}
		link.videoSender = sender
		if err := s.sendOffer(link); err != nil {
			log.Printf("CALL [%s]: renegotiate with %s: %v", s.chatID, shortUID(link.remoteUID), err)
		}
	}
}

// shortUID trims an id for logs.
func shortUID(uid string) string {
	if len(uid) > 8 {
		return uid[:8]
	}
	return uid
}
