// Package call implements multi-party calls over a full mesh of WebRTC peer
// connections. One Session per chat owns the authoritative call record for
// that chat, a peer link per remote participant, and the local capture tracks;
// a Manager multiplexes sessions and surfaces incoming calls.
package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/goopkit/huddle/internal/history"
	"github.com/goopkit/huddle/internal/presence"
	"github.com/goopkit/huddle/internal/relay"
	"github.com/goopkit/huddle/internal/store"
)

// Status is the user-facing call state. The zero value means no call.
type Status string

const (
	StatusIdle    Status = ""
	StatusCalling Status = "Calling…"
	StatusRinging Status = "Ringing…"
	StatusOngoing Status = "Ongoing call"
	StatusEnded   Status = "Call ended"
	StatusError   Status = "error"
)

// statusRank orders statuses so record reconciliation only moves forward; a
// stale snapshot can never drag an ongoing call back to "Calling…".
func statusRank(s Status) int {
	switch s {
	case StatusCalling:
		return 1
	case StatusRinging:
		return 2
	case StatusOngoing:
		return 3
	case StatusEnded:
		return 4
	default:
		return 0
	}
}

// Role describes how the local peer entered the call.
type Role string

const (
	RoleInitiator   Role = "initiator"
	RoleCallee      Role = "callee"      // answered a 1:1 call
	RoleParticipant Role = "participant" // joined a group call
)

// Event types emitted on a session's event stream.
const (
	EventStatus  = "status"  // Status changed
	EventRecord  = "record"  // call record snapshot changed
	EventStreams = "streams" // remote track set changed
	EventEnded   = "ended"   // session torn down
	EventError   = "error"   // non-fatal engine error worth surfacing
)

// Event is one change on a session, stamped with a per-session monotonic
// revision so consumers can discard out-of-order deliveries.
type Event struct {
	Rev     int64             `json:"rev"`
	Type    string            `json:"type"`
	ChatID  string            `json:"chat_id"`
	Status  Status            `json:"status"`
	Record  *store.CallRecord `json:"record,omitempty"`
	Streams []RemoteTrack     `json:"streams,omitempty"`
	Err     string            `json:"err,omitempty"`
}

// RemoteTrack identifies one inbound media track from a remote participant.
type RemoteTrack struct {
	UID     string `json:"uid"`
	TrackID string `json:"track_id"`
	Kind    string `json:"kind"` // "audio" | "video"
}

// Records is the call-record surface the engine needs. *store.DB satisfies it.
type Records interface {
	CreateCall(ctx context.Context, rec *store.CallRecord) error
	GetCall(ctx context.Context, chatID string) (*store.CallRecord, error)
	AddParticipant(ctx context.Context, chatID, uid string) error
	RemoveParticipant(ctx context.Context, chatID, uid string) error
	SetStartTime(ctx context.Context, chatID string, t time.Time) error
	SetStatus(ctx context.Context, chatID, status string) error
	SetScreenShare(ctx context.Context, chatID, uid string, on bool) error
	DeactivateCall(ctx context.Context, chatID string) error
	WatchCall(chatID string) (<-chan *store.CallRecord, func())
	WatchAllCalls() (<-chan *store.CallRecord, func())
}

// Membership resolves who belongs to a chat. *store.DB satisfies it.
type Membership interface {
	Members(ctx context.Context, chatID string) ([]store.Profile, error)
}

// Outcomes receives one record per ended call. *history.Logger satisfies it.
type Outcomes interface {
	AppendOutcome(ctx context.Context, o history.Outcome) error
}

// Roster is the presence surface sessions observe to detect a callee coming
// online. *presence.PeerTable satisfies it.
type Roster interface {
	Subscribe() chan presence.PeerEvent
	Unsubscribe(ch chan presence.PeerEvent)
	Reachable(id string) bool
}

// LocalTrack is one locally captured media track that can be attached to peer
// connections and must be closed when the call ends.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// LocalMedia bundles the capture tracks for one call. Either field may be nil
// (audio-only call, capture failure fallback).
type LocalMedia struct {
	Audio LocalTrack
	Video LocalTrack
}

// Close stops both tracks. Safe on nil fields.
func (m *LocalMedia) Close() {
	if m == nil {
		return
	}
	if m.Audio != nil {
		_ = m.Audio.Close()
	}
	if m.Video != nil {
		_ = m.Video.Close()
	}
}

// MediaSource acquires local capture tracks and builds peer connections whose
// media engine matches the capture codecs. Capture and transport have to agree
// on codec parameters, so one source owns both.
type MediaSource interface {
	// AcquireUser opens microphone (and camera when video is true) capture.
	AcquireUser(ctx context.Context, video bool) (*LocalMedia, error)

	// AcquireScreen opens a screen-capture video track.
	AcquireScreen(ctx context.Context) (LocalTrack, error)

	// AcquireCamera reopens camera capture, used when a screen share stops
	// mid-call and the camera track was already closed.
	AcquireCamera(ctx context.Context) (LocalTrack, error)

	// NewPeerConnection builds a PeerConnection configured for this source's
	// codecs and ICE servers.
	NewPeerConnection() (*webrtc.PeerConnection, error)
}

// Options wires a Manager to its collaborators.
type Options struct {
	SelfUID string

	Relay   relay.Transport
	Records Records
	Members Membership
	History Outcomes
	Roster  Roster
	Media   MediaSource

	// DisconnectGrace is how long a link may sit in the disconnected state
	// before the session gives up on the call. Zero means 3s.
	DisconnectGrace time.Duration

	// EndedLinger is how long "Call ended" stays visible before the session
	// is dropped from the manager. Zero means 2s.
	EndedLinger time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DisconnectGrace <= 0 {
		out.DisconnectGrace = 3 * time.Second
	}
	if out.EndedLinger <= 0 {
		out.EndedLinger = 2 * time.Second
	}
	return out
}
