// Package relay moves addressed signaling messages between call participants.
// It is a dumb, append-only channel scoped to one chat: session descriptions
// and ICE candidates go in, and each recipient drains its own messages in the
// order they were appended. Nothing here understands SDP.
package relay

import "encoding/json"

// Message types carried over the relay.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Message is one addressed signaling message. A message is only meaningful to
// its To recipient; everyone else ignores it.
type Message struct {
	ID      string          `json:"id"`
	Seq     int64           `json:"seq"` // monotonic per sender
	ChatID  string          `json:"chat_id"`
	Type    string          `json:"type"` // offer|answer|candidate
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"` // SessionDescription or ICECandidateInit
}

// ack is the transport acknowledgement written back on the same stream.
type ack struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}
