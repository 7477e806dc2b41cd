package proto

import "time"

const (
	PresenceTopic = "huddle.presence.v1"
	CallSyncTopic = "huddle.calls.v1"
	MdnsTag       = "huddle-mdns"

	// libp2p stream protocol ID for call signaling relay messages
	SignalProtoID = "/huddle/signal/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is published on the presence gossipsub topic.
type PresenceMsg struct {
	Type        string   `json:"type"` // online|update|offline
	PeerID      string   `json:"peerId"`
	DisplayName string   `json:"displayName,omitempty"`
	AvatarHash  string   `json:"avatarHash,omitempty"`
	InCall      bool     `json:"inCall,omitempty"` // peer is currently in an active call
	Addrs       []string `json:"addrs,omitempty"`  // multiaddresses for WAN connectivity
	TS          int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
