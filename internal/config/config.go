package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/goopkit/huddle/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Paths    Paths    `json:"paths"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Profile  Profile  `json:"profile"`
	Call     Call     `json:"call"`
	API      API      `json:"api"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
	AvatarHash  string `json:"avatar_hash"`
}

// Call holds tunables for the native call engine.
type Call struct {
	// STUN/TURN server URLs handed to every peer connection.
	ICEServers []string `json:"ice_servers"`

	// Seconds a link may sit in "disconnected" before it counts as a hangup.
	DisconnectGraceSec int `json:"disconnect_grace_sec"`

	// Seconds the "Call ended" status stays visible before the session is
	// dropped and the call surface disappears.
	EndedLingerSec int `json:"ended_linger_sec"`

	// Seconds to wait for a relay transport ACK on signaling appends.
	AckTimeoutSec int `json:"ack_timeout_sec"`

	// Disable video capture entirely; calls become audio-only regardless of
	// the call type requested.
	VideoDisabled bool `json:"video_disabled"`
}

type API struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Paths: Paths{
			DataDir: "data",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "huddle-mdns",
		},
		Presence: Presence{
			Topic:        "huddle.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Profile: Profile{
			DisplayName: "hello",
		},
		Call: Call{
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			DisconnectGraceSec: 3,
			EndedLingerSec:     2,
			AckTimeoutSec:      10,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8866",
		},
	}
}

// Load reads a config file, filling in defaults for missing fields.
// A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes the config to disk as indented JSON.
func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}

// Validate checks invariants that would otherwise fail at runtime in
// confusing places.
func (c *Config) Validate() error {
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return fmt.Errorf("p2p.listen_port out of range: %d", c.P2P.ListenPort)
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 || c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return fmt.Errorf("presence.heartbeat_seconds must be in (0, ttl): %d", c.Presence.HeartbeatSec)
	}
	if c.Call.DisconnectGraceSec <= 0 {
		return errors.New("call.disconnect_grace_sec must be > 0")
	}
	if c.Call.EndedLingerSec < 0 {
		return errors.New("call.ended_linger_sec must be >= 0")
	}
	if c.Call.AckTimeoutSec <= 0 {
		return errors.New("call.ack_timeout_sec must be > 0")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers entry %q: must be stun:, turn: or turns:", s)
		}
	}
	if c.API.HTTPAddr != "" {
		host, port, err := net.SplitHostPort(c.API.HTTPAddr)
		if err != nil {
			return fmt.Errorf("api.http_addr %q: %w", c.API.HTTPAddr, err)
		}
		if host == "" {
			return fmt.Errorf("api.http_addr %q: host required", c.API.HTTPAddr)
		}
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("api.http_addr %q: bad port", c.API.HTTPAddr)
		}
	}
	return nil
}
