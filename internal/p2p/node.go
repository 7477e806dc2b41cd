// Package p2p owns the libp2p host: persistent identity, LAN discovery via
// mDNS, and the gossipsub presence topic that keeps every node's peer table
// current. Call signaling rides the same host through the relay package.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/goopkit/huddle/internal/presence"
	"github.com/goopkit/huddle/internal/proto"
	"github.com/goopkit/huddle/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Profile is the self-description published with every presence heartbeat.
type Profile struct {
	DisplayName string
	AvatarHash  string
	InCall      func() bool
}

// Node is one peer on the network.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	profile Profile
	peers   *presence.PeerTable

	// Presence TTL for peer addresses learned via presence messages.
	presenceTTL time.Duration

	startTime time.Time
}

type mdnsNotifee struct {
	h     host.Host
	peers *presence.PeerTable
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err == nil {
		// A LAN sighting is liveness evidence even between heartbeats.
		n.peers.Touch(pi.ID.String())
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New brings up the host, mDNS discovery and the presence topic. Empty
// topic and mdnsTag fall back to the protocol defaults.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag, presenceTopic string, peers *presence.PeerTable, profile Profile, presenceTTL time.Duration) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	if mdnsTag == "" {
		mdnsTag = proto.MdnsTag
	}
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h, peers: peers})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	if presenceTopic == "" {
		presenceTopic = proto.PresenceTopic
	}
	topic, err := ps.Join(presenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{
		Host:        h,
		ps:          ps,
		topic:       topic,
		sub:         sub,
		profile:     profile,
		peers:       peers,
		presenceTTL: presenceTTL,
		startTime:   time.Now(),
	}, nil
}

func (n *Node) Close() error {
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// PubSub exposes the gossip router so other subsystems can join their own
// topics on the same mesh.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.ps
}

// Uptime reports how long this node has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

// Publish sends one presence message. Online and update messages carry the
// full profile and dialable addresses; offline messages carry only identity.
func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.DisplayName = n.profile.DisplayName
		msg.AvatarHash = n.profile.AvatarHash
		if n.profile.InCall != nil {
			msg.InCall = n.profile.InCall()
		}
		msg.Addrs = n.wanAddrs()
	}

	b, _ := json.Marshal(msg)
	_ = n.topic.Publish(ctx, b)
}

// RunPresenceLoop consumes the presence topic into the peer table until ctx
// is cancelled. Self messages are skipped; addresses learned from presence
// are added to the peerstore so signaling streams can dial without discovery.
func (n *Node) RunPresenceLoop(ctx context.Context) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" || pm.PeerID == n.ID() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.peers.Upsert(pm.PeerID, pm.DisplayName, pm.AvatarHash, pm.InCall)
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
			case proto.TypeOffline:
				n.peers.MarkOffline(pm.PeerID)
			}
		}
	}()
}

// addPeerAddrs records a peer's published addresses with the presence TTL so
// repeated heartbeats keep them fresh and silent peers age out.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = peerstore.TempAddrTTL
	}
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		n.Host.Peerstore().AddAddr(pid, a, ttl)
	}
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses, suitable for sharing with remote peers.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}
