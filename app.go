package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goopkit/huddle/internal/api"
	"github.com/goopkit/huddle/internal/call"
	"github.com/goopkit/huddle/internal/callsync"
	"github.com/goopkit/huddle/internal/config"
	"github.com/goopkit/huddle/internal/history"
	"github.com/goopkit/huddle/internal/p2p"
	"github.com/goopkit/huddle/internal/presence"
	"github.com/goopkit/huddle/internal/proto"
	"github.com/goopkit/huddle/internal/relay"
	"github.com/goopkit/huddle/internal/store"
	"github.com/goopkit/huddle/internal/util"
)

// audioOnlySource clamps every capture request to audio, for hosts that
// disabled video in config.
type audioOnlySource struct {
	call.MediaSource
}

func (a audioOnlySource) AcquireUser(ctx context.Context, _ bool) (*call.LocalMedia, error) {
	return a.MediaSource.AcquireUser(ctx, false)
}

func run(configPath, dataDirOverride, httpOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dataDirOverride != "" {
		cfg.Paths.DataDir = dataDirOverride
	}
	if httpOverride != "" {
		cfg.API.HTTPAddr = httpOverride
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Relative paths in the config resolve against the config file's
	// directory, so a daemon started from anywhere finds the same state.
	base := filepath.Dir(configPath)
	cfg.Paths.DataDir = util.ResolvePath(base, cfg.Paths.DataDir)
	cfg.Identity.KeyFile = util.ResolvePath(base, cfg.Identity.KeyFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	peers := presence.NewPeerTable()

	var mgr *call.Manager
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, cfg.Identity.KeyFile, cfg.P2P.MdnsTag, cfg.Presence.Topic, peers,
		p2p.Profile{
			DisplayName: cfg.Profile.DisplayName,
			AvatarHash:  cfg.Profile.AvatarHash,
			InCall:      func() bool { return mgr != nil && mgr.Active() != nil },
		},
		time.Duration(cfg.Presence.TTLSec)*time.Second)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("PEER: id %s", node.ID())

	transport := relay.NewStreamTransport(node.Host, time.Duration(cfg.Call.AckTimeoutSec)*time.Second)
	hist := history.New(db, history.DefaultBufferSize)

	// Call records replicate over gossip so every daemon's cache converges
	// and remote calls ring here.
	syncBus, err := callsync.NewGossipBus(node.PubSub(), proto.CallSyncTopic)
	if err != nil {
		return fmt.Errorf("call sync: %w", err)
	}
	records := callsync.NewStore(db, syncBus, node.ID())
	records.Run(ctx)

	var media call.MediaSource
	source, err := call.NewDeviceSource(cfg.Call.ICEServers)
	if err != nil {
		return fmt.Errorf("media source: %w", err)
	}
	media = source
	if cfg.Call.VideoDisabled {
		media = audioOnlySource{MediaSource: source}
	}

	mgr = call.NewManager(call.Options{
		SelfUID:         node.ID(),
		Relay:           transport,
		Records:         records,
		Members:         db,
		History:         hist,
		Roster:          peers,
		Media:           media,
		DisconnectGrace: time.Duration(cfg.Call.DisconnectGraceSec) * time.Second,
		EndedLinger:     time.Duration(cfg.Call.EndedLingerSec) * time.Second,
	})
	defer mgr.Close()

	// Hot-reload is limited to profile fields; everything else needs a
	// restart and a reload only logs what changed.
	watcher, err := config.Watch(configPath, func(next config.Config) {
		log.Printf("CONFIG: reloaded %s (display_name=%q)", configPath, next.Profile.DisplayName)
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	node.RunPresenceLoop(ctx)
	node.Publish(ctx, proto.TypeOnline)

	go func() {
		t := time.NewTicker(time.Duration(cfg.Presence.HeartbeatSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				node.Publish(ctx, proto.TypeUpdate)
			}
		}
	}()

	go func() {
		ttl := time.Duration(cfg.Presence.TTLSec) * time.Second
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				now := time.Now()
				peers.PruneStale(now.Add(-ttl), now.Add(-3*ttl))
			}
		}
	}()

	srv := api.New(api.Deps{
		Node:    node,
		Calls:   mgr,
		History: hist,
		Peers:   peers,
		DB:      db,
		Debug:   cfg.API.Debug,
	})
	if err := srv.Start(ctx, cfg.API.HTTPAddr); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	log.Println("PEER: shutting down, sending offline message")
	node.Publish(context.Background(), proto.TypeOffline)
	return nil
}
