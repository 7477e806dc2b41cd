// Package callsync keeps every node's call-record cache converged. The store
// package persists records locally; callsync wraps it so each field-level
// mutation is also broadcast as an idempotent op on the gossip mesh, and ops
// from other nodes are applied into the local cache. Local watchers cannot
// tell a replicated change from a local one, which is what lets a manager
// discover calls started on another daemon.
package callsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/goopkit/huddle/internal/store"
)

// Op kinds mirror the store's field-level call mutations. Each is safe to
// apply more than once and ops on disjoint fields commute, so gossip
// reordering between two nodes cannot corrupt a record.
const (
	opCreate            = "create"
	opAddParticipant    = "add_participant"
	opRemoveParticipant = "remove_participant"
	opStartTime         = "start_time"
	opStatus            = "status"
	opScreenShare       = "screen_share"
	opDeactivate        = "deactivate"
)

// op is one replicated call-record mutation.
type op struct {
	Op     string `json:"op"`
	Origin string `json:"origin"`
	ChatID string `json:"chat_id"`

	UID       string            `json:"uid,omitempty"`
	Status    string            `json:"status,omitempty"`
	On        bool              `json:"on,omitempty"`
	StartTime int64             `json:"start_time,omitempty"` // unix millis
	Record    *store.CallRecord `json:"record,omitempty"`     // opCreate only
	TS        int64             `json:"ts"`
}

// Store wraps the local record store with replication. It satisfies the call
// engine's record surface, so the engine stays unaware that its mutations
// travel. A publish failure never fails the local mutation; the local cache
// is the source of truth for this node and gossip re-converges on the next op.
type Store struct {
	local  *store.DB
	bus    Bus
	selfID string
}

// NewStore wraps db so its call-record mutations replicate over bus.
func NewStore(db *store.DB, bus Bus, selfID string) *Store {
	return &Store{local: db, bus: bus, selfID: selfID}
}

// Run applies ops from other nodes until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	go func() {
		for {
			data, err := s.bus.Next(ctx)
			if err != nil {
				return
			}
			var o op
			if err := json.Unmarshal(data, &o); err != nil {
				log.Printf("SYNC: bad op: %v", err)
				continue
			}
			if o.Origin == s.selfID || o.ChatID == "" {
				continue
			}
			if err := s.apply(ctx, &o); err != nil {
				log.Printf("SYNC: apply %s for %s: %v", o.Op, o.ChatID, err)
			}
		}
	}()
}

func (s *Store) apply(ctx context.Context, o *op) error {
	switch o.Op {
	case opCreate:
		if o.Record == nil {
			return fmt.Errorf("create op without record")
		}
		o.Record.ChatID = o.ChatID
		log.Printf("SYNC: call on %s announced by %s", o.ChatID, shortID(o.Origin))
		return s.local.CreateCall(ctx, o.Record)
	case opAddParticipant:
		return s.local.AddParticipant(ctx, o.ChatID, o.UID)
	case opRemoveParticipant:
		return s.local.RemoveParticipant(ctx, o.ChatID, o.UID)
	case opStartTime:
		return s.local.SetStartTime(ctx, o.ChatID, time.UnixMilli(o.StartTime))
	case opStatus:
		return s.local.SetStatus(ctx, o.ChatID, o.Status)
	case opScreenShare:
		return s.local.SetScreenShare(ctx, o.ChatID, o.UID, o.On)
	case opDeactivate:
		return s.local.DeactivateCall(ctx, o.ChatID)
	default:
		return fmt.Errorf("unknown op %q", o.Op)
	}
}

func (s *Store) broadcast(ctx context.Context, o op) {
	o.Origin = s.selfID
	o.TS = time.Now().UnixMilli()
	data, err := json.Marshal(o)
	if err != nil {
		log.Printf("SYNC: marshal %s: %v", o.Op, err)
		return
	}
	if err := s.bus.Publish(ctx, data); err != nil {
		log.Printf("SYNC: publish %s for %s: %v", o.Op, o.ChatID, err)
	}
}

// CreateCall persists locally, then announces the full record so every node's
// cache can seed the rendezvous.
func (s *Store) CreateCall(ctx context.Context, rec *store.CallRecord) error {
	if err := s.local.CreateCall(ctx, rec); err != nil {
		return err
	}
	s.broadcast(ctx, op{Op: opCreate, ChatID: rec.ChatID, Record: rec})
	return nil
}

func (s *Store) GetCall(ctx context.Context, chatID string) (*store.CallRecord, error) {
	return s.local.GetCall(ctx, chatID)
}

func (s *Store) AddParticipant(ctx context.Context, chatID, uid string) error {
	if err := s.local.AddParticipant(ctx, chatID, uid); err != nil {
		return err
	}
	s.broadcast(ctx, op{Op: opAddParticipant, ChatID: chatID, UID: uid})
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, chatID, uid string) error {
	if err := s.local.RemoveParticipant(ctx, chatID, uid); err != nil {
		return err
	}
	s.broadcast(ctx, op{Op: opRemoveParticipant, ChatID: chatID, UID: uid})
	return nil
}

func (s *Store) SetStartTime(ctx context.Context, chatID string, t time.Time) error {
	if err := s.local.SetStartTime(ctx, chatID, t); err != nil {
		return err
	}
	s.broadcast(ctx, op{Op: opStartTime, ChatID: chatID, StartTime: t.UnixMilli()})
	return nil
}

func (s *Store) SetStatus(ctx context.Context, chatID, status string) error {
	if err := s.local.SetStatus(ctx, chatID, status); err != nil {
		return err
	}
	s.broadcast(ctx, op{Op: opStatus, ChatID: chatID, Status: status})
	return nil
}

func (s *Store) SetScreenShare(ctx context.Context, chatID, uid string, on bool) error {
	if err := s.local.SetScreenShare(ctx, chatID, uid, on); err != nil {
		return err
	}
	s.broadcast(ctx, op{Op: opScreenShare, ChatID: chatID, UID: uid, On: on})
	return nil
}

func (s *Store) DeactivateCall(ctx context.Context, chatID string) error {
	if err := s.local.DeactivateCall(ctx, chatID); err != nil {
		return err
	}
	s.broadcast(ctx, op{Op: opDeactivate, ChatID: chatID})
	return nil
}

func (s *Store) WatchCall(chatID string) (<-chan *store.CallRecord, func()) {
	return s.local.WatchCall(chatID)
}

func (s *Store) WatchAllCalls() (<-chan *store.CallRecord, func()) {
	return s.local.WatchAllCalls()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
