package callsync

import (
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Bus moves op payloads between nodes. Production runs on gossipsub; tests
// run on an in-memory fanout.
type Bus interface {
	Publish(ctx context.Context, data []byte) error
	Next(ctx context.Context) ([]byte, error)
}

// GossipBus is the Bus over a gossipsub topic. Gossipsub delivers our own
// publishes back to us; Store.Run filters those by origin.
type GossipBus struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

func NewGossipBus(ps *pubsub.PubSub, topicName string) (*GossipBus, error) {
	topic, err := ps.Join(topicName)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	return &GossipBus{topic: topic, sub: sub}, nil
}

func (b *GossipBus) Publish(ctx context.Context, data []byte) error {
	return b.topic.Publish(ctx, data)
}

func (b *GossipBus) Next(ctx context.Context) ([]byte, error) {
	m, err := b.sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	return m.Data, nil
}
