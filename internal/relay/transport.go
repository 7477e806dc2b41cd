package relay

import "context"

// Transport is the relay surface the call engine depends on.
//
// Ordering guarantee: messages appended for a given recipient are delivered
// on that recipient's subscription channel in append order. Consumers must
// drain the channel sequentially; processing a batch concurrently could
// apply an answer before its offer.
type Transport interface {
	// Append adds one message to the chat's channel and returns once the
	// transport has accepted it.
	Append(ctx context.Context, msg *Message) error

	// Subscribe returns a channel delivering messages addressed to the given
	// recipient on chatID, including any that arrived before the
	// subscription. The cancel func releases the subscription.
	Subscribe(chatID, to string) (<-chan *Message, func())

	// Purge discards every buffered message for the chat so a future call on
	// the same chat starts clean.
	Purge(ctx context.Context, chatID string) error
}
