package dedup

import (
	"context"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	enginebus "encore.app/pkg/pubsub"

	"encore.app/pkg/instance"
)

// DedupTopic carries the cross-instance deduplication protocol: heartbeats,
// task completion, and serialized responses.
var DedupTopic = pubsub.NewTopic[*enginebus.DedupMessage](
	enginebus.TopicDedup,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to dedup protocol messages from peer instances.
var _ = pubsub.NewSubscription(
	DedupTopic,
	"dedup-protocol",
	pubsub.SubscriptionConfig[*enginebus.DedupMessage]{
		Handler: HandleDedupMessage,
	},
)

// HandleDedupMessage routes bus messages into the local dedup state.
func HandleDedupMessage(ctx context.Context, msg *enginebus.DedupMessage) error {
	if svc == nil {
		return nil // Service not initialized yet
	}
	if err := msg.Validate(); err != nil {
		rlog.Error("dropping malformed dedup message", "err", err)
		return nil
	}

	switch msg.Type {
	case enginebus.TypeTaskHeartbeat:
		if msg.OwnerID != instance.ID {
			svc.heartbeats.Observe(msg)
		}
	case enginebus.TypeResponseReady:
		if msg.OwnerID != instance.ID {
			svc.handleResponseReady(msg)
		}
	case enginebus.TypeTaskEnd:
		// No effect on pending work: abandoned waits are handled by the
		// timeout, and completed fetches arrive as response-ready.
	}
	return nil
}

// topicBroadcaster publishes through the Encore topic. Publish failures are
// logged and swallowed: the protocol tolerates lost messages by design.
type topicBroadcaster struct{}

func (topicBroadcaster) Broadcast(ctx context.Context, msg *enginebus.DedupMessage) {
	if _, err := DedupTopic.Publish(ctx, msg); err != nil {
		rlog.Error("dedup broadcast failed", "type", msg.Type, "key", msg.Key, "err", err)
	}
}
