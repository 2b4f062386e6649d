package respcache

import (
	"context"
	"time"

	"encore.dev/pubsub"

	enginebus "encore.app/pkg/pubsub"

	"encore.app/pkg/instance"
)

// InvalidateTopic fans response-store invalidations out to every instance so
// their L1 views stay coherent with the shared store.
var InvalidateTopic = pubsub.NewTopic[*enginebus.InvalidationEvent](
	enginebus.TopicInvalidate,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to invalidation events from peer instances.
var _ = pubsub.NewSubscription(
	InvalidateTopic,
	"respcache-invalidate",
	pubsub.SubscriptionConfig[*enginebus.InvalidationEvent]{
		Handler: HandleInvalidateEvent,
	},
)

// HandleInvalidateEvent drops invalidated entries from the local L1 view.
// The publisher already updated the shared store; its own echo is skipped.
func HandleInvalidateEvent(ctx context.Context, event *enginebus.InvalidationEvent) error {
	if svc == nil {
		return nil // Service not initialized yet
	}
	if event.OwnerID == instance.ID {
		return nil
	}

	if event.Reset {
		svc.l1.Clear()
		return nil
	}
	for _, key := range event.Keys {
		svc.l1.Delete(key)
	}
	return nil
}

// publishInvalidation broadcasts dropped keys (or a full reset) to peers.
// Broadcast failures are logged and swallowed: the shared store is already
// correct and peer L1 entries age out on their own TTL.
func (s *Service) publishInvalidation(ctx context.Context, keys []string, reset bool) {
	if !reset && len(keys) == 0 {
		return
	}
	event := &enginebus.InvalidationEvent{
		Keys:      keys,
		Reset:     reset,
		OwnerID:   instance.ID,
		Timestamp: time.Now().UnixMilli(),
	}
	s.publish(ctx, event)
}
