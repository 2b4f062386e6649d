package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"

	"encore.app/pkg/models"
)

// DedupMessageType discriminates the dedup protocol messages that share the
// api-cache-dedup topic.
type DedupMessageType string

const (
	// TypeTaskHeartbeat announces that the sender owns an in-flight fetch.
	TypeTaskHeartbeat DedupMessageType = "task-heartbeat"
	// TypeTaskEnd announces that the sender released an in-flight fetch.
	TypeTaskEnd DedupMessageType = "task-end"
	// TypeResponseReady delivers the serialized response for a completed fetch.
	TypeResponseReady DedupMessageType = "response-ready"
)

// DedupMessage is the bus envelope for the cross-instance deduplication
// protocol. Key is the cache key URL that identifies the in-flight fetch.
//
// Field usage per type:
//   - task-heartbeat: Key, OwnerID, Timestamp
//   - task-end: Key
//   - response-ready: Key, OwnerID, Response
type DedupMessage struct {
	Type      DedupMessageType       `json:"type"`
	Key       string                 `json:"key"`
	OwnerID   string                 `json:"ownerId,omitempty"`   // sender instance ID (heartbeat owner or response-ready publisher)
	Timestamp int64                  `json:"timestamp,omitempty"` // heartbeat time, ms since epoch
	Response  *models.StoredResponse `json:"response,omitempty"`  // serialized response envelope
}

// Validate checks if the DedupMessage is well-formed for its type.
func (m *DedupMessage) Validate() error {
	if m.Key == "" {
		return errors.New("key is required")
	}

	switch m.Type {
	case TypeTaskHeartbeat:
		if m.OwnerID == "" {
			return errors.New("heartbeat requires ownerId")
		}
		if m.Timestamp <= 0 {
			return errors.New("heartbeat requires a positive timestamp")
		}
	case TypeTaskEnd:
		// key alone identifies the released task
	case TypeResponseReady:
		if m.Response == nil {
			return errors.New("response-ready requires a response envelope")
		}
	default:
		return fmt.Errorf("unsupported message type: %q", m.Type)
	}

	return nil
}

// ToJSON serializes the message to JSON.
func (m *DedupMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// DedupMessageFromJSON deserializes a DedupMessage from JSON.
func DedupMessageFromJSON(data []byte) (*DedupMessage, error) {
	var m DedupMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DedupMessage: %w", err)
	}
	return &m, nil
}

// InvalidationEvent tells peer instances to drop stored-response entries from
// their local read-through caches. The shared store has already been updated
// by the publisher.
//
// Invalidation modes:
//   - Exact keys: Keys lists the cache key URLs to drop
//   - Full reset: Reset true drops everything (policy reset)
type InvalidationEvent struct {
	// Keys to drop. Ignored when Reset is set.
	Keys []string `json:"keys,omitempty"`

	// Reset drops every local entry.
	Reset bool `json:"reset,omitempty"`

	// OwnerID identifies the publishing instance so it can skip its own echo.
	OwnerID string `json:"ownerId"`

	// Timestamp is the publish time in milliseconds since epoch.
	Timestamp int64 `json:"timestamp"`
}

// Validate checks if the InvalidationEvent is well-formed.
func (e *InvalidationEvent) Validate() error {
	if !e.Reset && len(e.Keys) == 0 {
		return errors.New("at least one of keys or reset must be set")
	}
	if e.OwnerID == "" {
		return errors.New("ownerId is required")
	}
	if e.Timestamp <= 0 {
		return errors.New("timestamp must be positive")
	}
	return nil
}

// ToJSON serializes the event to JSON.
func (e *InvalidationEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// InvalidationEventFromJSON deserializes an InvalidationEvent from JSON.
func InvalidationEventFromJSON(data []byte) (*InvalidationEvent, error) {
	var e InvalidationEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal InvalidationEvent: %w", err)
	}
	return &e, nil
}
