package dedup

import (
	"context"
	"sync"
	"time"

	enginebus "encore.app/pkg/pubsub"

	"encore.app/pkg/instance"
)

// HeartbeatRecord tracks the last announced owner of an in-flight key.
type HeartbeatRecord struct {
	Timestamp int64  // ms since epoch
	OwnerID   string
}

// Broadcaster publishes dedup protocol messages to peer instances.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg *enginebus.DedupMessage)
}

// HeartbeatManager announces this instance's in-flight fetches and tracks
// peer announcements. A record younger than the liveness window means some
// instance owns the fetch and waiting on it is worthwhile.
type HeartbeatManager struct {
	mu       sync.Mutex
	records  map[string]HeartbeatRecord // key -> latest announcement
	local    map[string]chan struct{}   // key -> stop channel for our ticker
	disposed bool

	bcast    Broadcaster
	interval time.Duration
	liveness time.Duration
}

// NewHeartbeatManager creates a manager publishing through bcast.
func NewHeartbeatManager(bcast Broadcaster, interval, liveness time.Duration) *HeartbeatManager {
	return &HeartbeatManager{
		records:  make(map[string]HeartbeatRecord),
		local:    make(map[string]chan struct{}),
		bcast:    bcast,
		interval: interval,
		liveness: liveness,
	}
}

// StartHeartbeat begins announcing ownership of a key: one announcement
// immediately, then one per interval until EndHeartbeat.
func (h *HeartbeatManager) StartHeartbeat(key string) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	if _, exists := h.local[key]; exists {
		h.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	h.local[key] = stop
	h.mu.Unlock()

	h.announce(key)

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.announce(key)
			}
		}
	}()
}

// EndHeartbeat stops announcing a key and broadcasts task-end.
func (h *HeartbeatManager) EndHeartbeat(key string) {
	h.mu.Lock()
	stop, exists := h.local[key]
	if exists {
		delete(h.local, key)
	}
	delete(h.records, key)
	h.mu.Unlock()

	if !exists {
		return
	}
	close(stop)
	h.bcast.Broadcast(context.Background(), &enginebus.DedupMessage{
		Type: enginebus.TypeTaskEnd,
		Key:  key,
	})
}

// Observe records an announcement received from the bus.
func (h *HeartbeatManager) Observe(msg *enginebus.DedupMessage) {
	if msg.Type != enginebus.TypeTaskHeartbeat {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return
	}
	h.records[msg.Key] = HeartbeatRecord{
		Timestamp: msg.Timestamp,
		OwnerID:   msg.OwnerID,
	}
}

// IsOwnerAlive reports whether some instance announced ownership of the key
// within the liveness window.
func (h *HeartbeatManager) IsOwnerAlive(key string) bool {
	h.mu.Lock()
	rec, exists := h.records[key]
	h.mu.Unlock()
	if !exists {
		return false
	}
	age := time.Now().UnixMilli() - rec.Timestamp
	return age < h.liveness.Milliseconds()
}

// Owner returns the last announced record for a key.
func (h *HeartbeatManager) Owner(key string) (HeartbeatRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, exists := h.records[key]
	return rec, exists
}

// Dispose ends every local heartbeat and clears the tables. Called on
// instance teardown.
func (h *HeartbeatManager) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	locals := make([]string, 0, len(h.local))
	stops := make([]chan struct{}, 0, len(h.local))
	for key, stop := range h.local {
		locals = append(locals, key)
		stops = append(stops, stop)
	}
	h.local = make(map[string]chan struct{})
	h.records = make(map[string]HeartbeatRecord)
	h.mu.Unlock()

	for i, key := range locals {
		close(stops[i])
		h.bcast.Broadcast(context.Background(), &enginebus.DedupMessage{
			Type: enginebus.TypeTaskEnd,
			Key:  key,
		})
	}
}

// announce publishes one heartbeat and mirrors it into the record table, so
// liveness checks see this instance's own announcements regardless of bus
// echo behavior.
func (h *HeartbeatManager) announce(key string) {
	now := time.Now().UnixMilli()

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.records[key] = HeartbeatRecord{Timestamp: now, OwnerID: instance.ID}
	h.mu.Unlock()

	h.bcast.Broadcast(context.Background(), &enginebus.DedupMessage{
		Type:      enginebus.TypeTaskHeartbeat,
		Key:       key,
		OwnerID:   instance.ID,
		Timestamp: now,
	})
}
