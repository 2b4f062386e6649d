package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	enginebus "encore.app/pkg/pubsub"
)

// MockBroadcaster records published dedup messages.
type MockBroadcaster struct {
	mu   sync.Mutex
	msgs []*enginebus.DedupMessage
}

func (m *MockBroadcaster) Broadcast(ctx context.Context, msg *enginebus.DedupMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

func (m *MockBroadcaster) Messages() []*enginebus.DedupMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*enginebus.DedupMessage(nil), m.msgs...)
}

func (m *MockBroadcaster) CountType(typ enginebus.DedupMessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, msg := range m.msgs {
		if msg.Type == typ {
			count++
		}
	}
	return count
}

func TestStartHeartbeatAnnouncesImmediately(t *testing.T) {
	bcast := &MockBroadcaster{}
	h := NewHeartbeatManager(bcast, time.Hour, time.Second)
	defer h.Dispose()

	h.StartHeartbeat("k")

	msgs := bcast.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages after StartHeartbeat, want 1 immediate", len(msgs))
	}
	if msgs[0].Type != enginebus.TypeTaskHeartbeat || msgs[0].Key != "k" {
		t.Errorf("message = %+v, want task-heartbeat for k", msgs[0])
	}
	if err := msgs[0].Validate(); err != nil {
		t.Errorf("heartbeat message invalid: %v", err)
	}
	if !h.IsOwnerAlive("k") {
		t.Error("IsOwnerAlive() = false right after announcing")
	}
}

func TestHeartbeatTicks(t *testing.T) {
	bcast := &MockBroadcaster{}
	h := NewHeartbeatManager(bcast, 10*time.Millisecond, time.Second)
	defer h.Dispose()

	h.StartHeartbeat("k")
	time.Sleep(50 * time.Millisecond)

	if got := bcast.CountType(enginebus.TypeTaskHeartbeat); got < 3 {
		t.Errorf("got %d heartbeats over 5 intervals, want at least 3", got)
	}
}

func TestEndHeartbeatBroadcastsTaskEnd(t *testing.T) {
	bcast := &MockBroadcaster{}
	h := NewHeartbeatManager(bcast, time.Hour, time.Second)

	h.StartHeartbeat("k")
	h.EndHeartbeat("k")

	if got := bcast.CountType(enginebus.TypeTaskEnd); got != 1 {
		t.Errorf("got %d task-end messages, want 1", got)
	}
	if h.IsOwnerAlive("k") {
		t.Error("IsOwnerAlive() = true after EndHeartbeat")
	}

	// Ending an unknown key broadcasts nothing.
	h.EndHeartbeat("missing")
	if got := bcast.CountType(enginebus.TypeTaskEnd); got != 1 {
		t.Errorf("got %d task-end messages after no-op end, want 1", got)
	}
}

func TestObserveAndLivenessAging(t *testing.T) {
	h := NewHeartbeatManager(&MockBroadcaster{}, time.Hour, 50*time.Millisecond)
	defer h.Dispose()

	h.Observe(&enginebus.DedupMessage{
		Type:      enginebus.TypeTaskHeartbeat,
		Key:       "k",
		OwnerID:   "peer",
		Timestamp: time.Now().UnixMilli(),
	})
	if !h.IsOwnerAlive("k") {
		t.Error("IsOwnerAlive() = false for fresh peer heartbeat")
	}

	time.Sleep(70 * time.Millisecond)
	if h.IsOwnerAlive("k") {
		t.Error("IsOwnerAlive() = true for aged-out heartbeat")
	}
}

func TestObserveIgnoresNonHeartbeat(t *testing.T) {
	h := NewHeartbeatManager(&MockBroadcaster{}, time.Hour, time.Second)
	defer h.Dispose()

	h.Observe(&enginebus.DedupMessage{Type: enginebus.TypeTaskEnd, Key: "k"})
	if _, ok := h.Owner("k"); ok {
		t.Error("task-end populated the heartbeat table")
	}
}

func TestDisposeEndsAllHeartbeats(t *testing.T) {
	bcast := &MockBroadcaster{}
	h := NewHeartbeatManager(bcast, time.Hour, time.Second)

	h.StartHeartbeat("a")
	h.StartHeartbeat("b")
	h.Dispose()

	if got := bcast.CountType(enginebus.TypeTaskEnd); got != 2 {
		t.Errorf("got %d task-end messages on dispose, want 2", got)
	}
	if h.IsOwnerAlive("a") || h.IsOwnerAlive("b") {
		t.Error("records survived dispose")
	}

	// A disposed manager refuses new heartbeats.
	h.StartHeartbeat("c")
	if got := bcast.CountType(enginebus.TypeTaskHeartbeat); got != 2 {
		t.Errorf("disposed manager announced a new heartbeat (%d heartbeats total)", got)
	}
}
