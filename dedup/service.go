// Package dedup folds concurrent identical requests into a single upstream
// fetch, both within one instance and across peer instances.
//
// Design Choices:
// - Within an instance, a pending-completion registry coalesces callers; the
//   registry supports external completion so a peer's serialized response can
//   resolve local waiters
// - Across instances, ownership is announced with heartbeats on the
//   broadcast bus; a live peer heartbeat is preferred over launching a
//   duplicate fetch
// - Abandonment is handled by a timeout that re-arms while some owner is
//   alive and fails the wait once no heartbeat is younger than the liveness
//   window
// - Bus delivery is best-effort: a lost response-ready degrades to the
//   timeout path, and the publisher writes the response store before
//   broadcasting, so a retry finds the stored entry
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"encore.dev/rlog"

	enginebus "encore.app/pkg/pubsub"

	"encore.app/pkg/instance"
	"encore.app/pkg/models"
)

// ErrTimeout is returned when no owner completed the fetch and no live
// heartbeat justifies further waiting. Callers may retry with a fresh
// invocation.
var ErrTimeout = errors.New("dedup: timed out waiting for an in-flight fetch")

// Fetcher performs the actual upstream fetch for a cache key. It must write
// the response store before returning, so peers that miss the broadcast can
// fall back to a store lookup.
type Fetcher func(ctx context.Context) (*models.StoredResponse, error)

// Service implements the cross-instance deduplication layer.
//
//encore:service
type Service struct {
	coalescer  *Coalescer
	heartbeats *HeartbeatManager
	bcast      Broadcaster
	config     Config
	metrics    *Metrics
}

// Config holds runtime configuration for deduplication.
type Config struct {
	Timeout           time.Duration // default wait bound per dedupe call
	HeartbeatInterval time.Duration // ownership announcement period
	LivenessWindow    time.Duration // max heartbeat age counted as alive
}

// DefaultConfig returns the protocol constants.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
		LivenessWindow:    1000 * time.Millisecond,
	}
}

// Metrics tracks deduplication counters.
type Metrics struct {
	Joins           atomic.Int64 // calls folded into a local pending
	PeerWaits       atomic.Int64 // calls parked on a peer's fetch
	Fetches         atomic.Int64 // fetches this instance owned
	PeerCompletions atomic.Int64 // pendings resolved by response-ready
	Timeouts        atomic.Int64
	Failures        atomic.Int64
}

// Global service instance (initialized by initService).
var svc *Service

func initService() (*Service, error) {
	config := DefaultConfig()
	bcast := topicBroadcaster{}
	return &Service{
		coalescer:  NewCoalescer(),
		heartbeats: NewHeartbeatManager(bcast, config.HeartbeatInterval, config.LivenessWindow),
		bcast:      bcast,
		config:     config,
		metrics:    &Metrics{},
	}, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize dedup service: %v", err))
	}
}

// Instance returns the process-wide dedup service.
func Instance() *Service {
	return svc
}

// Dedupe runs fetcher at most once per key across all observable instances,
// using the default timeout.
func (s *Service) Dedupe(ctx context.Context, key string, fetcher Fetcher) (*models.StoredResponse, error) {
	return s.DedupeTimeout(ctx, key, fetcher, s.config.Timeout)
}

// DedupeTimeout is Dedupe with an explicit wait bound.
//
// Resolution order: an existing local pending is joined; a live peer
// heartbeat is waited on; otherwise this instance owns the fetch, announcing
// ownership for its duration.
func (s *Service) DedupeTimeout(ctx context.Context, key string, fetcher Fetcher, timeout time.Duration) (*models.StoredResponse, error) {
	pending, created := s.coalescer.Join(key)
	if !created {
		s.metrics.Joins.Add(1)
		return s.await(ctx, pending)
	}

	go s.watch(key, pending, timeout)

	if s.heartbeats.IsOwnerAlive(key) {
		s.metrics.PeerWaits.Add(1)
		return s.await(ctx, pending)
	}

	s.metrics.Fetches.Add(1)
	s.heartbeats.StartHeartbeat(key)

	resp, err := fetcher(ctx)
	s.heartbeats.EndHeartbeat(key)
	if err != nil {
		s.metrics.Failures.Add(1)
		rlog.Error("deduplicated fetch failed", "key", key, "err", err)
		s.coalescer.Complete(key, nil, err)
		return nil, err
	}

	s.bcast.Broadcast(ctx, &enginebus.DedupMessage{
		Type:     enginebus.TypeResponseReady,
		Key:      key,
		OwnerID:  instance.ID,
		Response: resp,
	})
	s.coalescer.Complete(key, resp, nil)
	return resp, nil
}

// await parks the caller on the pending until completion or context
// cancellation.
func (s *Service) await(ctx context.Context, pending *Pending) (*models.StoredResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pending.Done():
		return pending.Result()
	}
}

// watch bounds a pending's lifetime. When the timer fires it consults the
// heartbeat table: a live owner re-arms the timer, no live owner fails the
// wait with ErrTimeout.
func (s *Service) watch(key string, pending *Pending, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-pending.Done():
			return
		case <-timer.C:
			if s.heartbeats.IsOwnerAlive(key) {
				timer.Reset(timeout)
				continue
			}
			if s.coalescer.Complete(key, nil, ErrTimeout) {
				s.metrics.Timeouts.Add(1)
				rlog.Warn("dedup wait abandoned, no live owner", "key", key)
			}
			return
		}
	}
}

// handleResponseReady resolves a local pending with a peer's serialized
// response. Messages without a local waiter are dropped silently: the peer
// wrote the store before broadcasting, so the next lookup finds the entry.
func (s *Service) handleResponseReady(msg *enginebus.DedupMessage) {
	if s.coalescer.Complete(msg.Key, msg.Response.Clone(), nil) {
		s.metrics.PeerCompletions.Add(1)
	}
}

// Shutdown ends all local heartbeats and clears dedup state on instance
// teardown.
func (s *Service) Shutdown(force context.Context) {
	s.heartbeats.Dispose()
}

// API types.

type MetricsResponse struct {
	Joins           int64 `json:"joins"`
	PeerWaits       int64 `json:"peer_waits"`
	Fetches         int64 `json:"fetches"`
	PeerCompletions int64 `json:"peer_completions"`
	Timeouts        int64 `json:"timeouts"`
	Failures        int64 `json:"failures"`
	InFlight        int   `json:"in_flight"`
}

// GetDedupMetrics returns deduplication counters.
//
//encore:api public method=GET path=/dedup/metrics
func GetDedupMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	m := svc.metrics
	return &MetricsResponse{
		Joins:           m.Joins.Load(),
		PeerWaits:       m.PeerWaits.Load(),
		Fetches:         m.Fetches.Load(),
		PeerCompletions: m.PeerCompletions.Load(),
		Timeouts:        m.Timeouts.Load(),
		Failures:        m.Failures.Load(),
		InFlight:        svc.coalescer.InFlight(),
	}, nil
}
