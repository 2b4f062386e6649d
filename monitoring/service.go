// Package monitoring aggregates the engine's per-service counters into
// periodic snapshots and serves a consolidated status view.
//
// Design Philosophy:
// - Pull, don't push: the collector polls sibling services' counter
//   endpoints, so the hot paths never pay for observability
// - Bounded in-memory history in a ring buffer; no external storage
// - The derived hit rate is computed at capture time so readers get a
//   chart-ready value
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"encore.dev/rlog"

	"encore.app/dedup"
	"encore.app/pipeline"
	"encore.app/policystore"
	"encore.app/policysync"
	"encore.app/respcache"
)

// EngineSnapshot is one consolidated capture of engine counters.
type EngineSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Requests  int64   `json:"requests"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Bypasses  int64   `json:"bypasses"`
	HitRate   float64 `json:"hit_rate"`
	Fetches   int64   `json:"fetches"`
	Evictions int64   `json:"evictions"`

	DedupJoins    int64 `json:"dedup_joins"`
	DedupTimeouts int64 `json:"dedup_timeouts"`
	StoredPuts    int64 `json:"stored_puts"`
	SweepDeletes  int64 `json:"sweep_deletes"`

	SyncState   string `json:"sync_state"`
	PolicySets  int64  `json:"policy_sets"`
	Disconnects int64  `json:"disconnects"`
}

// Config holds monitoring configuration.
type Config struct {
	CaptureInterval time.Duration // snapshot period
	HistorySize     int           // ring buffer capacity
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CaptureInterval: 10 * time.Second,
		HistorySize:     360,
	}
}

// Service implements the monitoring aggregator.
//
//encore:service
type Service struct {
	mu      sync.RWMutex
	history []EngineSnapshot // ring buffer, newest last
	config  Config

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Global service instance (initialized by initService).
var svc *Service

func initService() (*Service, error) {
	s := &Service{
		config:   DefaultConfig(),
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize monitoring: %v", err))
	}
}

// run captures snapshots on the configured period.
func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CaptureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := s.capture(context.Background()); err != nil {
				rlog.Error("snapshot capture failed", "err", err)
			}
		}
	}
}

// capture polls the sibling services and appends one snapshot.
func (s *Service) capture(ctx context.Context) error {
	pm, err := pipeline.GetPipelineMetrics(ctx)
	if err != nil {
		return fmt.Errorf("pipeline metrics: %w", err)
	}
	cm, err := respcache.GetCacheMetrics(ctx)
	if err != nil {
		return fmt.Errorf("cache metrics: %w", err)
	}
	dm, err := dedup.GetDedupMetrics(ctx)
	if err != nil {
		return fmt.Errorf("dedup metrics: %w", err)
	}
	sm, err := policysync.GetSyncMetrics(ctx)
	if err != nil {
		return fmt.Errorf("sync metrics: %w", err)
	}
	ss, err := policysync.GetSyncStatus(ctx)
	if err != nil {
		return fmt.Errorf("sync status: %w", err)
	}
	psm, err := policystore.GetMetrics(ctx)
	if err != nil {
		return fmt.Errorf("policy metrics: %w", err)
	}

	snapshot := EngineSnapshot{
		Timestamp:     time.Now(),
		Requests:      pm.Requests,
		Hits:          pm.Hits,
		Misses:        pm.Misses,
		Bypasses:      pm.Bypasses,
		HitRate:       hitRate(pm.Hits, pm.Misses),
		Fetches:       pm.Fetches,
		Evictions:     pm.Evictions,
		DedupJoins:    dm.Joins + dm.PeerWaits,
		DedupTimeouts: dm.Timeouts,
		StoredPuts:    cm.Puts,
		SweepDeletes:  cm.SweepDeletes,
		SyncState:     ss.State,
		PolicySets:    psm.Sets,
		Disconnects:   sm.Disconnects,
	}

	s.mu.Lock()
	s.history = append(s.history, snapshot)
	if overflow := len(s.history) - s.config.HistorySize; overflow > 0 {
		s.history = s.history[overflow:]
	}
	s.mu.Unlock()
	return nil
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Shutdown stops the capture loop.
func (s *Service) Shutdown(force context.Context) {
	close(s.stopChan)
	s.wg.Wait()
}

// API types.

type StatusResponse struct {
	Engine   *pipeline.StatusResponse `json:"engine"`
	Latest   *EngineSnapshot          `json:"latest,omitempty"`
	Captures int                      `json:"captures"`
}

type HistoryRequest struct {
	Limit int `json:"limit"`
}

type HistoryResponse struct {
	Snapshots []EngineSnapshot `json:"snapshots"`
}

// GetStatus returns the engine status and the latest snapshot.
//
//encore:api public method=GET path=/monitoring/status
func GetStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	engine, err := pipeline.GetEngineStatus(ctx)
	if err != nil {
		return nil, err
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()
	resp := &StatusResponse{Engine: engine, Captures: len(svc.history)}
	if n := len(svc.history); n > 0 {
		latest := svc.history[n-1]
		resp.Latest = &latest
	}
	return resp, nil
}

// GetHistory returns recent snapshots, newest last.
//
//encore:api public method=POST path=/monitoring/history
func GetHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	limit := req.Limit
	if limit <= 0 || limit > svc.config.HistorySize {
		limit = svc.config.HistorySize
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()
	start := len(svc.history) - limit
	if start < 0 {
		start = 0
	}
	snapshots := make([]EngineSnapshot, len(svc.history)-start)
	copy(snapshots, svc.history[start:])
	return &HistoryResponse{Snapshots: snapshots}, nil
}
