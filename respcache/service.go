// Package respcache owns the shared response store: put/match/purge of
// serialized response envelopes keyed by cache key URL, the stale sweep, and
// the per-instance L1 read-through view.
//
// Design Choices:
// - The shared table is authoritative; the L1 view only short-circuits
//   decoding and is kept coherent by invalidation broadcasts
// - Every envelope carries its insertion timestamp in the x-cache-timestamp
//   header; envelopes without a parsable timestamp are corrupt and deleted
//   on sight
// - Store operations are best-effort under concurrent mutation: an entry
//   that disappears mid-sweep is skipped, never an error
package respcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
	"encore.dev/storage/sqldb"

	enginebus "encore.app/pkg/pubsub"

	"encore.app/pkg/cachekey"
	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// Database holding the shared responses table.
var db = sqldb.Named("api_cache_responses")

// SettingsResolver resolves the merged cache settings for a request. The
// policy store implements it; tests inject fakes.
type SettingsResolver interface {
	ResolveSettings(req *models.Request, ignoreOrigins []string) *models.CacheSettings
}

// Service implements the response cache manager.
//
//encore:service
type Service struct {
	mu      sync.RWMutex
	blobs   BlobStore
	l1      *L1Cache
	publish func(ctx context.Context, event *enginebus.InvalidationEvent)
	config  Config
	metrics *Metrics
}

// Config holds runtime configuration for the response cache.
type Config struct {
	CacheName    string        // blob store namespace, set from the environment
	L1MaxEntries int           // decoded-envelope view capacity
	L1TTL        time.Duration // decoded-envelope view entry lifetime
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CacheName:    "default",
		L1MaxEntries: 1024,
		L1TTL:        30 * time.Second,
	}
}

// Metrics tracks response cache counters.
type Metrics struct {
	L1Hits       atomic.Int64
	StoreHits    atomic.Int64
	Misses       atomic.Int64
	Puts         atomic.Int64
	Deletes      atomic.Int64
	Sweeps       atomic.Int64
	SweepDeletes atomic.Int64
	Corrupt      atomic.Int64
	StoreErrors  atomic.Int64
}

// Global service instance (initialized by initService).
var svc *Service

func initService() (*Service, error) {
	config := DefaultConfig()
	blobs, err := newSQLBlobStore(db, config.CacheName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}

	s := &Service{
		blobs:   blobs,
		l1:      NewL1Cache(config.L1MaxEntries, config.L1TTL),
		config:  config,
		metrics: &Metrics{},
	}
	s.publish = func(ctx context.Context, event *enginebus.InvalidationEvent) {
		if _, err := InvalidateTopic.Publish(ctx, event); err != nil {
			rlog.Error("invalidation broadcast failed", "err", err)
		}
	}
	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize response cache: %v", err))
	}
}

// Instance returns the process-wide response cache.
func Instance() *Service {
	return svc
}

// Configure switches the blob store namespace to the environment's cache
// name. Called once during engine bootstrap.
func (s *Service) Configure(cacheName string) error {
	if cacheName == "" {
		return errors.New("cache name cannot be empty")
	}
	blobs, err := newSQLBlobStore(db, cacheName)
	if err != nil {
		return fmt.Errorf("failed to open blob store %q: %w", cacheName, err)
	}

	s.mu.Lock()
	s.blobs = blobs
	s.config.CacheName = cacheName
	s.mu.Unlock()
	s.l1.Clear()
	return nil
}

func (s *Service) store() BlobStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobs
}

// Match returns the stored envelope for a key, or (nil, nil) on miss.
// Corrupt envelopes are deleted and reported as a miss.
func (s *Service) Match(ctx context.Context, key string) (*models.StoredResponse, error) {
	if resp, ok := s.l1.Get(key); ok {
		s.metrics.L1Hits.Add(1)
		return resp, nil
	}

	data, found, err := s.store().Get(ctx, key)
	if err != nil {
		s.metrics.StoreErrors.Add(1)
		return nil, err
	}
	if !found {
		s.metrics.Misses.Add(1)
		return nil, nil
	}

	resp, err := utils.UnmarshalStoredResponse(data)
	if err != nil {
		s.metrics.Corrupt.Add(1)
		rlog.Error("corrupt stored response, deleting", "key", key, "err", err)
		s.Delete(ctx, key)
		return nil, nil
	}

	s.metrics.StoreHits.Add(1)
	s.l1.Set(key, resp)
	return resp, nil
}

// Put stores a stamped envelope under its cache key.
func (s *Service) Put(ctx context.Context, key string, resp *models.StoredResponse) error {
	data, err := utils.MarshalStoredResponse(resp)
	if err != nil {
		return err
	}
	if err := s.store().Put(ctx, key, data); err != nil {
		s.metrics.StoreErrors.Add(1)
		return err
	}
	s.metrics.Puts.Add(1)
	s.l1.Set(key, resp)
	return nil
}

// Delete removes a key from the shared store and all L1 views.
func (s *Service) Delete(ctx context.Context, key string) {
	if err := s.store().Delete(ctx, key); err != nil {
		s.metrics.StoreErrors.Add(1)
		rlog.Error("response delete failed", "key", key, "err", err)
	}
	s.l1.Delete(key)
	s.metrics.Deletes.Add(1)
	s.publishInvalidation(ctx, []string{key}, false)
}

// Clear removes every stored entry of the cache namespace in one bulk delete,
// then tells peers to drop their views.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.store().Clear(ctx); err != nil {
		s.metrics.StoreErrors.Add(1)
		return err
	}
	s.l1.Clear()
	s.publishInvalidation(ctx, nil, true)
	return nil
}

// Keys lists every stored cache key.
func (s *Service) Keys(ctx context.Context) ([]string, error) {
	return s.store().Keys(ctx)
}

// DeleteStale sweeps the store: for every entry it reverses the key back to
// the original request, resolves its settings, and deletes entries that are
// stale, uncovered by the active policy, or corrupt. Returns the number of
// deleted entries.
func (s *Service) DeleteStale(ctx context.Context, resolver SettingsResolver, ignoreOrigins []string) (int, error) {
	keys, err := s.store().Keys(ctx)
	if err != nil {
		s.metrics.StoreErrors.Add(1)
		return 0, fmt.Errorf("stale sweep key enumeration failed: %w", err)
	}
	s.metrics.Sweeps.Add(1)

	now := time.Now().UnixMilli()
	var deleted []string
	for _, key := range keys {
		data, found, err := s.store().Get(ctx, key)
		if err != nil {
			s.metrics.StoreErrors.Add(1)
			rlog.Error("stale sweep read failed", "key", key, "err", err)
			continue
		}
		if !found {
			continue // concurrent delete, skip
		}

		resp, err := utils.UnmarshalStoredResponse(data)
		if err != nil {
			s.metrics.Corrupt.Add(1)
			rlog.Error("corrupt stored response in sweep, deleting", "key", key, "err", err)
			deleted = append(deleted, key)
			continue
		}

		storedAt, err := resp.StoredAt()
		if err != nil {
			s.metrics.Corrupt.Add(1)
			rlog.Error("unparsable response timestamp, deleting", "key", key, "err", err)
			deleted = append(deleted, key)
			continue
		}

		original, err := cachekey.Revert(key)
		if err != nil {
			rlog.Error("irreversible cache key, deleting", "key", key, "err", err)
			deleted = append(deleted, key)
			continue
		}

		settings := resolver.ResolveSettings(original, ignoreOrigins)
		if !Fresh(settings, storedAt, now) {
			deleted = append(deleted, key)
		}
	}

	for _, key := range deleted {
		if err := s.store().Delete(ctx, key); err != nil {
			s.metrics.StoreErrors.Add(1)
			rlog.Error("stale sweep delete failed", "key", key, "err", err)
			continue
		}
		s.l1.Delete(key)
	}
	s.metrics.SweepDeletes.Add(int64(len(deleted)))
	s.publishInvalidation(ctx, deleted, false)

	return len(deleted), nil
}

// API types.

type ClearResponse struct {
	Success bool `json:"success"`
}

type MetricsResponse struct {
	L1Hits       int64 `json:"l1_hits"`
	StoreHits    int64 `json:"store_hits"`
	Misses       int64 `json:"misses"`
	Puts         int64 `json:"puts"`
	Deletes      int64 `json:"deletes"`
	Sweeps       int64 `json:"sweeps"`
	SweepDeletes int64 `json:"sweep_deletes"`
	Corrupt      int64 `json:"corrupt"`
	StoreErrors  int64 `json:"store_errors"`
	L1Size       int   `json:"l1_size"`
}

// ClearCache removes every stored response.
//
//encore:api public method=POST path=/cache/clear
func ClearCache(ctx context.Context) (*ClearResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	if err := svc.Clear(ctx); err != nil {
		return nil, err
	}
	return &ClearResponse{Success: true}, nil
}

// GetCacheMetrics returns response cache counters.
//
//encore:api public method=GET path=/cache/metrics
func GetCacheMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	m := svc.metrics
	return &MetricsResponse{
		L1Hits:       m.L1Hits.Load(),
		StoreHits:    m.StoreHits.Load(),
		Misses:       m.Misses.Load(),
		Puts:         m.Puts.Load(),
		Deletes:      m.Deletes.Load(),
		Sweeps:       m.Sweeps.Load(),
		SweepDeletes: m.SweepDeletes.Load(),
		Corrupt:      m.Corrupt.Load(),
		StoreErrors:  m.StoreErrors.Load(),
		L1Size:       svc.l1.Size(),
	}, nil
}
