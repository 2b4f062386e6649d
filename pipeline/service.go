// Package pipeline is the entry point for every intercepted request: policy
// resolution, cache key construction, store lookup with freshness checks,
// and deduplicated upstream fetches with write-back.
//
// Design Choices:
// - The request state machine is resolve -> key -> lookup -> fetch; every
//   path that cannot establish freshness degrades to bypass or a network
//   fetch, never to serving an unverifiable entry
// - Store failures are logged and swallowed: a broken store downgrades the
//   engine to a pass-through proxy instead of failing requests
// - The upstream fetch is the only place errors surface to the caller; the
//   caller already expects network failures there
// - Write-back re-resolves the policy, so a fetch that outlives a policy
//   change is discarded instead of stored under a dead route
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"encore.dev/rlog"

	"encore.app/dedup"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/env"
	"encore.app/pkg/models"
	"encore.app/policystore"
	"encore.app/policysync"
	"encore.app/prefetch"
	"encore.app/respcache"
)

// Served labels how a response was produced.
const (
	ServedBypass = "bypass"
	ServedCache  = "cache"
	ServedFetch  = "fetch"
)

// Doer abstracts the upstream HTTP client (for production or testing).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Collaborator capabilities, implemented by the engine singletons and
// injectable for tests.

type policyResolver interface {
	ResolveSettings(req *models.Request, ignoreOrigins []string) *models.CacheSettings
}

type responseCache interface {
	Match(ctx context.Context, key string) (*models.StoredResponse, error)
	Put(ctx context.Context, key string, resp *models.StoredResponse) error
	Delete(ctx context.Context, key string)
}

type deduper interface {
	Dedupe(ctx context.Context, key string, fetcher dedup.Fetcher) (*models.StoredResponse, error)
}

// Service implements the request pipeline.
//
//encore:service
type Service struct {
	environment *env.Environment
	bypassAll   bool // no usable configuration: forward everything

	policies policyResolver
	cache    responseCache
	dedupe   deduper
	client   Doer
	metrics  *Metrics
}

// Metrics tracks pipeline counters.
type Metrics struct {
	Requests    atomic.Int64
	Bypasses    atomic.Int64
	Hits        atomic.Int64
	Misses      atomic.Int64
	Evictions   atomic.Int64
	Fetches     atomic.Int64
	FetchErrors atomic.Int64
}

// Global service instance (initialized by initService).
var svc *Service

func initService() (*Service, error) {
	s := &Service{
		policies: policystore.Instance(),
		cache:    respcache.Instance(),
		dedupe:   dedup.Instance(),
		client:   &http.Client{Timeout: 30 * time.Second},
		metrics:  &Metrics{},
	}

	environment, err := env.Load()
	if err != nil {
		rlog.Error("environment configuration rejected, running in bypass mode", "err", err)
		s.bypassAll = true
		return s, nil
	}
	if !environment.Complete() {
		rlog.Info("incomplete environment configuration, running in bypass mode")
		s.bypassAll = true
		return s, nil
	}
	s.environment = environment

	if err := respcache.Instance().Configure(environment.CacheName); err != nil {
		rlog.Error("response store configuration failed, running in bypass mode", "err", err)
		s.bypassAll = true
		return s, nil
	}

	prefetch.Instance().SetRunner(s)

	store := policystore.Instance()
	store.OnSet(s.handlePolicySet)
	store.OnReset(s.handlePolicyReset)
	store.LoadPersisted(context.Background())
	if store.Snapshot() != nil {
		prefetch.Instance().Trigger(models.PrefetchOnLoad, models.PrefetchAlways)
	}

	sync := policysync.Instance()
	sync.Configure(policysync.Config{
		StreamURL:    environment.WebsocketServerURL,
		PollURL:      environment.FallbackPollingServerURL,
		PollInterval: environment.PollInterval(),
	}, policysync.Callbacks{
		OnReceive: func(ctx context.Context, policy *models.CachePolicy, source string) {
			if err := store.Set(ctx, policy, source); err != nil {
				rlog.Error("delivered policy rejected", "source", source, "err", err)
			}
		},
		OnConnect: func() {
			// Reconnection triggers a prefetch sweep; the sweep itself
			// runs after any in-flight stale sweep thanks to the debounce.
			prefetch.Instance().Trigger(models.PrefetchOnUpdate, models.PrefetchAlways)
		},
	})
	sync.Connect(context.Background())

	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize pipeline: %v", err))
	}
}

// handlePolicySet purges entries that are stale under the new policy, then
// warms prefetch-eligible routes. The sweep completes before warming is
// scheduled.
func (s *Service) handlePolicySet(ctx context.Context, policy *models.CachePolicy) {
	if _, err := respcache.Instance().DeleteStale(ctx, policystore.Instance(), s.ignoreOrigins()); err != nil {
		rlog.Error("stale sweep after policy set failed", "err", err)
	}
	prefetch.Instance().Trigger(models.PrefetchOnUpdate, models.PrefetchAlways)
}

// handlePolicyReset clears every cached response.
func (s *Service) handlePolicyReset(ctx context.Context) {
	if err := respcache.Instance().Clear(ctx); err != nil {
		rlog.Error("response clear after policy reset failed", "err", err)
	}
}

func (s *Service) ignoreOrigins() []string {
	if s.environment == nil {
		return nil
	}
	return s.environment.IgnoreOrigins
}

// Handle runs one intercepted request through the state machine. The second
// return reports how the response was produced.
func (s *Service) Handle(ctx context.Context, req *models.Request) (*http.Response, string, error) {
	s.metrics.Requests.Add(1)

	// resolve
	var settings *models.CacheSettings
	if !s.bypassAll {
		settings = s.policies.ResolveSettings(req, s.ignoreOrigins())
	}
	if settings == nil || !settings.Cacheable() {
		s.metrics.Bypasses.Add(1)
		resp, err := s.forward(ctx, req)
		return resp, ServedBypass, err
	}

	// key
	key := cachekey.Build(req, settings)

	// lookup
	stored, err := s.cache.Match(ctx, key)
	if err != nil {
		rlog.Error("store lookup failed, treating as miss", "key", key, "err", err)
		stored = nil
	}
	if stored != nil {
		storedAt, err := stored.StoredAt()
		switch {
		case err != nil:
			rlog.Error("stored entry has unparsable timestamp, deleting", "key", key, "err", err)
			s.cache.Delete(ctx, key)
		case respcache.Fresh(settings, storedAt, time.Now().UnixMilli()):
			s.metrics.Hits.Add(1)
			return stored.ToHTTPResponse(), ServedCache, nil
		default:
			s.metrics.Evictions.Add(1)
			s.cache.Delete(ctx, key)
		}
	} else {
		s.metrics.Misses.Add(1)
	}

	// fetch
	envelope, err := s.dedupe.Dedupe(ctx, key, func(ctx context.Context) (*models.StoredResponse, error) {
		return s.fetchAndStore(ctx, req, key)
	})
	if err != nil {
		s.metrics.FetchErrors.Add(1)
		return nil, ServedFetch, err
	}
	return envelope.ToHTTPResponse(), ServedFetch, nil
}

// fetchAndStore performs the upstream fetch and writes successful responses
// back under the cache key. The store write happens before the envelope is
// returned (and thus before any response-ready broadcast), so peers that
// miss the broadcast find the entry on their next lookup.
func (s *Service) fetchAndStore(ctx context.Context, req *models.Request, key string) (*models.StoredResponse, error) {
	s.metrics.Fetches.Add(1)

	envelope, err := s.forwardEnvelope(ctx, req)
	if err != nil {
		return nil, err
	}
	if !envelope.Success() {
		return envelope, nil // returned but never stored
	}

	// The policy may have changed while the fetch was in flight; a route it
	// no longer covers is not written back.
	settings := s.policies.ResolveSettings(req, s.ignoreOrigins())
	if settings == nil || !settings.Cacheable() {
		return envelope, nil
	}

	envelope.Stamp(time.Now().UnixMilli())
	if err := s.cache.Put(ctx, key, envelope); err != nil {
		rlog.Error("response write-back failed", "key", key, "err", err)
	}
	return envelope, nil
}

// forward performs a verbatim upstream fetch for the bypass path.
func (s *Service) forward(ctx context.Context, req *models.Request) (*http.Response, error) {
	httpReq, err := req.ToHTTPRequest()
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(httpReq.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("upstream fetch failed: %w", err)
	}
	return resp, nil
}

// forwardEnvelope performs an upstream fetch and buffers it into an
// envelope.
func (s *Service) forwardEnvelope(ctx context.Context, req *models.Request) (*models.StoredResponse, error) {
	resp, err := s.forward(ctx, req)
	if err != nil {
		return nil, err
	}
	return models.FromHTTPResponse(resp)
}

// Run executes a synthetic prefetch request through the pipeline.
func (s *Service) Run(ctx context.Context, req *models.Request) error {
	resp, _, err := s.Handle(ctx, req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// API types.

type MetricsResponse struct {
	Requests    int64 `json:"requests"`
	Bypasses    int64 `json:"bypasses"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Fetches     int64 `json:"fetches"`
	FetchErrors int64 `json:"fetch_errors"`
}

type StatusResponse struct {
	BypassMode bool   `json:"bypass_mode"`
	CacheName  string `json:"cache_name,omitempty"`
	SyncState  string `json:"sync_state"`
}

// GetPipelineMetrics returns request pipeline counters.
//
//encore:api public method=GET path=/engine/metrics
func GetPipelineMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	m := svc.metrics
	return &MetricsResponse{
		Requests:    m.Requests.Load(),
		Bypasses:    m.Bypasses.Load(),
		Hits:        m.Hits.Load(),
		Misses:      m.Misses.Load(),
		Evictions:   m.Evictions.Load(),
		Fetches:     m.Fetches.Load(),
		FetchErrors: m.FetchErrors.Load(),
	}, nil
}

// GetEngineStatus reports whether the engine is caching or passing through.
//
//encore:api public method=GET path=/engine/status
func GetEngineStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	resp := &StatusResponse{
		BypassMode: svc.bypassAll,
		SyncState:  policysync.Instance().State(),
	}
	if svc.environment != nil {
		resp.CacheName = svc.environment.CacheName
	}
	return resp, nil
}
