// Package prefetch proactively populates the response store for routes whose
// policy declares a warming mode.
//
// Design Philosophy:
// - Warm-up is debounced: bursts of policy activity collapse into one
//   trailing sweep per window, with the triggering mode sets unioned
// - A fixed set of warmer goroutines drains a bounded route queue through
//   the regular pipeline, so warmed entries are indistinguishable from
//   demand entries; overflow routes are dropped, not queued unboundedly
// - A rate limiter protects origins from warm-up bursts, and a singleflight
//   group prevents redundant warming of the same route within a sweep
// - Individual failures are logged and swallowed: warming never fails the
//   engine
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"encore.app/pkg/models"
	"encore.app/policystore"
)

// Runner executes one synthetic request through the request pipeline.
// The pipeline service registers itself here during bootstrap.
type Runner interface {
	Run(ctx context.Context, req *models.Request) error
}

// RouteSource enumerates the warm-eligible routes for a mode set. The policy
// store implements it; tests inject fakes.
type RouteSource interface {
	PrefetchRequests(modes ...models.PrefetchMode) []*models.Request
}

// Service implements the warm-up engine.
//
//encore:service
type Service struct {
	mu           sync.RWMutex
	runner       Runner
	routes       RouteSource
	pendingModes map[models.PrefetchMode]bool

	// Warmer goroutines drain queue until stopChan closes.
	queue    chan *models.Request
	active   atomic.Int32
	stopChan chan struct{}
	wg       sync.WaitGroup

	debouncer *Debouncer
	limiter   *rate.Limiter
	deduper   singleflight.Group
	config    Config
	metrics   *Metrics
}

// Config holds runtime configuration for warming.
type Config struct {
	MaxOriginRPS      int           // max warm requests per second to origins
	ConcurrentWarmers int           // warmer goroutines
	QueueDepth        int           // bounded route queue; overflow is dropped
	DebounceWindow    time.Duration // trailing coalescing window
	TaskTimeout       time.Duration // per-route bound
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxOriginRPS:      50,
		ConcurrentWarmers: 8,
		QueueDepth:        256,
		DebounceWindow:    500 * time.Millisecond,
		TaskTimeout:       15 * time.Second,
	}
}

// Metrics tracks warming counters.
type Metrics struct {
	Triggers  atomic.Int64
	Sweeps    atomic.Int64
	Queued    atomic.Int64
	Dropped   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// Global service instance (initialized by initService).
var svc *Service

func initService() (*Service, error) {
	config := DefaultConfig()
	s := &Service{
		routes:       policystore.Instance(),
		pendingModes: make(map[models.PrefetchMode]bool),
		queue:        make(chan *models.Request, config.QueueDepth),
		stopChan:     make(chan struct{}),
		limiter:      rate.NewLimiter(rate.Limit(config.MaxOriginRPS), config.MaxOriginRPS),
		config:       config,
		metrics:      &Metrics{},
	}
	s.debouncer = NewDebouncer(config.DebounceWindow, s.sweep)
	s.startWarmers()
	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize prefetch service: %v", err))
	}
}

// Instance returns the process-wide prefetch service.
func Instance() *Service {
	return svc
}

// SetRunner injects the pipeline (for production or testing).
func (s *Service) SetRunner(runner Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = runner
}

// Trigger requests a warm-up sweep for the given modes. Repeated triggers
// within the debounce window coalesce into one trailing sweep covering the
// union of their modes.
func (s *Service) Trigger(modes ...models.PrefetchMode) {
	if len(modes) == 0 {
		return
	}
	s.mu.Lock()
	for _, m := range modes {
		s.pendingModes[m] = true
	}
	s.mu.Unlock()

	s.metrics.Triggers.Add(1)
	s.debouncer.Trigger()
}

// sweep is the debounced warm-up body: it enumerates the routes whose
// prefetch mode is pending and feeds them to the warmers.
func (s *Service) sweep() {
	s.mu.Lock()
	modes := make([]models.PrefetchMode, 0, len(s.pendingModes))
	for m := range s.pendingModes {
		modes = append(modes, m)
	}
	s.pendingModes = make(map[models.PrefetchMode]bool)
	s.mu.Unlock()

	if len(modes) == 0 {
		return
	}
	s.metrics.Sweeps.Add(1)

	s.mu.RLock()
	routes := s.routes
	s.mu.RUnlock()
	requests := routes.PrefetchRequests(modes...)
	if len(requests) == 0 {
		return
	}

	queued := 0
	for _, req := range requests {
		select {
		case s.queue <- req:
			queued++
		default:
			// Warming is best-effort: a full queue drops the route.
			s.metrics.Dropped.Add(1)
		}
	}
	s.metrics.Queued.Add(int64(queued))
	rlog.Info("warm-up sweep queued", "routes", len(requests), "queued", queued)
}

// startWarmers launches the warmer goroutines.
func (s *Service) startWarmers() {
	for i := 0; i < s.config.ConcurrentWarmers; i++ {
		s.wg.Add(1)
		go s.runWarmer()
	}
}

// runWarmer drains the route queue until shutdown.
func (s *Service) runWarmer() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case req := <-s.queue:
			s.active.Add(1)
			ctx, cancel := context.WithTimeout(context.Background(), s.config.TaskTimeout)
			s.warm(ctx, req)
			cancel()
			s.active.Add(-1)
		}
	}
}

// warm runs one route through the pipeline: rate limited, deduplicated per
// route, failures logged and swallowed.
func (s *Service) warm(ctx context.Context, req *models.Request) {
	s.mu.RLock()
	runner := s.runner
	s.mu.RUnlock()
	if runner == nil {
		rlog.Error("warm route dropped, no runner registered", "url", req.URL.String())
		s.metrics.Failures.Add(1)
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		rlog.Error("warm route rate-limit wait aborted", "url", req.URL.String(), "err", err)
		s.metrics.Failures.Add(1)
		return
	}

	routeKey := req.Method + " " + req.URL.String()
	_, err, _ := s.deduper.Do(routeKey, func() (interface{}, error) {
		return nil, runner.Run(ctx, req)
	})
	if err != nil {
		rlog.Error("warm route failed", "url", req.URL.String(), "err", err)
		s.metrics.Failures.Add(1)
		return
	}
	s.metrics.Successes.Add(1)
}

// Shutdown stops the debouncer and the warmers.
func (s *Service) Shutdown(force context.Context) {
	s.debouncer.Stop()
	close(s.stopChan)
	s.wg.Wait()
}

// API types.

type TriggerRequest struct {
	Modes []string `json:"modes"` // always, on-load, on-update
}

type TriggerResponse struct {
	Success bool `json:"success"`
}

type StatusResponse struct {
	ActiveWarms  int   `json:"active_warms"`
	QueuedRoutes int   `json:"queued_routes"`
	Triggers     int64 `json:"triggers"`
	Sweeps       int64 `json:"sweeps"`
	Queued       int64 `json:"queued"`
	Dropped      int64 `json:"dropped"`
	Successes    int64 `json:"successes"`
	Failures     int64 `json:"failures"`
}

// TriggerPrefetch manually requests a warm-up sweep.
//
//encore:api public method=POST path=/prefetch/trigger
func TriggerPrefetch(ctx context.Context, req *TriggerRequest) (*TriggerResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	modes := make([]models.PrefetchMode, 0, len(req.Modes))
	for _, raw := range req.Modes {
		mode := models.PrefetchMode(raw)
		if !mode.Valid() || mode == models.PrefetchNever {
			return nil, fmt.Errorf("invalid prefetch mode: %q", raw)
		}
		modes = append(modes, mode)
	}
	if len(modes) == 0 {
		return nil, errors.New("at least one mode is required")
	}
	svc.Trigger(modes...)
	return &TriggerResponse{Success: true}, nil
}

// GetPrefetchStatus returns warming status and counters.
//
//encore:api public method=GET path=/prefetch/status
func GetPrefetchStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	m := svc.metrics
	return &StatusResponse{
		ActiveWarms:  int(svc.active.Load()),
		QueuedRoutes: len(svc.queue),
		Triggers:     m.Triggers.Load(),
		Sweeps:       m.Sweeps.Load(),
		Queued:       m.Queued.Load(),
		Dropped:      m.Dropped.Load(),
		Successes:    m.Successes.Load(),
		Failures:     m.Failures.Load(),
	}, nil
}
