package prefetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"encore.app/pkg/models"
)

// MockRunner records warmed requests.
type MockRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (m *MockRunner) Run(ctx context.Context, req *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, req.Method+" "+req.URL.String())
	return m.err
}

func (m *MockRunner) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// MockRoutes records the requested modes and returns fixed requests.
type MockRoutes struct {
	mu       sync.Mutex
	modeSets [][]models.PrefetchMode
	requests []*models.Request
}

func (m *MockRoutes) PrefetchRequests(modes ...models.PrefetchMode) []*models.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeSets = append(m.modeSets, modes)
	return m.requests
}

func (m *MockRoutes) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.modeSets)
}

func (m *MockRoutes) LastModes() []models.PrefetchMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.modeSets) == 0 {
		return nil
	}
	return m.modeSets[len(m.modeSets)-1]
}

func newTestPrefetch(routes RouteSource, runner Runner) *Service {
	config := Config{
		MaxOriginRPS:      1000,
		ConcurrentWarmers: 2,
		QueueDepth:        16,
		DebounceWindow:    20 * time.Millisecond,
		TaskTimeout:       time.Second,
	}
	s := &Service{
		routes:       routes,
		pendingModes: make(map[models.PrefetchMode]bool),
		queue:        make(chan *models.Request, config.QueueDepth),
		stopChan:     make(chan struct{}),
		limiter:      rate.NewLimiter(rate.Limit(config.MaxOriginRPS), config.MaxOriginRPS),
		config:       config,
		metrics:      &Metrics{},
	}
	s.debouncer = NewDebouncer(config.DebounceWindow, s.sweep)
	s.startWarmers()
	if runner != nil {
		s.SetRunner(runner)
	}
	return s
}

func warmRoute(t *testing.T, rawURL string) *models.Request {
	t.Helper()
	req, err := models.NewRequest("GET", rawURL)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return req
}

func TestTriggerDebouncesToOneSweep(t *testing.T) {
	routes := &MockRoutes{requests: []*models.Request{warmRoute(t, "https://api.example.com/users")}}
	runner := &MockRunner{}
	s := newTestPrefetch(routes, runner)
	defer s.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		s.Trigger(models.PrefetchOnUpdate)
	}

	time.Sleep(150 * time.Millisecond)
	if s.metrics.Sweeps.Load() != 1 {
		t.Errorf("Sweeps = %d for 5 bursty triggers, want 1", s.metrics.Sweeps.Load())
	}
	if routes.Calls() != 1 {
		t.Errorf("route enumeration ran %d times, want 1", routes.Calls())
	}
	if runner.Count() != 1 {
		t.Errorf("runner ran %d times, want 1", runner.Count())
	}
}

func TestTriggerUnionsModesAcrossBurst(t *testing.T) {
	routes := &MockRoutes{}
	s := newTestPrefetch(routes, &MockRunner{})
	defer s.Shutdown(context.Background())

	s.Trigger(models.PrefetchOnUpdate)
	s.Trigger(models.PrefetchAlways)

	time.Sleep(100 * time.Millisecond)
	modes := routes.LastModes()
	if len(modes) != 2 {
		t.Fatalf("sweep saw %d modes, want union of 2", len(modes))
	}
	seen := map[models.PrefetchMode]bool{}
	for _, m := range modes {
		seen[m] = true
	}
	if !seen[models.PrefetchOnUpdate] || !seen[models.PrefetchAlways] {
		t.Errorf("sweep modes = %v, want on-update and always", modes)
	}
}

func TestWarmFailuresAreSwallowed(t *testing.T) {
	routes := &MockRoutes{requests: []*models.Request{
		warmRoute(t, "https://api.example.com/a"),
		warmRoute(t, "https://api.example.com/b"),
	}}
	runner := &MockRunner{err: errors.New("origin down")}
	s := newTestPrefetch(routes, runner)
	defer s.Shutdown(context.Background())

	s.Trigger(models.PrefetchAlways)

	time.Sleep(150 * time.Millisecond)
	if runner.Count() != 2 {
		t.Errorf("runner ran %d times, want 2 (failures don't stop the sweep)", runner.Count())
	}
	if s.metrics.Failures.Load() != 2 {
		t.Errorf("Failures = %d, want 2", s.metrics.Failures.Load())
	}
}

func TestWarmWithoutRunnerCountsFailure(t *testing.T) {
	routes := &MockRoutes{requests: []*models.Request{warmRoute(t, "https://api.example.com/a")}}
	s := newTestPrefetch(routes, nil)
	defer s.Shutdown(context.Background())

	s.Trigger(models.PrefetchAlways)

	time.Sleep(100 * time.Millisecond)
	if s.metrics.Failures.Load() != 1 {
		t.Errorf("Failures = %d without a runner, want 1", s.metrics.Failures.Load())
	}
}

func TestTriggerWithoutModesIsNoop(t *testing.T) {
	routes := &MockRoutes{}
	s := newTestPrefetch(routes, &MockRunner{})
	defer s.Shutdown(context.Background())

	s.Trigger()
	time.Sleep(60 * time.Millisecond)
	if routes.Calls() != 0 {
		t.Errorf("empty trigger enumerated routes %d times, want 0", routes.Calls())
	}
}

func TestSweepDropsOverflowRoutes(t *testing.T) {
	routes := &MockRoutes{requests: []*models.Request{
		warmRoute(t, "https://api.example.com/a"),
		warmRoute(t, "https://api.example.com/b"),
		warmRoute(t, "https://api.example.com/c"),
	}}
	// No warmers started: the queue fills deterministically.
	s := &Service{
		routes:       routes,
		pendingModes: map[models.PrefetchMode]bool{models.PrefetchAlways: true},
		queue:        make(chan *models.Request, 2),
		stopChan:     make(chan struct{}),
		limiter:      rate.NewLimiter(1, 1),
		config:       Config{QueueDepth: 2},
		metrics:      &Metrics{},
	}

	s.sweep()

	if s.metrics.Queued.Load() != 2 {
		t.Errorf("Queued = %d, want 2", s.metrics.Queued.Load())
	}
	if s.metrics.Dropped.Load() != 1 {
		t.Errorf("Dropped = %d, want 1 overflow route", s.metrics.Dropped.Load())
	}
}
