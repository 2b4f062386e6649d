package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"encore.app/dedup"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/env"
	"encore.app/pkg/models"
)

func ms(v int64) *int64 {
	return &v
}

// MockResolver returns queued settings, repeating the last entry.
type MockResolver struct {
	mu    sync.Mutex
	queue []*models.CacheSettings
	calls int
}

func (m *MockResolver) ResolveSettings(req *models.Request, ignoreOrigins []string) *models.CacheSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.queue) == 0 {
		return nil
	}
	settings := m.queue[0]
	if len(m.queue) > 1 {
		m.queue = m.queue[1:]
	}
	return settings
}

// MockCache is an in-memory responseCache.
type MockCache struct {
	mu      sync.Mutex
	entries map[string]*models.StoredResponse
	puts    []string
	deletes []string
}

func NewMockCache() *MockCache {
	return &MockCache{entries: make(map[string]*models.StoredResponse)}
}

func (m *MockCache) Match(ctx context.Context, key string) (*models.StoredResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *MockCache) Put(ctx context.Context, key string, resp *models.StoredResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = resp
	m.puts = append(m.puts, key)
	return nil
}

func (m *MockCache) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	m.deletes = append(m.deletes, key)
}

func (m *MockCache) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.puts)
}

func (m *MockCache) DeleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deletes)
}

func (m *MockCache) Seed(key string, resp *models.StoredResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = resp
}

// passthroughDeduper runs the fetcher inline.
type passthroughDeduper struct{}

func (passthroughDeduper) Dedupe(ctx context.Context, key string, fetcher dedup.Fetcher) (*models.StoredResponse, error) {
	return fetcher(ctx)
}

// MockDoer simulates the upstream.
type MockDoer struct {
	mu     sync.Mutex
	status int
	body   string
	err    error
	calls  int
}

func (m *MockDoer) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	status := m.status
	if status == 0 {
		status = 200
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(m.body)),
	}, nil
}

func (m *MockDoer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestPipeline(resolver *MockResolver, cache *MockCache, upstream *MockDoer) *Service {
	return &Service{
		environment: &env.Environment{CacheName: "test", WebsocketServerURL: "wss://policy"},
		policies:    resolver,
		cache:       cache,
		dedupe:      passthroughDeduper{},
		client:      upstream,
		metrics:     &Metrics{},
	}
}

func interceptedRequest(t *testing.T, method, rawURL string) *models.Request {
	t.Helper()
	req, err := models.NewRequest(method, rawURL)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return req
}

func TestHandleBypassWithoutSettings(t *testing.T) {
	resolver := &MockResolver{} // resolves to nil
	cache := NewMockCache()
	upstream := &MockDoer{body: "upstream"}
	s := newTestPipeline(resolver, cache, upstream)

	resp, served, err := s.Handle(context.Background(), interceptedRequest(t, "GET", "https://api.example.com/x"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if served != ServedBypass {
		t.Errorf("served = %q, want bypass", served)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "upstream" {
		t.Errorf("body = %q, want upstream response unmodified", body)
	}
	if upstream.Calls() != 1 {
		t.Errorf("upstream calls = %d, want exactly 1", upstream.Calls())
	}
	if cache.PutCount() != 0 {
		t.Error("bypass wrote to the response store")
	}
}

func TestHandleBypassWhenSettingsNotCacheable(t *testing.T) {
	resolver := &MockResolver{queue: []*models.CacheSettings{{KeyHeaders: []string{"Accept"}}}}
	cache := NewMockCache()
	upstream := &MockDoer{}
	s := newTestPipeline(resolver, cache, upstream)

	_, served, err := s.Handle(context.Background(), interceptedRequest(t, "GET", "https://api.example.com/x"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if served != ServedBypass {
		t.Errorf("served = %q, want bypass for settings without ttl or lastModified", served)
	}
}

func TestHandleFreshHitSkipsNetwork(t *testing.T) {
	settings := &models.CacheSettings{TTL: ms(60000)}
	resolver := &MockResolver{queue: []*models.CacheSettings{settings}}
	cache := NewMockCache()
	upstream := &MockDoer{body: "from network"}
	s := newTestPipeline(resolver, cache, upstream)
	ctx := context.Background()
	req := interceptedRequest(t, "GET", "https://api.example.com/users")

	// First request fetches and stores.
	_, served, err := s.Handle(ctx, req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if served != ServedFetch {
		t.Errorf("first request served = %q, want fetch", served)
	}
	if cache.PutCount() != 1 {
		t.Fatalf("PutCount = %d after first request, want 1", cache.PutCount())
	}

	// Second request is a fresh hit.
	resp, served, err := s.Handle(ctx, interceptedRequest(t, "GET", "https://api.example.com/users"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if served != ServedCache {
		t.Errorf("second request served = %q, want cache", served)
	}
	if upstream.Calls() != 1 {
		t.Errorf("upstream calls = %d across two requests, want 1", upstream.Calls())
	}
	if got := resp.Header.Get(models.TimestampHeader); got == "" {
		t.Error("cached response missing timestamp header")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "from network" {
		t.Errorf("cached body = %q, want original", body)
	}
}

func TestHandleStaleEntryEvictedThenFetched(t *testing.T) {
	settings := &models.CacheSettings{TTL: ms(1000)}
	resolver := &MockResolver{queue: []*models.CacheSettings{settings}}
	cache := NewMockCache()
	upstream := &MockDoer{body: "fresh"}
	s := newTestPipeline(resolver, cache, upstream)
	req := interceptedRequest(t, "GET", "https://api.example.com/users")

	stale := &models.StoredResponse{Status: 200, Body: []byte("old")}
	stale.Stamp(time.Now().UnixMilli() - 100000)
	cache.Seed(cachekey.Build(req, settings), stale)

	resp, served, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if served != ServedFetch {
		t.Errorf("served = %q, want fetch after eviction", served)
	}
	if cache.DeleteCount() != 1 {
		t.Errorf("DeleteCount = %d, want 1 (stale entry evicted)", cache.DeleteCount())
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "fresh" {
		t.Errorf("body = %q, want fresh fetch", body)
	}
}

func TestHandleCorruptTimestampDeleted(t *testing.T) {
	settings := &models.CacheSettings{TTL: ms(60000)}
	resolver := &MockResolver{queue: []*models.CacheSettings{settings}}
	cache := NewMockCache()
	upstream := &MockDoer{body: "x"}
	s := newTestPipeline(resolver, cache, upstream)
	req := interceptedRequest(t, "GET", "https://api.example.com/users")

	corrupt := &models.StoredResponse{Status: 200, Headers: [][2]string{{models.TimestampHeader, "garbage"}}}
	cache.Seed(cachekey.Build(req, settings), corrupt)

	_, served, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if served != ServedFetch {
		t.Errorf("served = %q, want fetch after corrupt delete", served)
	}
	if cache.DeleteCount() != 1 {
		t.Errorf("DeleteCount = %d, want 1 (corrupt entry deleted)", cache.DeleteCount())
	}
}

func TestHandleNon2xxReturnedNotStored(t *testing.T) {
	settings := &models.CacheSettings{TTL: ms(60000)}
	resolver := &MockResolver{queue: []*models.CacheSettings{settings}}
	cache := NewMockCache()
	upstream := &MockDoer{status: 502, body: "bad gateway"}
	s := newTestPipeline(resolver, cache, upstream)

	resp, _, err := s.Handle(context.Background(), interceptedRequest(t, "GET", "https://api.example.com/users"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.StatusCode != 502 {
		t.Errorf("status = %d, want upstream 502 returned", resp.StatusCode)
	}
	if cache.PutCount() != 0 {
		t.Error("non-2xx response was stored")
	}
}

func TestHandleFetchErrorPropagates(t *testing.T) {
	settings := &models.CacheSettings{TTL: ms(60000)}
	resolver := &MockResolver{queue: []*models.CacheSettings{settings}}
	upstream := &MockDoer{err: errors.New("connection refused")}
	s := newTestPipeline(resolver, NewMockCache(), upstream)

	_, _, err := s.Handle(context.Background(), interceptedRequest(t, "GET", "https://api.example.com/users"))
	if err == nil {
		t.Error("Handle() = nil error for failed fetch, want propagated error")
	}
}

func TestHandleWriteBackSkippedWhenPolicyWithdrawn(t *testing.T) {
	settings := &models.CacheSettings{TTL: ms(60000)}
	// First resolve covers the route; the write-back re-check does not.
	resolver := &MockResolver{queue: []*models.CacheSettings{settings, nil}}
	cache := NewMockCache()
	upstream := &MockDoer{body: "x"}
	s := newTestPipeline(resolver, cache, upstream)

	_, _, err := s.Handle(context.Background(), interceptedRequest(t, "GET", "https://api.example.com/users"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if cache.PutCount() != 0 {
		t.Error("response stored despite withdrawn policy at write-back")
	}
}

func TestHandleBypassAllMode(t *testing.T) {
	resolver := &MockResolver{queue: []*models.CacheSettings{{TTL: ms(60000)}}}
	cache := NewMockCache()
	upstream := &MockDoer{}
	s := newTestPipeline(resolver, cache, upstream)
	s.bypassAll = true

	_, served, err := s.Handle(context.Background(), interceptedRequest(t, "GET", "https://api.example.com/users"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if served != ServedBypass {
		t.Errorf("served = %q in bypass-all mode, want bypass", served)
	}
	if resolver.calls != 0 {
		t.Error("bypass-all mode still consulted the policy store")
	}
}
