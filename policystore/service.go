// Package policystore owns the active cache policy: hierarchical resolution
// for intercepted requests, durable persistence with a config TTL, change
// callbacks for the rest of the engine, and prefetch enumeration.
//
// Design Choices:
// - The in-memory tree is the single source of truth; readers take snapshots
//   under RWMutex and resolution runs on the snapshot without locks
// - Change callbacks fire strictly after the in-memory state is updated, and
//   fire on every set call: delivery-side deduplication is the sync client's
//   job
// - Persistence failures are logged and swallowed; a set always completes in
//   memory
// - The persisted record is a single row under a fixed key with atomic
//   put-or-replace, so last-writer-wins across instances
package policystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
	"encore.dev/storage/sqldb"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// Database holding the persisted policy record and the policy audit trail.
var db = sqldb.Named("api_cache_config")

// SetCallback observes policy set transitions.
type SetCallback func(ctx context.Context, policy *models.CachePolicy)

// ResetCallback observes policy reset transitions.
type ResetCallback func(ctx context.Context)

// Service implements the policy store.
//
//encore:service
type Service struct {
	mu      sync.RWMutex
	current *models.CachePolicy
	expiry  *time.Timer

	records RecordStore
	audit   AuditLoggerInterface

	cbMu    sync.RWMutex
	onSet   []SetCallback
	onReset []ResetCallback

	metrics *Metrics
}

// Metrics tracks policy store counters.
type Metrics struct {
	Sets          atomic.Int64
	Resets        atomic.Int64
	Expiries      atomic.Int64
	Resolves      atomic.Int64
	ResolveMisses atomic.Int64
	PersistErrors atomic.Int64
}

// Global service instance (initialized by initService).
var svc *Service

func initService() (*Service, error) {
	records, err := newSQLRecordStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record store: %w", err)
	}
	audit, err := NewAuditLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	return &Service{
		records: records,
		audit:   audit,
		metrics: &Metrics{},
	}, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize policy store: %v", err))
	}
}

// Instance returns the process-wide policy store.
func Instance() *Service {
	return svc
}

// OnSet registers a callback fired after every successful set of a non-nil
// policy. Callbacks run on the setter's goroutine.
func (s *Service) OnSet(cb SetCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onSet = append(s.onSet, cb)
}

// OnReset registers a callback fired after every reset.
func (s *Service) OnReset(cb ResetCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onReset = append(s.onReset, cb)
}

// Set replaces the current policy. A nil policy is a reset. Non-nil policies
// with ConfigTTL > 0 are persisted and scheduled for expiry.
func (s *Service) Set(ctx context.Context, policy *models.CachePolicy, source string) error {
	if policy == nil {
		return s.reset(ctx, source, AuditActionReset)
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	s.mu.Lock()
	s.cancelExpiryLocked()
	s.current = policy
	if policy.ConfigTTL > 0 {
		s.scheduleExpiryLocked(time.Duration(policy.ConfigTTL) * time.Millisecond)
	}
	s.mu.Unlock()

	if policy.ConfigTTL > 0 {
		rec := &PersistedRecord{Policy: policy, SavedAt: time.Now()}
		if err := s.records.Save(ctx, rec); err != nil {
			s.metrics.PersistErrors.Add(1)
			rlog.Error("policy persistence failed", "err", err)
		}
	} else if err := s.records.Clear(ctx); err != nil {
		s.metrics.PersistErrors.Add(1)
		rlog.Error("policy record clear failed", "err", err)
	}

	s.auditTransition(ctx, AuditLog{
		Action:      AuditActionSet,
		Hosts:       len(policy.Hosts),
		ConfigTTLMs: policy.ConfigTTL,
		Source:      source,
		Timestamp:   time.Now(),
	})

	s.metrics.Sets.Add(1)
	s.fireOnSet(ctx, policy)
	return nil
}

// Reset clears the current policy and its persisted copy.
func (s *Service) Reset(ctx context.Context, source string) error {
	return s.reset(ctx, source, AuditActionReset)
}

func (s *Service) reset(ctx context.Context, source, action string) error {
	s.mu.Lock()
	s.cancelExpiryLocked()
	s.current = nil
	s.mu.Unlock()

	if err := s.records.Clear(ctx); err != nil {
		s.metrics.PersistErrors.Add(1)
		rlog.Error("policy record clear failed", "err", err)
	}

	s.auditTransition(ctx, AuditLog{
		Action:    action,
		Source:    source,
		Timestamp: time.Now(),
	})

	if action == AuditActionExpire {
		s.metrics.Expiries.Add(1)
	} else {
		s.metrics.Resets.Add(1)
	}
	s.fireOnReset(ctx)
	return nil
}

// LoadPersisted adopts the persisted policy record when it is still inside
// its config TTL, scheduling expiry for the remaining window. Stale or
// TTL-less records are cleared. Adoption does not fire change callbacks;
// startup warming is the caller's decision.
func (s *Service) LoadPersisted(ctx context.Context) {
	rec, err := s.records.Load(ctx)
	if err != nil {
		rlog.Error("policy record load failed", "err", err)
		return
	}
	if rec == nil || rec.Policy == nil {
		return
	}

	ttl := time.Duration(rec.Policy.ConfigTTL) * time.Millisecond
	remaining := time.Until(rec.SavedAt.Add(ttl))
	if ttl <= 0 || remaining <= 0 {
		if err := s.records.Clear(ctx); err != nil {
			rlog.Error("expired policy record clear failed", "err", err)
		}
		return
	}
	if err := rec.Policy.Validate(); err != nil {
		rlog.Error("persisted policy invalid, discarding", "err", err)
		if err := s.records.Clear(ctx); err != nil {
			rlog.Error("invalid policy record clear failed", "err", err)
		}
		return
	}

	s.mu.Lock()
	s.cancelExpiryLocked()
	s.current = rec.Policy
	s.scheduleExpiryLocked(remaining)
	s.mu.Unlock()

	s.auditTransition(ctx, AuditLog{
		Action:      AuditActionSet,
		Hosts:       len(rec.Policy.Hosts),
		ConfigTTLMs: rec.Policy.ConfigTTL,
		Source:      "persistence",
		Timestamp:   time.Now(),
	})
	rlog.Info("adopted persisted policy", "hosts", len(rec.Policy.Hosts), "remaining", remaining)
}

// Snapshot returns the current policy, or nil when none is active.
func (s *Service) Snapshot() *models.CachePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ResolveSettings returns the merged settings that govern the request, or
// nil when the request bypasses the cache: ignored origin, no active policy,
// or no matching tree node.
func (s *Service) ResolveSettings(req *models.Request, ignoreOrigins []string) *models.CacheSettings {
	s.metrics.Resolves.Add(1)
	if utils.OriginIgnored(ignoreOrigins, req.Origin()) {
		s.metrics.ResolveMisses.Add(1)
		return nil
	}

	policy := s.Snapshot()
	settings := policy.Resolve(req.Origin(), utils.NormalizePath(req.URL.Path), req.Method)
	if settings == nil {
		s.metrics.ResolveMisses.Add(1)
	}
	return settings
}

// PrefetchRequests builds a synthetic request for every declared route whose
// effective prefetch mode is in the given set.
func (s *Service) PrefetchRequests(modes ...models.PrefetchMode) []*models.Request {
	policy := s.Snapshot()
	if policy == nil {
		return nil
	}

	modeSet := make(map[models.PrefetchMode]bool, len(modes))
	for _, m := range modes {
		modeSet[m] = true
	}

	var requests []*models.Request
	for _, route := range policy.DeclaredRoutes() {
		settings := policy.Resolve(route.Origin, route.Path, route.Method)
		if settings == nil || !modeSet[settings.PrefetchOrDefault()] {
			continue
		}
		req, err := models.NewRequest(route.Method, route.Origin+"/"+route.Path)
		if err != nil {
			rlog.Error("skipping unbuildable prefetch route", "origin", route.Origin, "path", route.Path, "err", err)
			continue
		}
		requests = append(requests, req)
	}
	return requests
}

// scheduleExpiryLocked arms the config TTL timer. Caller holds s.mu.
func (s *Service) scheduleExpiryLocked(d time.Duration) {
	s.expiry = time.AfterFunc(d, func() {
		rlog.Info("policy config TTL elapsed")
		if err := s.reset(context.Background(), "timer", AuditActionExpire); err != nil {
			rlog.Error("policy expiry reset failed", "err", err)
		}
	})
}

// cancelExpiryLocked disarms a pending expiry timer. Caller holds s.mu.
func (s *Service) cancelExpiryLocked() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

func (s *Service) fireOnSet(ctx context.Context, policy *models.CachePolicy) {
	s.cbMu.RLock()
	callbacks := make([]SetCallback, len(s.onSet))
	copy(callbacks, s.onSet)
	s.cbMu.RUnlock()
	for _, cb := range callbacks {
		cb(ctx, policy)
	}
}

func (s *Service) fireOnReset(ctx context.Context) {
	s.cbMu.RLock()
	callbacks := make([]ResetCallback, len(s.onReset))
	copy(callbacks, s.onReset)
	s.cbMu.RUnlock()
	for _, cb := range callbacks {
		cb(ctx)
	}
}

func (s *Service) auditTransition(ctx context.Context, log AuditLog) {
	if err := s.audit.Insert(ctx, log); err != nil {
		rlog.Error("policy audit insert failed", "action", log.Action, "err", err)
	}
}

// API types.

type PolicyResponse struct {
	Active bool                `json:"active"`
	Policy *models.CachePolicy `json:"policy,omitempty"`
}

type ResetResponse struct {
	Success bool `json:"success"`
}

type AuditRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type AuditResponse struct {
	Logs  []AuditLog `json:"logs"`
	Total int        `json:"total"`
}

type MetricsResponse struct {
	Sets          int64 `json:"sets"`
	Resets        int64 `json:"resets"`
	Expiries      int64 `json:"expiries"`
	Resolves      int64 `json:"resolves"`
	ResolveMisses int64 `json:"resolve_misses"`
	PersistErrors int64 `json:"persist_errors"`
}

// GetPolicy returns the currently active policy tree.
//
//encore:api public method=GET path=/policy
func GetPolicy(ctx context.Context) (*PolicyResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	policy := svc.Snapshot()
	return &PolicyResponse{Active: policy != nil, Policy: policy}, nil
}

// ResetPolicy clears the active policy and its persisted copy.
//
//encore:api public method=POST path=/policy/reset
func ResetPolicy(ctx context.Context) (*ResetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	if err := svc.Reset(ctx, "admin"); err != nil {
		return nil, err
	}
	return &ResetResponse{Success: true}, nil
}

// GetAuditLog returns recent policy transitions.
//
//encore:api public method=POST path=/policy/audit
func GetAuditLog(ctx context.Context, req *AuditRequest) (*AuditResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	logs, err := svc.audit.GetRecent(ctx, limit, req.Offset)
	if err != nil {
		return nil, err
	}
	total, err := svc.audit.GetCount(ctx)
	if err != nil {
		return nil, err
	}
	return &AuditResponse{Logs: logs, Total: total}, nil
}

// GetMetrics returns policy store counters.
//
//encore:api public method=GET path=/policy/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	m := svc.metrics
	return &MetricsResponse{
		Sets:          m.Sets.Load(),
		Resets:        m.Resets.Load(),
		Expiries:      m.Expiries.Load(),
		Resolves:      m.Resolves.Load(),
		ResolveMisses: m.ResolveMisses.Load(),
		PersistErrors: m.PersistErrors.Load(),
	}, nil
}
