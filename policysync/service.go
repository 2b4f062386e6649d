// Package policysync maintains the live policy subscription: a single stream
// connection with reconnection and exponential backoff, plus HTTP fallback
// polling while disconnected.
//
// Design Choices:
// - One connection state machine (idle, connecting, open, closed) guarded by
//   a mutex; the read loop runs on its own goroutine and funnels every exit
//   through the disconnect path
// - Deliveries are deduplicated by canonical JSON comparison, so
//   heartbeat-style re-sends of an identical policy never re-notify the
//   store
// - Backoff starts at 1s, doubles to a 30s cap, and resets on a successful
//   open; a pending reconnect timer is cancelled on every transition
// - Polling runs only while disconnected and is skipped entirely when no
//   fallback URL is configured
package policysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// connState enumerates the connection state machine.
type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Callbacks observe sync client transitions. All are optional.
type Callbacks struct {
	// OnReceive is invoked for every structurally new policy, from either
	// transport.
	OnReceive func(ctx context.Context, policy *models.CachePolicy, source string)

	OnConnect    func()
	OnDisconnect func()
}

// Config holds the sync client configuration.
type Config struct {
	StreamURL      string
	PollURL        string        // empty disables fallback polling
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the reconnect constants.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		InitialBackoff: 1000 * time.Millisecond,
		MaxBackoff:     30000 * time.Millisecond,
	}
}

// Metrics tracks sync client counters.
type Metrics struct {
	Connects          atomic.Int64
	Disconnects       atomic.Int64
	MessagesReceived  atomic.Int64
	PoliciesDelivered atomic.Int64
	Malformed         atomic.Int64
	PollAttempts      atomic.Int64
	PollDeliveries    atomic.Int64
}

// Service implements the policy sync client.
//
//encore:service
type Service struct {
	mu        sync.Mutex
	state     connState
	backoff   time.Duration
	reconnect *time.Timer
	conn      StreamConn
	pollStop  chan struct{}

	// lastDelivered is the canonical form of the last policy handed to
	// OnReceive, shared by both transports.
	lastDelivered []byte

	dial      StreamDialer
	poll      PollSource
	config    Config
	callbacks Callbacks
	metrics   *Metrics
}

// Global service instance (initialized by initService).
var svc *Service

func initService() (*Service, error) {
	return &Service{
		state:   stateIdle,
		dial:    DialWebsocket,
		poll:    HTTPPoll,
		config:  DefaultConfig(),
		metrics: &Metrics{},
	}, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize policy sync: %v", err))
	}
}

// Instance returns the process-wide sync client.
func Instance() *Service {
	return svc
}

// Configure installs the stream and poll endpoints plus transition
// callbacks. Must be called before Connect.
func (s *Service) Configure(config Config, callbacks Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	s.config = config
	s.callbacks = callbacks
	s.backoff = config.InitialBackoff
}

// Connect establishes the stream subscription. Idempotent: a client that is
// already open or connecting is left alone.
func (s *Service) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.config.StreamURL == "" {
		s.mu.Unlock()
		rlog.Info("policy sync disabled, no stream url configured")
		return
	}
	if s.state == stateOpen || s.state == stateConnecting {
		s.mu.Unlock()
		return
	}
	s.cancelReconnectLocked()
	s.state = stateConnecting
	url := s.config.StreamURL
	s.mu.Unlock()

	go s.establish(ctx, url)
}

// establish dials the stream and runs the read loop until the connection
// drops.
func (s *Service) establish(ctx context.Context, url string) {
	conn, err := s.dial(ctx, url)
	if err != nil {
		rlog.Error("policy stream connect failed", "err", err)
		s.handleDisconnect()
		return
	}

	s.mu.Lock()
	if s.state != stateConnecting {
		// Torn down while dialing.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.state = stateOpen
	s.conn = conn
	s.backoff = s.config.InitialBackoff
	onConnect := s.callbacks.OnConnect
	s.mu.Unlock()

	s.metrics.Connects.Add(1)
	rlog.Info("policy stream connected")
	s.stopPolling()
	if onConnect != nil {
		onConnect()
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			rlog.Error("policy stream receive failed", "err", err)
			s.handleDisconnect()
			return
		}
		s.metrics.MessagesReceived.Add(1)
		if err := s.handleMessage(ctx, data); err != nil {
			// Malformed traffic raises the stream error path.
			rlog.Error("policy stream message rejected", "err", err)
			conn.Close()
			s.handleDisconnect()
			return
		}
	}
}

// handleMessage decodes one stream envelope. Unknown types are logged and
// ignored; malformed payloads are returned as errors.
func (s *Service) handleMessage(ctx context.Context, data []byte) error {
	env, err := decodeEnvelope(data)
	if err != nil {
		s.metrics.Malformed.Add(1)
		return err
	}

	switch env.Type {
	case MessageTypeCacheConfig:
		policy, err := utils.UnmarshalPolicy(env.Data)
		if err != nil {
			s.metrics.Malformed.Add(1)
			return fmt.Errorf("malformed policy payload: %w", err)
		}
		if err := policy.Validate(); err != nil {
			s.metrics.Malformed.Add(1)
			return fmt.Errorf("invalid policy payload: %w", err)
		}
		s.deliver(ctx, policy, "stream")
	default:
		rlog.Info("ignoring unknown stream message type", "type", env.Type)
	}
	return nil
}

// deliver hands a policy to OnReceive unless it is structurally identical to
// the last delivered one.
func (s *Service) deliver(ctx context.Context, policy *models.CachePolicy, source string) {
	canonical, err := utils.CanonicalValue(policy)
	if err != nil {
		rlog.Error("policy canonicalization failed", "err", err)
		return
	}

	s.mu.Lock()
	if string(canonical) == string(s.lastDelivered) {
		s.mu.Unlock()
		return
	}
	s.lastDelivered = canonical
	onReceive := s.callbacks.OnReceive
	s.mu.Unlock()

	s.metrics.PoliciesDelivered.Add(1)
	rlog.Info("policy delivered", "source", source, "hosts", len(policy.Hosts))
	if onReceive != nil {
		onReceive(ctx, policy, source)
	}
}

// handleDisconnect funnels every connection exit: state moves to closed,
// polling starts, and a reconnect is scheduled after the current backoff,
// which then doubles (up to the cap) for the next attempt.
func (s *Service) handleDisconnect() {
	s.mu.Lock()
	if s.state == stateIdle {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = stateClosed
	delay := s.backoff
	s.backoff *= 2
	if s.backoff > s.config.MaxBackoff {
		s.backoff = s.config.MaxBackoff
	}
	s.cancelReconnectLocked()
	s.reconnect = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.state != stateClosed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.Connect(context.Background())
	})
	onDisconnect := s.callbacks.OnDisconnect
	s.mu.Unlock()

	s.metrics.Disconnects.Add(1)
	rlog.Info("policy stream disconnected", "retry_in", delay)
	s.startPolling()
	if onDisconnect != nil {
		onDisconnect()
	}
}

// Poll fetches the fallback URL once. Skipped while the stream is open or
// when no fallback is configured. Unchanged policies are a no-op.
func (s *Service) Poll(ctx context.Context) {
	s.mu.Lock()
	url := s.config.PollURL
	connected := s.state == stateOpen
	s.mu.Unlock()

	if url == "" || connected {
		return
	}

	s.metrics.PollAttempts.Add(1)
	policy, err := s.poll(ctx, url)
	if err != nil {
		rlog.Error("policy poll failed", "err", err)
		return
	}
	if err := policy.Validate(); err != nil {
		rlog.Error("polled policy invalid", "err", err)
		return
	}
	before := s.metrics.PoliciesDelivered.Load()
	s.deliver(ctx, policy, "poll")
	if s.metrics.PoliciesDelivered.Load() > before {
		s.metrics.PollDeliveries.Add(1)
	}
}

// startPolling launches the fallback ticker when a poll URL is configured.
func (s *Service) startPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.PollURL == "" || s.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	s.pollStop = stop
	interval := s.config.PollInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Poll(context.Background())
			}
		}
	}()
}

// stopPolling halts the fallback ticker.
func (s *Service) stopPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
}

// cancelReconnectLocked disarms a pending reconnect timer. Caller holds
// s.mu.
func (s *Service) cancelReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

// State returns the connection state name, for status reporting.
func (s *Service) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Shutdown tears the subscription down: timers cancelled, polling stopped,
// connection closed.
func (s *Service) Shutdown(force context.Context) {
	s.stopPolling()
	s.mu.Lock()
	s.cancelReconnectLocked()
	s.state = stateIdle
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

// API types.

type StatusResponse struct {
	State   string `json:"state"`
	Polling bool   `json:"polling"`
}

type MetricsResponse struct {
	Connects          int64 `json:"connects"`
	Disconnects       int64 `json:"disconnects"`
	MessagesReceived  int64 `json:"messages_received"`
	PoliciesDelivered int64 `json:"policies_delivered"`
	Malformed         int64 `json:"malformed"`
	PollAttempts      int64 `json:"poll_attempts"`
	PollDeliveries    int64 `json:"poll_deliveries"`
}

// GetSyncStatus returns the connection state.
//
//encore:api public method=GET path=/sync/status
func GetSyncStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	svc.mu.Lock()
	state := svc.state.String()
	polling := svc.pollStop != nil
	svc.mu.Unlock()
	return &StatusResponse{State: state, Polling: polling}, nil
}

// GetSyncMetrics returns sync client counters.
//
//encore:api public method=GET path=/sync/metrics
func GetSyncMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	m := svc.metrics
	return &MetricsResponse{
		Connects:          m.Connects.Load(),
		Disconnects:       m.Disconnects.Load(),
		MessagesReceived:  m.MessagesReceived.Load(),
		PoliciesDelivered: m.PoliciesDelivered.Load(),
		Malformed:         m.Malformed.Load(),
		PollAttempts:      m.PollAttempts.Load(),
		PollDeliveries:    m.PollDeliveries.Load(),
	}, nil
}
