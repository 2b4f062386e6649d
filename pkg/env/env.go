// Package env parses the engine's environment configuration.
//
// Configuration is supplied as a single JSON object, the same document the
// host passes when it installs an engine instance. When the required fields
// are missing the engine initializes in no-op bypass mode: every intercepted
// request is forwarded unchanged and no policy sync is attempted.
package env

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Var is the OS environment variable holding the configuration JSON.
const Var = "CACHE_ENGINE_ENV"

// DefaultPollInterval applies when fallback polling is configured without an
// explicit interval.
const DefaultPollInterval = 30 * time.Second

// Environment is the engine's startup configuration.
type Environment struct {
	// CacheName identifies the response blob store.
	CacheName string `json:"cacheName"`

	// WebsocketServerURL is the live policy stream URL.
	WebsocketServerURL string `json:"websocketServerUrl"`

	// FallbackPollingServerURL is the optional policy HTTP fallback URL.
	FallbackPollingServerURL string `json:"fallbackPollingServerUrl,omitempty"`

	// FallbackPollingIntervalMs is the optional HTTP fallback period.
	FallbackPollingIntervalMs int64 `json:"fallbackPollingIntervalMs,omitempty"`

	// IgnoreOrigins lists origins that always bypass the cache.
	IgnoreOrigins []string `json:"ignoreOrigins,omitempty"`
}

// Parse decodes an environment JSON document.
func Parse(data []byte) (*Environment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("environment configuration is empty")
	}
	var e Environment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed environment configuration: %w", err)
	}
	return &e, nil
}

// Load reads the configuration from the process environment. A missing
// variable is not an error: it returns (nil, nil) and the engine runs in
// bypass mode.
func Load() (*Environment, error) {
	raw, ok := os.LookupEnv(Var)
	if !ok || raw == "" {
		return nil, nil
	}
	return Parse([]byte(raw))
}

// Complete reports whether the configuration carries everything the engine
// needs to cache. Incomplete configuration puts the engine in bypass mode.
func (e *Environment) Complete() bool {
	return e != nil && e.CacheName != "" && e.WebsocketServerURL != ""
}

// PollInterval returns the effective fallback polling period.
func (e *Environment) PollInterval() time.Duration {
	if e == nil || e.FallbackPollingIntervalMs <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(e.FallbackPollingIntervalMs) * time.Millisecond
}
