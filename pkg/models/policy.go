// Package models provides the canonical data models shared across the caching
// engine: the hierarchical cache policy tree, merged cache settings, request
// descriptors and the stored-response envelope.
//
// Design Philosophy:
// - Policy resolution is a pure function over an immutable tree snapshot
// - Merge semantics are field-level with child precedence, so a leaf only
//   overrides what it declares
// - All wire-facing types round-trip through encoding/json unchanged
package models

import (
	"errors"
	"fmt"
	"strings"
)

// PrefetchMode controls whether the engine proactively populates the response
// store for a route.
type PrefetchMode string

const (
	// PrefetchAlways warms the route on every trigger (load, update, reconnect).
	PrefetchAlways PrefetchMode = "always"
	// PrefetchOnLoad warms the route when an instance starts up.
	PrefetchOnLoad PrefetchMode = "on-load"
	// PrefetchOnUpdate warms the route when a new policy arrives.
	PrefetchOnUpdate PrefetchMode = "on-update"
	// PrefetchNever disables warming for the route. This is the default.
	PrefetchNever PrefetchMode = "never"
)

// Valid reports whether m is one of the recognized prefetch modes.
func (m PrefetchMode) Valid() bool {
	switch m {
	case PrefetchAlways, PrefetchOnLoad, PrefetchOnUpdate, PrefetchNever:
		return true
	}
	return false
}

// CacheSettings is the merged leaf of the policy hierarchy. Pointer fields
// distinguish "unset, inherit from parent" from an explicit zero.
type CacheSettings struct {
	// LastModified is the server-authoritative modification time in
	// milliseconds since epoch. A stored response older than this is stale.
	LastModified *int64 `json:"lastModified,omitempty"`

	// TTL is the response freshness window in milliseconds.
	TTL *int64 `json:"ttl,omitempty"`

	// KeyHeaders lists request headers whose values participate in the
	// cache key, in order.
	KeyHeaders []string `json:"keyHeaders,omitempty"`

	// Prefetch selects the warming mode for the route. Empty means inherit;
	// an unresolved empty value behaves as PrefetchNever.
	Prefetch PrefetchMode `json:"prefetch,omitempty"`
}

// Cacheable reports whether a response governed by these settings may be
// stored at all. At least one of TTL or LastModified must be present.
func (s *CacheSettings) Cacheable() bool {
	if s == nil {
		return false
	}
	return s.TTL != nil || s.LastModified != nil
}

// PrefetchOrDefault returns the effective prefetch mode.
func (s *CacheSettings) PrefetchOrDefault() PrefetchMode {
	if s == nil || s.Prefetch == "" {
		return PrefetchNever
	}
	return s.Prefetch
}

// overlay applies src on top of dst, field by field. Declared child fields
// win; undeclared fields inherit.
func (s *CacheSettings) overlay(src *CacheSettings) {
	if src == nil {
		return
	}
	if src.LastModified != nil {
		s.LastModified = src.LastModified
	}
	if src.TTL != nil {
		s.TTL = src.TTL
	}
	if src.KeyHeaders != nil {
		s.KeyHeaders = src.KeyHeaders
	}
	if src.Prefetch != "" {
		s.Prefetch = src.Prefetch
	}
}

// EndpointPolicy is the per-path node of the policy tree.
type EndpointPolicy struct {
	Settings *CacheSettings            `json:"settings,omitempty"`
	Methods  map[string]*CacheSettings `json:"methods,omitempty"` // uppercased method -> leaf settings
}

// HostPolicy is the per-origin node of the policy tree.
type HostPolicy struct {
	Settings  *CacheSettings             `json:"settings,omitempty"`
	Endpoints map[string]*EndpointPolicy `json:"endpoints,omitempty"` // normalized path -> endpoint node
}

// CachePolicy is the four-level policy tree delivered by the server. The
// envelope also carries ConfigTTL, after which a persisted policy is
// considered expired.
type CachePolicy struct {
	Settings  *CacheSettings         `json:"settings,omitempty"`
	Hosts     map[string]*HostPolicy `json:"hosts"` // origin -> host node
	ConfigTTL int64                  `json:"configTTL,omitempty"` // milliseconds
}

// Validate checks the structural invariant: a policy is either absent or its
// root contains a hosts mapping.
func (p *CachePolicy) Validate() error {
	if p == nil {
		return errors.New("policy is nil")
	}
	if p.Hosts == nil {
		return errors.New("policy root has no hosts mapping")
	}
	for origin, host := range p.Hosts {
		if host == nil {
			return fmt.Errorf("host node %q is nil", origin)
		}
	}
	return nil
}

// Resolve deep-merges the settings that apply to (origin, path, method),
// top-down with child precedence. The path must already be normalized
// (single leading and trailing slash stripped). It returns nil when the
// origin or path has no node in the tree, or when no level declares any
// settings.
func (p *CachePolicy) Resolve(origin, path, method string) *CacheSettings {
	if p == nil || p.Hosts == nil {
		return nil
	}
	host, ok := p.Hosts[origin]
	if !ok || host == nil {
		return nil
	}
	endpoint, ok := host.Endpoints[path]
	if !ok || endpoint == nil {
		return nil
	}

	merged := &CacheSettings{}
	declared := false
	for _, level := range []*CacheSettings{
		p.Settings,
		host.Settings,
		endpoint.Settings,
		endpoint.Methods[strings.ToUpper(method)],
	} {
		if level != nil {
			merged.overlay(level)
			declared = true
		}
	}
	if !declared {
		return nil
	}
	return merged
}

// Route identifies one (origin, path, method) triple declared in the tree.
type Route struct {
	Origin string
	Path   string // normalized
	Method string // uppercased
}

// DeclaredRoutes enumerates every (origin, path, method) triple declared
// anywhere in the tree. Only explicitly declared methods produce routes.
func (p *CachePolicy) DeclaredRoutes() []Route {
	if p == nil {
		return nil
	}
	var routes []Route
	for origin, host := range p.Hosts {
		if host == nil {
			continue
		}
		for path, endpoint := range host.Endpoints {
			if endpoint == nil {
				continue
			}
			for method := range endpoint.Methods {
				routes = append(routes, Route{
					Origin: origin,
					Path:   path,
					Method: strings.ToUpper(method),
				})
			}
		}
	}
	return routes
}
