package respcache

import (
	"encore.app/pkg/models"
)

// Freshness rules for stored responses. Times are milliseconds since epoch.
//
// The server-authoritative lastModified wins when present: an entry stored at
// or after the modification time is fresh. A ttl bounds the entry's lifetime;
// when both are present the ttl still applies as an upper bound. With neither
// present freshness cannot be established and the entry must not be served.

// FreshnessRule decides whether stored responses governed by a settings leaf
// may still be served.
type FreshnessRule interface {
	// Applies reports whether this rule is selected by the settings.
	Applies(s *models.CacheSettings) bool
	// Fresh evaluates the rule for an entry stored at storedAt.
	Fresh(s *models.CacheSettings, storedAt, now int64) bool
}

// LastModifiedRule compares the entry's insertion time against the
// server-authoritative modification time.
type LastModifiedRule struct{}

func (LastModifiedRule) Applies(s *models.CacheSettings) bool {
	return s != nil && s.LastModified != nil
}

func (LastModifiedRule) Fresh(s *models.CacheSettings, storedAt, now int64) bool {
	return storedAt >= *s.LastModified
}

// TTLRule bounds the entry's lifetime by the settings freshness window.
type TTLRule struct{}

func (TTLRule) Applies(s *models.CacheSettings) bool {
	return s != nil && s.TTL != nil
}

func (TTLRule) Fresh(s *models.CacheSettings, storedAt, now int64) bool {
	return storedAt+*s.TTL > now
}

var (
	lastModifiedRule LastModifiedRule
	ttlRule          TTLRule
)

// Fresh applies the freshness decision for an entry stored at storedAt under
// the merged settings. Settings with neither rule applicable are never
// fresh.
func Fresh(s *models.CacheSettings, storedAt, now int64) bool {
	switch {
	case lastModifiedRule.Applies(s):
		if !lastModifiedRule.Fresh(s, storedAt, now) {
			return false
		}
		if ttlRule.Applies(s) {
			return ttlRule.Fresh(s, storedAt, now)
		}
		return true
	case ttlRule.Applies(s):
		return ttlRule.Fresh(s, storedAt, now)
	default:
		return false
	}
}
