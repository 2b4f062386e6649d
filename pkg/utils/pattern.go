// Package utils provides pattern matching for origin bypass lists.
//
// This file implements matching of request origins against the configured
// ignore list:
//   - Exact match: "https://dev.example" matches only that origin
//   - Prefix match: "https://dev.*" matches any origin with that prefix
//   - Glob fallback: "https://*.internal" compiles to a cached regex
//
// Design Notes:
//   - Exact and prefix checks are the fast paths; most ignore lists are
//     plain origins
//   - Compiled regexes are cached in a sync.Map keyed by pattern
package utils

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// originRegexCache caches compiled glob regexes keyed by pattern string.
var originRegexCache sync.Map

// MatchOrigin checks whether an origin matches a single ignore-list pattern.
func MatchOrigin(pattern, origin string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("pattern cannot be empty")
	}

	if pattern == origin {
		return true, nil
	}

	// Prefix pattern: single trailing star.
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		return strings.HasPrefix(origin, pattern[:len(pattern)-1]), nil
	}

	if !strings.Contains(pattern, "*") {
		return false, nil
	}

	re, err := compileOriginPattern(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(origin), nil
}

// OriginIgnored reports whether the origin matches any pattern in the
// ignore list. Invalid patterns are skipped.
func OriginIgnored(patterns []string, origin string) bool {
	for _, pattern := range patterns {
		if ok, err := MatchOrigin(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}

// compileOriginPattern turns a glob pattern into an anchored regex,
// caching the compiled form.
func compileOriginPattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := originRegexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	var b strings.Builder
	b.Grow(len(pattern) * 2)
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			b.WriteString(".*")
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '?', '\\':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}

	re, err := regexp.Compile("^" + b.String() + "$")
	if err != nil {
		return nil, fmt.Errorf("invalid origin pattern: %w", err)
	}
	originRegexCache.Store(pattern, re)
	return re, nil
}
