// Package utils provides canonicalization and serialization helpers for the
// caching engine.
//
// This file implements the canonical forms that make cache keys stable:
//   - Path normalization: one leading and one trailing slash stripped
//   - JSON bodies: top-level object keys re-serialized in sorted order
//   - Form bodies: parameters re-encoded sorted by name
//
// Design Notes:
//   - encoding/json marshals map keys in sorted order, which gives the
//     sorted-key re-serialization for free
//   - url.Values.Encode emits parameters sorted by key
//   - Canonicalization never fails: bodies that do not parse under their
//     declared content type fall back to their raw text
package utils

import (
	"encoding/json"
	"net/url"
	"strings"
)

// NormalizePath strips a single leading and a single trailing slash from a
// URL pathname. Policy-tree keys and lookup paths share this form.
func NormalizePath(path string) string {
	path = strings.TrimPrefix(path, "/")
	return strings.TrimSuffix(path, "/")
}

// CanonicalBody computes the canonical body string for cache key
// construction. GET and HEAD requests always canonicalize to "".
func CanonicalBody(method, contentType string, body []byte) string {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return ""
	}
	if len(body) == 0 {
		return ""
	}

	switch {
	case strings.Contains(contentType, "application/json"):
		return canonicalJSON(body)
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		return canonicalForm(body)
	default:
		return string(body)
	}
}

// canonicalJSON re-serializes a JSON object with top-level keys sorted.
// Non-object payloads and unparsable bodies keep their raw text.
func canonicalJSON(body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return string(body)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return string(body)
	}
	return string(out)
}

// canonicalForm re-encodes a form body with parameters sorted by name.
// Unparsable bodies keep their raw text.
func canonicalForm(body []byte) string {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return string(body)
	}
	return values.Encode()
}

// CanonicalValue serializes any JSON-marshalable value to its canonical
// byte form. Struct field order is fixed by declaration and map keys are
// sorted, so structurally equal values produce identical bytes. Used for
// policy change detection.
func CanonicalValue(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// SameCanonicalValue reports whether two values have identical canonical
// forms. Marshal failures compare as different.
func SameCanonicalValue(a, b interface{}) bool {
	ca, err := CanonicalValue(a)
	if err != nil {
		return false
	}
	cb, err := CanonicalValue(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}
