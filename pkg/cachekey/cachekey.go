// Package cachekey derives the identity of a stored response from an
// intercepted request, and reverses it back to the original lookup request.
//
// The key is the request URL with engine-reserved query parameters appended,
// all prefixed with "__":
//   - __body: canonical body string, or "none" when empty
//   - __method: the request method as received
//   - __header-<h>: the value of each policy-selected key header, in order,
//     or "none" when absent
//
// All query parameters are sorted by name, so keys are stable under
// permutation of query parameters, top-level JSON body keys, and request
// header order. Construction is a pure function of (request, keyHeaders) and
// performs no I/O.
package cachekey

import (
	"fmt"
	"net/url"
	"strings"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// reservedPrefix marks engine-managed query parameters.
const reservedPrefix = "__"

const (
	paramBody   = "__body"
	paramMethod = "__method"
	headerParam = "__header-"
)

// noneValue stands in for an empty body or an absent header.
const noneValue = "none"

// Build constructs the cache key URL for a request under its merged
// settings.
func Build(req *models.Request, settings *models.CacheSettings) string {
	keyURL := *req.URL
	if normalized := utils.NormalizePath(keyURL.Path); normalized != "" {
		keyURL.Path = "/" + normalized
	} else {
		keyURL.Path = ""
	}

	values := keyURL.Query()

	body := utils.CanonicalBody(req.Method, req.ContentType(), req.Body)
	if body == "" {
		body = noneValue
	}
	values.Set(paramBody, body)
	values.Set(paramMethod, req.Method)

	if settings != nil {
		for _, h := range settings.KeyHeaders {
			v := req.HeaderValue(h)
			if v == "" {
				v = noneValue
			}
			values.Set(headerParam+h, v)
		}
	}

	// url.Values.Encode emits parameters sorted by name.
	keyURL.RawQuery = values.Encode()
	return keyURL.String()
}

// Revert strips the engine-reserved parameters from a cache key and
// reconstructs the original lookup request: URL and method.
func Revert(key string) (*models.Request, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("parse cache key: %w", err)
	}

	values := u.Query()
	method := values.Get(paramMethod)
	if method == "" {
		method = "GET"
	}
	for name := range values {
		if strings.HasPrefix(name, reservedPrefix) {
			values.Del(name)
		}
	}
	u.RawQuery = values.Encode()

	return &models.Request{
		Method: method,
		URL:    u,
	}, nil
}
