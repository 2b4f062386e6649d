package pipeline

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"encore.dev/rlog"
	"github.com/google/uuid"

	"encore.app/dedup"
	"encore.app/pkg/models"
)

// proxyPrefix is the interception mount point. The target origin request is
// encoded in the path as /proxy/<scheme>/<host>/<path...> with the query
// string carried over unchanged.
const proxyPrefix = "/proxy/"

// Proxy is the fetch entry point: every intercepted request enters the
// pipeline here.
//
//encore:api public raw method=* path=/proxy/*target
func Proxy(w http.ResponseWriter, req *http.Request) {
	handleProxy(w, req)
}

func handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Correlation ID: propagated when the caller sent one, minted otherwise.
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	if svc == nil {
		http.Error(w, "engine not initialized", http.StatusServiceUnavailable)
		return
	}

	target, err := parseTarget(r.URL)
	if err != nil {
		logIntercept(requestID, r.Method, "", "rejected", http.StatusBadRequest, 0, start, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := models.FromHTTPRequest(r, target)
	if err != nil {
		logIntercept(requestID, r.Method, target.String(), "rejected", http.StatusBadRequest, 0, start, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, served, err := svc.Handle(r.Context(), req)
	switch {
	case errors.Is(err, dedup.ErrTimeout):
		logIntercept(requestID, r.Method, target.String(), served, http.StatusGatewayTimeout, 0, start, err)
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	case err != nil:
		logIntercept(requestID, r.Method, target.String(), served, http.StatusBadGateway, 0, start, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, err := io.Copy(w, resp.Body)
	logIntercept(requestID, r.Method, target.String(), served, resp.StatusCode, written, start, err)
}

// logIntercept writes one structured entry per intercepted request: how it
// was served (bypass, cache, fetch), the upstream target, and the outcome.
func logIntercept(requestID, method, target, served string, status int, bytes int64, start time.Time, err error) {
	keyvals := []interface{}{
		"request_id", requestID,
		"method", method,
		"target", target,
		"served", served,
		"status", status,
		"bytes", bytes,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		rlog.Error("intercept failed", append(keyvals, "err", err)...)
		return
	}
	rlog.Info("intercept completed", keyvals...)
}

// parseTarget reconstructs the original request URL from the intercept path.
func parseTarget(u *url.URL) (*url.URL, error) {
	raw := strings.TrimPrefix(u.Path, proxyPrefix)
	if raw == u.Path || raw == "" {
		return nil, fmt.Errorf("unroutable intercept path %q", u.Path)
	}

	parts := strings.SplitN(raw, "/", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("intercept path %q lacks a target host", u.Path)
	}
	scheme, host := parts[0], parts[1]
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported target scheme %q", scheme)
	}
	if host == "" {
		return nil, fmt.Errorf("intercept path %q lacks a target host", u.Path)
	}

	target := &url.URL{
		Scheme:   scheme,
		Host:     host,
		RawQuery: u.RawQuery,
	}
	if len(parts) == 3 && parts[2] != "" {
		target.Path = "/" + parts[2]
	}
	return target, nil
}
