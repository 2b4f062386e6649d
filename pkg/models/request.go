package models

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
)

// Request is the engine's view of an intercepted or synthetic request. The
// body is fully buffered so it can be read for key construction and again for
// the upstream fetch.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest builds a synthetic request for the given method and absolute
// URL, as used by prefetch warming.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url %q is not absolute", rawURL)
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: make(http.Header),
	}, nil
}

// FromHTTPRequest buffers an *http.Request into a Request. The original
// request body is consumed; callers use the returned descriptor for both key
// construction and the network fetch.
func FromHTTPRequest(r *http.Request, target *url.URL) (*Request, error) {
	req := &Request{
		Method: r.Method,
		URL:    target,
		Header: r.Header.Clone(),
	}
	if r.Body != nil {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r.Body); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = buf.Bytes()
	}
	return req, nil
}

// Origin returns the scheme://host part of the request URL.
func (r *Request) Origin() string {
	return r.URL.Scheme + "://" + r.URL.Host
}

// HeaderValue returns the first value of a request header, or "" if absent.
func (r *Request) HeaderValue(name string) string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(name)
}

// ContentType returns the request content type, or "".
func (r *Request) ContentType() string {
	return r.HeaderValue("Content-Type")
}

// ToHTTPRequest converts the descriptor back to an *http.Request suitable for
// an upstream fetch. A fresh body reader is attached on every call.
func (r *Request) ToHTTPRequest() (*http.Request, error) {
	httpReq, err := http.NewRequest(r.Method, r.URL.String(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for name, values := range r.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	return httpReq, nil
}
