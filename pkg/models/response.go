package models

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// TimestampHeader is the engine-managed response header carrying the
// insertion time as milliseconds since epoch, ASCII decimal.
const TimestampHeader = "x-cache-timestamp"

// StoredResponse is the serialized response envelope used both for the
// shared response store and for response-ready bus messages.
type StoredResponse struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    [][2]string `json:"headers"` // ordered [name, value] pairs
	Body       []byte      `json:"body"`
}

// FromHTTPResponse buffers an *http.Response into a StoredResponse. The
// response body is consumed and closed.
func FromHTTPResponse(resp *http.Response) (*StoredResponse, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	stored := &StoredResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Body:       body,
	}
	for name, values := range resp.Header {
		for _, v := range values {
			stored.Headers = append(stored.Headers, [2]string{name, v})
		}
	}
	return stored, nil
}

// ToHTTPResponse materializes a fresh *http.Response from the envelope.
// Each call returns an independent body reader, so the envelope can be
// served to multiple waiters.
func (s *StoredResponse) ToHTTPResponse() *http.Response {
	header := make(http.Header, len(s.Headers))
	for _, pair := range s.Headers {
		header.Add(pair[0], pair[1])
	}
	return &http.Response{
		StatusCode:    s.Status,
		Status:        fmt.Sprintf("%d %s", s.Status, s.StatusText),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}
}

// Clone returns a deep copy of the envelope.
func (s *StoredResponse) Clone() *StoredResponse {
	dup := &StoredResponse{
		Status:     s.Status,
		StatusText: s.StatusText,
		Headers:    make([][2]string, len(s.Headers)),
		Body:       make([]byte, len(s.Body)),
	}
	copy(dup.Headers, s.Headers)
	copy(dup.Body, s.Body)
	return dup
}

// HeaderValue returns the first value of the named header, or "".
// Header name comparison is case-insensitive.
func (s *StoredResponse) HeaderValue(name string) string {
	for _, pair := range s.Headers {
		if http.CanonicalHeaderKey(pair[0]) == http.CanonicalHeaderKey(name) {
			return pair[1]
		}
	}
	return ""
}

// SetHeader replaces every occurrence of the named header with a single
// [name, value] pair, appending when the header was absent.
func (s *StoredResponse) SetHeader(name, value string) {
	canonical := http.CanonicalHeaderKey(name)
	kept := s.Headers[:0]
	for _, pair := range s.Headers {
		if http.CanonicalHeaderKey(pair[0]) != canonical {
			kept = append(kept, pair)
		}
	}
	s.Headers = append(kept, [2]string{name, value})
}

// Stamp records the insertion time on the envelope.
func (s *StoredResponse) Stamp(nowMillis int64) {
	s.SetHeader(TimestampHeader, strconv.FormatInt(nowMillis, 10))
}

// StoredAt parses the insertion timestamp. An envelope without a parsable
// timestamp is corrupt and must be deleted by the caller.
func (s *StoredResponse) StoredAt() (int64, error) {
	raw := s.HeaderValue(TimestampHeader)
	if raw == "" {
		return 0, fmt.Errorf("missing %s header", TimestampHeader)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s header: %w", TimestampHeader, err)
	}
	return ts, nil
}

// Success reports whether the response status is in the 2xx range and thus
// eligible for storage.
func (s *StoredResponse) Success() bool {
	return s.Status >= 200 && s.Status < 300
}
