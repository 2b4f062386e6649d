// Package utils provides serialization helpers for stored responses and
// persisted policies.
//
// Design Notes:
//   - JSON is the single serialization format: portable, debuggable, and
//     identical to the wire format of the policy stream
//   - Response bodies travel base64-encoded inside the envelope, which keeps
//     binary payloads intact
package utils

import (
	"encoding/json"
	"fmt"

	"encore.app/pkg/models"
)

// MarshalStoredResponse serializes a response envelope for the shared store
// or a response-ready bus message.
func MarshalStoredResponse(resp *models.StoredResponse) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("cannot marshal nil response")
	}
	return json.Marshal(resp)
}

// UnmarshalStoredResponse deserializes a response envelope.
func UnmarshalStoredResponse(data []byte) (*models.StoredResponse, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var resp models.StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored response: %w", err)
	}
	return &resp, nil
}

// MarshalPolicy serializes a cache policy for persistence.
func MarshalPolicy(policy *models.CachePolicy) ([]byte, error) {
	if policy == nil {
		return nil, fmt.Errorf("cannot marshal nil policy")
	}
	return json.Marshal(policy)
}

// UnmarshalPolicy deserializes a cache policy from persistence or the wire.
func UnmarshalPolicy(data []byte) (*models.CachePolicy, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var policy models.CachePolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
	}
	return &policy, nil
}
