package policysync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// Both transports share one contract: deliver a CachePolicy by value when it
// changes. The stream variant pushes envelopes over a live connection; the
// poll variant pulls the full policy on demand.

// StreamConn is one live stream connection.
type StreamConn interface {
	// ReadMessage blocks until the next message or a connection error.
	ReadMessage() ([]byte, error)
	Close() error
}

// StreamDialer establishes a stream connection to the policy server.
type StreamDialer func(ctx context.Context, url string) (StreamConn, error)

// PollSource fetches the current policy once.
type PollSource func(ctx context.Context, url string) (*models.CachePolicy, error)

// wsConn adapts a websocket connection to StreamConn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// DialWebsocket is the production StreamDialer.
func DialWebsocket(ctx context.Context, url string) (StreamConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial policy stream: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// pollClient is shared by every HTTPPoll call.
var pollClient = &http.Client{Timeout: 15 * time.Second}

// HTTPPoll is the production PollSource: one GET returning the policy as
// JSON.
func HTTPPoll(ctx context.Context, url string) (*models.CachePolicy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	resp, err := pollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy poll returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}
	policy, err := utils.UnmarshalPolicy(body)
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// Stream message envelope.

// MessageTypeCacheConfig is the recognized stream message type carrying a
// policy tree.
const MessageTypeCacheConfig = "CACHE_CONFIG"

// envelope is the wire shape of every stream message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed stream message: %w", err)
	}
	return &env, nil
}
