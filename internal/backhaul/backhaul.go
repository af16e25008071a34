// Package backhaul holds the single bidirectional message session to the
// control plane. It owns nothing beyond the session itself: reconnection,
// backoff, and lifetime live in internal/supervisor, which replaces the
// Client whenever a session ends.
package backhaul

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/config"
)

var log = alog.New("backhaul")

// CommandRecord is the nested command payload carried by a "command" query.
type CommandRecord struct {
	ID       string            `json:"id"`
	Shell    string            `json:"shell"`
	Line     string            `json:"line"`
	User     string            `json:"user,omitempty"`
	Group    string            `json:"group,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
	Priority int               `json:"priority,omitempty"`
}

// Frame is the shape of every inbound control message: a required "query"
// discriminator plus whatever fields that query carries.
type Frame struct {
	Query        string          `json:"query"`
	Command      *CommandRecord  `json:"command,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Commissioned *bool           `json:"commissioned,omitempty"`
}

// Handlers is the set of callbacks the supervisor wires in to react to
// each query kind, keeping this package free of direct references to
// dispatch/inventory.
type Handlers struct {
	OnCommit    func(commissioned bool, keys []string)
	OnCommand   func(cmd CommandRecord)
	OnQuit      func()
	OnReconnect func()
}

// Client is a single websocket session. It is not safe to reuse after Run
// returns; the supervisor constructs a fresh Client per connection attempt.
type Client struct {
	conn *websocket.Conn
}

// Dial opens the control-channel websocket using the credential header
// required on every upgrade.
func Dial(ctx context.Context, s *config.Settings) (*Client, error) {
	u, err := url.Parse(s.WSURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", s.AuthHeader())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes v as a JSON text frame. Sending is fire-and-forget: the
// controller is responsible for retransmitting anything lost.
func (c *Client) Send(v any) error {
	return c.conn.WriteJSON(v)
}

// Run blocks reading frames until the connection fails or ctx is
// cancelled, dispatching each valid frame to h. It returns the number of
// messages successfully processed in this session, which the supervisor
// uses to decide whether to reset its reconnect backoff. A nil error means
// ctx was cancelled; any other error is a transport failure the caller
// should treat as "reconnect".
func (c *Client) Run(ctx context.Context, h Handlers) (int, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	processed := 0
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return processed, nil
			}
			return processed, err
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Query == "" {
			log.Errorf("dropping malformed control frame: %v", err)
			continue
		}

		if err := c.Send(map[string]string{"query": "hello"}); err != nil {
			return processed, err
		}
		processed++

		c.dispatch(f, h)
	}
}

func (c *Client) dispatch(f Frame, h Handlers) {
	switch f.Query {
	case "commit":
		var keys []string
		commissioned := false
		if f.Commissioned != nil {
			commissioned = *f.Commissioned
		}
		if len(f.Data) > 0 {
			_ = json.Unmarshal(f.Data, &keys)
		}
		if h.OnCommit != nil {
			h.OnCommit(commissioned, keys)
		}
	case "command":
		if f.Command == nil {
			log.Errorf("command frame missing command record")
			return
		}
		if h.OnCommand != nil {
			h.OnCommand(*f.Command)
		}
	case "quit":
		if h.OnQuit != nil {
			h.OnQuit()
		}
	case "reconnect":
		if h.OnReconnect != nil {
			h.OnReconnect()
		}
	default:
		log.Warnf("ignoring unknown control query %q", f.Query)
	}
}
