package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/switchboard/pkg/errorsx"
	"github.com/harunnryd/switchboard/pkg/resilience"
	"github.com/harunnryd/switchboard/pkg/voice"
)

// Dialer opens realtime sessions.
type Dialer struct {
	URL              string
	APIKey           string
	Retry            resilience.RetryPolicy
	HandshakeTimeout time.Duration
}

// Conn is one upstream realtime session. Writes are serialized; Events must
// be consumed by a single goroutine.
type Conn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects with the given model and voice, retrying per d.Retry.
func (d Dialer) Dial(ctx context.Context, model string, v voice.Voice) (*Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("realtime url: %w", err), errorsx.ReasonUpstreamConnect)
	}
	q := u.Query()
	q.Set("model", model)
	if v != "" {
		q.Set("voice", string(v))
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	var ws *websocket.Conn
	err = d.Retry.Do(ctx, func() error {
		conn, resp, derr := dialer.DialContext(ctx, u.String(), headers)
		if derr != nil {
			if resp != nil {
				return fmt.Errorf("realtime dial: %w (status %d)", derr, resp.StatusCode)
			}
			return fmt.Errorf("realtime dial: %w", derr)
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	return &Conn{ws: ws}, nil
}

func generateEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

func (c *Conn) send(event map[string]any) error {
	event["event_id"] = generateEventID()
	data, err := json.Marshal(event)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUpstreamSend)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errorsx.Wrap(fmt.Errorf("realtime send %v: %w", event["type"], err), errorsx.ReasonUpstreamSend)
	}
	return nil
}

// UpdateSession sends a session.update with cfg.
func (c *Conn) UpdateSession(cfg SessionConfig) error {
	return c.send(map[string]any{"type": EventTypeSessionUpdate, "session": cfg})
}

// AppendAudio forwards one base64 μ-law chunk.
func (c *Conn) AppendAudio(payload string) error {
	return c.send(map[string]any{"type": EventTypeInputAudioBufferAppend, "audio": payload})
}

// CancelResponse asks the upstream to stop the response in progress.
func (c *Conn) CancelResponse() error {
	return c.send(map[string]any{"type": EventTypeResponseCancel})
}

// Events yields classified frames until the connection fails or closes.
// Malformed frames yield an error wrapping ErrMalformedFrame and the
// sequence continues; any other error ends it.
func (c *Conn) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return
				}
				yield(nil, errorsx.Wrap(fmt.Errorf("realtime read: %w", err), errorsx.ReasonUpstreamRead))
				return
			}
			ev, err := Classify(data)
			if err != nil {
				err = errorsx.Wrap(err, errorsx.ReasonUpstreamParse)
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if errors.Is(werr, websocket.ErrCloseSent) {
			werr = nil
		}
		c.closeErr = errors.Join(werr, c.ws.Close())
	})
	return c.closeErr
}
