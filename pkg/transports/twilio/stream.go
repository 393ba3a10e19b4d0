package twilio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/switchboard/pkg/errorsx"
)

var (
	// ErrMalformedEvent wraps messages that are not valid Media Streams JSON.
	ErrMalformedEvent = errors.New("malformed media stream event")
	// ErrStreamClosed is returned when sending on a closed stream.
	ErrStreamClosed = errors.New("media stream closed")
	// ErrSendBacklog is returned when the writer has fallen behind and the
	// message was dropped. The stream stays usable.
	ErrSendBacklog = errors.New("media stream send backlog full")
)

// NewUpgrader returns the WebSocket upgrader for media streams. An empty
// allowedOrigins accepts any origin.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin == "" {
		return true
	}
	host := NormalizeHost(origin)
	for _, a := range allowed {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a == "" {
			continue
		}
		if strings.EqualFold(a, origin) || strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// MediaStream is the telephony side of one call. Reads must come from a
// single goroutine; sends may come from any and are written in order by a
// dedicated writer.
type MediaStream struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	writeErr error
	dropped  atomic.Int64
}

func NewMediaStream(conn *websocket.Conn) *MediaStream {
	s := &MediaStream{
		conn:   conn,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// ReadEvent blocks for the next message. Undecodable messages return an
// error wrapping ErrMalformedEvent and the stream stays usable.
func (s *MediaStream) ReadEvent() (Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Event{}, errorsx.Wrap(fmt.Errorf("media stream read: %w", err), errorsx.ReasonTelephonyRead)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, errorsx.Wrap(fmt.Errorf("%w: %v", ErrMalformedEvent, err), errorsx.ReasonTelephonyParse)
	}
	return evt, nil
}

// SendMedia queues one base64 μ-law payload for the caller. When the writer
// has fallen behind the message is dropped and ErrSendBacklog returned.
func (s *MediaStream) SendMedia(streamSID, payload string) error {
	return s.enqueue(map[string]any{
		"event":     EventMedia,
		"streamSid": streamSID,
		"media":     map[string]any{"payload": payload},
	})
}

// Clear asks the provider to discard audio it has buffered for the caller.
func (s *MediaStream) Clear(streamSID string) error {
	return s.enqueue(map[string]any{"event": "clear", "streamSid": streamSID})
}

func (s *MediaStream) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonySend)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return errorsx.Wrap(fmt.Errorf("media stream write: %w", s.writeErr), errorsx.ReasonTelephonySend)
	}
	if s.closed {
		return errorsx.Wrap(ErrStreamClosed, errorsx.ReasonTelephonySend)
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		s.dropped.Add(1)
		return errorsx.Wrap(ErrSendBacklog, errorsx.ReasonTelephonySend)
	}
}

// Dropped counts messages discarded because the send backlog was full.
func (s *MediaStream) Dropped() int64 {
	return s.dropped.Load()
}

// loop writes queued messages in order. After the first write failure the
// rest of the queue is discarded and every later send reports that failure.
func (s *MediaStream) loop() {
	defer close(s.done)
	for msg := range s.sendCh {
		if s.failed() {
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.mu.Lock()
			s.writeErr = err
			s.mu.Unlock()
		}
	}
}

func (s *MediaStream) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr != nil
}

// Close flushes queued messages briefly, then closes the socket with code
// and reason. Repeated calls are no-ops.
func (s *MediaStream) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.sendCh)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// SilenceULaw returns d worth of 8 kHz μ-law silence.
func SilenceULaw(d time.Duration) []byte {
	n := int(d / (time.Second / 8000))
	if n <= 0 {
		return nil
	}
	return bytes.Repeat([]byte{0xFF}, n)
}
