package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL         = "wss://api.openai.com/v1/realtime"
	DefaultModel       = "gpt-4o-realtime-preview"
	defaultDialTimeout = 15 * time.Second
	closeGrace         = 2 * time.Second
	inboundBuffer      = 256
)

// WebSocketDialer connects directly to the realtime backend.
type WebSocketDialer struct {
	URL     string
	Model   string
	APIKey  string
	Header  http.Header
	Timeout time.Duration
	Dialer  *websocket.Dialer
}

func (d *WebSocketDialer) endpoint() (string, error) {
	raw := d.URL
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	model := d.Model
	if model == "" {
		model = DefaultModel
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	for k, v := range d.Header {
		headers[k] = append([]string(nil), v...)
	}
	if d.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return NewWebSocket(conn), nil
}

// Accept upgrades an HTTP request and returns the browser side of a relay
// as a Transport.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) (Transport, error) {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade relay: %w", err)
	}
	return NewWebSocket(conn), nil
}

type wsTransport struct {
	conn *websocket.Conn

	messages chan []byte
	done     chan struct{}
	closing  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// NewWebSocket wraps an open connection and starts reading from it.
func NewWebSocket(conn *websocket.Conn) Transport {
	t := &wsTransport{
		conn:     conn,
		messages: make(chan []byte, inboundBuffer),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *wsTransport) Send(v any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (t *wsTransport) Messages() <-chan []byte { return t.messages }

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.closing)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	<-t.done
	return nil
}

func (t *wsTransport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *wsTransport) readLoop() {
	defer close(t.done)
	defer close(t.messages)

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			t.setErr(err)
			t.closed.Store(true)
			_ = t.conn.Close()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case t.messages <- data:
		case <-t.closing:
			return
		}
	}
}
