package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	iface "DetStreamClient/interface"
	"DetStreamClient/protocol"

	"github.com/gorilla/websocket"
)

// Shape selects how the credential reaches the detection service.
type Shape int

const (
	// ShapeHeader sends the credential as a bearer token on the upgrade
	// request and frames as binary messages.
	ShapeHeader Shape = iota
	// ShapeMessage opens a bare socket, sends {"token": ...} first and frames
	// as named JSON events.
	ShapeMessage
)

func (s Shape) String() string {
	if s == ShapeMessage {
		return "message"
	}
	return "header"
}

func ParseShape(s string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "header":
		return ShapeHeader, nil
	case "message":
		return ShapeMessage, nil
	default:
		return ShapeHeader, fmt.Errorf("unknown protocol shape %q", s)
	}
}

var ErrTransportClosed = errors.New("transport closed")

const (
	readLimit    = 4 * 1024 * 1024
	writeTimeout = 2 * time.Second
)

// WebsocketURL turns a resolved endpoint into a ws/wss URL. Registries hand
// out http(s) bridge URLs.
func WebsocketURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u.String(), nil
}

// wsTransport is a gorilla websocket speaking either auth shape.
type wsTransport struct {
	shape  Shape
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex
}

func NewTransport(shape Shape, dialer *websocket.Dialer) iface.Transport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &wsTransport{shape: shape, dialer: dialer}
}

// Factory returns a constructor producing a fresh transport per attempt.
func Factory(shape Shape, dialer *websocket.Dialer) func() iface.Transport {
	return func() iface.Transport { return NewTransport(shape, dialer) }
}

func (t *wsTransport) Open(ctx context.Context, endpoint, credential string, h iface.TransportHandler) error {
	target, err := WebsocketURL(endpoint)
	if err != nil {
		return err
	}
	header := http.Header{}
	if t.shape == ShapeHeader {
		header.Set("Authorization", "Bearer "+credential)
	}
	conn, resp, err := t.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	conn.SetReadLimit(readLimit)

	if t.shape == ShapeMessage {
		auth, err := protocol.EncodeAuth(credential)
		if err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = conn.WriteMessage(websocket.TextMessage, auth)
		}
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("send auth: %w", err)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrTransportClosed
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn, h)
	return nil
}

func (t *wsTransport) readLoop(conn *websocket.Conn, h iface.TransportHandler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.OnClose(err)
			return
		}
		h.OnMessage(data)
	}
}

func (t *wsTransport) Send(payload []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return ErrTransportClosed
	}
	msgType, data := websocket.BinaryMessage, payload
	if t.shape == ShapeMessage {
		env, err := protocol.EncodeFrameEvent(payload)
		if err != nil {
			return err
		}
		msgType, data = websocket.TextMessage, env
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(msgType, data)
}

// Close is idempotent and may be called before Open returns.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(writeTimeout))
	t.writeMu.Unlock()
	return conn.Close()
}
