package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"marketchat/internal/events"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSTransport keeps one WebSocket to the gateway open, reconnecting with
// exponential backoff.
type WSTransport struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	events chan TransportEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWSTransport(url, token string, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		url:        url,
		token:      token,
		dialer:     websocket.DefaultDialer,
		logger:     logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		events:     make(chan TransportEvent, 64),
	}
}

func (t *WSTransport) Events() <-chan TransportEvent { return t.events }

// Run connects and reconnects until ctx is done. A refused credential stops
// it with ErrUnauthorized since retrying cannot help. Events is closed on return.
func (t *WSTransport) Run(ctx context.Context) error {
	defer close(t.events)

	backoff := t.minBackoff
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, marketchat_errors.ErrUnauthorized) {
				return err
			}
			t.logger.Warn("gateway dial failed", zap.Duration("retry_in", backoff), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, t.maxBackoff)
			continue
		}

		backoff = t.minBackoff
		t.setConn(conn)
		if !t.emit(ctx, TransportEvent{Kind: TransportConnected}) {
			t.drop(conn)
			return nil
		}

		t.readLoop(ctx, conn)
		t.drop(conn)
		if ctx.Err() != nil {
			return nil
		}
		if !t.emit(ctx, TransportEvent{Kind: TransportDisconnected}) {
			return nil
		}
	}
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)
	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("gateway handshake: %w", marketchat_errors.ErrUnauthorized)
		}
		return nil, err
	}
	return conn, nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var frame events.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				t.logger.Info("gateway connection lost", zap.Error(err))
			}
			return
		}
		if !t.emit(ctx, TransportEvent{Kind: TransportFrame, Frame: frame}) {
			return
		}
	}
}

func (t *WSTransport) emit(ctx context.Context, ev TransportEvent) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *WSTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *WSTransport) drop(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

// Send writes one client frame. It fails with ErrNotConnected between connections.
func (t *WSTransport) Send(ctx context.Context, frame events.ClientFrame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return marketchat_errors.ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(frame)
}
