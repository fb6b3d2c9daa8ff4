package websocket

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"marketchat/internal/events"
	"marketchat/pkg/timers"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultSendBuffer = 256
	defaultMaxDrops   = 32
)

// Client is one live WebSocket connection.
type Client struct {
	ID     string
	UserID uuid.UUID

	conn  *websocket.Conn
	send  chan []byte
	state *StateMachine

	// groups is owned by the Hub and only touched under its lock.
	groups map[string]struct{}

	typing  *timers.Keyed[uuid.UUID]
	limiter *frameLimiter

	drops     atomic.Int32
	maxDrops  int32
	closeOnce sync.Once

	connectedAt time.Time
	lastPong    atomic.Int64
}

func NewClient(conn *websocket.Conn, userID uuid.UUID, state *StateMachine, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if state == nil {
		state = NewStateMachine()
	}
	now := time.Now()
	c := &Client{
		ID:          uuid.NewString(),
		UserID:      userID,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		state:       state,
		groups:      make(map[string]struct{}),
		typing:      timers.NewKeyed[uuid.UUID](),
		limiter:     newFrameLimiter(),
		maxDrops:    defaultMaxDrops,
		connectedAt: now,
	}
	c.lastPong.Store(now.UnixMilli())
	return c
}

func (c *Client) State() State {
	return c.state.Current()
}

// enqueue never blocks. A peer that keeps a full buffer for maxDrops frames in
// a row is disconnected.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		c.drops.Store(0)
		return true
	default:
		if c.drops.Add(1) >= c.maxDrops {
			c.Close()
		}
		return false
	}
}

// Close tears down the socket. The read pump notices and runs the disconnect path.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

type frameHandler interface {
	handleFrame(c *Client, frame events.ClientFrame)
	heartbeat(c *Client)
}

func (c *Client) readPump(h frameHandler, logger *WebSocketLogger) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixMilli())
		h.heartbeat(c)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("websocket unexpected close", c.UserID, c.ID, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame events.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("malformed frame", c.UserID, c.ID)
			continue
		}
		if !c.limiter.Allow(frame.Type) {
			logger.Warn("rate limit exceeded", c.UserID, c.ID)
			continue
		}
		h.handleFrame(c, frame)
	}
}

// writePump sends one frame per WebSocket message and pings the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Per-minute budgets for client frames.
type frameLimits struct {
	Typing     int
	Membership int
	Ping       int
}

var defaultFrameLimits = frameLimits{
	Typing:     120,
	Membership: 120,
	Ping:       60,
}

type frameLimiter struct {
	mu         sync.Mutex
	typing     int
	membership int
	ping       int
	lastRefill time.Time
	limits     frameLimits
	now        func() time.Time
}

func newFrameLimiter() *frameLimiter {
	l := &frameLimiter{limits: defaultFrameLimits, now: time.Now}
	l.refill(l.now())
	return l
}

func (l *frameLimiter) refill(now time.Time) {
	l.typing = l.limits.Typing
	l.membership = l.limits.Membership
	l.ping = l.limits.Ping
	l.lastRefill = now
}

// Allow spends one token for the frame type. Unknown types are allowed so the
// dispatcher can report them.
func (l *frameLimiter) Allow(frameType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := l.now(); now.Sub(l.lastRefill) >= time.Minute {
		l.refill(now)
	}

	var bucket *int
	switch frameType {
	case events.ClientTypingStart, events.ClientTypingStop:
		bucket = &l.typing
	case events.ClientJoinConversation, events.ClientLeaveConversation:
		bucket = &l.membership
	case events.ClientPing:
		bucket = &l.ping
	default:
		return true
	}
	if *bucket <= 0 {
		return false
	}
	*bucket--
	return true
}
