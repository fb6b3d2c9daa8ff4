package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketchat/internal/domain/message"
	"marketchat/internal/events"
	"marketchat/internal/presence"
	"marketchat/internal/services"
	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultTypingTimeout = 5 * time.Second
	opTimeout            = 3 * time.Second
)

// ParticipantChecker answers whether a user belongs to a conversation.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

type GatewayConfig struct {
	TypingTimeout time.Duration
	SendBuffer    int
	MaxDrops      int
}

// Gateway runs connection lifecycles and turns service notifications into
// group deliveries.
type Gateway struct {
	hub      *Hub
	presence presence.Tracker
	fanout   Fanout
	checker  ParticipantChecker
	cfg      GatewayConfig
	logger   *zap.Logger
	wsLog    *WebSocketLogger

	live sync.WaitGroup
}

var _ services.Notifier = (*Gateway)(nil)

// NewGateway wires a gateway. checker may be nil, in which case joining a
// conversation group is not checked against the store.
func NewGateway(hub *Hub, tracker presence.Tracker, fanout Fanout, checker ParticipantChecker, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = defaultTypingTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxDrops <= 0 {
		cfg.MaxDrops = defaultMaxDrops
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fanout == nil {
		fanout = NewLocalFanout(hub)
	}
	return &Gateway{
		hub:      hub,
		presence: tracker,
		fanout:   fanout,
		checker:  checker,
		cfg:      cfg,
		logger:   logger,
		wsLog:    NewWebSocketLogger(logger),
	}
}

func (g *Gateway) Hub() *Hub { return g.hub }

// NewClient builds a client for an authenticated connection using the
// gateway's buffer settings.
func (g *Gateway) NewClient(conn *websocket.Conn, userID uuid.UUID, state *StateMachine) *Client {
	c := NewClient(conn, userID, state, g.cfg.SendBuffer)
	c.maxDrops = int32(g.cfg.MaxDrops)
	return c
}

// Serve runs the connection until the peer goes away. The client must be in
// the authenticating state.
func (g *Gateway) Serve(c *Client) {
	g.live.Add(1)
	defer g.live.Done()

	if err := g.Establish(c); err != nil {
		g.wsLog.Error("establish failed", c.UserID, c.ID, err)
		c.Close()
		return
	}
	go c.writePump()
	c.readPump(g, g.wsLog)
	g.Disconnect(c)
}

// Establish registers an authenticated client: presence, the private user
// group and the presence group.
func (g *Gateway) Establish(c *Client) error {
	if err := c.state.Transition(StateEstablished); err != nil {
		return err
	}
	g.hub.Register(c)
	g.hub.Join(c, events.UserGroup(c.UserID))
	g.hub.Join(c, events.GroupPresence)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	transition, err := g.presence.AddConnection(ctx, c.UserID, c.ID)
	if err != nil {
		g.wsLog.Error("presence add failed", c.UserID, c.ID, err)
	}
	g.wsLog.Info("connected", c.UserID, c.ID, zap.String("presence", transition.String()))
	if transition == presence.BecameOnline {
		g.broadcastStatus(ctx, c.UserID, true)
	}
	return nil
}

// Disconnect is the single cleanup path for every way a connection ends.
// Calling it again is a no-op.
func (g *Gateway) Disconnect(c *Client) {
	if err := c.state.Transition(StateClosed); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	for _, conversationID := range c.typing.StopAll() {
		g.emitTyping(ctx, c, conversationID, events.EventUserStoppedTyping)
	}

	g.hub.Unregister(c)
	c.Close()

	transition, err := g.presence.RemoveConnection(ctx, c.UserID, c.ID)
	if err != nil {
		g.wsLog.Error("presence remove failed", c.UserID, c.ID, err)
	}
	g.wsLog.Info("disconnected", c.UserID, c.ID,
		zap.String("presence", transition.String()),
		zap.Duration("duration", time.Since(c.connectedAt)),
	)
	if transition == presence.BecameOffline {
		g.broadcastStatus(ctx, c.UserID, false)
	}
}

// JoinConversation adds the connection to the conversation's group.
func (g *Gateway) JoinConversation(ctx context.Context, c *Client, conversationID uuid.UUID) error {
	if g.checker != nil {
		ok, err := g.checker.IsParticipant(ctx, conversationID, c.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return marketchat_errors.ErrNotFound
		}
	}
	if err := c.state.Transition(StateJoined); err != nil {
		return err
	}
	g.hub.Join(c, events.ConversationGroup(conversationID))
	return nil
}

// LeaveConversation removes the connection from the group at once. Any typing
// indicator the connection had there is stopped.
func (g *Gateway) LeaveConversation(ctx context.Context, c *Client, conversationID uuid.UUID) {
	if c.typing.Cancel(conversationID) {
		g.emitTyping(ctx, c, conversationID, events.EventUserStoppedTyping)
	}
	if !g.hub.Leave(c, events.ConversationGroup(conversationID)) {
		return
	}
	if !g.inAnyConversation(c) {
		_ = c.state.Transition(StateEstablished)
	}
}

// TypingStart relays a typing indicator and arms the auto-stop task.
func (g *Gateway) TypingStart(ctx context.Context, c *Client, conversationID uuid.UUID) error {
	if !g.hub.IsMember(c, events.ConversationGroup(conversationID)) {
		return fmt.Errorf("%w: join the conversation first", marketchat_errors.ErrInvalidInput)
	}
	g.emitTyping(ctx, c, conversationID, events.EventUserTyping)
	c.typing.Schedule(conversationID, g.cfg.TypingTimeout, func() {
		sctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		g.emitTyping(sctx, c, conversationID, events.EventUserStoppedTyping)
	})
	return nil
}

func (g *Gateway) TypingStop(ctx context.Context, c *Client, conversationID uuid.UUID) error {
	if !g.hub.IsMember(c, events.ConversationGroup(conversationID)) {
		return fmt.Errorf("%w: join the conversation first", marketchat_errors.ErrInvalidInput)
	}
	c.typing.Cancel(conversationID)
	g.emitTyping(ctx, c, conversationID, events.EventUserStoppedTyping)
	return nil
}

func (g *Gateway) inAnyConversation(c *Client) bool {
	for _, group := range g.hub.GroupsOf(c) {
		if _, ok := events.ConversationFromGroup(group); ok {
			return true
		}
	}
	return false
}

func (g *Gateway) handleFrame(c *Client, frame events.ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if frame.Type == events.ClientPing {
		g.reply(c, events.EventPong, nil)
		return
	}

	conversationID, err := uuid.Parse(frame.ConversationID)
	if err != nil {
		g.replyError(c, fmt.Errorf("%w: conversation_id required", marketchat_errors.ErrInvalidInput))
		return
	}

	switch frame.Type {
	case events.ClientJoinConversation:
		err = g.JoinConversation(ctx, c, conversationID)
	case events.ClientLeaveConversation:
		g.LeaveConversation(ctx, c, conversationID)
	case events.ClientTypingStart:
		err = g.TypingStart(ctx, c, conversationID)
	case events.ClientTypingStop:
		err = g.TypingStop(ctx, c, conversationID)
	default:
		err = fmt.Errorf("%w: unknown frame type %q", marketchat_errors.ErrInvalidInput, frame.Type)
	}
	if err != nil {
		g.replyError(c, err)
	}
}

func (g *Gateway) heartbeat(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := g.presence.Heartbeat(ctx, c.UserID, c.ID); err != nil {
		g.wsLog.Warn("presence heartbeat failed", c.UserID, c.ID, zap.Error(err))
	}
}

func (g *Gateway) reply(c *Client, eventType string, payload any) {
	frame, err := events.EncodeFrame(eventType, payload)
	if err != nil {
		g.wsLog.Error("encode frame", c.UserID, c.ID, err)
		return
	}
	g.hub.SendTo(c, frame)
}

func (g *Gateway) replyError(c *Client, err error) {
	if errors.Is(err, marketchat_errors.ErrInvalidTransition) {
		g.wsLog.Warn("frame after close", c.UserID, c.ID, zap.Error(err))
		return
	}
	g.reply(c, events.EventError, events.ErrorPayload{
		Code:    services.ErrorCode(err),
		Message: services.PublicMessage(err),
	})
}

func (g *Gateway) emitTyping(ctx context.Context, c *Client, conversationID uuid.UUID, eventType string) {
	g.emit(ctx, events.ConversationGroup(conversationID), eventType, events.TypingPayload{
		ConversationID: conversationID.String(),
		UserID:         c.UserID.String(),
	}, c.UserID)
}

func (g *Gateway) broadcastStatus(ctx context.Context, userID uuid.UUID, online bool) {
	g.emit(ctx, events.GroupPresence, events.EventUserStatusChange, events.StatusChangePayload{
		UserID:    userID.String(),
		Online:    online,
		Timestamp: time.Now().UTC(),
	}, uuid.Nil)
}

func (g *Gateway) emit(ctx context.Context, group, eventType string, payload any, exclude uuid.UUID) {
	frame, err := events.EncodeFrame(eventType, payload)
	if err != nil {
		g.logger.Error("encode frame", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := g.fanout.Deliver(ctx, group, frame, exclude); err != nil {
		g.logger.Warn("fan-out failed",
			zap.String("group", group),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

func (g *Gateway) EmitNewMessage(ctx context.Context, conversationID uuid.UUID, msg message.WithSender) {
	g.emit(ctx, events.ConversationGroup(conversationID), events.EventMessageNew, httpdto.FromMessage(msg), uuid.Nil)
}

func (g *Gateway) EmitMessageEdited(ctx context.Context, conversationID uuid.UUID, msg message.WithSender) {
	g.emit(ctx, events.ConversationGroup(conversationID), events.EventMessageEdited, httpdto.FromMessage(msg), uuid.Nil)
}

func (g *Gateway) EmitMessageDeleted(ctx context.Context, conversationID, messageID uuid.UUID) {
	g.emit(ctx, events.ConversationGroup(conversationID), events.EventMessageDeleted, events.MessageDeletedPayload{
		ConversationID: conversationID.String(),
		MessageID:      messageID.String(),
	}, uuid.Nil)
}

func (g *Gateway) EmitConversationRead(ctx context.Context, conversationID, readerID uuid.UUID, at time.Time) {
	g.emit(ctx, events.ConversationGroup(conversationID), events.EventConversationRead, events.ConversationReadPayload{
		ConversationID: conversationID.String(),
		ReaderID:       readerID.String(),
		ReadAt:         at,
	}, uuid.Nil)
}

// NotifyConversationUpdate reaches every connection of userID, whether or not
// it has the conversation open.
func (g *Gateway) NotifyConversationUpdate(ctx context.Context, userID uuid.UUID, update events.ConversationUpdate) {
	g.emit(ctx, events.UserGroup(userID), events.EventConversationUpdate, update, uuid.Nil)
}

// Shutdown closes every connection and waits for their cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	for _, c := range g.hub.Clients() {
		c.Close()
	}
	done := make(chan struct{})
	go func() {
		g.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
