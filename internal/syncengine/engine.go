package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketchat/internal/events"
	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"
	"marketchat/pkg/timers"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// API is the request/response side of the server.
type API interface {
	ListConversations(ctx context.Context) ([]httpdto.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]httpdto.Message, error)
	SendMessage(ctx context.Context, req httpdto.SendMessageRequest) (httpdto.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

type TransportEventKind int

const (
	TransportConnected TransportEventKind = iota
	TransportDisconnected
	TransportFrame
)

type TransportEvent struct {
	Kind  TransportEventKind
	Frame events.Frame
}

// Transport is the live event feed. Events is closed when the transport stops.
type Transport interface {
	Events() <-chan TransportEvent
	Send(ctx context.Context, frame events.ClientFrame) error
}

type Config struct {
	PageSize       int
	TypingIdle     time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = 3 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Engine keeps a State in step with the server: REST for history and sends,
// the transport for live events.
type Engine struct {
	api       API
	transport Transport
	state     *State
	cfg       Config
	logger    *zap.Logger

	mu     sync.Mutex
	joined map[string]struct{}

	typing *timers.Keyed[string]
	// refreshing collapses concurrent list re-fetches.
	refreshing sync.Mutex
	// connectedBefore and listStale are only touched by the Run goroutine.
	connectedBefore bool
	listStale       bool
}

func New(api API, transport Transport, state *State, cfg Config, logger *zap.Logger) *Engine {
	if state == nil {
		state = NewState()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		api:       api,
		transport: transport,
		state:     state,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		joined:    make(map[string]struct{}),
		typing:    timers.NewKeyed[string](),
	}
}

func (e *Engine) State() *State { return e.state }

// Run fetches the conversation list and then applies transport events until
// ctx is done or the transport stops.
func (e *Engine) Run(ctx context.Context) error {
	defer e.typing.StopAll()

	if err := e.Refresh(ctx); err != nil {
		e.listStale = true
		e.logger.Warn("initial conversation fetch failed", zap.Error(err))
	}
	feed := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-feed:
			if !ok {
				e.state.SetStatus(Disconnected)
				return nil
			}
			e.handleTransport(ctx, ev)
		}
	}
}

// Refresh replaces the cached list with the server's.
func (e *Engine) Refresh(ctx context.Context) error {
	e.refreshing.Lock()
	defer e.refreshing.Unlock()

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	items, err := e.api.ListConversations(rctx)
	if err != nil {
		return err
	}
	e.state.SetConversations(items)
	return nil
}

// Open makes conversationID the active one: the unread counter is zeroed
// locally at once, the group is joined, history is fetched and the
// conversation is marked read on the server.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	if _, err := uuid.Parse(conversationID); err != nil {
		return fmt.Errorf("%w: conversation id", marketchat_errors.ErrInvalidInput)
	}
	if prev := e.state.Active(); prev != "" && prev != conversationID {
		e.Close(ctx)
	}

	e.state.ZeroUnread(conversationID)
	e.state.SetActive(conversationID)
	e.join(ctx, conversationID)

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	history, err := e.api.GetMessages(rctx, conversationID, e.cfg.PageSize, 0)
	if err != nil {
		return err
	}
	e.state.LoadHistory(conversationID, history)

	if err := e.api.MarkRead(rctx, conversationID); err != nil {
		e.logger.Warn("mark read failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// Close leaves the active conversation.
func (e *Engine) Close(ctx context.Context) {
	active := e.state.Active()
	if active == "" {
		return
	}
	if e.typing.Cancel(active) {
		e.sendFrame(ctx, events.ClientTypingStop, active)
	}

	e.mu.Lock()
	delete(e.joined, active)
	e.mu.Unlock()
	e.sendFrame(ctx, events.ClientLeaveConversation, active)
	e.state.SetActive("")
}

// Send posts a message to the active conversation. The draft is cleared
// before the request and restored if it fails.
func (e *Engine) Send(ctx context.Context, req httpdto.SendMessageRequest) (httpdto.Message, error) {
	active := e.state.Active()
	if req.ConversationID == "" && req.RecipientID == "" {
		if active == "" {
			return httpdto.Message{}, fmt.Errorf("%w: no open conversation", marketchat_errors.ErrInvalidInput)
		}
		req.ConversationID = active
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = uuid.NewString()
	}

	draft := e.state.Draft()
	e.state.SetDraft("")
	if req.ConversationID != "" && e.typing.Cancel(req.ConversationID) {
		e.sendFrame(ctx, events.ClientTypingStop, req.ConversationID)
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	msg, err := e.api.SendMessage(rctx, req)
	if err != nil {
		if e.state.Draft() == "" {
			e.state.SetDraft(draft)
		}
		return httpdto.Message{}, err
	}
	e.state.AppendMessage(msg)
	return msg, nil
}

// SendText sends the current draft as a text message.
func (e *Engine) SendText(ctx context.Context) (httpdto.Message, error) {
	text := e.state.Draft()
	if text == "" {
		return httpdto.Message{}, fmt.Errorf("%w: empty draft", marketchat_errors.ErrInvalidInput)
	}
	return e.Send(ctx, TextMessage(text))
}

// TextMessage is a send request for plain text to the active conversation.
func TextMessage(text string) httpdto.SendMessageRequest {
	return httpdto.SendMessageRequest{Kind: "text", Text: text}
}

// SetDraft records input and signals typing in the active conversation.
func (e *Engine) SetDraft(ctx context.Context, text string) {
	e.state.SetDraft(text)
	if text != "" {
		e.Typing(ctx)
	}
}

// Typing announces typing:start once per burst of keystrokes and typing:stop
// after TypingIdle without another call.
func (e *Engine) Typing(ctx context.Context) {
	active := e.state.Active()
	if active == "" {
		return
	}
	if !e.typing.Active(active) {
		e.sendFrame(ctx, events.ClientTypingStart, active)
	}
	e.typing.Schedule(active, e.cfg.TypingIdle, func() {
		sctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		e.sendFrame(sctx, events.ClientTypingStop, active)
	})
}

func (e *Engine) join(ctx context.Context, conversationID string) {
	e.mu.Lock()
	e.joined[conversationID] = struct{}{}
	e.mu.Unlock()
	// Offline joins are replayed on the next connect.
	e.sendFrame(ctx, events.ClientJoinConversation, conversationID)
}

func (e *Engine) joinedGroups() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.joined))
	for id := range e.joined {
		out = append(out, id)
	}
	return out
}

func (e *Engine) sendFrame(ctx context.Context, frameType, conversationID string) {
	err := e.transport.Send(ctx, events.ClientFrame{Type: frameType, ConversationID: conversationID})
	if err != nil && !errors.Is(err, marketchat_errors.ErrNotConnected) {
		e.logger.Debug("frame not sent", zap.String("type", frameType), zap.Error(err))
	}
}

func (e *Engine) handleTransport(ctx context.Context, ev TransportEvent) {
	switch ev.Kind {
	case TransportConnected:
		e.state.SetStatus(Connected)
		// Group membership does not survive a reconnect.
		for _, id := range e.joinedGroups() {
			e.sendFrame(ctx, events.ClientJoinConversation, id)
		}
		// Run fetched the list already; only later connects can have missed updates.
		first := !e.connectedBefore
		e.connectedBefore = true
		if first && !e.listStale {
			return
		}
		e.listStale = false
		go func() {
			if err := e.Refresh(ctx); err != nil {
				e.logger.Warn("refresh after reconnect failed", zap.Error(err))
			}
		}()
	case TransportDisconnected:
		e.state.SetStatus(Connecting)
	case TransportFrame:
		e.handleFrame(ctx, ev.Frame)
	}
}

func (e *Engine) handleFrame(ctx context.Context, frame events.Frame) {
	var err error
	switch frame.Type {
	case events.EventMessageNew:
		var m httpdto.Message
		if err = frame.Decode(&m); err == nil {
			e.state.AppendMessage(m)
		}
	case events.EventMessageEdited:
		var m httpdto.Message
		if err = frame.Decode(&m); err == nil {
			e.state.ReplaceMessage(m)
		}
	case events.EventMessageDeleted:
		var p events.MessageDeletedPayload
		if err = frame.Decode(&p); err == nil {
			e.state.MarkDeleted(p.ConversationID, p.MessageID)
		}
	case events.EventConversationUpdate:
		var u events.ConversationUpdate
		if err = frame.Decode(&u); err == nil {
			e.applyUpdate(ctx, u)
		}
	case events.EventConversationRead:
		var p events.ConversationReadPayload
		if err = frame.Decode(&p); err == nil {
			e.state.ApplyRead(p.ConversationID, p.ReaderID, p.ReadAt)
		}
	case events.EventUserStatusChange:
		var p events.StatusChangePayload
		if err = frame.Decode(&p); err == nil {
			e.state.SetOnline(p.UserID, p.Online)
		}
	case events.EventUserTyping, events.EventUserStoppedTyping:
		var p events.TypingPayload
		if err = frame.Decode(&p); err == nil {
			e.state.SetTyping(p.ConversationID, p.UserID, frame.Type == events.EventUserTyping)
		}
	case events.EventError:
		var p events.ErrorPayload
		_ = frame.Decode(&p)
		e.logger.Warn("server rejected frame", zap.String("code", p.Code), zap.String("message", p.Message))
	case events.EventPong:
	default:
		e.logger.Debug("ignoring frame", zap.String("type", frame.Type))
	}
	if err != nil {
		e.logger.Warn("malformed frame", zap.String("type", frame.Type), zap.Error(err))
	}
}

// applyUpdate folds the update into the cache. An unknown conversation means
// the list is stale, so it is fetched again in full.
func (e *Engine) applyUpdate(ctx context.Context, u events.ConversationUpdate) {
	if !e.state.ApplyUpdate(u) {
		go func() {
			if err := e.Refresh(ctx); err != nil {
				e.logger.Warn("refresh for unknown conversation failed", zap.String("conversation_id", u.ConversationID), zap.Error(err))
			}
		}()
		return
	}
	// A message landed in the open conversation; the user has seen it.
	if u.ConversationID == e.state.Active() && u.UnreadCount > 0 {
		go func() {
			rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
			defer cancel()
			if err := e.api.MarkRead(rctx, u.ConversationID); err != nil {
				e.logger.Warn("mark read failed", zap.String("conversation_id", u.ConversationID), zap.Error(err))
			}
		}()
	}
}
