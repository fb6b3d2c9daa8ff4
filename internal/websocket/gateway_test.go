package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketchat/internal/domain/message"
	"marketchat/internal/events"
	"marketchat/internal/presence"
	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const frameTimeout = 2 * time.Second

type tokenTable map[string]uuid.UUID

func (t tokenTable) VerifyAccessToken(_ context.Context, token string) (uuid.UUID, error) {
	id, ok := t[token]
	if !ok {
		return uuid.Nil, marketchat_errors.ErrUnauthorized
	}
	return id, nil
}

type denyAll struct{}

func (denyAll) IsParticipant(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

type harness struct {
	t       *testing.T
	gateway *Gateway
	tracker *presence.Memory
	tokens  tokenTable
	url     string
}

func newHarness(t *testing.T, cfg GatewayConfig, checker ParticipantChecker, limiter ConnectionLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tracker := presence.NewMemory()
	gateway := NewGateway(NewHub(), tracker, nil, checker, cfg, nil)
	tokens := tokenTable{}
	handler := NewHandler(tokens, gateway, limiter, []string{"*"}, nil)

	router := gin.New()
	router.GET("/ws", handler.Connect)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		_ = gateway.Shutdown(ctx)
		srv.Close()
	})

	return &harness{
		t:       t,
		gateway: gateway,
		tracker: tracker,
		tokens:  tokens,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// user registers a token for a fresh user id.
func (h *harness) user(token string) uuid.UUID {
	id := uuid.New()
	h.tokens[token] = id
	return id
}

func (h *harness) dial(token string) *websocket.Conn {
	h.t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.url+"?token="+token, nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		h.t.Fatalf("status = %d", resp.StatusCode)
	}
	h.t.Cleanup(func() { _ = conn.Close() })
	settle(h.t, conn)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frameType string, conversationID uuid.UUID) {
	t.Helper()
	frame := events.ClientFrame{Type: frameType}
	if conversationID != uuid.Nil {
		frame.ConversationID = conversationID.String()
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s: %v", frameType, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) events.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(frameTimeout))
	var frame events.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	return frame
}

// expectFrame reads until a frame of the given type arrives.
func expectFrame(t *testing.T, conn *websocket.Conn, frameType string) events.Frame {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		if frame := readFrame(t, conn); frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame within %s", frameType, frameTimeout)
	return events.Frame{}
}

// settle round-trips a ping so every frame the server handled before it has
// been delivered. It returns the frames that arrived ahead of the pong.
func settle(t *testing.T, conn *websocket.Conn) []events.Frame {
	t.Helper()
	send(t, conn, events.ClientPing, uuid.Nil)
	var before []events.Frame
	for {
		frame := readFrame(t, conn)
		if frame.Type == events.EventPong {
			return before
		}
		before = append(before, frame)
	}
}

func countType(frames []events.Frame, frameType string) int {
	n := 0
	for _, f := range frames {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, nil, nil)

	for _, url := range []string{h.url, h.url + "?token=bogus"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("dial %s: err = %v, want bad handshake", url, err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	}
	if h.gateway.Hub().ClientCount() != 0 {
		t.Fatal("rejected handshake registered a client")
	}
}

func TestHandshakeConnectionLimit(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, nil, NewMemoryConnectionLimiter(1))
	h.user("alice")
	h.dial("alice")

	_, resp, err := websocket.DefaultDialer.Dial(h.url+"?token=alice", nil)
	if err == nil {
		t.Fatal("second connection inside the window should be refused")
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestPresenceFollowsLastConnection(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, nil, nil)
	h.user("alice")
	bob := h.user("bob")

	alice := h.dial("alice")
	bobPhone := h.dial("bob")

	var status events.StatusChangePayload
	if err := expectFrame(t, alice, events.EventUserStatusChange).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.UserID != bob.String() || !status.Online {
		t.Fatalf("status = %+v, want bob online", status)
	}

	bobLaptop := h.dial("bob")
	if frames := settle(t, alice); countType(frames, events.EventUserStatusChange) != 0 {
		t.Fatal("second device must not announce bob again")
	}

	_ = bobLaptop.Close()
	eventually(t, "laptop cleanup", func() bool { return h.tracker.Connections(bob) == 1 })
	if frames := settle(t, alice); countType(frames, events.EventUserStatusChange) != 0 {
		t.Fatal("bob still has a connection and must stay online")
	}

	_ = bobPhone.Close()
	if err := expectFrame(t, alice, events.EventUserStatusChange).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.UserID != bob.String() || status.Online {
		t.Fatalf("status = %+v, want bob offline", status)
	}
	if online, _ := h.tracker.IsOnline(context.Background(), bob); online {
		t.Fatal("tracker still reports bob online")
	}
}

func TestTypingRelayAndAutoStop(t *testing.T) {
	h := newHarness(t, GatewayConfig{TypingTimeout: 150 * time.Millisecond}, nil, nil)
	alice := h.user("alice")
	h.user("bob")
	conversationID := uuid.New()

	aliceConn := h.dial("alice")
	bobConn := h.dial("bob")

	send(t, aliceConn, events.ClientTypingStart, conversationID)
	expectFrame(t, aliceConn, events.EventError)

	send(t, aliceConn, events.ClientJoinConversation, conversationID)
	send(t, bobConn, events.ClientJoinConversation, conversationID)
	settle(t, aliceConn)
	settle(t, bobConn)

	send(t, aliceConn, events.ClientTypingStart, conversationID)
	var typing events.TypingPayload
	if err := expectFrame(t, bobConn, events.EventUserTyping).Decode(&typing); err != nil {
		t.Fatal(err)
	}
	if typing.UserID != alice.String() || typing.ConversationID != conversationID.String() {
		t.Fatalf("typing = %+v", typing)
	}
	if frames := settle(t, aliceConn); countType(frames, events.EventUserTyping) != 0 {
		t.Fatal("typing indicator echoed to its sender")
	}

	start := time.Now()
	expectFrame(t, bobConn, events.EventUserStoppedTyping)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("auto-stop took %s", elapsed)
	}
}

func TestDisconnectStopsTyping(t *testing.T) {
	h := newHarness(t, GatewayConfig{TypingTimeout: time.Minute}, nil, nil)
	h.user("alice")
	h.user("bob")
	conversationID := uuid.New()

	aliceConn := h.dial("alice")
	bobConn := h.dial("bob")
	send(t, aliceConn, events.ClientJoinConversation, conversationID)
	send(t, bobConn, events.ClientJoinConversation, conversationID)
	settle(t, aliceConn)
	settle(t, bobConn)

	send(t, aliceConn, events.ClientTypingStart, conversationID)
	expectFrame(t, bobConn, events.EventUserTyping)

	_ = aliceConn.Close()
	expectFrame(t, bobConn, events.EventUserStoppedTyping)
	eventually(t, "group cleanup", func() bool {
		return h.gateway.Hub().GroupSize(events.ConversationGroup(conversationID)) == 1
	})
}

func TestNotifierDelivery(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, nil, nil)
	alice := h.user("alice")
	bob := h.user("bob")
	h.user("carol")
	conversationID := uuid.New()

	aliceConn := h.dial("alice")
	bobConn := h.dial("bob")
	carolConn := h.dial("carol")
	send(t, aliceConn, events.ClientJoinConversation, conversationID)
	send(t, bobConn, events.ClientJoinConversation, conversationID)
	settle(t, aliceConn)
	settle(t, bobConn)

	msg := message.WithSender{Message: message.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       alice,
		Kind:           message.KindText,
		Body:           message.Body{Text: "still available?"},
		CreatedAt:      time.Now().UTC(),
	}}
	ctx := context.Background()
	h.gateway.EmitNewMessage(ctx, conversationID, msg)

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		var got httpdto.Message
		if err := expectFrame(t, conn, events.EventMessageNew).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got.ID != msg.ID.String() || got.Text != "still available?" {
			t.Fatalf("message = %+v", got)
		}
	}
	if frames := settle(t, carolConn); countType(frames, events.EventMessageNew) != 0 {
		t.Fatal("non-member received a conversation event")
	}

	h.gateway.NotifyConversationUpdate(ctx, bob, events.ConversationUpdate{
		ConversationID: conversationID.String(),
		Preview:        "still available?",
		UnreadCount:    1,
	})
	var update events.ConversationUpdate
	if err := expectFrame(t, bobConn, events.EventConversationUpdate).Decode(&update); err != nil {
		t.Fatal(err)
	}
	if update.UnreadCount != 1 {
		t.Fatalf("update = %+v", update)
	}
	if frames := settle(t, aliceConn); countType(frames, events.EventConversationUpdate) != 0 {
		t.Fatal("update for bob reached alice")
	}

	send(t, aliceConn, events.ClientLeaveConversation, conversationID)
	settle(t, aliceConn)
	h.gateway.EmitMessageDeleted(ctx, conversationID, msg.ID)
	expectFrame(t, bobConn, events.EventMessageDeleted)
	if frames := settle(t, aliceConn); countType(frames, events.EventMessageDeleted) != 0 {
		t.Fatal("left connection still receives conversation events")
	}
}

func TestJoinWithParticipantCheck(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, denyAll{}, nil)
	h.user("mallory")
	conn := h.dial("mallory")

	send(t, conn, events.ClientJoinConversation, uuid.New())
	var payload events.ErrorPayload
	if err := expectFrame(t, conn, events.EventError).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Code != "NOT_FOUND" {
		t.Fatalf("error = %+v", payload)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t, GatewayConfig{}, nil, nil)
	h.user("alice")
	conn := h.dial("alice")

	send(t, conn, events.ClientJoinConversation, uuid.Nil)
	var payload events.ErrorPayload
	if err := expectFrame(t, conn, events.EventError).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Code != "INVALID_REQUEST" {
		t.Fatalf("error = %+v", payload)
	}
	settle(t, conn)
}
