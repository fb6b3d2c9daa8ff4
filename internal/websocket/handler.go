package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"marketchat/internal/services"
	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenVerifier is the identity collaborator consulted on every handshake.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (uuid.UUID, error)
}

type Handler struct {
	verifier TokenVerifier
	gateway  *Gateway
	limiter  ConnectionLimiter
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler builds the upgrade endpoint. limiter may be nil. An origin list
// containing "*" accepts any origin.
func NewHandler(verifier TokenVerifier, gateway *Gateway, limiter ConnectionLimiter, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		verifier: verifier,
		gateway:  gateway,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// Connect authenticates before upgrading: a missing or invalid credential
// gets a plain 401 and no socket.
func (h *Handler) Connect(c *gin.Context) {
	state := NewStateMachine()
	_ = state.Transition(StateAuthenticating)

	userID, err := h.verifier.VerifyAccessToken(c.Request.Context(), bearerToken(c.Request))
	if err != nil {
		_ = state.Transition(StateClosed)
		if errors.Is(err, marketchat_errors.ErrServiceUnavailable) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(services.PublicMessage(err), services.ErrorCode(err)))
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.ConnectionAllowed(c.Request.Context(), userID)
		if err != nil {
			// A limiter outage should not lock everyone out.
			h.logger.Warn("connection limiter failed", zap.String("user_id", userID.String()), zap.Error(err))
		} else if !allowed {
			_ = state.Transition(StateClosed)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("too many connections", "RATE_LIMITED"))
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = state.Transition(StateClosed)
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.gateway.Serve(h.gateway.NewClient(conn, userID, state))
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter for browsers that cannot set headers on WebSocket requests.
func bearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}
