package handler

import (
	"net/http"

	"marketchat/internal/presence"
	"marketchat/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxPresenceLookup = 100

type PresenceHandler struct {
	tracker presence.Tracker
}

func NewPresenceHandler(tracker presence.Tracker) *PresenceHandler {
	return &PresenceHandler{tracker: tracker}
}

// Lookup answers GET /v1/presence?user_id=a&user_id=b.
func (h *PresenceHandler) Lookup(c *gin.Context) {
	if _, ok := callerID(c); !ok {
		return
	}
	raw := c.QueryArray("user_id")
	if len(raw) == 0 || len(raw) > maxPresenceLookup {
		badRequest(c, "between 1 and 100 user_id values required")
		return
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, value := range raw {
		id, err := uuid.Parse(value)
		if err != nil {
			badRequest(c, "invalid user_id")
			return
		}
		ids = append(ids, id)
	}

	online, err := h.tracker.OnlineUsers(c.Request.Context(), ids)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id.String()] = online[id]
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.PresenceResponse{Online: out}))
}
