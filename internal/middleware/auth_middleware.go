package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"marketchat/internal/services"
	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"
	"marketchat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TokenVerifier resolves an access token to the caller's id.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (uuid.UUID, error)
}

func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := verifier.VerifyAccessToken(c.Request.Context(), extractBearer(c))
		if err != nil {
			if errors.Is(err, marketchat_errors.ErrServiceUnavailable) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(services.PublicMessage(err), services.ErrorCode(err)))
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
			return
		}

		ctx := services.WithUserContext(c.Request.Context(), userID)
		ctx = context.WithValue(ctx, logger.UserIdKey, userID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
