package services

import (
	"context"
	"errors"
	"net/http"

	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
)

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, marketchat_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, marketchat_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, marketchat_errors.ErrForbidden), errors.Is(err, marketchat_errors.ErrNotFound):
		// Forbidden is reported as not found so callers cannot probe ids.
		return http.StatusNotFound
	case errors.Is(err, marketchat_errors.ErrAlreadyExists), errors.Is(err, marketchat_errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, marketchat_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, marketchat_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the machine readable code sent next to an error message.
func ErrorCode(err error) string {
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// PublicMessage hides internal detail for server-side failures.
func PublicMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusNotFound:
		return "not found"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	case http.StatusInternalServerError:
		return "internal error"
	}
	return err.Error()
}

type ctxKey string

var userIDKey ctxKey = "user_id"

func WithUserContext(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	value := ctx.Value(userIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	userID, ok := value.(uuid.UUID)
	return userID, ok
}
