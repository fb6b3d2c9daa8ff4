package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		public string
	}{
		{fmt.Errorf("%w: text required", marketchat_errors.ErrInvalidInput), http.StatusBadRequest, "invalid input: text required"},
		{marketchat_errors.ErrForbidden, http.StatusNotFound, "not found"},
		{marketchat_errors.ErrNotFound, http.StatusNotFound, "not found"},
		{marketchat_errors.ErrUnauthorized, http.StatusUnauthorized, marketchat_errors.ErrUnauthorized.Error()},
		{fmt.Errorf("insert: %w: %w", marketchat_errors.ErrServiceUnavailable, errors.New("conn reset")), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.status)
		}
		if tt.public != "" && tt.status != http.StatusBadRequest {
			if got := PublicMessage(tt.err); got != tt.public {
				t.Errorf("PublicMessage(%v) = %q, want %q", tt.err, got, tt.public)
			}
		}
	}
}

func TestUserContext(t *testing.T) {
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context should have no user")
	}
	id := uuid.New()
	got, ok := UserIDFromContext(WithUserContext(context.Background(), id))
	if !ok || got != id {
		t.Fatalf("UserIDFromContext = %s, %v", got, ok)
	}
}
