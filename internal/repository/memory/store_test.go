package memory

import (
	"context"
	"errors"
	"testing"

	"marketchat/internal/repository/repositorytest"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
)

func TestContract(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) repositorytest.Backend {
		s := NewStore()
		return repositorytest.Backend{
			Conversations: s.Conversations(),
			Messages:      s.Messages(),
			Users:         s.Users(),
		}
	})
}

func TestFailWithReportsTransientFailure(t *testing.T) {
	s := NewStore()
	s.FailWith(errors.New("disk on fire"))

	_, _, err := s.Conversations().FindOrCreate(context.Background(), uuid.New(), uuid.New(), uuid.NullUUID{})
	if !errors.Is(err, marketchat_errors.ErrServiceUnavailable) {
		t.Fatalf("error = %v, want ErrServiceUnavailable", err)
	}

	s.FailWith(nil)
	if _, _, err := s.Conversations().FindOrCreate(context.Background(), uuid.New(), uuid.New(), uuid.NullUUID{}); err != nil {
		t.Fatalf("after clearing failure: %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Conversations().ListForUser(ctx, uuid.New()); !marketchat_errors.Transient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
}
