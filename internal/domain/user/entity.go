package user

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the public slice of a marketplace user shown next to a conversation.
// Accounts themselves are owned by the marketplace; this table is a read model.
type Profile struct {
	ID          uuid.UUID
	DisplayName string
	AvatarURL   string
	UpdatedAt   time.Time
}

// Placeholder returns the profile used when a participant has no synced profile row.
func Placeholder(id uuid.UUID) Profile {
	return Profile{ID: id, DisplayName: "Marketplace user"}
}
