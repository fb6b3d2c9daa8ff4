package repository

import (
	"context"
	"time"

	"marketchat/internal/domain/conversation"
	"marketchat/internal/domain/message"
	"marketchat/internal/domain/user"

	"github.com/google/uuid"
)

// ConversationRepository owns conversation rows and their per-participant counters.
type ConversationRepository interface {
	// FindOrCreate returns the single conversation for the pair and listing scope,
	// creating it when absent. created reports whether this call inserted it.
	FindOrCreate(ctx context.Context, userA, userB uuid.UUID, listingID uuid.NullUUID) (conv conversation.Conversation, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	// ListForUser returns conversations not archived by userID, most recent activity first.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]conversation.Conversation, error)
	// MarkRead flags the other participant's unread messages read and resets only
	// the reader's counter. It returns how many messages changed state.
	MarkRead(ctx context.Context, conversationID, readerID uuid.UUID, at time.Time) (int, error)
	SetArchived(ctx context.Context, conversationID, userID uuid.UUID, archived bool) error
	UnreadTotal(ctx context.Context, userID uuid.UUID) (int, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// MessageRepository owns message rows.
type MessageRepository interface {
	// Append stores msg and, in the same transaction, increments the recipient's
	// unread counter and overwrites the conversation's last-message fields.
	Append(ctx context.Context, msg message.Message) (message.Message, conversation.Conversation, error)
	GetByID(ctx context.Context, id uuid.UUID) (message.Message, error)
	GetByClientID(ctx context.Context, senderID uuid.UUID, clientMessageID string) (message.Message, error)
	// List returns a window of the conversation, oldest first. offset counts back
	// from the newest message.
	List(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]message.Message, error)
	// SoftDelete flags the message deleted when requesterID authored it.
	// ok is false when the message is missing or owned by someone else.
	SoftDelete(ctx context.Context, id, requesterID uuid.UUID, at time.Time) (msg message.Message, ok bool, err error)
	UpdateText(ctx context.Context, id, requesterID uuid.UUID, text string, at time.Time) (message.Message, error)
}

// UserRepository reads the public profiles mirrored from the marketplace.
type UserRepository interface {
	GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]user.Profile, error)
	UpsertProfile(ctx context.Context, p user.Profile) error
}
