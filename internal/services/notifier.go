package services

import (
	"context"
	"time"

	"marketchat/internal/domain/conversation"
	"marketchat/internal/domain/message"
	"marketchat/internal/events"

	"github.com/google/uuid"
)

// Notifier pushes committed changes to connected clients. Implementations
// must not block on slow peers; delivery is best effort.
type Notifier interface {
	EmitNewMessage(ctx context.Context, conversationID uuid.UUID, msg message.WithSender)
	EmitMessageEdited(ctx context.Context, conversationID uuid.UUID, msg message.WithSender)
	EmitMessageDeleted(ctx context.Context, conversationID, messageID uuid.UUID)
	EmitConversationRead(ctx context.Context, conversationID, readerID uuid.UUID, at time.Time)
	NotifyConversationUpdate(ctx context.Context, userID uuid.UUID, update events.ConversationUpdate)
}

// DomainEventPublisher forwards domain events to downstream consumers such as
// push notification or search indexing.
type DomainEventPublisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

type nopNotifier struct{}

func (nopNotifier) EmitNewMessage(context.Context, uuid.UUID, message.WithSender) {}

func (nopNotifier) EmitMessageEdited(context.Context, uuid.UUID, message.WithSender) {}

func (nopNotifier) EmitMessageDeleted(context.Context, uuid.UUID, uuid.UUID) {}

func (nopNotifier) EmitConversationRead(context.Context, uuid.UUID, uuid.UUID, time.Time) {}

func (nopNotifier) NotifyConversationUpdate(context.Context, uuid.UUID, events.ConversationUpdate) {}

// NopNotifier discards every notification.
func NopNotifier() Notifier { return nopNotifier{} }

// UpdateFor builds the list-row update one participant should see.
func UpdateFor(c conversation.Conversation, userID uuid.UUID) events.ConversationUpdate {
	update := events.ConversationUpdate{
		ConversationID: c.ID.String(),
		Preview:        c.LastMessageText,
		UnreadCount:    c.UnreadFor(userID),
	}
	if c.LastMessageAt.Valid {
		at := c.LastMessageAt.Time
		update.LastMessageAt = &at
	}
	if c.LastMessageSender.Valid {
		update.SenderID = c.LastMessageSender.UUID.String()
	}
	return update
}
