package services

import (
	"context"
	"fmt"
	"time"

	"marketchat/internal/domain/conversation"
	"marketchat/internal/domain/user"
	"marketchat/internal/events"
	"marketchat/internal/repository"
	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultStoreTimeout = 5 * time.Second

// Options carries the collaborators shared by the chat services.
type Options struct {
	Notifier     Notifier
	Events       DomainEventPublisher
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Notifier == nil {
		o.Notifier = NopNotifier()
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaultStoreTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type ConversationService struct {
	conversations repository.ConversationRepository
	users         repository.UserRepository
	opts          Options
	now           func() time.Time
}

func NewConversationService(conversations repository.ConversationRepository, users repository.UserRepository, opts Options) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		users:         users,
		opts:          opts.withDefaults(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *ConversationService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

// FindOrCreate returns the conversation between requester and other, scoped to
// listingID when set, as seen by requester.
func (s *ConversationService) FindOrCreate(ctx context.Context, requester, other uuid.UUID, listingID uuid.NullUUID) (conversation.Summary, error) {
	if requester == uuid.Nil || other == uuid.Nil {
		return conversation.Summary{}, fmt.Errorf("%w: participant id required", marketchat_errors.ErrInvalidInput)
	}
	if requester == other {
		return conversation.Summary{}, fmt.Errorf("%w: cannot start a conversation with yourself", marketchat_errors.ErrInvalidInput)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	c, created, err := s.conversations.FindOrCreate(sctx, requester, other, listingID)
	if err != nil {
		return conversation.Summary{}, err
	}
	if created {
		s.publish(ctx, events.EventTypeConversationCreated, c.ID, httpdto.FromConversation(conversation.NewSummary(c, requester, user.Placeholder(other))))
	}
	return s.summarize(sctx, c, requester), nil
}

// ListForUser returns the caller's non-archived conversations, most recent first.
func (s *ConversationService) ListForUser(ctx context.Context, userID uuid.UUID) ([]conversation.Summary, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	items, err := s.conversations.ListForUser(sctx, userID)
	if err != nil {
		return nil, err
	}

	others := make([]uuid.UUID, 0, len(items))
	for _, c := range items {
		others = append(others, c.OtherParticipant(userID))
	}
	profiles := loadProfiles(sctx, s.users, s.opts.Logger, others)

	out := make([]conversation.Summary, 0, len(items))
	for _, c := range items {
		other := c.OtherParticipant(userID)
		out = append(out, conversation.NewSummary(c, userID, profiles.get(other)))
	}
	return out, nil
}

// Get returns one conversation for a participant. Non-participants get ErrNotFound.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Summary, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	c, err := s.participantConversation(sctx, conversationID, userID)
	if err != nil {
		return conversation.Summary{}, err
	}
	return s.summarize(sctx, c, userID), nil
}

// MarkRead clears the reader's unread counter and read-flags the other side's
// messages. Calling it again is harmless.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) (int, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	at := s.now()
	marked, err := s.conversations.MarkRead(sctx, conversationID, readerID, at)
	if err != nil {
		return 0, err
	}

	c, err := s.conversations.GetByID(sctx, conversationID)
	if err != nil {
		return marked, err
	}
	s.opts.Notifier.NotifyConversationUpdate(ctx, readerID, UpdateFor(c, readerID))
	if marked > 0 {
		s.opts.Notifier.EmitConversationRead(ctx, conversationID, readerID, at)
		s.publish(ctx, events.EventTypeConversationRead, conversationID, events.ConversationReadPayload{
			ConversationID: conversationID.String(),
			ReaderID:       readerID.String(),
			ReadAt:         at,
		})
	}
	return marked, nil
}

// Archive hides the conversation for userID only.
func (s *ConversationService) Archive(ctx context.Context, conversationID, userID uuid.UUID) error {
	return s.setArchived(ctx, conversationID, userID, true)
}

func (s *ConversationService) Unarchive(ctx context.Context, conversationID, userID uuid.UUID) error {
	return s.setArchived(ctx, conversationID, userID, false)
}

func (s *ConversationService) setArchived(ctx context.Context, conversationID, userID uuid.UUID, archived bool) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.conversations.SetArchived(sctx, conversationID, userID, archived)
}

func (s *ConversationService) UnreadTotal(ctx context.Context, userID uuid.UUID) (int, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.conversations.UnreadTotal(sctx, userID)
}

// IsParticipant backs conversation group authorisation in the gateway.
func (s *ConversationService) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.conversations.IsParticipant(sctx, conversationID, userID)
}

func (s *ConversationService) participantConversation(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Conversation, error) {
	c, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !c.HasParticipant(userID) {
		return conversation.Conversation{}, marketchat_errors.ErrNotFound
	}
	return c, nil
}

func (s *ConversationService) summarize(ctx context.Context, c conversation.Conversation, viewer uuid.UUID) conversation.Summary {
	other := c.OtherParticipant(viewer)
	profiles := loadProfiles(ctx, s.users, s.opts.Logger, []uuid.UUID{other})
	return conversation.NewSummary(c, viewer, profiles.get(other))
}

func (s *ConversationService) publish(ctx context.Context, eventType string, conversationID uuid.UUID, payload any) {
	publishDomainEvent(ctx, s.opts, eventType, events.AggregateConversation, conversationID, payload)
}
