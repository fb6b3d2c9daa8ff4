package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"marketchat/internal/domain/conversation"
	"marketchat/internal/domain/message"
	"marketchat/internal/events"
	"marketchat/internal/repository"
	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	maxClientIDLen  = 64
)

type MessageService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	users         repository.UserRepository
	opts          Options
	now           func() time.Time
}

func NewMessageService(conversations repository.ConversationRepository, messages repository.MessageRepository, users repository.UserRepository, opts Options) *MessageService {
	return &MessageService{
		conversations: conversations,
		messages:      messages,
		users:         users,
		opts:          opts.withDefaults(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SendInput describes one outgoing message. Either ConversationID or
// RecipientID must be set; with only a recipient the conversation is found or
// created first.
type SendInput struct {
	SenderID        uuid.UUID
	ConversationID  uuid.UUID
	RecipientID     uuid.UUID
	ListingID       uuid.NullUUID
	Kind            message.Kind
	Body            message.Body
	ReplyToID       uuid.NullUUID
	ClientMessageID string
}

// Send validates, stores and fans out a message. A repeated ClientMessageID
// from the same sender returns the stored message without side effects.
func (s *MessageService) Send(ctx context.Context, in SendInput) (message.WithSender, error) {
	kind, err := validateBody(in.Kind, in.Body)
	if err != nil {
		return message.WithSender{}, err
	}
	clientID := strings.TrimSpace(in.ClientMessageID)
	if len(clientID) > maxClientIDLen {
		return message.WithSender{}, fmt.Errorf("%w: client_message_id too long", marketchat_errors.ErrInvalidInput)
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	if clientID != "" {
		existing, err := s.messages.GetByClientID(sctx, in.SenderID, clientID)
		if err == nil {
			return s.withSender(sctx, existing), nil
		}
		if !errors.Is(err, marketchat_errors.ErrNotFound) {
			return message.WithSender{}, err
		}
	}

	conversationID := in.ConversationID
	if conversationID == uuid.Nil {
		if in.RecipientID == uuid.Nil {
			return message.WithSender{}, fmt.Errorf("%w: conversation_id or recipient_id required", marketchat_errors.ErrInvalidInput)
		}
		if in.RecipientID == in.SenderID {
			return message.WithSender{}, fmt.Errorf("%w: cannot message yourself", marketchat_errors.ErrInvalidInput)
		}
		c, _, err := s.conversations.FindOrCreate(sctx, in.SenderID, in.RecipientID, in.ListingID)
		if err != nil {
			return message.WithSender{}, err
		}
		conversationID = c.ID
	}

	if in.ReplyToID.Valid {
		target, err := s.messages.GetByID(sctx, in.ReplyToID.UUID)
		if errors.Is(err, marketchat_errors.ErrNotFound) || (err == nil && target.ConversationID != conversationID) {
			return message.WithSender{}, fmt.Errorf("%w: reply target is not in this conversation", marketchat_errors.ErrInvalidInput)
		}
		if err != nil {
			return message.WithSender{}, err
		}
	}

	msg := message.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       in.SenderID,
		Kind:           kind,
		Body:           in.Body,
		ReplyToID:      in.ReplyToID,
	}
	if clientID != "" {
		msg.ClientMessageID = sql.NullString{String: clientID, Valid: true}
	}

	stored, conv, err := s.messages.Append(sctx, msg)
	if errors.Is(err, marketchat_errors.ErrAlreadyExists) && clientID != "" {
		// Lost a race with a retry of the same send.
		existing, gerr := s.messages.GetByClientID(sctx, in.SenderID, clientID)
		if gerr != nil {
			return message.WithSender{}, gerr
		}
		return s.withSender(sctx, existing), nil
	}
	if err != nil {
		return message.WithSender{}, err
	}

	out := s.withSender(sctx, stored)
	s.fanOutNew(ctx, out, conv)
	return out, nil
}

// AppendMessage is the plain store operation used when the conversation is
// already known.
func (s *MessageService) AppendMessage(ctx context.Context, conversationID, senderID uuid.UUID, kind message.Kind, body message.Body, replyTo uuid.NullUUID) (message.WithSender, error) {
	return s.Send(ctx, SendInput{
		SenderID:       senderID,
		ConversationID: conversationID,
		Kind:           kind,
		Body:           body,
		ReplyToID:      replyTo,
	})
}

// GetMessages returns a window of history, oldest first. Deleted messages come
// back as tombstones.
func (s *MessageService) GetMessages(ctx context.Context, conversationID, requesterID uuid.UUID, limit, offset int) ([]message.WithSender, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", marketchat_errors.ErrInvalidInput)
	}
	limit = clampLimit(limit)

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	c, err := s.conversations.GetByID(sctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(requesterID) {
		return nil, marketchat_errors.ErrNotFound
	}

	items, err := s.messages.List(sctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}

	profiles := loadProfiles(sctx, s.users, s.opts.Logger, []uuid.UUID{c.ParticipantA, c.ParticipantB})
	out := make([]message.WithSender, 0, len(items))
	for _, m := range items {
		out = append(out, message.WithSender{Message: m.Tombstone(), Sender: profiles.get(m.SenderID)})
	}
	return out, nil
}

// SoftDelete hides a message authored by requesterID. It reports false when
// the message does not exist or belongs to someone else.
func (s *MessageService) SoftDelete(ctx context.Context, messageID, requesterID uuid.UUID) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	m, ok, err := s.messages.SoftDelete(sctx, messageID, requesterID, s.now())
	if err != nil || !ok {
		return false, err
	}

	s.opts.Notifier.EmitMessageDeleted(ctx, m.ConversationID, m.ID)
	publishDomainEvent(ctx, s.opts, events.EventTypeMessageDeleted, events.AggregateMessage, m.ID, events.MessageDeletedPayload{
		ConversationID: m.ConversationID.String(),
		MessageID:      m.ID.String(),
	})
	return true, nil
}

// Edit replaces the text of the requester's own text message.
func (s *MessageService) Edit(ctx context.Context, messageID, requesterID uuid.UUID, text string) (message.WithSender, error) {
	if strings.TrimSpace(text) == "" {
		return message.WithSender{}, fmt.Errorf("%w: text required", marketchat_errors.ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > message.MaxTextLength {
		return message.WithSender{}, fmt.Errorf("%w: text exceeds %d characters", marketchat_errors.ErrInvalidInput, message.MaxTextLength)
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	m, err := s.messages.UpdateText(sctx, messageID, requesterID, text, s.now())
	if err != nil {
		return message.WithSender{}, err
	}
	out := s.withSender(sctx, m)
	s.opts.Notifier.EmitMessageEdited(ctx, m.ConversationID, out)
	publishDomainEvent(ctx, s.opts, events.EventTypeMessageUpdated, events.AggregateMessage, m.ID, httpdto.FromMessage(out))
	return out, nil
}

func (s *MessageService) fanOutNew(ctx context.Context, msg message.WithSender, conv conversation.Conversation) {
	s.opts.Notifier.EmitNewMessage(ctx, conv.ID, msg)
	for _, participant := range []uuid.UUID{conv.ParticipantA, conv.ParticipantB} {
		s.opts.Notifier.NotifyConversationUpdate(ctx, participant, UpdateFor(conv, participant))
	}
	publishDomainEvent(ctx, s.opts, events.EventTypeMessageCreated, events.AggregateMessage, msg.ID, httpdto.FromMessage(msg))

	s.opts.Logger.Debug("message appended",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("message_id", msg.ID.String()),
		zap.String("kind", string(msg.Kind)),
	)
}

func (s *MessageService) withSender(ctx context.Context, m message.Message) message.WithSender {
	profiles := loadProfiles(ctx, s.users, s.opts.Logger, []uuid.UUID{m.SenderID})
	return message.WithSender{Message: m.Tombstone(), Sender: profiles.get(m.SenderID)}
}

func validateBody(kind message.Kind, body message.Body) (message.Kind, error) {
	if kind == "" {
		kind = message.KindText
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown message kind %q", marketchat_errors.ErrInvalidInput, kind)
	}
	if !body.HasText() && !body.HasMedia() {
		return "", fmt.Errorf("%w: message needs text or media", marketchat_errors.ErrInvalidInput)
	}
	if utf8.RuneCountInString(body.Text) > message.MaxTextLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", marketchat_errors.ErrInvalidInput, message.MaxTextLength)
	}
	if body.Latitude.Valid != body.Longitude.Valid {
		return "", fmt.Errorf("%w: latitude and longitude go together", marketchat_errors.ErrInvalidInput)
	}
	if body.Latitude.Valid && (body.Latitude.Float64 < -90 || body.Latitude.Float64 > 90 ||
		body.Longitude.Float64 < -180 || body.Longitude.Float64 > 180) {
		return "", fmt.Errorf("%w: coordinates out of range", marketchat_errors.ErrInvalidInput)
	}
	switch kind {
	case message.KindLocation:
		if !body.Latitude.Valid {
			return "", fmt.Errorf("%w: location message needs coordinates", marketchat_errors.ErrInvalidInput)
		}
	case message.KindImage, message.KindFile, message.KindAudio, message.KindVideo:
		if strings.TrimSpace(body.MediaURL) == "" {
			return "", fmt.Errorf("%w: %s message needs media_url", marketchat_errors.ErrInvalidInput, kind)
		}
	}
	return kind, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}
