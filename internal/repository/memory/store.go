// Package memory keeps conversations and messages in process memory. It backs
// the memory store backend and the service tests, and honours the same
// atomicity guarantees as the Postgres repositories by serialising every
// operation behind one mutex.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketchat/internal/domain/conversation"
	"marketchat/internal/domain/message"
	"marketchat/internal/domain/user"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
)

type pairKey struct {
	a, b    uuid.UUID
	listing uuid.UUID
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	conversations map[uuid.UUID]*conversation.Conversation
	pairs         map[pairKey]uuid.UUID
	messages      map[uuid.UUID]*message.Message
	timeline      map[uuid.UUID][]uuid.UUID
	clientIDs     map[string]uuid.UUID
	profiles      map[uuid.UUID]user.Profile
	seq           int64
	lastAt        time.Time
	failure       error
}

func NewStore() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		pairs:         make(map[pairKey]uuid.UUID),
		messages:      make(map[uuid.UUID]*message.Message),
		timeline:      make(map[uuid.UUID][]uuid.UUID),
		clientIDs:     make(map[string]uuid.UUID),
		profiles:      make(map[uuid.UUID]user.Profile),
	}
}

// FailWith makes every following call fail as a transient store failure
// until it is called again with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

func (s *Store) Conversations() *ConversationRepository { return &ConversationRepository{s: s} }
func (s *Store) Messages() *MessageRepository           { return &MessageRepository{s: s} }
func (s *Store) Users() *UserRepository                 { return &UserRepository{s: s} }

// lock acquires the store and reports an injected failure or a cancelled context.
func (s *Store) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", marketchat_errors.ErrServiceUnavailable, err)
	}
	s.mu.Lock()
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", marketchat_errors.ErrServiceUnavailable, err)
	}
	return nil
}

// tick returns a timestamp that never goes backwards.
func (s *Store) tick() time.Time {
	t := s.now()
	if !t.After(s.lastAt) {
		t = s.lastAt.Add(time.Microsecond)
	}
	s.lastAt = t
	return t
}

func clientKey(sender uuid.UUID, clientID string) string {
	return sender.String() + "/" + clientID
}

type ConversationRepository struct {
	s *Store
}

func (r *ConversationRepository) FindOrCreate(ctx context.Context, userA, userB uuid.UUID, listingID uuid.NullUUID) (conversation.Conversation, bool, error) {
	if err := r.s.lock(ctx); err != nil {
		return conversation.Conversation{}, false, err
	}
	defer r.s.mu.Unlock()

	a, b := conversation.CanonicalPair(userA, userB)
	key := pairKey{a: a, b: b}
	if listingID.Valid {
		key.listing = listingID.UUID
	}
	if id, ok := r.s.pairs[key]; ok {
		return *r.s.conversations[id], false, nil
	}

	now := r.s.tick()
	c := &conversation.Conversation{
		ID:           uuid.New(),
		ParticipantA: a,
		ParticipantB: b,
		ListingID:    listingID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.s.conversations[c.ID] = c
	r.s.pairs[key] = c.ID
	return *c, true, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	if err := r.s.lock(ctx); err != nil {
		return conversation.Conversation{}, err
	}
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[id]
	if !ok {
		return conversation.Conversation{}, marketchat_errors.ErrNotFound
	}
	return *c, nil
}

func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]conversation.Conversation, error) {
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	var items []conversation.Conversation
	for _, c := range r.s.conversations {
		if c.HasParticipant(userID) && !c.ArchivedFor(userID) {
			items = append(items, *c)
		}
	}
	conversation.SortConversations(items)
	return items, nil
}

func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID, at time.Time) (int, error) {
	if err := r.s.lock(ctx); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[conversationID]
	if !ok || !c.HasParticipant(readerID) {
		return 0, marketchat_errors.ErrNotFound
	}
	if readerID == c.ParticipantA {
		c.UnreadA = 0
	} else {
		c.UnreadB = 0
	}

	marked := 0
	for _, id := range r.s.timeline[conversationID] {
		m := r.s.messages[id]
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			m.ReadAt = sql.NullTime{Time: at, Valid: true}
			marked++
		}
	}
	return marked, nil
}

func (r *ConversationRepository) SetArchived(ctx context.Context, conversationID, userID uuid.UUID, archived bool) error {
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return marketchat_errors.ErrNotFound
	}
	if userID == c.ParticipantA {
		c.ArchivedA = archived
	} else {
		c.ArchivedB = archived
	}
	c.UpdatedAt = r.s.tick()
	return nil
}

func (r *ConversationRepository) UnreadTotal(ctx context.Context, userID uuid.UUID) (int, error) {
	if err := r.s.lock(ctx); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()

	total := 0
	for _, c := range r.s.conversations {
		total += c.UnreadFor(userID)
	}
	return total, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	if err := r.s.lock(ctx); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[conversationID]
	return ok && c.HasParticipant(userID), nil
}

type MessageRepository struct {
	s *Store
}

func (r *MessageRepository) Append(ctx context.Context, msg message.Message) (message.Message, conversation.Conversation, error) {
	if err := r.s.lock(ctx); err != nil {
		return message.Message{}, conversation.Conversation{}, err
	}
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[msg.ConversationID]
	if !ok || !c.HasParticipant(msg.SenderID) {
		return message.Message{}, conversation.Conversation{}, marketchat_errors.ErrNotFound
	}
	if msg.ReplyToID.Valid {
		if _, ok := r.s.messages[msg.ReplyToID.UUID]; !ok {
			return message.Message{}, conversation.Conversation{}, marketchat_errors.ErrNotFound
		}
	}
	if msg.ClientMessageID.Valid {
		if _, dup := r.s.clientIDs[clientKey(msg.SenderID, msg.ClientMessageID.String)]; dup {
			return message.Message{}, conversation.Conversation{}, marketchat_errors.ErrAlreadyExists
		}
	}

	now := r.s.tick()
	r.s.seq++
	msg.Seq = r.s.seq
	msg.CreatedAt = now
	msg.IsRead, msg.IsEdited, msg.IsDeleted = false, false, false

	stored := msg
	r.s.messages[msg.ID] = &stored
	r.s.timeline[msg.ConversationID] = append(r.s.timeline[msg.ConversationID], msg.ID)
	if msg.ClientMessageID.Valid {
		r.s.clientIDs[clientKey(msg.SenderID, msg.ClientMessageID.String)] = msg.ID
	}

	if msg.SenderID == c.ParticipantA {
		c.UnreadB++
		c.ArchivedB = false
	} else {
		c.UnreadA++
		c.ArchivedA = false
	}
	c.LastMessageText = msg.Preview()
	c.LastMessageAt = sql.NullTime{Time: now, Valid: true}
	c.LastMessageSender = uuid.NullUUID{UUID: msg.SenderID, Valid: true}
	c.UpdatedAt = now

	return stored, *c, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	if err := r.s.lock(ctx); err != nil {
		return message.Message{}, err
	}
	defer r.s.mu.Unlock()

	m, ok := r.s.messages[id]
	if !ok {
		return message.Message{}, marketchat_errors.ErrNotFound
	}
	return *m, nil
}

func (r *MessageRepository) GetByClientID(ctx context.Context, senderID uuid.UUID, clientMessageID string) (message.Message, error) {
	if err := r.s.lock(ctx); err != nil {
		return message.Message{}, err
	}
	defer r.s.mu.Unlock()

	id, ok := r.s.clientIDs[clientKey(senderID, clientMessageID)]
	if !ok {
		return message.Message{}, marketchat_errors.ErrNotFound
	}
	return *r.s.messages[id], nil
}

func (r *MessageRepository) List(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]message.Message, error) {
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	ids := r.s.timeline[conversationID]
	end := len(ids) - offset
	if end <= 0 || limit <= 0 {
		return []message.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	items := make([]message.Message, 0, end-start)
	for _, id := range ids[start:end] {
		items = append(items, *r.s.messages[id])
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

func (r *MessageRepository) SoftDelete(ctx context.Context, id, requesterID uuid.UUID, at time.Time) (message.Message, bool, error) {
	if err := r.s.lock(ctx); err != nil {
		return message.Message{}, false, err
	}
	defer r.s.mu.Unlock()

	m, ok := r.s.messages[id]
	if !ok || m.SenderID != requesterID {
		return message.Message{}, false, nil
	}
	if !m.IsDeleted {
		m.IsDeleted = true
		m.DeletedAt = sql.NullTime{Time: at, Valid: true}
	}
	return *m, true, nil
}

func (r *MessageRepository) UpdateText(ctx context.Context, id, requesterID uuid.UUID, text string, at time.Time) (message.Message, error) {
	if err := r.s.lock(ctx); err != nil {
		return message.Message{}, err
	}
	defer r.s.mu.Unlock()

	m, ok := r.s.messages[id]
	if !ok || m.SenderID != requesterID || m.Kind != message.KindText || m.IsDeleted {
		return message.Message{}, marketchat_errors.ErrNotFound
	}
	m.Body.Text = text
	m.IsEdited = true
	m.EditedAt = sql.NullTime{Time: at, Valid: true}
	return *m, nil
}

type UserRepository struct {
	s *Store
}

func (r *UserRepository) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]user.Profile, error) {
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	out := make(map[uuid.UUID]user.Profile, len(ids))
	for _, id := range ids {
		if p, ok := r.s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r *UserRepository) UpsertProfile(ctx context.Context, p user.Profile) error {
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	p.UpdatedAt = r.s.tick()
	r.s.profiles[p.ID] = p
	return nil
}
