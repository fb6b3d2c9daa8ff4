// Package repositorytest holds the behaviour every repository backend must
// share. Backends call Run from their own tests.
package repositorytest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"marketchat/internal/domain/message"
	"marketchat/internal/domain/user"
	"marketchat/internal/repository"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
)

// Backend bundles one isolated set of repositories.
type Backend struct {
	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Users         repository.UserRepository
}

// Run exercises the contract against backends produced by newBackend.
// Each subtest gets a fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("FindOrCreateIsSymmetric", func(t *testing.T) { testFindOrCreateSymmetric(t, newBackend(t)) })
	t.Run("FindOrCreateConcurrent", func(t *testing.T) { testFindOrCreateConcurrent(t, newBackend(t)) })
	t.Run("ListingScopesAreSeparate", func(t *testing.T) { testListingScopes(t, newBackend(t)) })
	t.Run("AppendIncrementsRecipientOnly", func(t *testing.T) { testAppendCounters(t, newBackend(t)) })
	t.Run("ConcurrentAppendsCountExactly", func(t *testing.T) { testConcurrentAppends(t, newBackend(t)) })
	t.Run("AppendRejectsStranger", func(t *testing.T) { testAppendStranger(t, newBackend(t)) })
	t.Run("ListWindowsOldestFirst", func(t *testing.T) { testListWindows(t, newBackend(t)) })
	t.Run("MarkReadIsIdempotent", func(t *testing.T) { testMarkRead(t, newBackend(t)) })
	t.Run("ArchiveIsPerParticipant", func(t *testing.T) { testArchive(t, newBackend(t)) })
	t.Run("SoftDeleteOwnerOnly", func(t *testing.T) { testSoftDelete(t, newBackend(t)) })
	t.Run("ClientMessageIDIsUnique", func(t *testing.T) { testClientMessageID(t, newBackend(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newBackend(t)) })
}

func textMessage(conversationID, sender uuid.UUID, text string) message.Message {
	return message.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       sender,
		Kind:           message.KindText,
		Body:           message.Body{Text: text},
	}
}

func testFindOrCreateSymmetric(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	first, created, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if !created {
		t.Error("first call should create")
	}

	second, created, err := b.Conversations.FindOrCreate(ctx, bob, alice, uuid.NullUUID{})
	if err != nil {
		t.Fatalf("FindOrCreate reversed: %v", err)
	}
	if created {
		t.Error("reversed call should not create")
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
}

func testFindOrCreateConcurrent(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	const n = 16
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := alice, bob
			if i%2 == 1 {
				x, y = bob, alice
			}
			c, _, err := b.Conversations.FindOrCreate(ctx, x, y, uuid.NullUUID{})
			ids[i], errs[i] = c.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("call %d got %s, want %s", i, ids[i], ids[0])
		}
	}
}

func testListingScopes(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	listing := uuid.NullUUID{UUID: uuid.New(), Valid: true}

	direct, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}
	scoped, _, err := b.Conversations.FindOrCreate(ctx, bob, alice, listing)
	if err != nil {
		t.Fatal(err)
	}
	if direct.ID == scoped.ID {
		t.Error("listing-scoped conversation must differ from the direct one")
	}
	again, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, listing)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != scoped.ID {
		t.Error("same listing should resolve to the same conversation")
	}
}

func testAppendCounters(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	c, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}

	msg, conv, err := b.Messages.Append(ctx, textMessage(c.ID, alice, "hi, is the bike available?"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if conv.UnreadFor(bob) != 1 || conv.UnreadFor(alice) != 0 {
		t.Errorf("unread alice=%d bob=%d, want 0/1", conv.UnreadFor(alice), conv.UnreadFor(bob))
	}
	if conv.LastMessageText != "hi, is the bike available?" {
		t.Errorf("preview = %q", conv.LastMessageText)
	}
	if !conv.LastMessageAt.Valid || !conv.LastMessageAt.Time.Equal(msg.CreatedAt) {
		t.Errorf("last message at %v, message created %v", conv.LastMessageAt, msg.CreatedAt)
	}
	if !conv.LastMessageSender.Valid || conv.LastMessageSender.UUID != alice {
		t.Error("last message sender not recorded")
	}
}

func testConcurrentAppends(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	c, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := b.Messages.Append(ctx, textMessage(c.ID, alice, "ping")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append: %v", err)
	}

	got, err := b.Conversations.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadFor(bob) != n {
		t.Errorf("bob unread = %d, want %d", got.UnreadFor(bob), n)
	}
	total, err := b.Conversations.UnreadTotal(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if total != n {
		t.Errorf("UnreadTotal = %d, want %d", total, n)
	}
}

func testAppendStranger(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	c, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = b.Messages.Append(ctx, textMessage(c.ID, uuid.New(), "spam"))
	if !errors.Is(err, marketchat_errors.ErrNotFound) {
		t.Errorf("stranger append error = %v, want ErrNotFound", err)
	}
	_, _, err = b.Messages.Append(ctx, textMessage(uuid.New(), alice, "nowhere"))
	if !errors.Is(err, marketchat_errors.ErrNotFound) {
		t.Errorf("missing conversation error = %v, want ErrNotFound", err)
	}
}

func testListWindows(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	c, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		sender := alice
		if i%2 == 1 {
			sender = bob
		}
		m, _, err := b.Messages.Append(ctx, textMessage(c.ID, sender, string(rune('a'+i))))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}

	latest, err := b.Messages.List(ctx, c.ID, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 || latest[0].ID != ids[3] || latest[1].ID != ids[4] {
		t.Fatalf("latest window = %v, want last two oldest-first", messageIDs(latest))
	}

	older, err := b.Messages.List(ctx, c.ID, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].ID != ids[1] || older[1].ID != ids[2] {
		t.Fatalf("older window = %v", messageIDs(older))
	}

	all, err := b.Messages.List(ctx, c.ID, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Fatalf("message %d older than its predecessor", i)
		}
	}

	past, err := b.Messages.List(ctx, c.ID, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(past) != 0 {
		t.Errorf("offset past the end returned %d messages", len(past))
	}
}

func testMarkRead(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	c, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range []message.Message{
		textMessage(c.ID, alice, "one"),
		textMessage(c.ID, alice, "two"),
		textMessage(c.ID, bob, "mine"),
	} {
		if _, _, err := b.Messages.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Now().UTC()
	marked, err := b.Conversations.MarkRead(ctx, c.ID, bob, now)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if marked != 2 {
		t.Errorf("marked = %d, want 2", marked)
	}
	got, err := b.Conversations.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadFor(bob) != 0 {
		t.Errorf("bob unread = %d, want 0", got.UnreadFor(bob))
	}
	if got.UnreadFor(alice) != 1 {
		t.Errorf("alice unread = %d, want untouched 1", got.UnreadFor(alice))
	}

	again, err := b.Conversations.MarkRead(ctx, c.ID, bob, now)
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Errorf("second MarkRead marked %d, want 0", again)
	}

	msgs, err := b.Messages.List(ctx, c.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.SenderID == alice && (!m.IsRead || !m.ReadAt.Valid) {
			t.Errorf("message %s from alice not read", m.ID)
		}
		if m.SenderID == bob && m.IsRead {
			t.Errorf("bob's own message %s marked read by bob", m.ID)
		}
	}

	if _, err := b.Conversations.MarkRead(ctx, c.ID, uuid.New(), now); !errors.Is(err, marketchat_errors.ErrNotFound) {
		t.Errorf("stranger MarkRead error = %v, want ErrNotFound", err)
	}
}

func testArchive(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	c, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Conversations.SetArchived(ctx, c.ID, alice, true); err != nil {
		t.Fatalf("SetArchived: %v", err)
	}
	aliceList, err := b.Conversations.ListForUser(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(aliceList) != 0 {
		t.Errorf("alice still sees %d conversations", len(aliceList))
	}
	bobList, err := b.Conversations.ListForUser(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(bobList) != 1 {
		t.Errorf("bob sees %d conversations, want 1", len(bobList))
	}

	// A new incoming message brings the thread back for the recipient.
	if _, _, err := b.Messages.Append(ctx, textMessage(c.ID, bob, "still interested?")); err != nil {
		t.Fatal(err)
	}
	aliceList, err = b.Conversations.ListForUser(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(aliceList) != 1 {
		t.Errorf("alice sees %d conversations after new message, want 1", len(aliceList))
	}

	if err := b.Conversations.SetArchived(ctx, c.ID, uuid.New(), true); !errors.Is(err, marketchat_errors.ErrNotFound) {
		t.Errorf("stranger archive error = %v, want ErrNotFound", err)
	}
}

func testSoftDelete(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	c, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}
	m, _, err := b.Messages.Append(ctx, textMessage(c.ID, alice, "typo"))
	if err != nil {
		t.Fatal(err)
	}

	_, ok, err := b.Messages.SoftDelete(ctx, m.ID, bob, time.Now())
	if err != nil || ok {
		t.Errorf("non-author delete = %v/%v, want false/nil", ok, err)
	}
	_, ok, err = b.Messages.SoftDelete(ctx, uuid.New(), alice, time.Now())
	if err != nil || ok {
		t.Errorf("missing delete = %v/%v, want false/nil", ok, err)
	}

	deleted, ok, err := b.Messages.SoftDelete(ctx, m.ID, alice, time.Now())
	if err != nil || !ok {
		t.Fatalf("author delete = %v/%v", ok, err)
	}
	if !deleted.IsDeleted || !deleted.DeletedAt.Valid {
		t.Error("deleted flag not set")
	}

	msgs, err := b.Messages.List(ctx, c.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].IsDeleted {
		t.Error("deleted message should stay in the timeline")
	}
}

func testClientMessageID(t *testing.T, b Backend) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	c, _, err := b.Conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatal(err)
	}

	m := textMessage(c.ID, alice, "once")
	m.ClientMessageID = sql.NullString{String: "local-1", Valid: true}
	first, _, err := b.Messages.Append(ctx, m)
	if err != nil {
		t.Fatal(err)
	}

	retry := textMessage(c.ID, alice, "once")
	retry.ClientMessageID = m.ClientMessageID
	if _, _, err := b.Messages.Append(ctx, retry); !errors.Is(err, marketchat_errors.ErrAlreadyExists) {
		t.Errorf("duplicate append error = %v, want ErrAlreadyExists", err)
	}

	found, err := b.Messages.GetByClientID(ctx, alice, "local-1")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != first.ID {
		t.Error("GetByClientID returned a different message")
	}

	got, err := b.Conversations.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadFor(bob) != 1 {
		t.Errorf("rejected duplicate changed unread to %d", got.UnreadFor(bob))
	}
}

func testProfiles(t *testing.T, b Backend) {
	ctx := context.Background()
	p := user.Profile{ID: uuid.New(), DisplayName: "Dana", AvatarURL: "https://cdn.example/dana.png"}
	if err := b.Users.UpsertProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	missing := uuid.New()
	got, err := b.Users.GetProfiles(ctx, []uuid.UUID{p.ID, missing})
	if err != nil {
		t.Fatal(err)
	}
	if got[p.ID].DisplayName != "Dana" {
		t.Errorf("profile = %+v", got[p.ID])
	}
	if _, ok := got[missing]; ok {
		t.Error("missing profile should be absent")
	}
}

func messageIDs(msgs []message.Message) []uuid.UUID {
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
