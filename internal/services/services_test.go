package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"marketchat/internal/domain/message"
	"marketchat/internal/domain/user"
	"marketchat/internal/events"
	"marketchat/internal/repository/memory"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
)

type notification struct {
	kind           string
	conversationID uuid.UUID
	userID         uuid.UUID
	messageID      uuid.UUID
	update         events.ConversationUpdate
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (r *recordingNotifier) add(n notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
}

func (r *recordingNotifier) EmitNewMessage(_ context.Context, conversationID uuid.UUID, msg message.WithSender) {
	r.add(notification{kind: events.EventMessageNew, conversationID: conversationID, messageID: msg.ID})
}

func (r *recordingNotifier) EmitMessageEdited(_ context.Context, conversationID uuid.UUID, msg message.WithSender) {
	r.add(notification{kind: events.EventMessageEdited, conversationID: conversationID, messageID: msg.ID})
}

func (r *recordingNotifier) EmitMessageDeleted(_ context.Context, conversationID, messageID uuid.UUID) {
	r.add(notification{kind: events.EventMessageDeleted, conversationID: conversationID, messageID: messageID})
}

func (r *recordingNotifier) EmitConversationRead(_ context.Context, conversationID, readerID uuid.UUID, _ time.Time) {
	r.add(notification{kind: events.EventConversationRead, conversationID: conversationID, userID: readerID})
}

func (r *recordingNotifier) NotifyConversationUpdate(_ context.Context, userID uuid.UUID, update events.ConversationUpdate) {
	r.add(notification{kind: events.EventConversationUpdate, userID: userID, update: update})
}

func (r *recordingNotifier) of(kind string) []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification
	for _, n := range r.calls {
		if n.kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []events.Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return p.err
}

type fixture struct {
	store         *memory.Store
	conversations *ConversationService
	messages      *MessageService
	notifier      *recordingNotifier
	publisher     *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	opts := Options{Notifier: notifier, Events: publisher, StoreTimeout: time.Second}
	return fixture{
		store:         store,
		conversations: NewConversationService(store.Conversations(), store.Users(), opts),
		messages:      NewMessageService(store.Conversations(), store.Messages(), store.Users(), opts),
		notifier:      notifier,
		publisher:     publisher,
	}
}

func (f fixture) send(t *testing.T, conversationID, sender uuid.UUID, text string) message.WithSender {
	t.Helper()
	m, err := f.messages.Send(context.Background(), SendInput{
		SenderID:       sender,
		ConversationID: conversationID,
		Body:           message.Body{Text: text},
	})
	if err != nil {
		t.Fatalf("Send(%q): %v", text, err)
	}
	return m
}

func TestFindOrCreateRejectsSelf(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()

	_, err := f.conversations.FindOrCreate(context.Background(), alice, alice, uuid.NullUUID{})
	if !errors.Is(err, marketchat_errors.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestFindOrCreateAttachesProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	if err := f.store.Users().UpsertProfile(ctx, user.Profile{ID: bob, DisplayName: "Bob"}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	summary, err := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if summary.Other.DisplayName != "Bob" {
		t.Errorf("other = %+v, want Bob", summary.Other)
	}

	again, err := f.conversations.FindOrCreate(ctx, bob, alice, uuid.NullUUID{})
	if err != nil {
		t.Fatalf("FindOrCreate reversed: %v", err)
	}
	if again.ID != summary.ID {
		t.Fatalf("reversed pair got %s, want %s", again.ID, summary.ID)
	}
	if again.Other.ID != alice {
		t.Errorf("bob's view should show alice, got %s", again.Other.ID)
	}

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	if len(f.publisher.envs) != 1 || f.publisher.envs[0].EventType != events.EventTypeConversationCreated {
		t.Errorf("published %+v, want one conversation.created", f.publisher.envs)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, err := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	tests := []struct {
		name string
		in   SendInput
	}{
		{"empty", SendInput{}},
		{"whitespace only", SendInput{Body: message.Body{Text: "   "}}},
		{"unknown kind", SendInput{Kind: "sticker", Body: message.Body{Text: "hi"}}},
		{"too long", SendInput{Body: message.Body{Text: strings.Repeat("x", message.MaxTextLength+1)}}},
		{"image without url", SendInput{Kind: message.KindImage, Body: message.Body{Text: "look"}}},
		{"half a location", SendInput{Kind: message.KindLocation, Body: message.Body{Latitude: sql.NullFloat64{Float64: 1, Valid: true}}}},
		{"bad latitude", SendInput{Kind: message.KindLocation, Body: message.Body{
			Latitude:  sql.NullFloat64{Float64: 91, Valid: true},
			Longitude: sql.NullFloat64{Float64: 0, Valid: true},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.SenderID = alice
			in.ConversationID = conv.ID
			if _, err := f.messages.Send(ctx, in); !errors.Is(err, marketchat_errors.ErrInvalidInput) {
				t.Fatalf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
	if got := f.notifier.of(events.EventMessageNew); len(got) != 0 {
		t.Fatalf("rejected sends emitted %d events", len(got))
	}
}

func TestSendMediaOnlyAndLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})

	img, err := f.messages.Send(ctx, SendInput{
		SenderID: alice, ConversationID: conv.ID, Kind: message.KindImage,
		Body: message.Body{MediaURL: "https://cdn.example/p.jpg"},
	})
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if img.Kind != message.KindImage {
		t.Errorf("kind = %s", img.Kind)
	}

	_, err = f.messages.Send(ctx, SendInput{
		SenderID: alice, ConversationID: conv.ID, Kind: message.KindLocation,
		Body: message.Body{
			Latitude:  sql.NullFloat64{Float64: 52.52, Valid: true},
			Longitude: sql.NullFloat64{Float64: 13.40, Valid: true},
		},
	})
	if err != nil {
		t.Fatalf("location: %v", err)
	}

	got, err := f.conversations.Get(ctx, conv.ID, bob)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastMessageText != "[location]" {
		t.Errorf("preview = %q, want [location]", got.LastMessageText)
	}
	if got.UnreadCount != 2 {
		t.Errorf("bob unread = %d, want 2", got.UnreadCount)
	}
}

func TestSendFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})

	msg := f.send(t, conv.ID, alice, "is it still available?")

	news := f.notifier.of(events.EventMessageNew)
	if len(news) != 1 || news[0].conversationID != conv.ID || news[0].messageID != msg.ID {
		t.Fatalf("message:new = %+v", news)
	}

	updates := f.notifier.of(events.EventConversationUpdate)
	if len(updates) != 2 {
		t.Fatalf("conversation:update count = %d, want 2", len(updates))
	}
	unread := map[uuid.UUID]int{}
	for _, u := range updates {
		unread[u.userID] = u.update.UnreadCount
		if u.update.Preview != "is it still available?" {
			t.Errorf("preview = %q", u.update.Preview)
		}
	}
	if unread[alice] != 0 || unread[bob] != 1 {
		t.Errorf("unread per user = %v, want alice 0 bob 1", unread)
	}

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	last := f.publisher.envs[len(f.publisher.envs)-1]
	if last.EventType != events.EventTypeMessageCreated || last.AggregateID != msg.ID.String() {
		t.Errorf("last published = %+v", last)
	}
}

func TestSendByRecipientCreatesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer, seller, listing := uuid.New(), uuid.New(), uuid.New()

	msg, err := f.messages.Send(ctx, SendInput{
		SenderID:    buyer,
		RecipientID: seller,
		ListingID:   uuid.NullUUID{UUID: listing, Valid: true},
		Body:        message.Body{Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	list, err := f.conversations.ListForUser(ctx, seller)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(list) != 1 || list[0].ID != msg.ConversationID {
		t.Fatalf("seller list = %+v", list)
	}
	if !list[0].ListingID.Valid || list[0].ListingID.UUID != listing {
		t.Errorf("listing = %v, want %s", list[0].ListingID, listing)
	}

	if _, err := f.messages.Send(ctx, SendInput{SenderID: buyer, RecipientID: buyer, Body: message.Body{Text: "me"}}); !errors.Is(err, marketchat_errors.ErrInvalidInput) {
		t.Errorf("self send error = %v, want ErrInvalidInput", err)
	}
	if _, err := f.messages.Send(ctx, SendInput{SenderID: buyer, Body: message.Body{Text: "nobody"}}); !errors.Is(err, marketchat_errors.ErrInvalidInput) {
		t.Errorf("no target error = %v, want ErrInvalidInput", err)
	}
}

func TestSendIsIdempotentByClientID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})

	in := SendInput{SenderID: alice, ConversationID: conv.ID, Body: message.Body{Text: "once"}, ClientMessageID: "c-1"}
	first, err := f.messages.Send(ctx, in)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := f.messages.Send(ctx, in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("retry created %s, want %s", second.ID, first.ID)
	}

	got, _ := f.conversations.Get(ctx, conv.ID, bob)
	if got.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", got.UnreadCount)
	}
	if n := len(f.notifier.of(events.EventMessageNew)); n != 1 {
		t.Errorf("message:new emitted %d times, want 1", n)
	}
}

func TestSendByStrangerIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})

	_, err := f.messages.Send(ctx, SendInput{SenderID: mallory, ConversationID: conv.ID, Body: message.Body{Text: "hi"}})
	if !errors.Is(err, marketchat_errors.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if _, err := f.messages.GetMessages(ctx, conv.ID, mallory, 10, 0); !errors.Is(err, marketchat_errors.ErrNotFound) {
		t.Fatalf("GetMessages error = %v, want ErrNotFound", err)
	}
	if _, err := f.conversations.Get(ctx, conv.ID, mallory); !errors.Is(err, marketchat_errors.ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestReplyMustStayInConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	first, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	second, _ := f.conversations.FindOrCreate(ctx, alice, carol, uuid.NullUUID{})

	original := f.send(t, first.ID, bob, "price?")

	reply, err := f.messages.AppendMessage(ctx, first.ID, alice, message.KindText, message.Body{Text: "100"},
		uuid.NullUUID{UUID: original.ID, Valid: true})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !reply.ReplyToID.Valid || reply.ReplyToID.UUID != original.ID {
		t.Errorf("reply_to = %v", reply.ReplyToID)
	}

	_, err = f.messages.AppendMessage(ctx, second.ID, alice, message.KindText, message.Body{Text: "100"},
		uuid.NullUUID{UUID: original.ID, Valid: true})
	if !errors.Is(err, marketchat_errors.ErrInvalidInput) {
		t.Fatalf("cross-conversation reply error = %v, want ErrInvalidInput", err)
	}
}

func TestGetMessagesWindowAndTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})

	var sent []message.WithSender
	for _, text := range []string{"one", "two", "three", "four"} {
		sent = append(sent, f.send(t, conv.ID, alice, text))
	}
	if ok, err := f.messages.SoftDelete(ctx, sent[1].ID, alice); err != nil || !ok {
		t.Fatalf("SoftDelete = %v, %v", ok, err)
	}

	all, err := f.messages.GetMessages(ctx, conv.ID, bob, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	if all[0].Body.Text != "one" || all[3].Body.Text != "four" {
		t.Errorf("order = %q..%q, want one..four", all[0].Body.Text, all[3].Body.Text)
	}
	if !all[1].IsDeleted || all[1].Body.Text != "" {
		t.Errorf("deleted message = %+v, want empty tombstone", all[1].Message)
	}

	page, err := f.messages.GetMessages(ctx, conv.ID, bob, 2, 1)
	if err != nil {
		t.Fatalf("GetMessages page: %v", err)
	}
	if len(page) != 2 || page[0].ID != sent[1].ID || page[1].ID != sent[2].ID {
		t.Errorf("page = %v, want messages two and three", page)
	}

	if _, err := f.messages.GetMessages(ctx, conv.ID, bob, 10, -1); !errors.Is(err, marketchat_errors.ErrInvalidInput) {
		t.Errorf("negative offset error = %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultPageSize},
		{-5, DefaultPageSize},
		{10, 10},
		{MaxPageSize + 1, MaxPageSize},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMarkReadNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	f.send(t, conv.ID, alice, "a")
	f.send(t, conv.ID, alice, "b")
	f.notifier.reset()

	marked, err := f.conversations.MarkRead(ctx, conv.ID, bob)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if marked != 2 {
		t.Errorf("marked = %d, want 2", marked)
	}
	reads := f.notifier.of(events.EventConversationRead)
	if len(reads) != 1 || reads[0].userID != bob {
		t.Errorf("conversation:read = %+v", reads)
	}
	updates := f.notifier.of(events.EventConversationUpdate)
	if len(updates) != 1 || updates[0].userID != bob || updates[0].update.UnreadCount != 0 {
		t.Errorf("conversation:update = %+v", updates)
	}

	f.notifier.reset()
	marked, err = f.conversations.MarkRead(ctx, conv.ID, bob)
	if err != nil || marked != 0 {
		t.Fatalf("second MarkRead = %d, %v", marked, err)
	}
	if n := len(f.notifier.of(events.EventConversationRead)); n != 0 {
		t.Errorf("idle MarkRead emitted %d read events", n)
	}

	total, err := f.conversations.UnreadTotal(ctx, bob)
	if err != nil || total != 0 {
		t.Errorf("UnreadTotal = %d, %v", total, err)
	}
}

func TestArchiveAndAutoUnarchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	f.send(t, conv.ID, alice, "hi")

	if err := f.conversations.Archive(ctx, conv.ID, bob); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	list, _ := f.conversations.ListForUser(ctx, bob)
	if len(list) != 0 {
		t.Fatalf("archived conversation still listed for bob")
	}
	list, _ = f.conversations.ListForUser(ctx, alice)
	if len(list) != 1 {
		t.Fatalf("alice lost the conversation after bob archived it")
	}

	f.send(t, conv.ID, alice, "still there?")
	list, _ = f.conversations.ListForUser(ctx, bob)
	if len(list) != 1 {
		t.Fatalf("new message should bring the conversation back for bob")
	}

	if err := f.conversations.Archive(ctx, conv.ID, bob); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := f.conversations.Unarchive(ctx, conv.ID, bob); err != nil {
		t.Fatalf("Unarchive: %v", err)
	}
	list, _ = f.conversations.ListForUser(ctx, bob)
	if len(list) != 1 {
		t.Fatalf("Unarchive did not restore the conversation")
	}
}

func TestSoftDeleteAndEditOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})
	msg := f.send(t, conv.ID, alice, "typo")

	if _, err := f.messages.Edit(ctx, msg.ID, bob, "hijack"); !errors.Is(err, marketchat_errors.ErrNotFound) {
		t.Errorf("edit by other error = %v, want ErrNotFound", err)
	}
	edited, err := f.messages.Edit(ctx, msg.ID, alice, "fixed")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !edited.IsEdited || edited.Body.Text != "fixed" {
		t.Errorf("edited = %+v", edited.Message)
	}
	if n := len(f.notifier.of(events.EventMessageEdited)); n != 1 {
		t.Errorf("message:edited emitted %d times", n)
	}

	ok, err := f.messages.SoftDelete(ctx, msg.ID, bob)
	if err != nil || ok {
		t.Fatalf("delete by other = %v, %v, want false", ok, err)
	}
	ok, err = f.messages.SoftDelete(ctx, uuid.New(), alice)
	if err != nil || ok {
		t.Fatalf("delete missing = %v, %v, want false", ok, err)
	}
	ok, err = f.messages.SoftDelete(ctx, msg.ID, alice)
	if err != nil || !ok {
		t.Fatalf("delete by owner = %v, %v", ok, err)
	}
	deleted := f.notifier.of(events.EventMessageDeleted)
	if len(deleted) != 1 || deleted[0].messageID != msg.ID {
		t.Errorf("message:deleted = %+v", deleted)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})

	f.store.FailWith(errors.New("connection reset"))
	_, err := f.messages.Send(ctx, SendInput{SenderID: alice, ConversationID: conv.ID, Body: message.Body{Text: "hi"}})
	if !errors.Is(err, marketchat_errors.ErrServiceUnavailable) {
		t.Fatalf("error = %v, want ErrServiceUnavailable", err)
	}
	if HTTPStatus(err) != 503 {
		t.Errorf("status = %d, want 503", HTTPStatus(err))
	}
	if n := len(f.notifier.of(events.EventMessageNew)); n != 0 {
		t.Errorf("failed send emitted %d events", n)
	}
}

func TestPublisherFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	conv, _ := f.conversations.FindOrCreate(ctx, alice, bob, uuid.NullUUID{})

	f.send(t, conv.ID, alice, "hi")
}
