package syncengine

import (
	"slices"
	"testing"
	"time"

	"marketchat/internal/events"
	"marketchat/internal/transport/httpdto"
)

func at(minutes int) *time.Time {
	t := time.Date(2026, 3, 1, 12, minutes, 0, 0, time.UTC)
	return &t
}

func TestConversationOrdering(t *testing.T) {
	s := NewState()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetConversations([]httpdto.Conversation{
		{ID: "empty-old", CreatedAt: created},
		{ID: "older", LastMessageAt: at(1), CreatedAt: created},
		{ID: "empty-new", CreatedAt: created.Add(time.Hour)},
		{ID: "newer", LastMessageAt: at(5), CreatedAt: created},
	})
	want := []string{"newer", "older", "empty-new", "empty-old"}
	for i, c := range s.Conversations() {
		if c.ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, c.ID, want[i])
		}
	}

	if !s.ApplyUpdate(events.ConversationUpdate{ConversationID: "empty-old", Preview: "hi", LastMessageAt: at(9), UnreadCount: 1}) {
		t.Fatal("known conversation should apply")
	}
	if first := s.Conversations()[0]; first.ID != "empty-old" || first.LastMessage != "hi" || first.UnreadCount != 1 {
		t.Fatalf("first = %+v", first)
	}
	if s.ApplyUpdate(events.ConversationUpdate{ConversationID: "unknown"}) {
		t.Fatal("unknown conversation must not be synthesized")
	}
	if len(s.Conversations()) != 4 {
		t.Fatal("unknown update changed the list")
	}
}

func TestActiveConversationStaysRead(t *testing.T) {
	s := NewState()
	s.SetConversations([]httpdto.Conversation{{ID: "c1", UnreadCount: 3}})
	s.ZeroUnread("c1")
	s.SetActive("c1")

	s.ApplyUpdate(events.ConversationUpdate{ConversationID: "c1", UnreadCount: 4, LastMessageAt: at(2)})
	if c, _ := s.Conversation("c1"); c.UnreadCount != 0 {
		t.Fatalf("open conversation unread = %d", c.UnreadCount)
	}
	s.SetConversations([]httpdto.Conversation{{ID: "c1", UnreadCount: 4}})
	if c, _ := s.Conversation("c1"); c.UnreadCount != 0 {
		t.Fatalf("refetch reset the open conversation to %d", c.UnreadCount)
	}
}

func TestTranscriptDedupeAndMerge(t *testing.T) {
	s := NewState()
	s.SetActive("c1")

	live := httpdto.Message{ID: "m3", ConversationID: "c1", CreatedAt: *at(3)}
	if !s.AppendMessage(live) || s.AppendMessage(live) {
		t.Fatal("second append of the same id should be ignored")
	}
	if s.AppendMessage(httpdto.Message{ID: "x", ConversationID: "other"}) {
		t.Fatal("message for another conversation appended")
	}

	s.LoadHistory("c1", []httpdto.Message{
		{ID: "m1", ConversationID: "c1", CreatedAt: *at(1)},
		{ID: "m3", ConversationID: "c1", CreatedAt: *at(3)},
	})
	got := s.Transcript()
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m3" {
		t.Fatalf("transcript = %+v", got)
	}

	if !s.MarkDeleted("c1", "m1") {
		t.Fatal("MarkDeleted")
	}
	if m := s.Transcript()[0]; !m.IsDeleted || m.Text != "" {
		t.Fatalf("tombstone = %+v", m)
	}
}

func TestTranscriptFollowsCreationOrder(t *testing.T) {
	s := NewState()
	s.SetActive("c1")

	// The peer's later message arrives live before our own send returns.
	peer := httpdto.Message{ID: "m2", ConversationID: "c1", CreatedAt: *at(2)}
	own := httpdto.Message{ID: "m1", ConversationID: "c1", CreatedAt: *at(1)}
	s.AppendMessage(peer)
	s.AppendMessage(own)
	if s.AppendMessage(own) {
		t.Fatal("echo of own message appended twice")
	}
	s.AppendMessage(httpdto.Message{ID: "m3", ConversationID: "c1", CreatedAt: *at(2)})

	var ids []string
	for _, m := range s.Transcript() {
		ids = append(ids, m.ID)
	}
	if want := []string{"m1", "m2", "m3"}; !slices.Equal(ids, want) {
		t.Fatalf("transcript order = %v, want %v", ids, want)
	}
}

func TestSubscribe(t *testing.T) {
	s := NewState()
	changes, unsubscribe := s.Subscribe(4)

	s.SetDraft("hel")
	s.SetOnline("u1", true)
	for _, want := range []ChangeKind{ChangeDraft, ChangePresence} {
		select {
		case c := <-changes:
			if c.Kind != want {
				t.Fatalf("change = %s, want %s", c.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s change", want)
		}
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-changes; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	s.SetDraft("hello")
}

func TestDisconnectClearsTyping(t *testing.T) {
	s := NewState()
	s.SetStatus(Connected)
	s.SetTyping("c1", "u2", true)
	if got := s.TypingUsers("c1"); len(got) != 1 {
		t.Fatalf("typing = %v", got)
	}
	s.SetStatus(Connecting)
	if got := s.TypingUsers("c1"); len(got) != 0 {
		t.Fatalf("typing after disconnect = %v", got)
	}
}
