package syncengine

import (
	"slices"
	"sync"
	"time"

	"marketchat/internal/events"
	"marketchat/internal/transport/httpdto"
)

type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeActive        ChangeKind = "active"
	ChangeTranscript    ChangeKind = "transcript"
	ChangeDraft         ChangeKind = "draft"
	ChangeConnection    ChangeKind = "connection"
	ChangePresence      ChangeKind = "presence"
	ChangeTyping        ChangeKind = "typing"
)

// Change tells a subscriber which part of the state moved. Subscribers read
// the new values through the State getters.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	UserID         string
}

// State is the client-side cache. Every mutation goes through a method here
// and is announced to subscribers.
type State struct {
	mu sync.RWMutex

	conversations []httpdto.Conversation
	active        string
	transcript    []httpdto.Message
	draft         string
	status        ConnectionStatus
	online        map[string]bool
	typing        map[string]map[string]struct{}

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

func NewState() *State {
	return &State{
		online: make(map[string]bool),
		typing: make(map[string]map[string]struct{}),
		subs:   make(map[int]chan Change),
	}
}

// Subscribe returns a channel of changes and a function that ends the
// subscription. A subscriber that falls more than buf changes behind misses
// notifications, never state.
func (s *State) Subscribe(buf int) (<-chan Change, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Change, buf)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *State) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *State) Conversations() []httpdto.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.conversations)
}

func (s *State) Conversation(id string) (httpdto.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.conversations[i], true
	}
	return httpdto.Conversation{}, false
}

func (s *State) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *State) Transcript() []httpdto.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.transcript)
}

func (s *State) Draft() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft
}

func (s *State) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID]
}

// TypingUsers lists who is typing in a conversation, sorted.
func (s *State) TypingUsers(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.typing[conversationID]))
	for userID := range s.typing[conversationID] {
		out = append(out, userID)
	}
	slices.Sort(out)
	return out
}

// SetConversations replaces the list with a fresh server copy. The active
// conversation keeps its locally zeroed counter.
func (s *State) SetConversations(items []httpdto.Conversation) {
	s.mu.Lock()
	s.conversations = slices.Clone(items)
	for i := range s.conversations {
		if s.conversations[i].ID == s.active {
			s.conversations[i].UnreadCount = 0
		}
	}
	sortConversations(s.conversations)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations})
}

// ApplyUpdate folds a conversation:update into a known entry. It reports false
// when the conversation is not cached, leaving the caller to re-fetch.
func (s *State) ApplyUpdate(u events.ConversationUpdate) bool {
	s.mu.Lock()
	i := s.indexOf(u.ConversationID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	c := &s.conversations[i]
	c.LastMessage = u.Preview
	if u.LastMessageAt != nil {
		at := *u.LastMessageAt
		c.LastMessageAt = &at
	}
	c.LastMessageSenderID = u.SenderID
	c.UnreadCount = u.UnreadCount
	if c.ID == s.active {
		c.UnreadCount = 0
	}
	sortConversations(s.conversations)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations, ConversationID: u.ConversationID})
	return true
}

// ZeroUnread clears the local counter ahead of the server's mark-read.
func (s *State) ZeroUnread(conversationID string) {
	s.mu.Lock()
	i := s.indexOf(conversationID)
	changed := i >= 0 && s.conversations[i].UnreadCount != 0
	if changed {
		s.conversations[i].UnreadCount = 0
	}
	s.mu.Unlock()
	if changed {
		s.notify(Change{Kind: ChangeConversations, ConversationID: conversationID})
	}
}

// SetActive switches the open conversation and empties the transcript.
func (s *State) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.transcript = nil
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeActive, ConversationID: conversationID})
}

// LoadHistory merges fetched history into the transcript of conversationID.
// Live messages that arrived while the fetch was in flight are kept.
func (s *State) LoadHistory(conversationID string, history []httpdto.Message) bool {
	s.mu.Lock()
	if s.active != conversationID {
		s.mu.Unlock()
		return false
	}
	merged := slices.Clone(history)
	seen := make(map[string]struct{}, len(merged))
	for _, m := range merged {
		seen[m.ID] = struct{}{}
	}
	for _, m := range s.transcript {
		if _, ok := seen[m.ID]; !ok {
			merged = append(merged, m)
		}
	}
	slices.SortStableFunc(merged, func(a, b httpdto.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	s.transcript = merged
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeTranscript, ConversationID: conversationID})
	return true
}

// AppendMessage adds a server-confirmed message to the active transcript at
// its creation-time slot, so a late send response still lands before newer
// messages that arrived live. It reports false for another conversation or an
// id already present.
func (s *State) AppendMessage(m httpdto.Message) bool {
	s.mu.Lock()
	if m.ConversationID != s.active || s.messageIndex(m.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	// Equal timestamps keep arrival order.
	i := len(s.transcript)
	for i > 0 && s.transcript[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	s.transcript = slices.Insert(s.transcript, i, m)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeTranscript, ConversationID: m.ConversationID})
	return true
}

// ReplaceMessage swaps in an edited copy of a transcript message.
func (s *State) ReplaceMessage(m httpdto.Message) bool {
	s.mu.Lock()
	i := -1
	if m.ConversationID == s.active {
		i = s.messageIndex(m.ID)
	}
	if i >= 0 {
		s.transcript[i] = m
	}
	s.mu.Unlock()
	if i >= 0 {
		s.notify(Change{Kind: ChangeTranscript, ConversationID: m.ConversationID})
	}
	return i >= 0
}

// MarkDeleted turns a transcript message into a tombstone in place.
func (s *State) MarkDeleted(conversationID, messageID string) bool {
	s.mu.Lock()
	i := -1
	if conversationID == s.active {
		i = s.messageIndex(messageID)
	}
	if i >= 0 {
		m := &s.transcript[i]
		m.IsDeleted = true
		m.Text, m.MediaURL, m.FileName, m.MimeType, m.ReplyToID = "", "", "", "", ""
		m.Latitude, m.Longitude = nil, nil
	}
	s.mu.Unlock()
	if i >= 0 {
		s.notify(Change{Kind: ChangeTranscript, ConversationID: conversationID})
	}
	return i >= 0
}

// ApplyRead marks messages not written by readerID as read.
func (s *State) ApplyRead(conversationID, readerID string, at time.Time) {
	s.mu.Lock()
	changed := false
	if conversationID == s.active {
		for i := range s.transcript {
			m := &s.transcript[i]
			if m.SenderID != readerID && !m.IsRead {
				m.IsRead = true
				readAt := at
				m.ReadAt = &readAt
				changed = true
			}
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(Change{Kind: ChangeTranscript, ConversationID: conversationID})
	}
}

func (s *State) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeDraft})
}

func (s *State) SetStatus(status ConnectionStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	if status != Connected {
		// Indicators cannot be trusted without a live feed.
		clear(s.typing)
	}
	s.mu.Unlock()
	if changed {
		s.notify(Change{Kind: ChangeConnection})
	}
}

func (s *State) SetOnline(userID string, online bool) {
	s.mu.Lock()
	if online {
		s.online[userID] = true
	} else {
		delete(s.online, userID)
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangePresence, UserID: userID})
}

func (s *State) SetTyping(conversationID, userID string, typing bool) {
	s.mu.Lock()
	users := s.typing[conversationID]
	if typing {
		if users == nil {
			users = make(map[string]struct{})
			s.typing[conversationID] = users
		}
		users[userID] = struct{}{}
	} else if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.typing, conversationID)
		}
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeTyping, ConversationID: conversationID, UserID: userID})
}

func (s *State) indexOf(conversationID string) int {
	return slices.IndexFunc(s.conversations, func(c httpdto.Conversation) bool { return c.ID == conversationID })
}

func (s *State) messageIndex(messageID string) int {
	return slices.IndexFunc(s.transcript, func(m httpdto.Message) bool { return m.ID == messageID })
}

// sortConversations orders by last activity, newest first; conversations
// without messages go last, newest created first.
func sortConversations(items []httpdto.Conversation) {
	slices.SortStableFunc(items, func(a, b httpdto.Conversation) int {
		at, aHas := a.SortKey()
		bt, bHas := b.SortKey()
		if aHas != bHas {
			if aHas {
				return -1
			}
			return 1
		}
		return bt.Compare(at)
	})
}
