package conversation

import (
	"bytes"
	"database/sql"
	"sort"
	"time"

	"marketchat/internal/domain/user"

	"github.com/google/uuid"
)

// Conversation represents the conversations table.
// The participant pair is stored canonically: ParticipantA sorts before ParticipantB.
type Conversation struct {
	ID                uuid.UUID
	ParticipantA      uuid.UUID
	ParticipantB      uuid.UUID
	ListingID         uuid.NullUUID
	LastMessageText   string
	LastMessageAt     sql.NullTime
	LastMessageSender uuid.NullUUID
	UnreadA           int
	UnreadB           int
	ArchivedA         bool
	ArchivedB         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanonicalPair orders two user ids so (a, b) and (b, a) map to the same row.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}

func (c Conversation) HasParticipant(userID uuid.UUID) bool {
	return userID == c.ParticipantA || userID == c.ParticipantB
}

// OtherParticipant returns the counterpart of userID. userID must be a participant.
func (c Conversation) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if userID == c.ParticipantA {
		return c.ParticipantB
	}
	return c.ParticipantA
}

func (c Conversation) UnreadFor(userID uuid.UUID) int {
	switch userID {
	case c.ParticipantA:
		return c.UnreadA
	case c.ParticipantB:
		return c.UnreadB
	}
	return 0
}

func (c Conversation) ArchivedFor(userID uuid.UUID) bool {
	switch userID {
	case c.ParticipantA:
		return c.ArchivedA
	case c.ParticipantB:
		return c.ArchivedB
	}
	return false
}

// Summary is a conversation as seen by one participant.
type Summary struct {
	Conversation
	Viewer      uuid.UUID
	Other       user.Profile
	UnreadCount int
	Archived    bool
}

func NewSummary(c Conversation, viewer uuid.UUID, other user.Profile) Summary {
	return Summary{
		Conversation: c,
		Viewer:       viewer,
		Other:        other,
		UnreadCount:  c.UnreadFor(viewer),
		Archived:     c.ArchivedFor(viewer),
	}
}

// Before reports whether a lists ahead of b: most recent message first,
// conversations without messages last, newest creation first among those.
func Before(aLast sql.NullTime, aCreated time.Time, bLast sql.NullTime, bCreated time.Time) bool {
	switch {
	case aLast.Valid && bLast.Valid:
		if !aLast.Time.Equal(bLast.Time) {
			return aLast.Time.After(bLast.Time)
		}
	case aLast.Valid != bLast.Valid:
		return aLast.Valid
	}
	return aCreated.After(bCreated)
}

func SortConversations(items []Conversation) {
	sort.SliceStable(items, func(i, j int) bool {
		return Before(items[i].LastMessageAt, items[i].CreatedAt, items[j].LastMessageAt, items[j].CreatedAt)
	})
}
