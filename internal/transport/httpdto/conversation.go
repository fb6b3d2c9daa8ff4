package httpdto

import (
	"time"

	"marketchat/internal/domain/conversation"
	"marketchat/internal/domain/user"
)

type CreateConversationRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	ListingID string `json:"listing_id"`
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type Conversation struct {
	ID                  string     `json:"id"`
	ListingID           string     `json:"listing_id,omitempty"`
	OtherUser           User       `json:"other_user"`
	LastMessage         string     `json:"last_message"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	LastMessageSenderID string     `json:"last_message_sender_id,omitempty"`
	UnreadCount         int        `json:"unread_count"`
	Archived            bool       `json:"archived"`
	CreatedAt           time.Time  `json:"created_at"`
}

type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

type UnreadTotalResponse struct {
	Unread int `json:"unread"`
}

type MarkReadResponse struct {
	Marked int `json:"marked"`
}

func FromProfile(p user.Profile) User {
	return User{
		ID:          p.ID.String(),
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
}

func FromConversation(s conversation.Summary) Conversation {
	out := Conversation{
		ID:          s.ID.String(),
		OtherUser:   FromProfile(s.Other),
		LastMessage: s.LastMessageText,
		UnreadCount: s.UnreadCount,
		Archived:    s.Archived,
		CreatedAt:   s.CreatedAt,
	}
	if s.ListingID.Valid {
		out.ListingID = s.ListingID.UUID.String()
	}
	if s.LastMessageAt.Valid {
		at := s.LastMessageAt.Time
		out.LastMessageAt = &at
	}
	if s.LastMessageSender.Valid {
		out.LastMessageSenderID = s.LastMessageSender.UUID.String()
	}
	return out
}

func FromConversationSlice(items []conversation.Summary) []Conversation {
	out := make([]Conversation, 0, len(items))
	for _, item := range items {
		out = append(out, FromConversation(item))
	}
	return out
}

// SortKey is the time a conversation row is ordered by in list views.
func (c Conversation) SortKey() (time.Time, bool) {
	if c.LastMessageAt == nil {
		return c.CreatedAt, false
	}
	return *c.LastMessageAt, true
}
