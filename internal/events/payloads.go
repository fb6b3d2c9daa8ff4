package events

import (
	"time"

	"marketchat/internal/transport/httpdto"
)

type MessagePayload = httpdto.Message

// ConversationUpdate is sent to one participant's private group after any
// change to a conversation's list row.
type ConversationUpdate struct {
	ConversationID string     `json:"conversation_id"`
	Preview        string     `json:"preview"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	SenderID       string     `json:"sender_id,omitempty"`
	UnreadCount    int        `json:"unread_count"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type StatusChangePayload struct {
	UserID    string    `json:"user_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type ConversationReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
