package httpdto

import (
	"time"

	"marketchat/internal/domain/message"
)

type SendMessageRequest struct {
	ConversationID  string   `json:"conversation_id"`
	RecipientID     string   `json:"recipient_id"`
	ListingID       string   `json:"listing_id"`
	Kind            string   `json:"kind"`
	Text            string   `json:"text"`
	MediaURL        string   `json:"media_url"`
	FileName        string   `json:"file_name"`
	MimeType        string   `json:"mime_type"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	ReplyToID       string   `json:"reply_to_id"`
	ClientMessageID string   `json:"client_message_id"`
}

type EditMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	SenderID        string     `json:"sender_id"`
	Sender          *User      `json:"sender,omitempty"`
	Kind            string     `json:"kind"`
	Text            string     `json:"text,omitempty"`
	MediaURL        string     `json:"media_url,omitempty"`
	FileName        string     `json:"file_name,omitempty"`
	MimeType        string     `json:"mime_type,omitempty"`
	Latitude        *float64   `json:"latitude,omitempty"`
	Longitude       *float64   `json:"longitude,omitempty"`
	ReplyToID       string     `json:"reply_to_id,omitempty"`
	ClientMessageID string     `json:"client_message_id,omitempty"`
	IsRead          bool       `json:"is_read"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
	IsEdited        bool       `json:"is_edited"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
	IsDeleted       bool       `json:"is_deleted"`
	CreatedAt       time.Time  `json:"created_at"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

func FromMessage(m message.WithSender) Message {
	out := Message{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID.String(),
		SenderID:       m.SenderID.String(),
		Kind:           string(m.Kind),
		Text:           m.Body.Text,
		MediaURL:       m.Body.MediaURL,
		FileName:       m.Body.FileName,
		MimeType:       m.Body.MimeType,
		IsRead:         m.IsRead,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt,
	}
	if m.Sender.ID == m.SenderID {
		sender := FromProfile(m.Sender)
		out.Sender = &sender
	}
	if m.Body.Latitude.Valid {
		lat := m.Body.Latitude.Float64
		out.Latitude = &lat
	}
	if m.Body.Longitude.Valid {
		lng := m.Body.Longitude.Float64
		out.Longitude = &lng
	}
	if m.ReplyToID.Valid {
		out.ReplyToID = m.ReplyToID.UUID.String()
	}
	if m.ClientMessageID.Valid {
		out.ClientMessageID = m.ClientMessageID.String
	}
	if m.ReadAt.Valid {
		at := m.ReadAt.Time
		out.ReadAt = &at
	}
	if m.EditedAt.Valid {
		at := m.EditedAt.Time
		out.EditedAt = &at
	}
	return out
}

func FromMessageSlice(items []message.WithSender) []Message {
	out := make([]Message, 0, len(items))
	for _, item := range items {
		out = append(out, FromMessage(item))
	}
	return out
}
