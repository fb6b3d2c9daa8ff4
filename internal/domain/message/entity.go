package message

import (
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"marketchat/internal/domain/user"

	"github.com/google/uuid"
)

type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindFile     Kind = "file"
	KindLocation Kind = "location"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
)

const (
	MaxTextLength = 5000
	previewLength = 120
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindLocation, KindAudio, KindVideo:
		return true
	}
	return false
}

// Body holds the kind-dependent content of a message.
type Body struct {
	Text      string
	MediaURL  string
	FileName  string
	MimeType  string
	Latitude  sql.NullFloat64
	Longitude sql.NullFloat64
}

func (b Body) HasText() bool {
	return strings.TrimSpace(b.Text) != ""
}

// HasMedia is true for an uploaded media reference or a shared location.
func (b Body) HasMedia() bool {
	return strings.TrimSpace(b.MediaURL) != "" || (b.Latitude.Valid && b.Longitude.Valid)
}

// Message represents the messages table
type Message struct {
	ID              uuid.UUID
	ConversationID  uuid.UUID
	SenderID        uuid.UUID
	Kind            Kind
	Body            Body
	ReplyToID       uuid.NullUUID
	ClientMessageID sql.NullString
	IsRead          bool
	ReadAt          sql.NullTime
	IsEdited        bool
	EditedAt        sql.NullTime
	IsDeleted       bool
	DeletedAt       sql.NullTime
	CreatedAt       time.Time
	Seq             int64
}

// Tombstone strips the content of a soft-deleted message while keeping its
// position and metadata, so paging offsets stay stable.
func (m Message) Tombstone() Message {
	if !m.IsDeleted {
		return m
	}
	m.Body = Body{}
	m.ReplyToID = uuid.NullUUID{}
	return m
}

// Preview is the short text cached on the conversation for list rows.
func (m Message) Preview() string {
	if m.IsDeleted {
		return ""
	}
	if m.Body.HasText() {
		return truncate(strings.TrimSpace(m.Body.Text), previewLength)
	}
	return "[" + string(m.Kind) + "]"
}

// WithSender pairs a message with its author's public profile.
type WithSender struct {
	Message
	Sender user.Profile
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
