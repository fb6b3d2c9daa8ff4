package repository

import (
	"context"
	"errors"
	"time"

	"marketchat/internal/domain/conversation"
	"marketchat/internal/domain/message"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const messageColumns = `id, seq, conversation_id, sender_id, kind,
	text, media_url, file_name, mime_type, latitude, longitude,
	reply_to_id, client_message_id,
	is_read, read_at, is_edited, edited_at, is_deleted, deleted_at, created_at`

type PostgresMessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

func scanMessage(row pgx.Row) (message.Message, error) {
	var m message.Message
	var kind string
	err := row.Scan(
		&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &kind,
		&m.Body.Text, &m.Body.MediaURL, &m.Body.FileName, &m.Body.MimeType,
		&m.Body.Latitude, &m.Body.Longitude,
		&m.ReplyToID, &m.ClientMessageID,
		&m.IsRead, &m.ReadAt, &m.IsEdited, &m.EditedAt, &m.IsDeleted, &m.DeletedAt,
		&m.CreatedAt,
	)
	m.Kind = message.Kind(kind)
	return m, err
}

func (r *PostgresMessageRepository) Append(ctx context.Context, msg message.Message) (message.Message, conversation.Conversation, error) {
	var (
		stored message.Message
		conv   conversation.Conversation
	)
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		// The counter and preview update runs first so the row lock serialises
		// concurrent senders; created_at is taken after the lock so insertion
		// order and timestamp order agree within a conversation.
		var err error
		conv, err = scanConversation(tx.QueryRow(ctx, `
			UPDATE conversations SET
				unread_a = CASE WHEN participant_a = $2 THEN unread_a ELSE unread_a + 1 END,
				unread_b = CASE WHEN participant_b = $2 THEN unread_b ELSE unread_b + 1 END,
				archived_a = CASE WHEN participant_a = $2 THEN archived_a ELSE FALSE END,
				archived_b = CASE WHEN participant_b = $2 THEN archived_b ELSE FALSE END,
				last_message_text = $3,
				last_message_at = clock_timestamp(),
				last_message_sender = $2,
				updated_at = clock_timestamp()
			WHERE id = $1 AND (participant_a = $2 OR participant_b = $2)
			RETURNING `+conversationColumns,
			msg.ConversationID, msg.SenderID, msg.Preview(),
		))
		if err != nil {
			return storeError("update conversation", err)
		}

		stored, err = scanMessage(tx.QueryRow(ctx, `
			INSERT INTO messages (
				id, conversation_id, sender_id, kind,
				text, media_url, file_name, mime_type, latitude, longitude,
				reply_to_id, client_message_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING `+messageColumns,
			msg.ID, msg.ConversationID, msg.SenderID, string(msg.Kind),
			msg.Body.Text, msg.Body.MediaURL, msg.Body.FileName, msg.Body.MimeType,
			msg.Body.Latitude, msg.Body.Longitude,
			msg.ReplyToID, msg.ClientMessageID, conv.LastMessageAt.Time,
		))
		if err != nil {
			return storeError("insert message", err)
		}
		return nil
	})
	if err != nil {
		return message.Message{}, conversation.Conversation{}, err
	}
	return stored, conv, nil
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return message.Message{}, storeError("get message", err)
	}
	return m, nil
}

func (r *PostgresMessageRepository) GetByClientID(ctx context.Context, senderID uuid.UUID, clientMessageID string) (message.Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 AND client_message_id = $2`,
		senderID, clientMessageID))
	if err != nil {
		return message.Message{}, storeError("get message by client id", err)
	}
	return m, nil
}

func (r *PostgresMessageRepository) List(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]message.Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2 OFFSET $3
		) AS page
		ORDER BY created_at ASC, seq ASC`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	defer rows.Close()

	items := make([]message.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeError("scan message", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list messages", err)
	}
	return items, nil
}

func (r *PostgresMessageRepository) SoftDelete(ctx context.Context, id, requesterID uuid.UUID, at time.Time) (message.Message, bool, error) {
	m, err := scanMessage(r.db.QueryRow(ctx, `
		UPDATE messages SET is_deleted = TRUE, deleted_at = COALESCE(deleted_at, $3)
		WHERE id = $1 AND sender_id = $2
		RETURNING `+messageColumns,
		id, requesterID, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, storeError("soft delete message", err)
	}
	return m, true, nil
}

func (r *PostgresMessageRepository) UpdateText(ctx context.Context, id, requesterID uuid.UUID, text string, at time.Time) (message.Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx, `
		UPDATE messages SET text = $3, is_edited = TRUE, edited_at = $4
		WHERE id = $1 AND sender_id = $2 AND kind = 'text' AND NOT is_deleted
		RETURNING `+messageColumns,
		id, requesterID, text, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Message{}, marketchat_errors.ErrNotFound
	}
	if err != nil {
		return message.Message{}, storeError("update message", err)
	}
	return m, nil
}
