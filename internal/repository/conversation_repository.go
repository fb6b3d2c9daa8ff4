package repository

import (
	"context"
	"errors"
	"time"

	"marketchat/internal/domain/conversation"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const conversationColumns = `id, participant_a, participant_b, listing_id,
	last_message_text, last_message_at, last_message_sender,
	unread_a, unread_b, archived_a, archived_b, created_at, updated_at`

type PostgresConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *PostgresConversationRepository {
	return &PostgresConversationRepository{db: db}
}

func scanConversation(row pgx.Row) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := row.Scan(
		&c.ID, &c.ParticipantA, &c.ParticipantB, &c.ListingID,
		&c.LastMessageText, &c.LastMessageAt, &c.LastMessageSender,
		&c.UnreadA, &c.UnreadB, &c.ArchivedA, &c.ArchivedB,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (r *PostgresConversationRepository) FindOrCreate(ctx context.Context, userA, userB uuid.UUID, listingID uuid.NullUUID) (conversation.Conversation, bool, error) {
	a, b := conversation.CanonicalPair(userA, userB)

	// The unique index on (pair, listing scope) makes concurrent first calls
	// converge: the loser inserts nothing and reads the winner's row.
	inserted, err := scanConversation(r.db.QueryRow(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, listing_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
		RETURNING `+conversationColumns,
		uuid.New(), a, b, listingID,
	))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return conversation.Conversation{}, false, storeError("insert conversation", err)
	}

	existing, err := scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 AND participant_b = $2
		  AND listing_id IS NOT DISTINCT FROM $3`,
		a, b, listingID,
	))
	if err != nil {
		return conversation.Conversation{}, false, storeError("select conversation", err)
	}
	return existing, false, nil
}

func (r *PostgresConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	c, err := scanConversation(r.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return conversation.Conversation{}, storeError("get conversation", err)
	}
	return c, nil
}

func (r *PostgresConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]conversation.Conversation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE (participant_a = $1 AND NOT archived_a)
		   OR (participant_b = $1 AND NOT archived_b)
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	defer rows.Close()

	var items []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storeError("scan conversation", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list conversations", err)
	}
	return items, nil
}

func (r *PostgresConversationRepository) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID, at time.Time) (int, error) {
	var marked int
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		// Resetting the counter first takes the row lock and doubles as the
		// participant check.
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET
				unread_a = CASE WHEN participant_a = $2 THEN 0 ELSE unread_a END,
				unread_b = CASE WHEN participant_b = $2 THEN 0 ELSE unread_b END
			WHERE id = $1 AND (participant_a = $2 OR participant_b = $2)`,
			conversationID, readerID,
		)
		if err != nil {
			return storeError("reset unread", err)
		}
		if tag.RowsAffected() == 0 {
			return marketchat_errors.ErrNotFound
		}

		tag, err = tx.Exec(ctx, `
			UPDATE messages SET is_read = TRUE, read_at = $3
			WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`,
			conversationID, readerID, at,
		)
		if err != nil {
			return storeError("mark messages read", err)
		}
		marked = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

func (r *PostgresConversationRepository) SetArchived(ctx context.Context, conversationID, userID uuid.UUID, archived bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations SET
			archived_a = CASE WHEN participant_a = $2 THEN $3 ELSE archived_a END,
			archived_b = CASE WHEN participant_b = $2 THEN $3 ELSE archived_b END,
			updated_at = now()
		WHERE id = $1 AND (participant_a = $2 OR participant_b = $2)`,
		conversationID, userID, archived,
	)
	if err != nil {
		return storeError("set archived", err)
	}
	if tag.RowsAffected() == 0 {
		return marketchat_errors.ErrNotFound
	}
	return nil
}

func (r *PostgresConversationRepository) UnreadTotal(ctx context.Context, userID uuid.UUID) (int, error) {
	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN participant_a = $1 THEN unread_a ELSE unread_b END), 0)
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, storeError("unread total", err)
	}
	return total, nil
}

func (r *PostgresConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversations
			WHERE id = $1 AND (participant_a = $2 OR participant_b = $2)
		)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, storeError("is participant", err)
	}
	return exists, nil
}
