package repository

import (
	"context"

	"marketchat/internal/domain/user"

	"github.com/google/uuid"
)

type PostgresUserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// GetProfiles returns the profiles that exist; missing ids are simply absent from the map.
func (r *PostgresUserRepository) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]user.Profile, error) {
	out := make(map[uuid.UUID]user.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, display_name, avatar_url, updated_at
		FROM user_profiles
		WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, storeError("get profiles", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p user.Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.UpdatedAt); err != nil {
			return nil, storeError("scan profile", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("get profiles", err)
	}
	return out, nil
}

func (r *PostgresUserRepository) UpsertProfile(ctx context.Context, p user.Profile) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_profiles (id, display_name, avatar_url, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = now()`,
		p.ID, p.DisplayName, p.AvatarURL,
	)
	return storeError("upsert profile", err)
}
