package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists supervisor accounts and their refresh tokens.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Upsert ensures a supervisor record exists.
func (r *Repository) Upsert(ctx context.Context, supervisorID, email string) error {
	if supervisorID == "" {
		return errors.New("supervisor id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO supervisors (supervisor_id, email)
		VALUES ($1, $2)
		ON CONFLICT (supervisor_id) DO UPDATE SET email = COALESCE(NULLIF(EXCLUDED.email, ''), supervisors.email)
	`, supervisorID, email)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, supervisorID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, supervisor_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, supervisorID, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}
