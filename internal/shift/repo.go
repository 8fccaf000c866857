package shift

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists shifts in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertOpen writes a new open shift. The partial unique index on
// (supervisor_id) WHERE status='open' makes a second open shift a conflict,
// reported as ok=false.
func (r *Repository) InsertOpen(ctx context.Context, s Shift) (Shift, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO shifts (id, supervisor_id, status, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (supervisor_id) WHERE status = 'open' DO NOTHING
		RETURNING started_at
	`, s.ID, s.SupervisorID, s.Status, s.StartedAt)
	if err := row.Scan(&s.StartedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Shift{}, false, nil
		}
		return Shift{}, false, err
	}
	return s, true, nil
}

// Close transitions a matching open shift to closed. Returns false when no
// open shift matches the pair.
func (r *Repository) Close(ctx context.Context, shiftID, supervisorID string, closedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE shifts SET status = 'closed', closed_at = $3
		WHERE id = $1 AND supervisor_id = $2 AND status = 'open'
	`, shiftID, supervisorID, closedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Get returns a shift by id, nil when missing.
func (r *Repository) Get(ctx context.Context, id string) (*Shift, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, supervisor_id, status, started_at, closed_at, total_scans
		FROM shifts WHERE id = $1
	`, id)
	var s Shift
	if err := row.Scan(&s.ID, &s.SupervisorID, &s.Status, &s.StartedAt, &s.ClosedAt, &s.TotalScans); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// RecordScan bumps the denormalized counter for an accepted scan. It
// returns the shift status at update time so the caller can log divergence
// when the shift closed before the counter caught up; false means the shift
// row is gone entirely.
func (r *Repository) RecordScan(ctx context.Context, shiftID string) (string, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE shifts SET total_scans = total_scans + 1
		WHERE id = $1
		RETURNING status
	`, shiftID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}
