package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordCols = `id, student_key, shift_id, supervisor_id, scan_day::text, scan_time, location, notes, created_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.StudentKey, &rec.ShiftID, &rec.SupervisorID,
		&rec.ScanDay, &rec.ScanTime, &rec.Location, &rec.Notes, &rec.CreatedAt)
	return rec, err
}

// FindByStudentDay returns the accepted record for the student on the given
// calendar day, or nil.
func (r *Repository) FindByStudentDay(ctx context.Context, studentKey, day string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+` FROM attendance
		WHERE student_key = $1 AND scan_day = $2::date
	`, studentKey, day))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// InsertUnique writes a record, relying on the unique index on
// (student_key, scan_day). A conflict returns inserted=false with no error;
// that is the authoritative duplicate signal.
func (r *Repository) InsertUnique(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ScanTime.IsZero() {
		rec.ScanTime = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (id, student_key, shift_id, supervisor_id, scan_day, scan_time, location, notes)
		VALUES ($1,$2,$3,$4,$5::date,$6,$7,$8)
		ON CONFLICT (student_key, scan_day) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.StudentKey, rec.ShiftID, rec.SupervisorID, rec.ScanDay, rec.ScanTime, rec.Location, rec.Notes)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// Get returns a single record by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+` FROM attendance WHERE id = $1
	`, id))
}

// ListByShift returns the shift-scoped attendance view, oldest first. This
// is the derived read path: there is no embedded per-shift copy to drift.
func (r *Repository) ListByShift(ctx context.Context, shiftID string) ([]Record, error) {
	return r.list(ctx, `
		SELECT `+recordCols+` FROM attendance
		WHERE shift_id = $1 ORDER BY scan_time
	`, shiftID)
}

// CountByShift returns the live scan count for a shift.
func (r *Repository) CountByShift(ctx context.Context, shiftID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance WHERE shift_id = $1`, shiftID).Scan(&n)
	return n, err
}

// Search returns records with basic filters for the global read path.
func (r *Repository) Search(ctx context.Context, studentKey, day string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + recordCols + ` FROM attendance`
	args := []any{}
	clauses := []string{}
	if studentKey != "" {
		clauses = append(clauses, "student_key = $"+itoa(len(args)+1))
		args = append(args, studentKey)
	}
	if day != "" {
		clauses = append(clauses, "scan_day = $"+itoa(len(args)+1)+"::date")
		args = append(args, day)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY scan_time DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)

	return r.list(ctx, query, args...)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
