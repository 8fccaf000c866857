package student

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by direct key lookups.
var ErrNotFound = errors.New("student not found")

// Repository persists students in Postgres. Lookups cover two directories:
// the canonical students table and the legacy users table kept from the old
// admin application, in that order. Only the students table is written.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const studentCols = `student_key, COALESCE(email,''), COALESCE(student_id,''), COALESCE(full_name,''),
	COALESCE(college,''), COALESCE(major,''), COALESCE(grade,''), auto_created, created_at`

func scanStudent(row *sql.Row) (*Student, error) {
	var s Student
	err := row.Scan(&s.Key, &s.Email, &s.StudentID, &s.FullName, &s.College, &s.Major, &s.Grade, &s.AutoCreated, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Get returns the student with the given key.
func (r *Repository) Get(ctx context.Context, key string) (*Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx, `
		SELECT `+studentCols+` FROM students WHERE student_key = $1
	`, key))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

// FindByEmail searches both directories case-insensitively.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx, `
		SELECT `+studentCols+` FROM students WHERE LOWER(email) = LOWER($1)
	`, email))
	if err != nil || s != nil {
		return s, err
	}
	return r.legacyLookup(ctx, `LOWER(email) = LOWER($1)`, email)
}

// FindByStudentID searches both directories by literal student ID.
func (r *Repository) FindByStudentID(ctx context.Context, studentID string) (*Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx, `
		SELECT `+studentCols+` FROM students WHERE student_id = $1
	`, studentID))
	if err != nil || s != nil {
		return s, err
	}
	return r.legacyLookup(ctx, `student_id = $1`, studentID)
}

// FindByName searches both directories by exact full name.
func (r *Repository) FindByName(ctx context.Context, fullName string) (*Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx, `
		SELECT `+studentCols+` FROM students WHERE full_name = $1
	`, fullName))
	if err != nil || s != nil {
		return s, err
	}
	return r.legacyLookup(ctx, `full_name = $1`, fullName)
}

// legacyLookup maps a matching legacy user row onto a Student. The key is
// derived the same way the resolver derives it, so a student seen through
// either directory dedups identically.
func (r *Repository) legacyLookup(ctx context.Context, where, arg string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(email,''), COALESCE(full_name,''), COALESCE(student_id,''), created_at
		FROM users WHERE role = 'student' AND `+where+`
	`, arg)
	var id, email, name, studentID string
	var createdAt time.Time
	if err := row.Scan(&id, &email, &name, &studentID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s := &Student{
		Email:     strings.ToLower(email),
		StudentID: studentID,
		FullName:  name,
		CreatedAt: createdAt,
	}
	switch {
	case s.Email != "":
		s.Key = s.Email
	case s.StudentID != "":
		s.Key = s.StudentID
	default:
		s.Key = id
	}
	return s, nil
}

// Create inserts a new student. Racing auto-registrations of the same badge
// collapse onto the first row via ON CONFLICT.
func (r *Repository) Create(ctx context.Context, s *Student) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (student_key, email, student_id, full_name, college, major, grade, auto_created, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (student_key) DO NOTHING
	`, s.Key, s.Email, s.StudentID, s.FullName, s.College, s.Major, s.Grade, s.AutoCreated, s.CreatedAt)
	return err
}
