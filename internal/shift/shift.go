// Package shift manages supervisor attendance-taking sessions.
package shift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Shift statuses. A shift never reopens; a new session is a new shift.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

var (
	// ErrConflict means the supervisor already has an open shift.
	ErrConflict = errors.New("supervisor already has an open shift")
	// ErrNotFound means no matching open shift exists for the close request.
	ErrNotFound = errors.New("open shift not found")
	// ErrNotOpen means the shift referenced by a scan is closed or missing.
	ErrNotOpen = errors.New("shift is not open")
)

// Shift is one supervisor session. TotalScans is a denormalized counter
// maintained by the worker; the authoritative count comes from querying the
// attendance table by shift id.
type Shift struct {
	ID           string     `json:"id"`
	SupervisorID string     `json:"supervisor_id"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	TotalScans   int        `json:"total_scans"`
}

// Store is the persistence surface the service needs. InsertOpen must be
// backed by a storage-level constraint allowing one open shift per
// supervisor; ok=false means that constraint fired.
type Store interface {
	InsertOpen(ctx context.Context, s Shift) (Shift, bool, error)
	Close(ctx context.Context, shiftID, supervisorID string, closedAt time.Time) (bool, error)
	Get(ctx context.Context, id string) (*Shift, error)
}

// Service handles the open/close lifecycle.
type Service struct {
	store Store
}

// NewService creates a service backed by a store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Open starts a new shift, failing with ErrConflict if the supervisor
// already has one open.
func (s *Service) Open(ctx context.Context, supervisorID string) (Shift, error) {
	if supervisorID == "" {
		return Shift{}, errors.New("supervisor id required")
	}
	sh := Shift{
		ID:           uuid.NewString(),
		SupervisorID: supervisorID,
		Status:       StatusOpen,
		StartedAt:    time.Now().UTC(),
	}
	created, ok, err := s.store.InsertOpen(ctx, sh)
	if err != nil {
		return Shift{}, fmt.Errorf("open shift: %w", err)
	}
	if !ok {
		return Shift{}, ErrConflict
	}
	return created, nil
}

// CloseShift transitions open -> closed for the (shift, supervisor) pair,
// failing with ErrNotFound when no such open shift exists.
func (s *Service) CloseShift(ctx context.Context, shiftID, supervisorID string) error {
	if shiftID == "" || supervisorID == "" {
		return errors.New("shift and supervisor required")
	}
	closed, err := s.store.Close(ctx, shiftID, supervisorID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("close shift: %w", err)
	}
	if !closed {
		return ErrNotFound
	}
	return nil
}

// Get returns a shift by id, ErrNotFound when missing.
func (s *Service) Get(ctx context.Context, id string) (Shift, error) {
	sh, err := s.store.Get(ctx, id)
	if err != nil {
		return Shift{}, err
	}
	if sh == nil {
		return Shift{}, ErrNotFound
	}
	return *sh, nil
}

// RequireOpen returns the shift if it exists and is open, ErrNotOpen
// otherwise. Scans against stale shift ids land here.
func (s *Service) RequireOpen(ctx context.Context, id string) (Shift, error) {
	sh, err := s.store.Get(ctx, id)
	if err != nil {
		return Shift{}, err
	}
	if sh == nil || sh.Status != StatusOpen {
		return Shift{}, ErrNotOpen
	}
	return *sh, nil
}
