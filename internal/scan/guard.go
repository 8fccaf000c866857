package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordStore is the persistence surface the guard needs. InsertUnique must
// be backed by a storage-level uniqueness constraint on
// (student_key, scan_day); inserted=false means that constraint fired.
type RecordStore interface {
	FindByStudentDay(ctx context.Context, studentKey, day string) (*Record, error)
	InsertUnique(ctx context.Context, rec Record) (Record, bool, error)
}

// Guard decides whether a scan may be recorded. Concurrent attempts on the
// same student key are serialized in-process, but that only keeps one
// process polite: the store's unique index is the authority, so the
// decision stays correct across replicas.
type Guard struct {
	records RecordStore
	loc     *time.Location

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// NewGuard creates a guard using loc as the calendar-day reference timezone.
func NewGuard(records RecordStore, loc *time.Location) *Guard {
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{records: records, loc: loc, locks: make(map[string]*keyLock)}
}

// Admit records the scan unless the student already has one today. Returns
// *DuplicateError with the winning record on rejection.
func (g *Guard) Admit(ctx context.Context, studentKey, shiftID, supervisorID string, scanTime time.Time, location, notes string) (Record, error) {
	day := Day(scanTime, g.loc)

	unlock := g.lock(studentKey)
	defer unlock()

	// Fast-path rejection only; the insert below is what actually decides.
	// One retry on the read side: a retried scan is harmless because this
	// check is idempotent.
	existing, err := g.records.FindByStudentDay(ctx, studentKey, day)
	if err != nil {
		existing, err = g.records.FindByStudentDay(ctx, studentKey, day)
	}
	if err != nil {
		return Record{}, fmt.Errorf("duplicate check: %w", err)
	}
	if existing != nil {
		return Record{}, &DuplicateError{Existing: *existing}
	}

	rec := Record{
		ID:           uuid.NewString(),
		StudentKey:   studentKey,
		ShiftID:      shiftID,
		SupervisorID: supervisorID,
		ScanDay:      day,
		ScanTime:     scanTime.UTC(),
		Location:     location,
		Notes:        notes,
	}
	inserted, ok, err := g.records.InsertUnique(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("insert attendance: %w", err)
	}
	if !ok {
		// Lost the race to a concurrent writer, possibly in another
		// process. Surface the winner.
		winner, err := g.records.FindByStudentDay(ctx, studentKey, day)
		if err != nil {
			return Record{}, fmt.Errorf("fetch winning record: %w", err)
		}
		if winner == nil {
			return Record{}, fmt.Errorf("insert conflicted but no record found for %s on %s", studentKey, day)
		}
		return Record{}, &DuplicateError{Existing: *winner}
	}
	return inserted, nil
}

// lock takes the per-key mutex, creating it on first use and dropping it
// when the last holder releases.
func (g *Guard) lock(key string) func() {
	g.mu.Lock()
	kl, ok := g.locks[key]
	if !ok {
		kl = &keyLock{}
		g.locks[key] = kl
	}
	kl.refs++
	g.mu.Unlock()

	kl.Lock()
	return func() {
		kl.Unlock()
		g.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}
