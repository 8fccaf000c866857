// Package scan implements the attendance admission path: at most one
// accepted scan per student per calendar day.
package scan

import (
	"fmt"
	"time"
)

// Record is one accepted scan. Append-only; rows are never mutated by this
// service.
type Record struct {
	ID           string    `json:"id"`
	StudentKey   string    `json:"student_key"`
	ShiftID      string    `json:"shift_id"`
	SupervisorID string    `json:"supervisor_id"`
	ScanDay      string    `json:"scan_day"`
	ScanTime     time.Time `json:"scan_time"`
	Location     string    `json:"location,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DuplicateError reports that the student was already scanned today. It
// carries the winning record so the operator can see who scanned first and
// when. Terminal for the calendar day.
type DuplicateError struct {
	Existing Record
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("student %s already scanned today at %s by %s",
		e.Existing.StudentKey, e.Existing.ScanTime.Format(time.RFC3339), e.Existing.SupervisorID)
}

// Day formats an instant as the calendar day in the reference timezone.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
