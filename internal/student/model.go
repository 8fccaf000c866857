package student

import "time"

// Student is the canonical identity a scan payload resolves to. Key is the
// stable duplicate-detection identifier: the lowercased email when one is
// known, else the student ID.
type Student struct {
	Key         string    `json:"student_key"`
	Email       string    `json:"email,omitempty"`
	StudentID   string    `json:"student_id,omitempty"`
	FullName    string    `json:"full_name,omitempty"`
	College     string    `json:"college,omitempty"`
	Major       string    `json:"major,omitempty"`
	Grade       string    `json:"grade,omitempty"`
	AutoCreated bool      `json:"auto_created"`
	CreatedAt   time.Time `json:"created_at"`
}
