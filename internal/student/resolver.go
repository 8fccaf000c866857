package student

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedPayload means the scanned payload is neither a JSON object
// with identity fields nor a plausible bare token. Permanent for the input.
var ErrMalformedPayload = errors.New("malformed qr payload")

// Directory is the lookup/create surface the resolver needs. The Postgres
// implementation searches the canonical students table first and the legacy
// users directory second.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*Student, error)
	FindByStudentID(ctx context.Context, studentID string) (*Student, error)
	FindByName(ctx context.Context, fullName string) (*Student, error)
	Create(ctx context.Context, s *Student) error
}

// Resolver maps opaque QR payloads to canonical students, auto-registering
// a placeholder when nobody matches. Auto-registration trades registration
// control for availability: an unknown badge still gets scanned through.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver over a directory.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// payload is the JSON shape printed inside student QR badges. Older badges
// carry only a subset of fields, or a bare email/ID string.
type payload struct {
	Email     string `json:"email"`
	StudentID string `json:"studentId"`
	FullName  string `json:"fullName"`
	Name      string `json:"name"`
	College   string `json:"college"`
	Major     string `json:"major"`
	Grade     string `json:"grade"`
}

var (
	emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	tokenShape = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Resolve identifies the student behind a raw payload. Priority is email,
// then student ID, then full name; the same payload always yields the same
// student key once a record exists.
func (r *Resolver) Resolve(ctx context.Context, rawPayload string) (*Student, error) {
	p, err := parsePayload(rawPayload)
	if err != nil {
		return nil, err
	}

	if p.Email != "" {
		s, err := r.dir.FindByEmail(ctx, strings.ToLower(p.Email))
		if err != nil {
			return nil, fmt.Errorf("lookup by email: %w", err)
		}
		if s != nil {
			return s, nil
		}
	}
	if p.StudentID != "" {
		s, err := r.dir.FindByStudentID(ctx, p.StudentID)
		if err != nil {
			return nil, fmt.Errorf("lookup by student id: %w", err)
		}
		if s != nil {
			return s, nil
		}
	}
	if name := p.name(); name != "" {
		s, err := r.dir.FindByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("lookup by name: %w", err)
		}
		if s != nil {
			return s, nil
		}
	}

	return r.register(ctx, p)
}

// register synthesizes a placeholder student from whatever the payload
// carried and persists it flagged auto_created.
func (r *Resolver) register(ctx context.Context, p payload) (*Student, error) {
	s := &Student{
		Email:       strings.ToLower(p.Email),
		StudentID:   p.StudentID,
		FullName:    p.name(),
		College:     p.College,
		Major:       p.Major,
		Grade:       p.Grade,
		AutoCreated: true,
		CreatedAt:   time.Now().UTC(),
	}
	if s.StudentID == "" {
		s.StudentID = "AUTO-" + uuid.NewString()[:8]
	}
	if s.Email != "" {
		s.Key = s.Email
	} else {
		s.Key = s.StudentID
	}
	if err := r.dir.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("auto-register student: %w", err)
	}
	return s, nil
}

func (p payload) name() string {
	if p.FullName != "" {
		return p.FullName
	}
	return p.Name
}

// parsePayload accepts either a JSON object or a bare token. A bare token
// that looks like an email is an email; any other plausible token is a
// literal student ID.
func parsePayload(raw string) (payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return payload{}, ErrMalformedPayload
	}

	if strings.HasPrefix(raw, "{") {
		var p payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return payload{}, ErrMalformedPayload
		}
		if p.Email == "" && p.StudentID == "" && p.name() == "" {
			return payload{}, ErrMalformedPayload
		}
		return p, nil
	}

	if emailShape.MatchString(raw) {
		return payload{Email: raw}, nil
	}
	if tokenShape.MatchString(raw) {
		return payload{StudentID: raw}, nil
	}
	return payload{}, ErrMalformedPayload
}
