// Package handler wires the HTTP surface to the scan admission core.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"busattend/internal/auth"
	"busattend/internal/metrics"
	"busattend/internal/qrsvc"
	"busattend/internal/queue"
	"busattend/internal/ratelimit"
	"busattend/internal/scan"
	"busattend/internal/shift"
	"busattend/internal/student"
)

// Resolver identifies the student behind a raw QR payload.
type Resolver interface {
	Resolve(ctx context.Context, rawPayload string) (*student.Student, error)
}

// Guard decides whether a scan is recorded.
type Guard interface {
	Admit(ctx context.Context, studentKey, shiftID, supervisorID string, scanTime time.Time, location, notes string) (scan.Record, error)
}

// RecordReader is the attendance read path.
type RecordReader interface {
	ListByShift(ctx context.Context, shiftID string) ([]scan.Record, error)
	CountByShift(ctx context.Context, shiftID string) (int, error)
	Search(ctx context.Context, studentKey, day string, limit, offset int) ([]scan.Record, error)
}

// StudentReader looks up canonical students.
type StudentReader interface {
	Get(ctx context.Context, key string) (*student.Student, error)
}

// SupervisorStore persists supervisor accounts and refresh tokens.
type SupervisorStore interface {
	Upsert(ctx context.Context, supervisorID, email string) error
	SaveRefreshToken(ctx context.Context, supervisorID, token string, expiresAt time.Time) error
}

// TokenConfig carries what registration needs to issue JWTs.
type TokenConfig struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Handler holds the request-scoped collaborators. Everything is injected;
// there are no package-level singletons.
type Handler struct {
	shifts   *shift.Service
	resolver Resolver
	guard    Guard
	records  RecordReader
	students StudentReader
	supers   SupervisorStore
	limiter  *ratelimit.ScanLimiter
	queue    queue.Queue
	qr       *qrsvc.Client
	metrics  metrics.Recorder
	tokens   TokenConfig
}

// New creates a handler.
func New(shifts *shift.Service, resolver Resolver, guard Guard, records RecordReader,
	students StudentReader, supers SupervisorStore, limiter *ratelimit.ScanLimiter,
	q queue.Queue, qr *qrsvc.Client, rec metrics.Recorder, tokens TokenConfig) *Handler {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Handler{
		shifts:   shifts,
		resolver: resolver,
		guard:    guard,
		records:  records,
		students: students,
		supers:   supers,
		limiter:  limiter,
		queue:    q,
		qr:       qr,
		metrics:  rec,
		tokens:   tokens,
	}
}

// RegisterSupervisor upserts the account and issues a token pair.
func (h *Handler) RegisterSupervisor(c *gin.Context) {
	var req struct {
		SupervisorID string `json:"supervisor_id" binding:"required"`
		Email        string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if err := h.supers.Upsert(c.Request.Context(), req.SupervisorID, req.Email); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "registration failed"})
		return
	}

	tokens, err := auth.Issue(req.SupervisorID, "supervisor", h.tokens.Issuer, h.tokens.SigningKey, h.tokens.AccessTTL, h.tokens.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "token issue failed"})
		return
	}
	_ = h.supers.SaveRefreshToken(c.Request.Context(), req.SupervisorID, tokens.RefreshToken, tokens.RefreshExp)

	c.JSON(http.StatusCreated, gin.H{
		"success":       true,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// OpenShift starts a new shift for the supervisor.
func (h *Handler) OpenShift(c *gin.Context) {
	var req struct {
		SupervisorID    string `json:"supervisorId" binding:"required"`
		SupervisorEmail string `json:"supervisorEmail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if !h.actorMatches(c, req.SupervisorID) {
		return
	}

	// Keep the supervisor record current; opening the shift does not
	// depend on it.
	_ = h.supers.Upsert(c.Request.Context(), req.SupervisorID, req.SupervisorEmail)

	sh, err := h.shifts.Open(c.Request.Context(), req.SupervisorID)
	if err != nil {
		if errors.Is(err, shift.ErrConflict) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "supervisor already has an open shift"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "shift": sh})
}

// CloseShift transitions a shift to closed.
func (h *Handler) CloseShift(c *gin.Context) {
	var req struct {
		ShiftID      string `json:"shiftId" binding:"required"`
		SupervisorID string `json:"supervisorId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if !h.actorMatches(c, req.SupervisorID) {
		return
	}

	if err := h.shifts.CloseShift(c.Request.Context(), req.ShiftID, req.SupervisorID); err != nil {
		if errors.Is(err, shift.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "open shift not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Scan runs the full admission path: rate limit, shift check, payload
// resolution, guard decision, then a best-effort queue publish for the
// shift counter.
func (h *Handler) Scan(c *gin.Context) {
	started := time.Now()
	var req struct {
		ShiftID      string `json:"shiftId" binding:"required"`
		QRCodeData   string `json:"qrCodeData" binding:"required"`
		SupervisorID string `json:"supervisorId" binding:"required"`
		Location     string `json:"location"`
		Notes        string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordScan(metrics.OutcomeMalformed, time.Since(started))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if !h.actorMatches(c, req.SupervisorID) {
		return
	}

	if !h.limiter.Admit(req.SupervisorID, started) {
		h.metrics.RecordScan(metrics.OutcomeRateLimited, time.Since(started))
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "scanning too fast, slow down"})
		return
	}

	sh, err := h.shifts.RequireOpen(c.Request.Context(), req.ShiftID)
	if err != nil {
		if errors.Is(err, shift.ErrNotOpen) {
			h.metrics.RecordScan(metrics.OutcomeShiftClosed, time.Since(started))
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "shift is not open"})
			return
		}
		h.metrics.RecordScan(metrics.OutcomeError, time.Since(started))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	st, err := h.resolver.Resolve(c.Request.Context(), req.QRCodeData)
	if err != nil {
		if errors.Is(err, student.ErrMalformedPayload) {
			h.metrics.RecordScan(metrics.OutcomeMalformed, time.Since(started))
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable QR payload"})
			return
		}
		h.metrics.RecordScan(metrics.OutcomeError, time.Since(started))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if st.AutoCreated && time.Since(st.CreatedAt) < time.Minute {
		h.metrics.RecordAutoRegistration()
	}

	rec, err := h.guard.Admit(c.Request.Context(), st.Key, sh.ID, req.SupervisorID, started, req.Location, req.Notes)
	if err != nil {
		var dup *scan.DuplicateError
		if errors.As(err, &dup) {
			h.metrics.RecordScan(metrics.OutcomeDuplicate, time.Since(started))
			c.JSON(http.StatusConflict, gin.H{
				"success":        false,
				"isDuplicate":    true,
				"existingRecord": dup.Existing,
				"student":        st,
			})
			return
		}
		h.metrics.RecordScan(metrics.OutcomeError, time.Since(started))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	if h.queue != nil {
		msg := queue.NewScanMessage(queue.ScanEvent{RecordID: rec.ID, ShiftID: rec.ShiftID})
		if err := h.queue.Publish(c.Request.Context(), msg); err != nil {
			log.Printf("queue publish failed for record %s: %v", rec.ID, err)
		}
	}

	h.metrics.RecordScan(metrics.OutcomeAdmitted, time.Since(started))
	c.JSON(http.StatusOK, gin.H{"success": true, "record": rec, "student": st})
}

// GetShift returns a shift plus its derived attendance view.
func (h *Handler) GetShift(c *gin.Context) {
	id := c.Param("id")
	sh, err := h.shifts.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, shift.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "shift not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	records, err := h.records.ListByShift(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	count, err := h.records.CountByShift(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"shift":      sh,
		"records":    records,
		"scan_count": count,
	})
}

// ListAttendance is the global attendance search.
func (h *Handler) ListAttendance(c *gin.Context) {
	limit, offset := intQuery(c, "limit", 50), intQuery(c, "offset", 0)
	records, err := h.records.Search(c.Request.Context(), c.Query("studentKey"), c.Query("day"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "records": records})
}

// GetStudent returns a canonical student record.
func (h *Handler) GetStudent(c *gin.Context) {
	st, err := h.students.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, student.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "student not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "student": st})
}

// StudentQR renders the student's QR badge via the external QR service.
func (h *Handler) StudentQR(c *gin.Context) {
	st, err := h.students.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, student.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "student not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"email":     st.Email,
		"studentId": st.StudentID,
		"fullName":  st.FullName,
	})
	img, err := h.qr.Render(c.Request.Context(), string(payload))
	if err != nil {
		log.Printf("qr render failed for %s: %v", st.Key, err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "qr rendering failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", img)
}

// actorMatches rejects requests whose token subject differs from the
// supervisor named in the body. Requests without claims (tests, open
// routes) pass through.
func (h *Handler) actorMatches(c *gin.Context, supervisorID string) bool {
	claimsAny, ok := c.Get("claims")
	if !ok {
		return true
	}
	claims, _ := claimsAny.(auth.Claims)
	if claims.Subject != "" && claims.Subject != supervisorID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "supervisor mismatch"})
		return false
	}
	return true
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
