package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"busattend/internal/metrics"
	"busattend/internal/qrsvc"
	"busattend/internal/queue"
	"busattend/internal/ratelimit"
	"busattend/internal/scan"
	"busattend/internal/shift"
	"busattend/internal/student"
)

// ---------- fakes ----------

type memShiftStore struct {
	mu     sync.Mutex
	shifts map[string]*shift.Shift
}

func (m *memShiftStore) InsertOpen(_ context.Context, s shift.Shift) (shift.Shift, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.shifts {
		if ex.SupervisorID == s.SupervisorID && ex.Status == shift.StatusOpen {
			return shift.Shift{}, false, nil
		}
	}
	cp := s
	m.shifts[s.ID] = &cp
	return s, true, nil
}

func (m *memShiftStore) Close(_ context.Context, shiftID, supervisorID string, closedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shifts[shiftID]
	if !ok || s.SupervisorID != supervisorID || s.Status != shift.StatusOpen {
		return false, nil
	}
	s.Status = shift.StatusClosed
	s.ClosedAt = &closedAt
	return true, nil
}

func (m *memShiftStore) Get(_ context.Context, id string) (*shift.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shifts[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// memRecords backs both the guard and the read path, enforcing the
// (student, day) uniqueness under a mutex like the real unique index.
type memRecords struct {
	mu    sync.Mutex
	byKey map[string]scan.Record
}

func newMemRecords() *memRecords {
	return &memRecords{byKey: make(map[string]scan.Record)}
}

func (m *memRecords) FindByStudentDay(_ context.Context, studentKey, day string) (*scan.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byKey[studentKey+"|"+day]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memRecords) InsertUnique(_ context.Context, rec scan.Record) (scan.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.StudentKey + "|" + rec.ScanDay
	if _, ok := m.byKey[key]; ok {
		return scan.Record{}, false, nil
	}
	rec.CreatedAt = time.Now().UTC()
	m.byKey[key] = rec
	return rec, true, nil
}

func (m *memRecords) ListByShift(_ context.Context, shiftID string) ([]scan.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []scan.Record
	for _, rec := range m.byKey {
		if rec.ShiftID == shiftID {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (m *memRecords) CountByShift(ctx context.Context, shiftID string) (int, error) {
	recs, _ := m.ListByShift(ctx, shiftID)
	return len(recs), nil
}

func (m *memRecords) Search(_ context.Context, studentKey, day string, limit, offset int) ([]scan.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []scan.Record
	for _, rec := range m.byKey {
		if studentKey != "" && rec.StudentKey != studentKey {
			continue
		}
		if day != "" && rec.ScanDay != day {
			continue
		}
		res = append(res, rec)
	}
	return res, nil
}

type memDirectory struct {
	mu       sync.Mutex
	students map[string]*student.Student
}

func newMemDirectory() *memDirectory {
	return &memDirectory{students: make(map[string]*student.Student)}
}

func (d *memDirectory) find(match func(*student.Student) bool) *student.Student {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.students {
		if match(s) {
			return s
		}
	}
	return nil
}

func (d *memDirectory) FindByEmail(_ context.Context, email string) (*student.Student, error) {
	return d.find(func(s *student.Student) bool { return s.Email != "" && strings.EqualFold(s.Email, email) }), nil
}

func (d *memDirectory) FindByStudentID(_ context.Context, id string) (*student.Student, error) {
	return d.find(func(s *student.Student) bool { return s.StudentID == id }), nil
}

func (d *memDirectory) FindByName(_ context.Context, name string) (*student.Student, error) {
	return d.find(func(s *student.Student) bool { return s.FullName == name }), nil
}

func (d *memDirectory) Create(_ context.Context, s *student.Student) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.students[s.Key]; !ok {
		d.students[s.Key] = s
	}
	return nil
}

func (d *memDirectory) Get(_ context.Context, key string) (*student.Student, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.students[key]; ok {
		return s, nil
	}
	return nil, student.ErrNotFound
}

type memSupervisors struct{}

func (memSupervisors) Upsert(context.Context, string, string) error { return nil }
func (memSupervisors) SaveRefreshToken(context.Context, string, string, time.Time) error {
	return nil
}

// ---------- harness ----------

type testEnv struct {
	router  *gin.Engine
	records *memRecords
}

func newTestEnv(t *testing.T, scanBurst int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	records := newMemRecords()
	dir := newMemDirectory()
	limiter := ratelimit.NewScanLimiter(scanBurst, time.Second, 0)
	t.Cleanup(limiter.Stop)

	h := New(
		shift.NewService(&memShiftStore{shifts: make(map[string]*shift.Shift)}),
		student.NewResolver(dir),
		scan.NewGuard(records, time.UTC),
		records,
		dir,
		memSupervisors{},
		limiter,
		queue.NewInMemory(64),
		qrsvc.New("", true),
		metrics.Nop{},
		TokenConfig{Issuer: "test", SigningKey: "test-key", AccessTTL: time.Minute, RefreshTTL: time.Hour},
	)

	r := gin.New()
	r.POST("/supervisors/register", h.RegisterSupervisor)
	r.POST("/shifts", h.OpenShift)
	r.POST("/shifts/close", h.CloseShift)
	r.POST("/shifts/scan", h.Scan)
	r.GET("/shifts/:id", h.GetShift)
	r.GET("/attendance", h.ListAttendance)
	r.GET("/students/:key", h.GetStudent)
	r.GET("/students/:key/qr", h.StudentQR)

	return &testEnv{router: r, records: records}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var parsed map[string]json.RawMessage
	if ct := w.Header().Get("Content-Type"); strings.Contains(ct, "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	}
	return w, parsed
}

func (e *testEnv) openShift(t *testing.T, supervisorID string) string {
	t.Helper()
	w, body := e.do(t, http.MethodPost, "/shifts", gin.H{"supervisorId": supervisorID})
	if w.Code != http.StatusCreated {
		t.Fatalf("open shift: status %d body %s", w.Code, w.Body.String())
	}
	var sh shift.Shift
	if err := json.Unmarshal(body["shift"], &sh); err != nil {
		t.Fatalf("decode shift: %v", err)
	}
	return sh.ID
}

// ---------- scenarios ----------

func TestScanHappyPath(t *testing.T) {
	env := newTestEnv(t, 100)
	shiftID := env.openShift(t, "sup-a")

	w, body := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
		"shiftId":      shiftID,
		"supervisorId": "sup-a",
		"qrCodeData":   `{"email":"ahmed@x.edu","studentId":"S1"}`,
		"location":     "gate A",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("scan: status %d body %s", w.Code, w.Body.String())
	}

	var rec scan.Record
	if err := json.Unmarshal(body["record"], &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.StudentKey != "ahmed@x.edu" {
		t.Fatalf("student key = %q", rec.StudentKey)
	}

	// Shift detail shows the derived view with one scan.
	w, body = env.do(t, http.MethodGet, "/shifts/"+shiftID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("shift detail: %d", w.Code)
	}
	var count int
	_ = json.Unmarshal(body["scan_count"], &count)
	if count != 1 {
		t.Fatalf("scan_count = %d", count)
	}
}

func TestScanDuplicateAcrossShifts(t *testing.T) {
	env := newTestEnv(t, 100)
	shiftA := env.openShift(t, "sup-a")
	shiftB := env.openShift(t, "sup-b")

	payload := `{"email":"ahmed@x.edu","studentId":"S1"}`
	w, _ := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
		"shiftId": shiftA, "supervisorId": "sup-a", "qrCodeData": payload,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("first scan: %d", w.Code)
	}

	// A different supervisor on a different shift, same day.
	w, body := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
		"shiftId": shiftB, "supervisorId": "sup-b", "qrCodeData": payload,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate scan: status %d body %s", w.Code, w.Body.String())
	}
	var isDup bool
	_ = json.Unmarshal(body["isDuplicate"], &isDup)
	if !isDup {
		t.Fatal("response should flag isDuplicate")
	}
	var existing scan.Record
	if err := json.Unmarshal(body["existingRecord"], &existing); err != nil {
		t.Fatalf("decode existingRecord: %v", err)
	}
	if existing.SupervisorID != "sup-a" {
		t.Fatalf("existing record supervisor = %q", existing.SupervisorID)
	}
}

func TestScanMalformedPayload(t *testing.T) {
	env := newTestEnv(t, 100)
	shiftID := env.openShift(t, "sup-a")

	w, _ := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
		"shiftId": shiftID, "supervisorId": "sup-a", "qrCodeData": "!!!not-json-or-email",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload: status %d", w.Code)
	}
}

func TestScanShiftNotOpen(t *testing.T) {
	env := newTestEnv(t, 100)
	shiftID := env.openShift(t, "sup-a")
	if w, _ := env.do(t, http.MethodPost, "/shifts/close", gin.H{"shiftId": shiftID, "supervisorId": "sup-a"}); w.Code != http.StatusOK {
		t.Fatalf("close: %d", w.Code)
	}

	w, _ := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
		"shiftId": shiftID, "supervisorId": "sup-a", "qrCodeData": "S1",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("scan on closed shift: status %d", w.Code)
	}
}

func TestScanRateLimited(t *testing.T) {
	env := newTestEnv(t, 2)
	shiftID := env.openShift(t, "sup-a")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w, _ := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
			"shiftId": shiftID, "supervisorId": "sup-a", "qrCodeData": "S" + string(rune('1'+i)),
		})
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("first two scans should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third scan should be rate limited, got %v", codes)
	}
}

func TestScanConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t, 100)
	shiftID := env.openShift(t, "sup-a")

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, dup := 0, 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, _ := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
				"shiftId": shiftID, "supervisorId": "sup-a", "qrCodeData": `{"studentId":"RACE1"}`,
			})
			mu.Lock()
			defer mu.Unlock()
			switch w.Code {
			case http.StatusOK:
				ok++
			case http.StatusConflict:
				dup++
			default:
				t.Errorf("unexpected status %d: %s", w.Code, w.Body.String())
			}
		}()
	}
	wg.Wait()

	if ok != 1 || dup != n-1 {
		t.Fatalf("ok=%d dup=%d, want 1 and %d", ok, dup, n-1)
	}
	env.records.mu.Lock()
	defer env.records.mu.Unlock()
	if len(env.records.byKey) != 1 {
		t.Fatalf("exactly one persisted record expected, got %d", len(env.records.byKey))
	}
}

func TestOpenShiftConflict(t *testing.T) {
	env := newTestEnv(t, 100)
	env.openShift(t, "sup-a")

	w, _ := env.do(t, http.MethodPost, "/shifts", gin.H{"supervisorId": "sup-a"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("second open shift: status %d", w.Code)
	}
}

func TestCloseShiftWrongSupervisor(t *testing.T) {
	env := newTestEnv(t, 100)
	shiftID := env.openShift(t, "sup-a")

	w, _ := env.do(t, http.MethodPost, "/shifts/close", gin.H{"shiftId": shiftID, "supervisorId": "sup-b"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("close by wrong supervisor: status %d", w.Code)
	}
}

func TestRegisterSupervisorIssuesTokens(t *testing.T) {
	env := newTestEnv(t, 100)
	w, body := env.do(t, http.MethodPost, "/supervisors/register", gin.H{
		"supervisor_id": "sup-a", "email": "sup@x.edu",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}
	var token string
	_ = json.Unmarshal(body["access_token"], &token)
	if token == "" {
		t.Fatal("expected an access token")
	}
}

func TestStudentEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)
	shiftID := env.openShift(t, "sup-a")

	// Auto-register via a scan, then read the student back.
	if w, _ := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
		"shiftId": shiftID, "supervisorId": "sup-a", "qrCodeData": `{"email":"lina@x.edu"}`,
	}); w.Code != http.StatusOK {
		t.Fatalf("scan: %d", w.Code)
	}

	w, body := env.do(t, http.MethodGet, "/students/lina@x.edu", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get student: %d", w.Code)
	}
	var st student.Student
	if err := json.Unmarshal(body["student"], &st); err != nil {
		t.Fatalf("decode student: %v", err)
	}
	if !st.AutoCreated {
		t.Fatal("walk-up student should be flagged auto_created")
	}

	w, _ = env.do(t, http.MethodGet, "/students/lina@x.edu/qr", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("qr badge: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("qr content type = %q", ct)
	}

	if w, _ := env.do(t, http.MethodGet, "/students/nobody/qr", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown student: %d", w.Code)
	}
}

func TestAttendanceSearch(t *testing.T) {
	env := newTestEnv(t, 100)
	shiftID := env.openShift(t, "sup-a")
	for _, payload := range []string{"S1", "S2", "S3"} {
		if w, _ := env.do(t, http.MethodPost, "/shifts/scan", gin.H{
			"shiftId": shiftID, "supervisorId": "sup-a", "qrCodeData": payload,
		}); w.Code != http.StatusOK {
			t.Fatalf("scan %s: %d", payload, w.Code)
		}
	}

	w, body := env.do(t, http.MethodGet, "/attendance?studentKey=S2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search: %d", w.Code)
	}
	var recs []scan.Record
	if err := json.Unmarshal(body["records"], &recs); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(recs) != 1 || recs[0].StudentKey != "S2" {
		t.Fatalf("unexpected search result: %+v", recs)
	}
}
