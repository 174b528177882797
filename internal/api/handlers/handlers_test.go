package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/httprint/internal/archive"
	"github.com/orrn/httprint/internal/core"
	"github.com/orrn/httprint/internal/db"
	"github.com/orrn/httprint/internal/webhook"
)

type fakeSpooler struct {
	submitJob core.Job
	submitErr error
	submitted bool
	gotName   string
	gotCopies int
	gotBody   string

	confirmJob core.Job
	confirmErr error
	gotCode    string

	jobs          []core.Job
	gotState      core.JobState
	redispatchJob core.Job
	redispatchErr error
}

func (f *fakeSpooler) Submit(_ context.Context, r io.Reader, name string, copies int) (core.Job, error) {
	f.submitted = true
	body, _ := io.ReadAll(r)
	f.gotBody, f.gotName, f.gotCopies = string(body), name, copies
	return f.submitJob, f.submitErr
}

func (f *fakeSpooler) Confirm(_ context.Context, code string) (core.Job, error) {
	f.gotCode = code
	return f.confirmJob, f.confirmErr
}

func (f *fakeSpooler) Job(id string) (core.Job, error) {
	for _, j := range f.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return core.Job{}, core.ErrJobNotFound
}

func (f *fakeSpooler) Jobs(state core.JobState) []core.Job {
	f.gotState = state
	return f.jobs
}

func (f *fakeSpooler) Stats() core.RegistryStats {
	return core.RegistryStats{Pending: 2, Done: 1, Total: 3}
}

func (f *fakeSpooler) Redispatch(_ context.Context, _ string) (core.Job, error) {
	return f.redispatchJob, f.redispatchErr
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newPrintRouter(f *fakeSpooler, maxUpload int64) *gin.Engine {
	r := gin.New()
	RegisterPrintRoutes(r.Group("/api"), NewPrintHandler(f, maxUpload))
	return r
}

func uploadRequest(t *testing.T, path, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(r *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, Envelope) {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var env Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func pendingJob() core.Job {
	return core.Job{ID: "job-1", State: core.StatePending, Code: "0042", Copies: 3}
}

func TestUpload_Gated(t *testing.T) {
	f := &fakeSpooler{submitJob: pendingJob()}
	r := newPrintRouter(f, 0)

	rec, env := serve(r, uploadRequest(t, "/api/upload", "report.pdf", []byte("%PDF-1.4"), map[string]string{"copies": "3"}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.Error)
	assert.Equal(t, "go to the printer and enter this code: 0042", env.Message)
	assert.Equal(t, "0042", env.Code)
	assert.Equal(t, "job-1", env.JobID)
	assert.Equal(t, "pending", env.State)

	assert.Equal(t, "report.pdf", f.gotName)
	assert.Equal(t, 3, f.gotCopies)
	assert.Equal(t, "%PDF-1.4", f.gotBody)
}

func TestUpload_Ungated(t *testing.T) {
	f := &fakeSpooler{submitJob: core.Job{ID: "job-2", State: core.StateDone, Copies: 1}}
	r := newPrintRouter(f, 0)

	rec, env := serve(r, uploadRequest(t, "/api/upload", "a.txt", []byte("hello"), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "file sent to printer", env.Message)
	assert.Equal(t, "done", env.State)
	assert.Empty(t, env.Code)
	assert.Equal(t, 1, f.gotCopies)
}

func TestUpload_NoFile(t *testing.T) {
	f := &fakeSpooler{}
	rec, env := serve(newPrintRouter(f, 0), uploadRequest(t, "/api/upload", "", nil, map[string]string{"copies": "1"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, env.Error)
	assert.Equal(t, "no file uploaded", env.Message)
	assert.False(t, f.submitted)
}

func TestUpload_InvalidCopies(t *testing.T) {
	for _, copies := range []string{"abc", "0", "-2", "1.5"} {
		t.Run(copies, func(t *testing.T) {
			f := &fakeSpooler{}
			rec, env := serve(newPrintRouter(f, 0),
				uploadRequest(t, "/api/upload", "a.pdf", []byte("x"), map[string]string{"copies": copies}))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.True(t, env.Error)
			assert.False(t, f.submitted)
		})
	}
}

func TestUpload_TooManyCopies(t *testing.T) {
	f := &fakeSpooler{submitErr: core.ErrTooManyCopies}
	rec, env := serve(newPrintRouter(f, 0),
		uploadRequest(t, "/api/upload", "a.pdf", []byte("x"), map[string]string{"copies": "99"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "you have asked too many copies", env.Message)
}

func TestUpload_BodyTooLarge(t *testing.T) {
	f := &fakeSpooler{}
	big := bytes.Repeat([]byte("x"), multipartOverhead+1024)
	rec, env := serve(newPrintRouter(f, 16), uploadRequest(t, "/api/upload", "big.pdf", big, nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.True(t, env.Error)
	assert.False(t, f.submitted)
}

func TestUpload_DispatchFailure(t *testing.T) {
	failed := core.Job{ID: "job-3", State: core.StateFailed}
	f := &fakeSpooler{
		submitJob: failed,
		submitErr: core.NewDispatchError(core.DispatchFailed, "lp: printer offline", nil),
	}
	rec, env := serve(newPrintRouter(f, 0), uploadRequest(t, "/api/upload", "a.pdf", []byte("x"), nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, env.Error)
	assert.Equal(t, "lp: printer offline", env.Message)
	assert.Equal(t, "job-3", env.JobID)
	assert.Equal(t, "failed", env.State)
}

func TestConfirm(t *testing.T) {
	done := core.Job{ID: "job-1", State: core.StateDone}
	tests := []struct {
		name    string
		job     core.Job
		err     error
		status  int
		message string
	}{
		{"printed", done, nil, http.StatusOK, "file sent to printer"},
		{"unknown code", core.Job{}, core.ErrNotFound, http.StatusNotFound, "no print job matches this code"},
		{"used code", core.Job{}, core.ErrAlreadyConsumed, http.StatusConflict, "confirmation code already used"},
		{"timeout", core.Job{ID: "job-1", State: core.StateFailed},
			core.NewDispatchError(core.DispatchTimeout, "printer did not answer within 30s", context.DeadlineExceeded),
			http.StatusGatewayTimeout, "printer did not answer within 30s"},
		{"no lp", core.Job{ID: "job-1", State: core.StateFailed},
			core.NewDispatchError(core.DispatchMechanismAbsent, "lp not found", nil),
			http.StatusBadGateway, "lp not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeSpooler{confirmJob: tt.job, confirmErr: tt.err}
			req := httptest.NewRequest(http.MethodPost, "/api/print/0042", nil)
			rec, env := serve(newPrintRouter(f, 0), req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.err != nil, env.Error)
			assert.Equal(t, tt.message, env.Message)
			assert.Equal(t, "0042", f.gotCode)
		})
	}
}

func TestVersionedRoutes(t *testing.T) {
	f := &fakeSpooler{submitJob: pendingJob(), confirmJob: core.Job{ID: "job-1", State: core.StateDone}}
	r := newPrintRouter(f, 0)

	rec, _ := serve(r, uploadRequest(t, "/api/v1.0/upload", "a.pdf", []byte("x"), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := serve(r, httptest.NewRequest(http.MethodPost, "/api/v1.0/print/0042", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "done", env.State)
}

func TestPrintRoutes_Guards(t *testing.T) {
	f := &fakeSpooler{}
	r := gin.New()
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusTooManyRequests) }
	RegisterPrintRoutes(r.Group("/api"), NewPrintHandler(f, 0), deny)

	rec, _ := serve(r, httptest.NewRequest(http.MethodPost, "/api/print/1234", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec, _ = serve(r, uploadRequest(t, "/api/upload", "a.pdf", []byte("x"), nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, f.gotCode)
	assert.False(t, f.submitted)
}

func TestParseCopies(t *testing.T) {
	n, err := ParseCopies("")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ParseCopies(" 4 ")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = ParseCopies("0")
	assert.ErrorIs(t, err, core.ErrInvalidCopies)
}

func TestErrFrom(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{core.NewStorageError(core.StorageInvalidName, "invalid file name", nil), http.StatusBadRequest},
		{core.NewStorageError(core.StorageEmpty, "empty file", nil), http.StatusBadRequest},
		{core.NewStorageError(core.StorageQuota, "file is larger than 4 bytes", core.ErrFileTooLarge), http.StatusRequestEntityTooLarge},
		{core.NewStorageError(core.StorageQuota, "print queue is full", nil), http.StatusInsufficientStorage},
		{core.NewStorageError(core.StorageIOFault, "cannot write uploaded file", errors.New("EIO")), http.StatusInternalServerError},
		{core.ErrTooManyPages, http.StatusBadRequest},
		{fmt.Errorf("register job: %w", core.ErrCodeSpaceExhausted), http.StatusServiceUnavailable},
		{core.ErrShuttingDown, http.StatusServiceUnavailable},
		{&core.TransitionError{JobID: "a", From: core.StateDone, To: core.StateDispatched}, http.StatusConflict},
		{core.ErrNotRedispatchable, http.StatusConflict},
		{core.ErrAlreadyRedispatched, http.StatusConflict},
		{db.ErrHistoryNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := ErrFrom(tt.err).envelope()
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestRespond_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	Respond(c, ErrFrom(errors.New("open /var/spool/httprint/x: permission denied")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":true,"message":"internal error"}`, rec.Body.String())
	assert.Len(t, c.Errors, 1)
}

func newAdminRouter(f *fakeSpooler) *gin.Engine {
	r := gin.New()
	NewJobHandler(f).RegisterRoutes(r.Group("/admin"))
	return r
}

func TestJobHandler_ListJobs(t *testing.T) {
	finished := time.Date(2024, 6, 3, 14, 0, 2, 0, time.UTC)
	dispatched := finished.Add(-2 * time.Second)
	f := &fakeSpooler{jobs: []core.Job{{
		ID: "a", State: core.StateDone, Copies: 2, Code: "1234",
		Handle:       core.Handle{Name: "a.pdf", Size: 10, Path: "/queue/a.pdf"},
		DispatchedAt: &dispatched, FinishedAt: &finished,
	}}}
	r := newAdminRouter(f)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs?state=done", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StateDone, f.gotState)

	var body struct {
		Jobs  []JobResponse `json:"jobs"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "a.pdf", body.Jobs[0].FileName)
	assert.True(t, body.Jobs[0].Gated)
	require.NotNil(t, body.Jobs[0].Duration)
	assert.Equal(t, int64(2000), *body.Jobs[0].Duration)
	assert.NotContains(t, rec.Body.String(), "1234")
	assert.NotContains(t, rec.Body.String(), "/queue/")
}

func TestJobHandler_BadState(t *testing.T) {
	rec := httptest.NewRecorder()
	newAdminRouter(&fakeSpooler{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs?state=lost", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobHandler_GetJob(t *testing.T) {
	r := newAdminRouter(&fakeSpooler{jobs: []core.Job{{ID: "a", State: core.StatePending}}})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs/a", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs/zzz", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_Redispatch(t *testing.T) {
	f := &fakeSpooler{redispatchErr: core.ErrAlreadyRedispatched}
	r := newAdminRouter(f)

	rec, env := serve(r, httptest.NewRequest(http.MethodPost, "/admin/jobs/a/redispatch", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.ErrAlreadyRedispatched.Error(), env.Message)

	f.redispatchErr = nil
	f.redispatchJob = core.Job{ID: "b", State: core.StateDone, ReprintOf: "a"}
	rec, env = serve(r, httptest.NewRequest(http.MethodPost, "/admin/jobs/a/redispatch", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b", env.JobID)
}

func TestJobHandler_Stats(t *testing.T) {
	rec := httptest.NewRecorder()
	newAdminRouter(&fakeSpooler{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":2,"confirmed":0,"dispatched":0,"done":1,"failed":0,"total":3}`, rec.Body.String())
}

type fakeLedger struct {
	filter db.HistoryFilter
	since  time.Time
}

func (l *fakeLedger) Get(_ context.Context, id string) (*db.HistoryEntry, error) {
	if id != "a" {
		return nil, db.ErrHistoryNotFound
	}
	return &db.HistoryEntry{JobID: "a", State: "done"}, nil
}

func (l *fakeLedger) History(_ context.Context, f db.HistoryFilter) ([]*db.HistoryEntry, int, error) {
	l.filter = f
	return []*db.HistoryEntry{{JobID: "a", State: "done"}}, 7, nil
}

func (l *fakeLedger) Counters(_ context.Context, since time.Time) ([]db.DailyCounter, error) {
	l.since = since
	return nil, nil
}

type fakeArchives struct {
	pruned bool
}

func (a *fakeArchives) ListArchives(context.Context) ([]*archive.ArchiveFile, error) {
	return []*archive.ArchiveFile{
		{Key: "2024/06/03/b-x.pdf", Size: 5},
		{Key: "2024/06/01/a-y.pdf", Size: 7},
	}, nil
}

func (a *fakeArchives) Prune(context.Context, time.Time) error {
	a.pruned = true
	return nil
}

func TestArchiveHandler(t *testing.T) {
	ledger := &fakeLedger{}
	archives := &fakeArchives{}
	r := gin.New()
	NewArchiveHandler(ledger, archives).RegisterRoutes(r.Group("/admin"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/history?state=failed&limit=5&offset=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.HistoryFilter{State: "failed", Limit: 5, Offset: 10}, ledger.filter)
	assert.Contains(t, rec.Body.String(), `"total":7`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/history?limit=9000", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/history/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/history/counters?days=7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"counters":[],"days":7}`, rec.Body.String())
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -6), ledger.since, time.Minute)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/archives", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stats ArchiveStatsResponse `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ArchiveStatsResponse{
		TotalArchives: 2,
		TotalSize:     12,
		OldestArchive: "2024/06/01/a-y.pdf",
		NewestArchive: "2024/06/03/b-x.pdf",
	}, body.Stats)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/archives/prune", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, archives.pruned)
}

func TestArchiveHandler_Disabled(t *testing.T) {
	r := gin.New()
	NewArchiveHandler(nil, nil).RegisterRoutes(r.Group("/admin"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeWebhooks struct {
	pinged []int
	err    error
}

func (w *fakeWebhooks) Endpoints() []webhook.Endpoint {
	return []webhook.Endpoint{{URL: "https://hooks.example.com/a", Secret: "k"}}
}

func (w *fakeWebhooks) Ping(_ context.Context, i int) error {
	w.pinged = append(w.pinged, i)
	return w.err
}

func TestWebhookHandler(t *testing.T) {
	hooks := &fakeWebhooks{}
	r := gin.New()
	NewWebhookHandler(hooks).RegisterRoutes(r.Group("/admin"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/webhooks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"has_secret":true`)
	assert.NotContains(t, rec.Body.String(), `"k"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/webhooks/0/test", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	hooks.err = &webhook.HTTPError{StatusCode: 500}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/webhooks/0/test", nil))
	assert.Contains(t, rec.Body.String(), `"success":false`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/webhooks/3/test", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []int{0, 0}, hooks.pinged)
}

func TestWebUI_Index(t *testing.T) {
	r := gin.New()
	NewWebUIHandler(true, 10, 4).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `id="confirm"`)
	assert.Contains(t, rec.Body.String(), `[0-9]{4}`)
	assert.Contains(t, rec.Body.String(), `max="10"`)

	r = gin.New()
	NewWebUIHandler(false, 3, 4).RegisterRoutes(r)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotContains(t, rec.Body.String(), `id="confirm"`)
}
