package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkload/bulkload/internal/broker"
	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/storage"
	"github.com/bulkload/bulkload/internal/upload"
)

const (
	apiKey      = "test-api-key"
	submissions = "submissions"
)

type testEnv struct {
	srv     *httptest.Server
	store   *job.SQLiteStore
	bus     *broker.Memory
	handler *Handler
}

// newTestServer builds an httptest.Server with a real SQLiteStore, an
// in-memory object store and broker, and the same middleware as production.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	store, err := job.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := broker.NewMemory(16, nil)
	producer := upload.New(store, storage.NewMemory(), bus, upload.Options{Queue: submissions, MaxBytes: 1 << 10}, nil, nil)
	h := NewHandler(store, producer, 1<<10, nil)
	h.pollInterval = 10 * time.Millisecond

	srv := httptest.NewServer(Chain(h.Router(), RequestID, Auth([]string{apiKey})))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, bus: bus, handler: h}
}

func (e *testEnv) do(t *testing.T, req *http.Request, withAuth bool) *http.Response {
	t.Helper()
	if withAuth {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	return e.do(t, req, true)
}

// uploadRequest builds a multipart upload. An empty fileName omits the file part.
func (e *testEnv) uploadRequest(t *testing.T, fileName, content, user, period string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		io.WriteString(fw, content) //nolint:errcheck
	}
	mw.WriteField("period", period) //nolint:errcheck
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/uploads", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.Header.Set("X-User-Email", user)
	}
	return req
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (e *testEnv) createJob(t *testing.T, user, period string, state job.State) *job.Job {
	t.Helper()
	j := &job.Job{FileName: "products.csv", User: user, Period: period, State: state, SubmittedAt: time.Now().UTC()}
	require.NoError(t, e.store.Create(context.Background(), j))
	return j
}

func TestUpload_Returns202AndPublishes(t *testing.T) {
	env := newTestServer(t)

	resp := env.do(t, env.uploadRequest(t, "march.csv", "code,name\nP-1,Widget\n", "ana@example.com", "2025-03"), true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var j job.Job
	decodeBody(t, resp, &j)
	assert.NotZero(t, j.ID)
	assert.Equal(t, job.StateSubmitted, j.State)
	assert.Equal(t, "ana@example.com", j.User)
	assert.Equal(t, "2025-03", j.Period)
	assert.Equal(t, "march.csv", j.FileName)
	assert.Equal(t, 1, env.bus.Len(submissions))
}

func TestUpload_UserFromFormField(t *testing.T) {
	env := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "march.csv")
	require.NoError(t, err)
	io.WriteString(fw, "code\nP-1\n")         //nolint:errcheck
	mw.WriteField("user", "luis@example.com") //nolint:errcheck
	mw.WriteField("period", "2025-03")        //nolint:errcheck
	mw.Close()
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/uploads", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp := env.do(t, req, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var j job.Job
	decodeBody(t, resp, &j)
	assert.Equal(t, "luis@example.com", j.User)
}

func TestUpload_InvalidRequests(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name     string
		fileName string
		content  string
		user     string
		period   string
	}{
		{"missing file", "", "", "ana@example.com", "2025-03"},
		{"wrong extension", "march.pdf", "x", "ana@example.com", "2025-03"},
		{"bad period", "march.csv", "code\n", "ana@example.com", "March"},
		{"missing user", "march.csv", "code\n", "", "2025-03"},
		{"too large", "march.csv", strings.Repeat("x", 2<<10), "ana@example.com", "2025-03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, env.uploadRequest(t, tt.fileName, tt.content, tt.user, tt.period), true)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]string
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Equal(t, 0, env.bus.Len(submissions), "nothing is published for a rejected upload")
}

func TestUpload_RequiresAPIKey(t *testing.T) {
	env := newTestServer(t)

	resp := env.do(t, env.uploadRequest(t, "march.csv", "code\n", "ana@example.com", "2025-03"), false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListJobs_ScopedToUser(t *testing.T) {
	env := newTestServer(t)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, j := range []*job.Job{
		{User: "ana@example.com", Period: "2025-01"},
		{User: "ana@example.com", Period: "2025-02"},
		{User: "luis@example.com", Period: "2025-01"},
	} {
		j.FileName, j.State, j.SubmittedAt = "products.csv", job.StateSubmitted, base.Add(time.Duration(i)*time.Minute)
		require.NoError(t, env.store.Create(context.Background(), j))
	}

	resp := env.get(t, "/api/v1/jobs?user=ana@example.com&limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Jobs  []job.Job `json:"jobs"`
		Total int       `json:"total"`
		Limit int       `json:"limit"`
	}
	decodeBody(t, resp, &page)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Limit)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "2025-02", page.Jobs[0].Period, "newest first")
}

func TestListJobs_EmptyIsArray(t *testing.T) {
	env := newTestServer(t)

	resp := env.get(t, "/api/v1/jobs?user=nobody@example.com")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"jobs":[]`)
}

func TestListJobs_RequiresUser(t *testing.T) {
	env := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/jobs").StatusCode)
}

func TestGetJob(t *testing.T) {
	env := newTestServer(t)
	j := env.createJob(t, "ana@example.com", "2025-03", job.StateSubmitted)

	resp := env.get(t, "/api/v1/jobs/"+itoa(j.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got job.Job
	decodeBody(t, resp, &got)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, job.StateSubmitted, got.State)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/jobs/999").StatusCode, "unknown id")
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/jobs/abc").StatusCode, "non-numeric id")
}

func TestListFailures(t *testing.T) {
	env := newTestServer(t)
	j := env.createJob(t, "ana@example.com", "2025-03", job.StateSubmitted)
	now := time.Now().UTC()
	require.NoError(t, env.store.InsertFailures(context.Background(), []job.Failure{
		{JobID: j.ID, Position: 3, Reason: "missing code", Raw: json.RawMessage(`{"name":"Widget"}`), CreatedAt: now},
		{JobID: j.ID, Position: 1, Reason: "duplicate code", Raw: json.RawMessage(`{"code":"P-1"}`), CreatedAt: now},
	}))

	resp := env.get(t, "/api/v1/jobs/"+itoa(j.ID)+"/failures")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		JobID    int64         `json:"job_id"`
		Failures []job.Failure `json:"failures"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, j.ID, body.JobID)
	require.Len(t, body.Failures, 2)
	assert.Equal(t, 1, body.Failures[0].Position, "ordered by position")
	assert.Equal(t, "missing code", body.Failures[1].Reason)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/jobs/999/failures").StatusCode)
}

func TestStreamEvents_TerminalJobSendsResult(t *testing.T) {
	env := newTestServer(t)
	j := env.createJob(t, "ana@example.com", "2025-03", job.StateUploadFailed)

	resp := env.get(t, "/api/v1/jobs/"+itoa(j.ID)+"/events")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "event: result\n"), "body = %q", raw)
}

func TestStreamEvents_FollowsStateChanges(t *testing.T) {
	env := newTestServer(t)
	j := env.createJob(t, "ana@example.com", "2025-03", job.StateSubmitted)

	go func() {
		time.Sleep(50 * time.Millisecond)
		ctx := context.Background()
		cur, _ := env.store.Get(ctx, j.ID)
		cur.Transition(job.StateProcessing, time.Now()) //nolint:errcheck
		env.store.Update(ctx, cur, job.StateSubmitted)  //nolint:errcheck
		time.Sleep(50 * time.Millisecond)
		cur.Reject(job.ReasonPeriodInFlight, time.Now()) //nolint:errcheck
		env.store.Update(ctx, cur, job.StateProcessing)   //nolint:errcheck
		time.Sleep(50 * time.Millisecond)
		cur.Transition(job.StateNotificationSent, time.Now()) //nolint:errcheck
		env.store.Update(ctx, cur, job.StateRejected)         //nolint:errcheck
	}()

	resp := env.get(t, "/api/v1/jobs/"+itoa(j.ID)+"/events")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	for _, want := range []string{`"state":"Submitted"`, `"state":"Processing"`, `"state":"Rejected"`} {
		assert.Contains(t, body, want)
	}
	i := strings.Index(body, "event: result")
	require.GreaterOrEqual(t, i, 0, "stream has no result event:\n%s", body)
	assert.Contains(t, body[i:], `"state":"NotificationSent"`, "the result event carries the terminal job")
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/health", nil)
	require.NoError(t, err)
	resp := env.do(t, req, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
