package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdwatch/internal/artifacts"
	"github.com/banshee-data/crowdwatch/internal/config"
	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/httputil"
	"github.com/banshee-data/crowdwatch/internal/jobs"
	"github.com/banshee-data/crowdwatch/internal/pipeline"
)

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]jobs.Job
	submitErr error
	inputs    []pipeline.Input
	options   []pipeline.Options
}

func (f *fakeJobs) Submit(_ context.Context, in pipeline.Input, opts pipeline.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.inputs = append(f.inputs, in)
	f.options = append(f.options, opts)
	id := "job_20260314_093000_0000000" + string(rune('0'+len(f.inputs)))
	f.put(jobs.Job{ID: id, Status: jobs.StatusQueued, VideoFilename: in.Filename, Options: opts})
	return id, nil
}

func (f *fakeJobs) put(j jobs.Job) {
	if f.jobs == nil {
		f.jobs = map[string]jobs.Job{}
	}
	f.jobs[j.ID] = j
}

func (f *fakeJobs) Get(id string) (jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) List() []jobs.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []jobs.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (f *fakeJobs) Counts() map[jobs.Status]int {
	out := map[jobs.Status]int{}
	for _, j := range f.List() {
		out[j.Status]++
	}
	return out
}

type fakeEvents struct {
	events map[string][]crowd.CrowdEvent
}

func (f fakeEvents) ListEvents(_ context.Context, id string) ([]crowd.CrowdEvent, error) {
	return f.events[id], nil
}

type testServer struct {
	jobs      *fakeJobs
	uploadDir string
	mux       http.Handler
}

func newTestServer(t *testing.T, cfg *config.AnalyticsConfig) *testServer {
	t.Helper()
	fj := &fakeJobs{}
	dir := filepath.Join(t.TempDir(), "uploads")
	s := NewServer(Config{Jobs: fj, Analytics: cfg, UploadDir: dir})
	return &testServer{jobs: fj, uploadDir: dir, mux: s.ServeMux()}
}

type upload struct {
	field, name string
	content     []byte
}

func multipartRequest(t *testing.T, files []upload, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = fw.Write(f.content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

var videoUpload = upload{"video", "plaza cam.mp4", []byte("not really an mp4")}

func TestAnalyzeQueuesJob(t *testing.T) {
	ts := newTestServer(t, nil)
	w := serve(ts.mux, multipartRequest(t, []upload{videoUpload}, map[string]string{"restricted_entry": "true"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, jobs.StatusQueued, resp.Status)
	assert.NotEmpty(t, resp.JobID)
	assert.Contains(t, resp.Message, "Processing started")

	require.Len(t, ts.jobs.inputs, 1)
	in := ts.jobs.inputs[0]
	assert.Equal(t, "plaza cam.mp4", in.Filename)
	assert.Empty(t, in.Detections)
	assert.Equal(t, ts.uploadDir, filepath.Dir(in.Path))
	assert.True(t, strings.HasSuffix(in.Path, "_plaza_cam.mp4"), in.Path)
	data, err := os.ReadFile(in.Path)
	require.NoError(t, err)
	assert.Equal(t, videoUpload.content, data)

	assert.Equal(t, pipeline.Options{SocialDistance: true, AbnormalDetection: true, RestrictedEntry: true}, ts.jobs.options[0])
}

func TestAnalyzeWithDetections(t *testing.T) {
	ts := newTestServer(t, nil)
	det := upload{"detections", "plaza", []byte(`{"frame":1,"persons":[]}` + "\n")}
	w := serve(ts.mux, multipartRequest(t, []upload{videoUpload, det}, map[string]string{"social_distance": "false"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	in := ts.jobs.inputs[0]
	require.NotEmpty(t, in.Detections)
	assert.True(t, strings.HasSuffix(in.Detections, ".jsonl"))
	assert.False(t, ts.jobs.options[0].SocialDistance)
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		files  []upload
		fields map[string]string
		want   string
	}{
		{"no video", nil, map[string]string{"x": "y"}, "No video file provided"},
		{"bad extension", []upload{{"video", "notes.txt", []byte("x")}}, nil, "Invalid file format"},
		{"empty file", []upload{{"video", "empty.mp4", nil}}, nil, "empty"},
		{"bad flag", []upload{videoUpload}, map[string]string{"abnormal_detection": "maybe"}, "abnormal_detection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			w := serve(ts.mux, multipartRequest(t, tt.files, tt.fields))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decodeError(t, w), tt.want)
			assert.Empty(t, ts.jobs.inputs)
		})
	}
}

func TestAnalyzeNotMultipart(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w := serve(ts.mux, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeTooLarge(t *testing.T) {
	limit := int64(1)
	ts := newTestServer(t, &config.AnalyticsConfig{UploadLimitMB: &limit})
	big := upload{"video", "big.mp4", bytes.Repeat([]byte{0xAB}, 2<<20)}
	w := serve(ts.mux, multipartRequest(t, []upload{big}, nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAnalyzeSubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"queue full", jobs.ErrQueueFull, http.StatusServiceUnavailable},
		{"shutting down", jobs.ErrClosed, http.StatusServiceUnavailable},
		{"unreadable video", pipeline.ErrEmptySource, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.jobs.submitErr = tt.err
			w := serve(ts.mux, multipartRequest(t, []upload{videoUpload}, nil))
			assert.Equal(t, tt.code, w.Code)

			entries, err := os.ReadDir(ts.uploadDir)
			require.NoError(t, err)
			assert.Empty(t, entries, "rejected uploads are removed")
		})
	}
}

func TestAnalyzeMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)
	w := serve(ts.mux, httptest.NewRequest(http.MethodGet, "/analyze", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.jobs.put(jobs.Job{ID: "job_x", Status: jobs.StatusProcessing, Progress: 40})

	w := serve(ts.mux, httptest.NewRequest(http.MethodGet, "/status/job_x", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, jobs.StatusProcessing, job.Status)
	assert.Equal(t, 40, job.Progress)

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/status/job_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", decodeError(t, w))
}

// completedJob writes an event log into a fresh output directory.
func completedJob(t *testing.T, ts *testServer, id string) string {
	t.Helper()
	dir := t.TempDir()
	logs, err := artifacts.CreateLogs(dir, 10)
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, logs.Events.WriteEvent(crowd.CrowdEvent{
			FrameIndex: i, Timestamp: t0.Add(time.Duration(i) * 40 * time.Millisecond), HumanCount: i,
		}))
	}
	require.NoError(t, logs.Close())
	ts.jobs.put(jobs.Job{
		ID: id, Status: jobs.StatusCompleted, Progress: 100,
		Result: &pipeline.Result{OutputDir: dir, Frames: 3},
	})
	return dir
}

func TestFiles(t *testing.T) {
	ts := newTestServer(t, nil)
	completedJob(t, ts, "job_done")
	ts.jobs.put(jobs.Job{ID: "job_busy", Status: jobs.StatusProcessing})

	w := serve(ts.mux, httptest.NewRequest(http.MethodGet, "/files/job_busy", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Job not completed yet", decodeError(t, w))

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/files/job_nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/files/job_done", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp FilesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job_done", resp.JobID)
	assert.Len(t, resp.Files, len(artifacts.Kinds()))

	crowdData := resp.Files[artifacts.KindCrowdData]
	assert.True(t, crowdData.Available)
	assert.Positive(t, crowdData.Size)
	assert.Equal(t, "/download/job_done/crowd_data", crowdData.DownloadURL)

	video := resp.Files[artifacts.KindProcessedVideo]
	assert.False(t, video.Available)
	assert.Empty(t, video.DownloadURL)
}

func TestDownload(t *testing.T) {
	ts := newTestServer(t, nil)
	dir := completedJob(t, ts, "job_done")

	w := serve(ts.mux, httptest.NewRequest(http.MethodGet, "/download/job_done/crowd_data", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Header().Get("Content-Disposition"), artifacts.CrowdDataFile)
	want, err := os.ReadFile(filepath.Join(dir, artifacts.CrowdDataFile))
	require.NoError(t, err)
	assert.Equal(t, want, w.Body.Bytes())

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/download/job_done/passwords", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid file type", decodeError(t, w))

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/download/job_done/heatmap", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/download/job_nope/crowd_data", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChartFromEventLog(t *testing.T) {
	ts := newTestServer(t, nil)
	completedJob(t, ts, "job_done")

	w := serve(ts.mux, httptest.NewRequest(http.MethodGet, "/charts/job_done", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "echarts")
}

func TestChartFromStore(t *testing.T) {
	fj := &fakeJobs{}
	fj.put(jobs.Job{ID: "job_live", Status: jobs.StatusProcessing})
	events := fakeEvents{events: map[string][]crowd.CrowdEvent{
		"job_live": {{FrameIndex: 1, Timestamp: time.Now(), HumanCount: 2}},
	}}
	mux := NewServer(Config{Jobs: fj, Events: events}).ServeMux()

	w := serve(mux, httptest.NewRequest(http.MethodGet, "/charts/job_live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	fj.put(jobs.Job{ID: "job_empty", Status: jobs.StatusQueued})
	w = serve(mux, httptest.NewRequest(http.MethodGet, "/charts/job_empty", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamWithoutPreview(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.jobs.put(jobs.Job{ID: "job_x", Status: jobs.StatusProcessing})
	w := serve(ts.mux, httptest.NewRequest(http.MethodGet, "/stream/job_x", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobsHealthAndIndex(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.jobs.put(jobs.Job{ID: "job_a", Status: jobs.StatusCompleted})
	ts.jobs.put(jobs.Job{ID: "job_b", Status: jobs.StatusQueued})

	w := serve(ts.mux, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 2)

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, map[jobs.Status]int{jobs.StatusCompleted: 1, jobs.StatusQueued: 1}, health.Jobs)

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/analyze")

	w = serve(ts.mux, httptest.NewRequest(http.MethodGet, "/no-such-page", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	}))
	lrw := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	lrw.WriteHeader(http.StatusAccepted)
	assert.Equal(t, http.StatusAccepted, lrw.statusCode)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/health?x=1", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}
