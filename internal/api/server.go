// Package api is the HTTP boundary of the analysis service: video upload,
// job status, artifact listing and download, charts and live preview.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/banshee-data/crowdwatch/internal/artifacts"
	"github.com/banshee-data/crowdwatch/internal/config"
	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/httputil"
	"github.com/banshee-data/crowdwatch/internal/jobs"
	"github.com/banshee-data/crowdwatch/internal/pipeline"
	"github.com/banshee-data/crowdwatch/internal/report"
	"github.com/banshee-data/crowdwatch/internal/security"
	"github.com/banshee-data/crowdwatch/internal/version"
	"github.com/banshee-data/crowdwatch/internal/video"
)

// VideoExtensions are the accepted upload formats.
var VideoExtensions = []string{"mp4", "avi", "mov", "mkv"}

// maxMemory is how much of a multipart body is buffered before spilling
// to temporary files.
const maxMemory = 32 << 20

// JobService is the subset of *jobs.Registry the API uses.
type JobService interface {
	Submit(ctx context.Context, in pipeline.Input, opts pipeline.Options) (string, error)
	Get(id string) (jobs.Job, error)
	List() []jobs.Job
	Counts() map[jobs.Status]int
}

// EventLister reads a job's persisted event log.
type EventLister interface {
	ListEvents(ctx context.Context, jobID string) ([]crowd.CrowdEvent, error)
}

// Config wires a Server.
type Config struct {
	Jobs JobService
	// Events is optional; charts fall back to the job's crowd_data.csv.
	Events EventLister
	// Preview is optional; without it /stream always answers 404.
	Preview   *video.PreviewHub
	Analytics *config.AnalyticsConfig
	// UploadDir receives uploaded videos and detection recordings.
	UploadDir string
}

type Server struct {
	jobs      JobService
	events    EventLister
	preview   *video.PreviewHub
	cfg       *config.AnalyticsConfig
	uploadDir string
}

func NewServer(c Config) *Server {
	cfg := c.Analytics
	if cfg == nil {
		cfg = config.EmptyAnalyticsConfig()
	}
	return &Server{
		jobs:      c.Jobs,
		events:    c.Events,
		preview:   c.Preview,
		cfg:       cfg,
		uploadDir: c.UploadDir,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze", s.analyze)
	mux.HandleFunc("GET /status/{job_id}", s.status)
	mux.HandleFunc("GET /files/{job_id}", s.files)
	mux.HandleFunc("GET /download/{job_id}/{file_type}", s.download)
	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("GET /charts/{job_id}", s.chart)
	mux.HandleFunc("GET /stream/{job_id}", s.stream)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /{$}", s.index)
	return mux
}

// AnalyzeResponse is returned by POST /analyze.
type AnalyzeResponse struct {
	JobID   string      `json:"job_id"`
	Status  jobs.Status `json:"status"`
	Message string      `json:"message"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.GetUploadLimit()
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || r.ContentLength > limit {
			httputil.RequestTooLarge(w, fmt.Sprintf("Upload exceeds %d MB", limit>>20))
			return
		}
		httputil.BadRequest(w, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("video")
	if err != nil {
		httputil.BadRequest(w, "No video file provided")
		return
	}
	defer file.Close()
	if hdr.Filename == "" {
		httputil.BadRequest(w, "No file selected")
		return
	}
	if !security.HasExtension(hdr.Filename, VideoExtensions) {
		httputil.BadRequest(w, "Invalid file format. Allowed formats: mp4, avi, mov, mkv")
		return
	}
	if hdr.Size == 0 {
		httputil.BadRequest(w, "Uploaded file is empty")
		return
	}

	opts, err := s.formOptions(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	videoPath, err := s.saveUpload(file, hdr.Filename)
	if err != nil {
		log.Printf("[api] saving upload %q: %v", hdr.Filename, err)
		httputil.InternalServerError(w, "Failed to store upload")
		return
	}
	saved := []string{videoPath}
	in := pipeline.Input{Path: videoPath, Filename: hdr.Filename}

	if det, dhdr, err := r.FormFile("detections"); err == nil {
		defer det.Close()
		p, err := s.saveUpload(det, dhdr.Filename+".jsonl")
		if err != nil {
			removeAll(saved)
			log.Printf("[api] saving detections %q: %v", dhdr.Filename, err)
			httputil.InternalServerError(w, "Failed to store upload")
			return
		}
		saved = append(saved, p)
		in.Detections = p
	}

	id, err := s.jobs.Submit(r.Context(), in, opts)
	switch {
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
		removeAll(saved)
		httputil.ServiceUnavailable(w, "Server is busy, try again later")
		return
	case err != nil:
		removeAll(saved)
		httputil.BadRequest(w, fmt.Sprintf("Cannot analyse video: %v", err))
		return
	}

	httputil.WriteJSONOK(w, AnalyzeResponse{
		JobID:   id,
		Status:  jobs.StatusQueued,
		Message: "Video uploaded successfully. Processing started.",
	})
}

// formOptions reads the three check toggles, defaulting each from the
// analytics configuration.
func (s *Server) formOptions(r *http.Request) (pipeline.Options, error) {
	opts := pipeline.OptionsFromConfig(s.cfg)
	for _, f := range []struct {
		name string
		dst  *bool
	}{
		{"social_distance", &opts.SocialDistance},
		{"abnormal_detection", &opts.AbnormalDetection},
		{"restricted_entry", &opts.RestrictedEntry},
	} {
		v := r.FormValue(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid value %q for %s", v, f.name)
		}
		*f.dst = b
	}
	return opts, nil
}

func (s *Server) saveUpload(src io.Reader, name string) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", err
	}
	path, err := security.JoinWithin(s.uploadDir, uuid.NewString()+"_"+security.SanitizeFilename(name))
	if err != nil {
		return "", err
	}
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[api] removing %s: %v", p, err)
		}
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (jobs.Job, bool) {
	job, err := s.jobs.Get(r.PathValue("job_id"))
	if err != nil {
		httputil.NotFound(w, "Job not found")
		return jobs.Job{}, false
	}
	return job, true
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{"jobs": s.jobs.List()})
}

// FileInfo describes one downloadable artifact.
type FileInfo struct {
	artifacts.Entry
	DownloadURL string `json:"download_url,omitempty"`
}

// FilesResponse is returned by GET /files/{job_id}.
type FilesResponse struct {
	JobID string                      `json:"job_id"`
	Files map[artifacts.Kind]FileInfo `json:"files"`
}

// completed resolves a finished job's output directory.
func (s *Server) completed(w http.ResponseWriter, r *http.Request) (jobs.Job, string, bool) {
	job, ok := s.lookup(w, r)
	if !ok {
		return job, "", false
	}
	if job.Status != jobs.StatusCompleted || job.Result == nil {
		httputil.BadRequest(w, "Job not completed yet")
		return job, "", false
	}
	return job, job.Result.OutputDir, true
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	job, dir, ok := s.completed(w, r)
	if !ok {
		return
	}
	resp := FilesResponse{JobID: job.ID, Files: map[artifacts.Kind]FileInfo{}}
	for kind, e := range artifacts.Scan(dir) {
		fi := FileInfo{Entry: e}
		if e.Available {
			fi.DownloadURL = fmt.Sprintf("/download/%s/%s", job.ID, kind)
		}
		resp.Files[kind] = fi
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	spec, ok := artifacts.Lookup(artifacts.Kind(r.PathValue("file_type")))
	if !ok {
		httputil.BadRequest(w, "Invalid file type")
		return
	}
	_, dir, ok := s.completed(w, r)
	if !ok {
		return
	}
	path, err := security.JoinWithin(dir, spec.Filename)
	if err != nil {
		httputil.NotFound(w, "File not found")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		httputil.NotFound(w, "File not found")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		httputil.NotFound(w, "File not found")
		return
	}

	w.Header().Set("Content-Type", spec.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", spec.Filename))
	http.ServeContent(w, r, spec.Filename, fi.ModTime(), f)
}

func (s *Server) chart(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	events, err := s.jobEvents(r.Context(), job)
	if err != nil {
		log.Printf("[api] events for %s: %v", job.ID, err)
	}
	if len(events) == 0 {
		httputil.NotFound(w, "No events recorded for this job")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderChart(w, events, report.ChartOptions{Title: "Crowd analysis " + job.ID}); err != nil {
		log.Printf("[api] rendering chart for %s: %v", job.ID, err)
	}
}

// jobEvents prefers the database and falls back to the CSV event log.
func (s *Server) jobEvents(ctx context.Context, job jobs.Job) ([]crowd.CrowdEvent, error) {
	if s.events != nil {
		events, err := s.events.ListEvents(ctx, job.ID)
		if err == nil && len(events) > 0 {
			return events, nil
		}
		if err != nil {
			log.Printf("[api] stored events for %s: %v", job.ID, err)
		}
	}
	if job.Result == nil {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(job.Result.OutputDir, artifacts.CrowdDataFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return artifacts.ReadEvents(f)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var h http.Handler
	if s.preview != nil {
		h = s.preview.Handler(job.ID)
	}
	if h == nil {
		httputil.NotFound(w, "No live preview for this job")
		return
	}
	h.ServeHTTP(w, r)
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version version.Info        `json:"version"`
	Jobs    map[jobs.Status]int `json:"jobs"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, HealthResponse{
		Status:  "healthy",
		Version: version.Get(),
		Jobs:    s.jobs.Counts(),
	})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{
		"service": "crowdwatch",
		"version": version.Get().Version,
		"endpoints": map[string]string{
			"POST /analyze":                      "upload a video (multipart field \"video\") for analysis",
			"GET /status/{job_id}":               "job status and progress",
			"GET /files/{job_id}":                "artifacts of a completed job",
			"GET /download/{job_id}/{file_type}": "download one artifact",
			"GET /jobs":                          "list all jobs",
			"GET /charts/{job_id}":               "interactive event chart",
			"GET /stream/{job_id}":               "MJPEG preview while processing",
			"GET /health":                        "service health",
		},
	})
}
