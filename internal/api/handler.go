package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/upload"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store    job.Store
	producer *upload.Producer
	maxBytes int64
	logger   *slog.Logger

	// pollInterval is how often StreamEvents re-reads the job.
	pollInterval time.Duration
}

// NewHandler constructs a Handler. maxBytes caps the size of an uploaded file.
func NewHandler(store job.Store, producer *upload.Producer, maxBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:        store,
		producer:     producer,
		maxBytes:     maxBytes,
		logger:       logger,
		pollInterval: time.Second,
	}
}

// Router returns a router with every API route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/uploads", h.Upload).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id:[0-9]+}", h.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id:[0-9]+}/failures", h.ListFailures).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id:[0-9]+}/events", h.StreamEvents).Methods(http.MethodGet)
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// Upload handles POST /api/v1/uploads. The body is multipart with a "file"
// part and a "period" field; the user comes from X-User-Email or a "user"
// field. It responds 202 with the registered job.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	user := r.Header.Get("X-User-Email")
	if user == "" {
		user = r.FormValue("user")
	}

	j, err := h.producer.Submit(r.Context(), upload.Request{
		FileName: header.Filename,
		Size:     header.Size,
		Body:     file,
		User:     user,
		Period:   r.FormValue("period"),
	})
	switch {
	case errors.Is(err, upload.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil && j != nil:
		// The job exists but was left UploadFailed.
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upload failed", "job": j})
	case err != nil:
		h.logger.Error("submit upload", "error", err, "request_id", requestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to register job")
	default:
		writeJSON(w, http.StatusAccepted, j)
	}
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a page of the user's jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		user = r.Header.Get("X-User-Email")
	}
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	jobs, total, err := h.store.ListByUser(r.Context(), user, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListFailures handles GET /api/v1/jobs/{id}/failures and responds 200 with the rejected rows.
func (h *Handler) ListFailures(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	failures, err := h.store.ListFailures(r.Context(), j.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	if failures == nil {
		failures = []job.Failure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   j.ID,
		"failures": failures,
	})
}

// loadJob resolves the {id} route variable. It writes the error response
// itself and reports false when the handler should stop.
func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return nil, false
	}

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return j, true
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
