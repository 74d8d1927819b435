package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bnema/reencode/internal/adapter/http/validation"
	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/infrastructure/logger"
	"github.com/bnema/reencode/internal/port"
	"github.com/bnema/reencode/internal/service"
)

// maxBodyBytes bounds request bodies; a batch of a few thousand paths fits.
const maxBodyBytes = 1 << 20

type JobService interface {
	Submit(req service.SubmitRequest) ([]int64, error)
	SubmitBatch(req service.SubmitRequest) ([]int64, error)
	Get(id int64) (*domain.Job, error)
	List(filter port.ListFilter) ([]*domain.Job, int, error)
	DeleteOrCancel(id int64) (service.DeleteOutcome, error)
	ClearQueued() (int64, error)
	ClearFinished() (int64, error)
	ClearAll() (int64, error)
	Health() service.Health
	Presets() map[domain.Mode]domain.ConversionSettings
}

type Handlers struct {
	jobSvc      JobService
	sourceMount string
	log         *logger.Logger
}

func NewHandlers(jobSvc JobService, sourceMount string, log *logger.Logger) *Handlers {
	return &Handlers{
		jobSvc:      jobSvc,
		sourceMount: sourceMount,
		log:         log.Named("api"),
	}
}

type createJobRequest struct {
	SourceFile string          `json:"source_file"`
	Mode       domain.Mode     `json:"mode"`
	Settings   json.RawMessage `json:"settings"`
}

type createBatchRequest struct {
	Files    []string        `json:"files"`
	Mode     domain.Mode     `json:"mode"`
	Settings json.RawMessage `json:"settings"`
}

type jobIDsResponse struct {
	JobIDs []int64 `json:"job_ids"`
}

type jobListResponse struct {
	Jobs  []*domain.Job `json:"jobs"`
	Total int           `json:"total"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type deletedCountResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (h *Handlers) CreateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := decodeBody(w, r, &req); err != nil {
			h.writeError(w, err)
			return
		}

		req.Mode = defaultMode(req.Mode)
		settings, err := decodeSettings(req.Mode, req.Settings)
		if err != nil {
			h.writeError(w, err)
			return
		}
		source, err := validation.SourceFile(h.sourceMount, req.SourceFile)
		if err != nil {
			h.writeError(w, err)
			return
		}

		ids, err := h.jobSvc.Submit(service.SubmitRequest{
			Files:    []string{source},
			Mode:     req.Mode,
			Settings: settings,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobIDsResponse{JobIDs: ids})
	}
}

func (h *Handlers) CreateBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		if err := decodeBody(w, r, &req); err != nil {
			h.writeError(w, err)
			return
		}
		if len(req.Files) == 0 {
			h.writeError(w, domain.NewValidationError("files", "at least one file is required"))
			return
		}

		req.Mode = defaultMode(req.Mode)
		settings, err := decodeSettings(req.Mode, req.Settings)
		if err != nil {
			h.writeError(w, err)
			return
		}

		files := make([]string, 0, len(req.Files))
		for _, f := range req.Files {
			source, err := validation.SourceFile(h.sourceMount, f)
			if err != nil {
				h.writeError(w, err)
				return
			}
			files = append(files, source)
		}

		ids, err := h.jobSvc.SubmitBatch(service.SubmitRequest{
			Files:    files,
			Mode:     req.Mode,
			Settings: settings,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobIDsResponse{JobIDs: ids})
	}
}

func (h *Handlers) ListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit, err := queryInt(q.Get("limit"), service.DefaultListLimit)
		if err != nil || limit < 1 || limit > service.MaxListLimit {
			h.writeError(w, domain.NewValidationError("limit", "must be between 1 and %d", service.MaxListLimit))
			return
		}
		offset, err := queryInt(q.Get("offset"), 0)
		if err != nil || offset < 0 {
			h.writeError(w, domain.NewValidationError("offset", "must be a non-negative integer"))
			return
		}

		jobs, total, err := h.jobSvc.List(port.ListFilter{
			Status: domain.JobStatus(q.Get("status")),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total})
	}
}

func (h *Handlers) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			h.writeError(w, err)
			return
		}

		job, err := h.jobSvc.Get(id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (h *Handlers) DeleteJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			h.writeError(w, err)
			return
		}

		outcome, err := h.jobSvc.DeleteOrCancel(id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deleteResponse{
			Success: true,
			Message: fmt.Sprintf("Job %d %s", id, outcome),
		})
	}
}

// ClearJobs serves the bulk delete routes; clear is one of the JobService
// Clear* methods.
func (h *Handlers) ClearJobs(clear func() (int64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := clear()
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deletedCountResponse{DeletedCount: n})
	}
}

func (h *Handlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.jobSvc.Health())
	}
}

func (h *Handlers) Presets() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.jobSvc.Presets())
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Job not found"})
	case errors.Is(err, domain.ErrJobActive):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: domain.ErrJobActive.Error()})
	default:
		h.log.Errorf("request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}

// decodeSettings overlays the supplied fields on the preset of mode. Nil
// means "use the preset" and is resolved by the service.
func decodeSettings(mode domain.Mode, raw json.RawMessage) (*domain.ConversionSettings, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	settings := domain.PresetFor(mode)
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, domain.NewValidationError("settings", "invalid settings: %v", err)
	}
	return &settings, nil
}

func defaultMode(m domain.Mode) domain.Mode {
	if m == "" {
		return domain.ModeDefault
	}
	return m
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError("id", "must be a positive integer")
	}
	return id, nil
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
