package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"knock-pipeline/internal/entity"
	"knock-pipeline/internal/service"
)

// Pipeline is the orchestrator surface the handlers need.
type Pipeline interface {
	Execute(ctx context.Context, in entity.PipelineInput) (service.ExecuteResult, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*entity.JobWithLogs, error)
	GetJobResult(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error)
	RetryJob(ctx context.Context, jobID uuid.UUID) (service.ExecuteResult, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	GetUserJobs(ctx context.Context, userID string, f entity.JobFilter) ([]entity.Job, error)
}

type Handler struct {
	pipeline Pipeline
}

func NewHandler(p Pipeline) *Handler {
	return &Handler{pipeline: p}
}

type cancelResp struct {
	JobID  uuid.UUID        `json:"jobId"`
	Status entity.JobStatus `json:"status"`
}

// CreateJob godoc
// @Summary Start a persona pipeline
// @Description Creates a processing job and dispatches it. The response does not wait for the stages.
// @Tags pipeline
// @Accept json
// @Produce json
// @Param request body entity.PipelineInput true "onboarding answers"
// @Success 202 {object} service.ExecuteResult
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /pipeline/jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var in entity.PipelineInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := h.pipeline.Execute(r.Context(), in)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// GetJob godoc
// @Summary Get job status with stage logs
// @Tags pipeline
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} entity.JobWithLogs
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /pipeline/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.pipeline.GetJobStatus(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// GetJobResult godoc
// @Summary Get the output of a completed job
// @Tags pipeline
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} entity.PipelineOutput
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /pipeline/jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	out, err := h.pipeline.GetJobResult(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	// raw output, no re-encoding
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// RetryJob godoc
// @Summary Retry a failed job
// @Description Starts a new attempt under the same job id.
// @Tags pipeline
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 202 {object} service.ExecuteResult
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /pipeline/jobs/{id}/retry [post]
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	res, err := h.pipeline.RetryJob(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// CancelJob godoc
// @Summary Cancel a processing job
// @Description Marks the job failed. A stage already running finishes but its result is dropped.
// @Tags pipeline
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} cancelResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /pipeline/jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	if err := h.pipeline.CancelJob(r.Context(), id); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResp{JobID: id, Status: entity.StatusFailed})
}

// ListUserJobs godoc
// @Summary List a user's jobs
// @Tags users
// @Produce json
// @Param userId path string true "user id"
// @Param status query string false "pending|processing|completed|failed"
// @Param limit query int false "page size (default 20, max 100)"
// @Param offset query int false "rows to skip"
// @Param sort query string false "created_at|completed_at|quality_score"
// @Param order query string false "asc|desc (default desc)"
// @Success 200 {array} entity.Job
// @Failure 400 {object} apiError
// @Router /users/{userId}/jobs [get]
func (h *Handler) ListUserJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseJobFilter(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.pipeline.GetUserJobs(r.Context(), chi.URLParam(r, "userId"), f)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

type queryError string

func (e queryError) Error() string { return string(e) }

func parseJobFilter(r *http.Request) (entity.JobFilter, error) {
	q := r.URL.Query()
	f := entity.JobFilter{SortBy: entity.JobSort(q.Get("sort")), SortDescending: true}

	if s := q.Get("status"); s != "" {
		st := entity.JobStatus(s)
		f.Status = &st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return f, queryError("invalid limit")
		}
		f.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, queryError("invalid offset")
		}
		f.Offset = n
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		f.SortDescending = false
	default:
		return f, queryError("order must be asc or desc")
	}
	return f, nil
}
