package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/httprint/internal/core"
)

type JobService interface {
	Job(id string) (core.Job, error)
	Jobs(state core.JobState) []core.Job
	Stats() core.RegistryStats
	Redispatch(ctx context.Context, failedID string) (core.Job, error)
}

type JobResponse struct {
	ID           string     `json:"id"`
	FileName     string     `json:"file_name"`
	FileSize     int64      `json:"file_size"`
	Copies       int        `json:"copies"`
	State        string     `json:"state"`
	Gated        bool       `json:"gated"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ReprintOf    string     `json:"reprint_of,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Duration     *int64     `json:"duration_ms,omitempty"`
}

type ListJobsQuery struct {
	State string `form:"state"`
}

type JobHandler struct {
	jobs JobService
}

func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		Respond(c, badRequest(err.Error()))
		return
	}

	state := core.JobState(query.State)
	if state != "" && !state.IsValid() {
		Respond(c, badRequest("unknown job state: "+query.State))
		return
	}

	jobs := h.jobs.Jobs(state)
	responses := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, jobToResponse(job))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  responses,
		"count": len(responses),
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Job(c.Param("id"))
	if err != nil {
		Respond(c, ErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// RedispatchJob prints a failed job's file again as a new job and answers
// with the new job's outcome.
func (h *JobHandler) RedispatchJob(c *gin.Context) {
	job, err := h.jobs.Redispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		Respond(c, ErrFrom(err).WithJob(job))
		return
	}
	Respond(c, Ok{Message: "file sent to printer", Job: &job})
}

// GetStats reports the jobs currently held in memory by state.
func (h *JobHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.Stats())
}

func jobToResponse(job core.Job) JobResponse {
	resp := JobResponse{
		ID:           job.ID,
		FileName:     job.Handle.Name,
		FileSize:     job.Handle.Size,
		Copies:       job.Copies,
		State:        job.State.String(),
		Gated:        job.HasCode(),
		ErrorMessage: job.LastError,
		ReprintOf:    job.ReprintOf,
		SupersededBy: job.SupersededBy,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		DispatchedAt: job.DispatchedAt,
		FinishedAt:   job.FinishedAt,
	}
	if job.DispatchedAt != nil && job.FinishedAt != nil {
		duration := job.FinishedAt.Sub(*job.DispatchedAt).Milliseconds()
		resp.Duration = &duration
	}
	return resp
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/redispatch", h.RedispatchJob)
	r.GET("/stats", h.GetStats)
}
