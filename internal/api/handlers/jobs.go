package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/core"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type ListJobsQuery struct {
	Status   string `form:"status"`
	WorkerID string `form:"worker"`
	Limit    int    `form:"limit"`
	Offset   int    `form:"offset"`
}

type ProgressRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Progress *int   `json:"progress" binding:"required"`
}

type ReleaseRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

type JobHandler struct {
	jobs *core.JobService
}

func NewJobHandler(jobs *core.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req core.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	job, err := h.jobs.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err.Error())
		return
	}
	if query.Limit <= 0 {
		query.Limit = defaultListLimit
	}
	if query.Limit > maxListLimit {
		query.Limit = maxListLimit
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	jobs, err := h.jobs.List(c.Request.Context(), core.JobFilter{
		Status:   core.JobStatus(query.Status),
		WorkerID: query.WorkerID,
		Limit:    query.Limit,
		Offset:   query.Offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  query.Limit,
		"offset": query.Offset,
		"count":  len(jobs),
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) DeleteJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := h.jobs.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) UpdateProgress(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.jobs.UpdateProgress(c.Request.Context(), id, req.WorkerID, *req.Progress); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReportResult records the terminal status a worker reports for a job.
func (h *JobHandler) ReportResult(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var report core.JobReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, err.Error())
		return
	}
	report.JobID = id
	if report.WorkerID == "" {
		badRequest(c, "worker_id is required")
		return
	}

	job, err := h.jobs.ReportResult(c.Request.Context(), report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ReleaseJob returns an assignment the worker refused to the queue.
func (h *JobHandler) ReleaseJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	job, err := h.jobs.Release(c.Request.Context(), id, req.WorkerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) StopJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Stop(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) RestartJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Restart(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) JobLogs(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	logs, err := h.jobs.Logs(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []*core.ExecutionLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:id", h.GetJob)
	r.DELETE("/jobs/:id", h.DeleteJob)
	r.PUT("/jobs/:id/progress", h.UpdateProgress)
	r.PUT("/jobs/:id/status", h.ReportResult)
	r.PUT("/jobs/:id/release", h.ReleaseJob)
	r.PUT("/jobs/:id/stop", h.StopJob)
	r.PUT("/jobs/:id/restart", h.RestartJob)
	r.GET("/jobs/:id/logs", h.JobLogs)
}
