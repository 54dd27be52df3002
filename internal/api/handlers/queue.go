package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/core"
)

type QueueHandler struct {
	jobs      *core.JobService
	scheduler *core.Scheduler
}

type DispatchResponse struct {
	Promoted   []int64  `json:"promoted"`
	Assigned   int      `json:"assigned"`
	RolledBack int      `json:"rolled_back"`
	JobIDs     []int64  `json:"job_ids"`
	WorkerIDs  []string `json:"worker_ids"`
}

type SweepResponse struct {
	WorkerIDs []string `json:"worker_ids"`
	JobIDs    []int64  `json:"job_ids"`
}

func NewQueueHandler(jobs *core.JobService, scheduler *core.Scheduler) *QueueHandler {
	return &QueueHandler{jobs: jobs, scheduler: scheduler}
}

func (h *QueueHandler) GetQueue(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Dispatch runs a queue tick now instead of waiting for the next interval.
func (h *QueueHandler) Dispatch(c *gin.Context) {
	res, err := h.scheduler.DispatchNow(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, DispatchResponse{
		Promoted:   orEmpty(res.Promoted),
		Assigned:   res.Assigned,
		RolledBack: res.RolledBack,
		JobIDs:     orEmpty(res.JobIDs),
		WorkerIDs:  orEmpty(res.WorkerIDs),
	})
}

func (h *QueueHandler) Sweep(c *gin.Context) {
	res, err := h.scheduler.SweepNow(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SweepResponse{
		WorkerIDs: orEmpty(res.WorkerIDs),
		JobIDs:    orEmpty(res.JobIDs),
	})
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (h *QueueHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue", h.GetQueue)
	r.POST("/queue/dispatch", h.Dispatch)
	r.POST("/queue/sweep", h.Sweep)
}
