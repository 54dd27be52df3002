package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/core"
)

type WorkerHandler struct {
	workers *core.WorkerService
}

type SetStatusRequest struct {
	Status core.WorkerStatus `json:"status" binding:"required"`
}

type AssignJobRequest struct {
	JobID int64 `json:"job_id" binding:"required"`
}

type AssignJobResponse struct {
	Result core.AssignResult `json:"result"`
}

func NewWorkerHandler(workers *core.WorkerService) *WorkerHandler {
	return &WorkerHandler{workers: workers}
}

func (h *WorkerHandler) Register(c *gin.Context) {
	var req core.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	w, err := h.workers.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	var hb core.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		badRequest(c, err.Error())
		return
	}
	if hb.WorkerID == "" {
		badRequest(c, "worker_id is required")
		return
	}

	ack, err := h.workers.Heartbeat(c.Request.Context(), hb)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (h *WorkerHandler) SetStatus(c *gin.Context) {
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	id := c.Param("id")
	if err := h.workers.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		respondError(c, err)
		return
	}

	w, err := h.workers.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WorkerHandler) List(c *gin.Context) {
	workers, err := h.workers.List(c.Request.Context(), core.WorkerStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	if workers == nil {
		workers = []*core.WorkerNode{}
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (h *WorkerHandler) Get(c *gin.Context) {
	w, err := h.workers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WorkerHandler) Jobs(c *gin.Context) {
	jobs, err := h.workers.Jobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// AssignJob places a job on this worker by hand.
func (h *WorkerHandler) AssignJob(c *gin.Context) {
	var req AssignJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.workers.AssignJob(c.Request.Context(), c.Param("id"), req.JobID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	switch result {
	case core.AssignNotFound:
		status = http.StatusNotFound
	case core.AssignOffline, core.AssignAtCapacity:
		status = http.StatusConflict
	}
	c.JSON(status, AssignJobResponse{Result: result})
}

func (h *WorkerHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/workers/register", h.Register)
	r.POST("/workers/heartbeat", h.Heartbeat)
	r.GET("/workers", h.List)
	r.GET("/workers/:id", h.Get)
	r.PUT("/workers/:id/status", h.SetStatus)
	r.GET("/workers/:id/jobs", h.Jobs)
	r.POST("/workers/:id/jobs", h.AssignJob)
}
