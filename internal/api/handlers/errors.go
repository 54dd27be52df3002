package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	"worker_not_found":   http.StatusNotFound,
	"job_not_found":      http.StatusNotFound,
	"worker_offline":     http.StatusConflict,
	"worker_conflict":    http.StatusConflict,
	"worker_at_capacity": http.StatusConflict,
	"job_not_terminal":   http.StatusConflict,
	"job_not_running":    http.StatusConflict,
	"job_not_assignable": http.StatusConflict,
	"job_changed":        http.StatusConflict,
	"stale_assignment":   http.StatusConflict,
	"tick_in_flight":     http.StatusConflict,
	"invalid_progress":   http.StatusBadRequest,
	"invalid_status":     http.StatusBadRequest,
	"invalid_input":      http.StatusBadRequest,
}

// respondError writes err using the sentinel it wraps. Anything unknown is a 500
// and its text is not exposed.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, db.ErrWebhookNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "webhook_not_found", Message: err.Error()})
		return
	}

	code := core.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "internal server error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: message})
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_id", Message: "invalid id"})
		return 0, false
	}
	return id, true
}
