package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/archive"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
}

func NewArchiveHandler(archiver *archive.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.list)
	r.POST("/archives/run", h.run)
}

func (h *ArchiveHandler) list(c *gin.Context) {
	files, err := h.archiver.ListArchives(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": orEmpty(files), "count": len(files)})
}

// run archives eligible jobs now, independent of the cron schedule.
func (h *ArchiveHandler) run(c *gin.Context) {
	res, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
