package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/db"
	"github.com/orrn/jobfleet/internal/webhook"
)

type WebhookHandler struct {
	store  *db.Store
	sender *webhook.Sender
}

// WebhookRequest is used for both create and update. On update, zero fields
// keep the stored value.
type WebhookRequest struct {
	Name    string   `json:"name"`
	URL     string   `json:"url" binding:"omitempty,url"`
	Secret  string   `json:"secret"`
	Events  []string `json:"events"`
	Enabled *bool    `json:"enabled"`
}

// WebhookView never carries the secret.
type WebhookView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Enabled   bool      `json:"enabled"`
	HasSecret bool      `json:"has_secret"`
	CreatedAt time.Time `json:"created_at"`
}

type WebhookTestResult struct {
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

func NewWebhookHandler(store *db.Store, sender *webhook.Sender) *WebhookHandler {
	return &WebhookHandler{store: store, sender: sender}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/webhooks")
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/test", h.test)
}

func (h *WebhookHandler) list(c *gin.Context) {
	hooks, err := h.store.ListWebhooks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]WebhookView, len(hooks))
	for i, w := range hooks {
		views[i] = viewOf(w)
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": views, "count": len(views)})
}

func (h *WebhookHandler) create(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Name == "" || req.URL == "" {
		badRequest(c, "name and url are required")
		return
	}

	w := &db.Webhook{Name: req.Name, URL: req.URL, Secret: req.Secret, Enabled: true}
	if !applyWebhook(c, w, req, true) {
		return
	}
	if err := h.store.CreateWebhook(c.Request.Context(), w); err != nil {
		respondError(c, err)
		return
	}
	// reload for created_at
	stored, err := h.store.GetWebhook(c.Request.Context(), w.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(stored))
}

func (h *WebhookHandler) get(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(w))
}

func (h *WebhookHandler) update(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Name != "" {
		w.Name = req.Name
	}
	if req.URL != "" {
		w.URL = req.URL
	}
	if req.Secret != "" {
		w.Secret = req.Secret
	}
	if !applyWebhook(c, w, req, false) {
		return
	}
	if err := h.store.UpdateWebhook(c.Request.Context(), w); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(w))
}

func (h *WebhookHandler) delete(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteWebhook(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// test delivers one "test" event synchronously. A failed delivery is still a
// 200; the outcome is in the body.
func (h *WebhookHandler) test(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.sender.SendTest(c.Request.Context(), w.ID); err != nil {
		c.JSON(http.StatusOK, WebhookTestResult{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, WebhookTestResult{Delivered: true})
}

func (h *WebhookHandler) load(c *gin.Context) (*db.Webhook, bool) {
	id, ok := paramID(c)
	if !ok {
		return nil, false
	}
	w, err := h.store.GetWebhook(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return w, true
}

// applyWebhook copies events and the enabled flag onto w. Events are
// mandatory on create.
func applyWebhook(c *gin.Context, w *db.Webhook, req WebhookRequest, creating bool) bool {
	if creating && len(req.Events) == 0 {
		badRequest(c, "at least one event is required")
		return false
	}
	for _, event := range req.Events {
		if !webhook.ValidEvent(event) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_event",
				Message: fmt.Sprintf("unknown event %q", event),
			})
			return false
		}
	}
	if len(req.Events) > 0 {
		w.Events = req.Events
	}
	if req.Enabled != nil {
		w.Enabled = *req.Enabled
	}
	return true
}

func viewOf(w *db.Webhook) WebhookView {
	events := w.Events
	if events == nil {
		events = []string{}
	}
	return WebhookView{
		ID:        w.ID,
		Name:      w.Name,
		URL:       w.URL,
		Events:    events,
		Enabled:   w.Enabled,
		HasSecret: w.Secret != "",
		CreatedAt: w.CreatedAt,
	}
}
