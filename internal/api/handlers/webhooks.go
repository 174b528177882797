package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/httprint/internal/webhook"
)

type WebhookService interface {
	Endpoints() []webhook.Endpoint
	Ping(ctx context.Context, index int) error
}

type WebhookResponse struct {
	ID        int      `json:"id"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	HasSecret bool     `json:"has_secret"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type WebhookHandler struct {
	sender WebhookService
}

func NewWebhookHandler(sender WebhookService) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	endpoints := h.sender.Endpoints()
	responses := make([]WebhookResponse, 0, len(endpoints))
	for i, e := range endpoints {
		events := e.Events
		if events == nil {
			events = []string{}
		}
		responses = append(responses, WebhookResponse{
			ID:        i,
			URL:       e.URL,
			Events:    events,
			HasSecret: e.Secret != "",
		})
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": responses, "count": len(responses)})
}

// TestWebhook delivers a signed ping to one endpoint and reports the result.
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 || id >= len(h.sender.Endpoints()) {
		Respond(c, Err{Kind: KindNotFound, Message: "webhook not found"})
		return
	}

	if err := h.sender.Ping(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusOK, TestWebhookResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "webhook test successful"})
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:id/test", h.TestWebhook)
}
