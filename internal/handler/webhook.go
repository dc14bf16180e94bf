package handler

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"wa-gateway/internal/model"
	"wa-gateway/internal/store"
)

// WebhookHandler manages the single callback registration a session may
// have. All routes ride on the session authorization of SessionHandler.
type WebhookHandler struct {
	Store    *store.Store
	Sessions *SessionHandler
}

var knownEvents = map[string]struct{}{
	"session.qr":           {},
	"session.status":       {},
	"session.connected":    {},
	"session.disconnected": {},
	"session.error":        {},
	"message.received":     {},
}

type upsertWebhookBody struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

func (h *WebhookHandler) Upsert(c *gin.Context) {
	rec, ok := h.Sessions.authorize(c)
	if !ok {
		return
	}

	var body upsertWebhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	parsed, err := url.Parse(body.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook URL"})
		return
	}
	if len(body.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one event required"})
		return
	}
	for _, e := range body.Events {
		if _, ok := knownEvents[e]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown event: " + e})
			return
		}
	}

	active := true
	if body.Active != nil {
		active = *body.Active
	}

	reg, err := h.Store.UpsertWebhook(model.WebhookRegistration{
		UserID:    rec.UserID,
		SessionID: rec.ID,
		URL:       body.URL,
		Secret:    body.Secret,
		Events:    body.Events,
		Active:    active,
	}, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook save failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"webhook": webhookJSON(reg)})
}

func (h *WebhookHandler) Get(c *gin.Context) {
	rec, ok := h.Sessions.authorize(c)
	if !ok {
		return
	}

	reg, found := h.Store.WebhookForSession(rec.ID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No webhook registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": webhookJSON(reg)})
}

func (h *WebhookHandler) Delete(c *gin.Context) {
	rec, ok := h.Sessions.authorize(c)
	if !ok {
		return
	}

	if !h.Store.DeleteWebhook(rec.ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No webhook registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func webhookJSON(reg model.WebhookRegistration) gin.H {
	return gin.H{
		"id":        reg.ID,
		"sessionId": reg.SessionID,
		"url":       reg.URL,
		"hasSecret": reg.Secret != "",
		"events":    reg.Events,
		"active":    reg.Active,
		"createdAt": reg.CreatedAt,
		"updatedAt": reg.UpdatedAt,
	}
}
