package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"wa-gateway/internal/middleware"
	"wa-gateway/internal/store"
)

type DeviceKeyHandler struct {
	Store *store.Store
}

type createKeyBody struct {
	Label string `json:"label"`
}

func (h *DeviceKeyHandler) Create(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	var body createKeyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	key, err := h.Store.CreateDeviceKey(identity.UserID, body.Label, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Key creation failed"})
		return
	}

	// The key value is shown exactly once.
	c.JSON(http.StatusOK, gin.H{
		"id":        key.ID,
		"key":       key.Key,
		"label":     key.Label,
		"createdAt": key.CreatedAt,
	})
}

func (h *DeviceKeyHandler) List(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	keys := h.Store.ListDeviceKeys(identity.UserID)
	resp := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, gin.H{
			"id":         k.ID,
			"label":      k.Label,
			"revoked":    k.Revoked,
			"lastUsedAt": k.LastUsedAt,
			"createdAt":  k.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": resp})
}

func (h *DeviceKeyHandler) Revoke(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	keyID := c.Param("id")
	if keyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key id"})
		return
	}

	if !h.Store.RevokeDeviceKey(identity.UserID, keyID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
