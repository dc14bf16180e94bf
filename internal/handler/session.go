package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"wa-gateway/internal/engine"
	"wa-gateway/internal/middleware"
	"wa-gateway/internal/model"
	"wa-gateway/internal/status"
	"wa-gateway/internal/store"
)

type SessionHandler struct {
	Store  *store.Store
	Status *status.Store
	Engine engine.Client
}

type createSessionBody struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	rec, err := h.Store.CreateSession(body.ID, identity.UserID, body.Name, time.Now().UnixMilli())
	if err == store.ErrConflict {
		c.JSON(http.StatusConflict, gin.H{"error": "Session id already taken"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Session creation failed"})
		return
	}

	st := h.Status.Apply(rec.ID, status.Update{})
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(rec, st)})
}

func (h *SessionHandler) List(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	records := h.Store.ListSessions(identity.UserID)
	resp := make([]gin.H, 0, len(records))
	for _, rec := range records {
		st, ok := h.Status.Get(rec.ID)
		if !ok {
			st = model.SessionStatus{SessionID: rec.ID, Status: model.StateDisconnected}
		}
		resp = append(resp, sessionJSON(rec, st))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *SessionHandler) Get(c *gin.Context) {
	rec, ok := h.authorize(c)
	if !ok {
		return
	}

	st, found := h.Status.Get(rec.ID)
	if !found {
		st = model.SessionStatus{SessionID: rec.ID, Status: model.StateDisconnected}
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(rec, st)})
}

// QR returns the pending scan payload. Outside awaiting-scan there is
// nothing to return.
func (h *SessionHandler) QR(c *gin.Context) {
	rec, ok := h.authorize(c)
	if !ok {
		return
	}

	st, found := h.Status.Get(rec.ID)
	if !found || st.Status != model.StateAwaitingScan {
		c.JSON(http.StatusNotFound, gin.H{"error": "No QR pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qr": st.QRPayload, "qrImage": st.QRImage})
}

func (h *SessionHandler) Start(c *gin.Context) {
	rec, ok := h.authorize(c)
	if !ok {
		return
	}

	if err := h.Engine.Start(c.Request.Context(), rec.ID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) Stop(c *gin.Context) {
	rec, ok := h.authorize(c)
	if !ok {
		return
	}

	if err := h.Engine.Stop(c.Request.Context(), rec.ID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sendMessageBody struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (h *SessionHandler) SendMessage(c *gin.Context) {
	rec, ok := h.authorize(c)
	if !ok {
		return
	}

	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil || body.To == "" || body.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Engine.SendText(c.Request.Context(), rec.ID, body.To, body.Body); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	rec, ok := h.authorize(c)
	if !ok {
		return
	}

	if err := h.Engine.Delete(c.Request.Context(), rec.ID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	h.Store.DeleteSession(rec.ID)
	h.Status.Remove(rec.ID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// authorize enforces the ownership rule on every session-scoped route:
// unknown session is 404, someone else's session is 403, and in both cases
// the engine is never touched.
func (h *SessionHandler) authorize(c *gin.Context) (model.SessionRecord, bool) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return model.SessionRecord{}, false
	}

	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return model.SessionRecord{}, false
	}

	rec, found := h.Store.SessionByID(sessionID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return model.SessionRecord{}, false
	}
	if rec.UserID != identity.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your session"})
		return model.SessionRecord{}, false
	}
	return rec, true
}

func sessionJSON(rec model.SessionRecord, st model.SessionStatus) gin.H {
	out := gin.H{
		"id":        rec.ID,
		"name":      rec.Name,
		"createdAt": rec.CreatedAt,
		"status":    st.Status,
	}
	if st.IdentityNumber != "" {
		out["identityNumber"] = st.IdentityNumber
	}
	if st.DisplayName != "" {
		out["displayName"] = st.DisplayName
	}
	if st.LastError != "" {
		out["lastError"] = st.LastError
	}
	return out
}
