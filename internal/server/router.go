package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"wa-gateway/internal/auth"
	"wa-gateway/internal/engine"
	"wa-gateway/internal/handler"
	"wa-gateway/internal/hub"
	"wa-gateway/internal/ingest"
	"wa-gateway/internal/middleware"
	"wa-gateway/internal/socketio"
	"wa-gateway/internal/status"
	"wa-gateway/internal/store"
	"wa-gateway/internal/webhook"
)

type Deps struct {
	Store       *store.Store
	Status      *status.Store
	Engine      engine.Client
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger
}

// Wiring is the assembled core: router plus the ingestor that must
// reconcile and run before the router serves traffic.
type Wiring struct {
	Router   *gin.Engine
	Ingestor *ingest.Ingestor
	Socket   *socketio.Server
}

func New(deps Deps) Wiring {
	gate := auth.NewGate(deps.TokenConfig, deps.Store, func() int64 { return time.Now().UnixMilli() })

	rooms := hub.New()
	socket := socketio.NewServer(socketio.Deps{
		Gate:      gate,
		Ownership: deps.Store,
		Hub:       rooms,
		Logger:    deps.Logger,
	})
	dispatcher := webhook.NewDispatcher(deps.Store, deps.Logger)
	ingestor := ingest.New(ingest.Deps{
		Status:  deps.Status,
		Engine:  deps.Engine,
		Owners:  deps.Store,
		Socket:  socket,
		Webhook: dispatcher,
		Logger:  deps.Logger,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/version", handler.VersionInfo)

	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, LoginLimiter: loginLimiter}
	r.POST("/v1/auth/register", authHandler.Register)
	r.POST("/v1/auth/login", authHandler.Login)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(gate))
	protected.GET("/auth/me", authHandler.Me)

	keyHandler := &handler.DeviceKeyHandler{Store: deps.Store}
	protected.POST("/keys", keyHandler.Create)
	protected.GET("/keys", keyHandler.List)
	protected.DELETE("/keys/:id", keyHandler.Revoke)

	sessionHandler := &handler.SessionHandler{Store: deps.Store, Status: deps.Status, Engine: deps.Engine}
	protected.POST("/sessions", sessionHandler.Create)
	protected.GET("/sessions", sessionHandler.List)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.GET("/sessions/:id/qr", sessionHandler.QR)
	protected.POST("/sessions/:id/start", sessionHandler.Start)
	protected.POST("/sessions/:id/stop", sessionHandler.Stop)
	protected.POST("/sessions/:id/messages", sessionHandler.SendMessage)
	protected.DELETE("/sessions/:id", sessionHandler.Delete)

	webhookHandler := &handler.WebhookHandler{Store: deps.Store, Sessions: sessionHandler}
	protected.PUT("/sessions/:id/webhook", webhookHandler.Upsert)
	protected.GET("/sessions/:id/webhook", webhookHandler.Get)
	protected.DELETE("/sessions/:id/webhook", webhookHandler.Delete)

	r.GET("/socket.io/", gin.WrapH(socket))

	return Wiring{Router: r, Ingestor: ingestor, Socket: socket}
}
