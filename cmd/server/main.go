package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"wa-gateway/internal/auth"
	"wa-gateway/internal/config"
	"wa-gateway/internal/engine"
	"wa-gateway/internal/server"
	"wa-gateway/internal/status"
	"wa-gateway/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	bridge := engine.NewBridge(cfg.EngineURL, cfg.EngineToken, logger)
	defer bridge.Close()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "wa-gateway",
	}

	wiring := server.New(server.Deps{
		Store:       st,
		Status:      status.New(),
		Engine:      bridge,
		TokenConfig: tokenCfg,
		Logger:      logger,
	})

	// The projection must be seeded before the first request is served.
	ctx := context.Background()
	if err := wiring.Ingestor.Reconcile(ctx); err != nil {
		log.Fatalf("reconcile against engine failed: %v", err)
	}
	wiring.Ingestor.Run(ctx)

	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, wiring.Router))
}
