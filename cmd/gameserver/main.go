// Package main provides the authoritative game server: it loads ability and
// effect content, runs the world simulation, and serves prediction sessions
// over gRPC.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/config"
	"github.com/cory-johannsen/gameplay/internal/observability"
	"github.com/cory-johannsen/gameplay/internal/server"
)

// app is everything main needs once the graph is built.
type app struct {
	lifecycle *server.Lifecycle
	logger    *zap.Logger
}

func newApp(lifecycle *server.Lifecycle, logger *zap.Logger) *app {
	return &app{lifecycle: lifecycle, logger: logger}
}

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "gameserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting game server",
		zap.String("grpc_addr", cfg.GameServer.Addr()),
		zap.String("content_source", cfg.Content.Source),
	)

	a, cleanup, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initializing server", zap.Error(err))
	}
	defer cleanup()

	logger.Info("game server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("grpc_addr", cfg.GameServer.Addr()),
	)

	if err := a.lifecycle.Run(ctx); err != nil {
		a.logger.Error("server error", zap.Error(err))
	}
}
