package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/gameplay/internal/config"
	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/gameserver"
	"github.com/cory-johannsen/gameplay/internal/netproto"
	"github.com/cory-johannsen/gameplay/internal/scripting"
	"github.com/cory-johannsen/gameplay/internal/server"
	"github.com/cory-johannsen/gameplay/internal/storage/postgres"
)

var providerSet = wire.NewSet(
	provideCatalog,
	provideScripting,
	provideWorld,
	provideService,
	provideGRPCServer,
	provideObserverFeed,
	provideLifecycle,
	newApp,
)

func catalogFiles(c config.ContentConfig) ability.CatalogFiles {
	return ability.CatalogFiles{
		Abilities:  c.AbilitiesDir,
		Effects:    c.EffectsDir,
		Curves:     c.CurvesFile,
		Attributes: c.AttributesFile,
	}
}

// provideCatalog loads definitions from the configured source. Curves and
// attributes always come from files.
func provideCatalog(ctx context.Context, cfg config.Config, logger *zap.Logger) (*ability.Catalog, error) {
	files := catalogFiles(cfg.Content)
	if cfg.Content.Source != "postgres" {
		return ability.LoadCatalog(files, logger)
	}

	pool, err := postgres.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to definition store: %w", err)
	}
	defer pool.Close()

	repo := pool.Definitions()
	abilities, err := repo.LoadAbilities(ctx)
	if err != nil {
		return nil, err
	}
	effects, err := repo.LoadEffects(ctx)
	if err != nil {
		return nil, err
	}
	return ability.AssembleCatalog(abilities, effects, files, logger)
}

// provideScripting loads the Lua hooks and installs them on catalog. It
// returns a nil manager when no scripts directory is configured or present.
func provideScripting(cfg config.Config, catalog *ability.Catalog, logger *zap.Logger) (*scripting.Manager, func(), error) {
	dir := cfg.Content.ScriptsDir
	if dir == "" {
		return nil, func() {}, nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		logger.Warn("scripts directory not found, scripting disabled", zap.String("dir", dir))
		return nil, func() {}, nil
	}
	scriptStart := time.Now()
	mgr := scripting.NewManager(catalog.Roller, logger)
	if err := mgr.LoadGlobal(dir, cfg.Content.InstructionLimit); err != nil {
		mgr.Close()
		return nil, nil, fmt.Errorf("loading scripts from %s: %w", dir, err)
	}
	mgr.Install(catalog)
	logger.Info("scripting engine initialized",
		zap.String("dir", dir),
		zap.Duration("elapsed", time.Since(scriptStart)),
	)
	return mgr, mgr.Close, nil
}

// provideWorld builds the world once content and scripting are ready.
func provideWorld(cfg config.Config, catalog *ability.Catalog, scripts *scripting.Manager, logger *zap.Logger) (*gameserver.World, error) {
	var montages map[string]time.Duration
	if cfg.Content.MontagesFile != "" {
		var err error
		if montages, err = ability.LoadMontageLengths(cfg.Content.MontagesFile); err != nil {
			return nil, fmt.Errorf("loading montages: %w", err)
		}
	}
	logger.Info("world configured",
		zap.Int("montages", len(montages)),
		zap.Bool("scripting", scripts != nil),
		zap.Duration("tick_interval", cfg.GameServer.TickInterval()),
	)
	return gameserver.NewWorld(catalog, gameserver.WorldConfig{
		SnapshotIntervalTicks: cfg.GameServer.SnapshotIntervalTicks,
		CommandQueueSize:      cfg.GameServer.SendQueueSize,
		Montages:              montages,
	}, logger), nil
}

func provideService(cfg config.Config, world *gameserver.World, logger *zap.Logger) *gameserver.Service {
	return gameserver.NewService(world, cfg.GameServer.SendQueueSize, logger)
}

func provideGRPCServer(svc *gameserver.Service) *grpc.Server {
	srv := grpc.NewServer(grpc.ForceServerCodec(netproto.Codec{}))
	svc.Register(srv)
	return srv
}

// provideObserverFeed returns nil when the feed is disabled.
func provideObserverFeed(cfg config.Config, world *gameserver.World, logger *zap.Logger) *gameserver.ObserverFeed {
	if !cfg.Observer.Enabled {
		return nil
	}
	feed := gameserver.NewObserverFeed(cfg.Observer.Addr(), logger)
	world.AddPublisher(feed)
	return feed
}

// provideLifecycle orders startup: the world goroutine first, then its tick
// source, then the listeners that feed it work.
func provideLifecycle(cfg config.Config, world *gameserver.World, grpcServer *grpc.Server, feed *gameserver.ObserverFeed, logger *zap.Logger) *server.Lifecycle {
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("world", server.ContextService(world.Run))
	lifecycle.Add("tick", server.ContextService(gameserver.NewTickLoop(world, cfg.GameServer.TickInterval()).Run))

	lifecycle.Add("grpc", &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", cfg.GameServer.Addr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.GameServer.Addr(), err)
			}
			logger.Info("gRPC server listening",
				zap.String("addr", lis.Addr().String()),
			)
			return grpcServer.Serve(lis)
		},
		StopFn: func() {
			grpcServer.GracefulStop()
		},
	})

	if feed != nil {
		lifecycle.Add("observer", &server.FuncService{
			StartFn: feed.Start,
			StopFn:  feed.Stop,
		})
	}
	return lifecycle
}
