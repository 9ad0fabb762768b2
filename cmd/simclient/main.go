// Package main drives ability activations for manual testing. In client mode
// it connects to a game server and predicts each activation; in standalone
// mode it runs a world in process with a locally controlled avatar.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/gameplay/internal/client"
	"github.com/cory-johannsen/gameplay/internal/config"
	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/gameserver"
	"github.com/cory-johannsen/gameplay/internal/observability"
	"github.com/cory-johannsen/gameplay/internal/scripting"
)

type options struct {
	name     string
	loadout  []string
	activate []string
	target   string
	repeat   int
	interval time.Duration
	settle   time.Duration
}

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	mode := flag.String("mode", "", "client or standalone (default: server.mode)")
	name := flag.String("name", "simclient", "avatar name")
	loadout := flag.String("loadout", "", "comma separated abilities to grant")
	activate := flag.String("activate", "", "comma separated abilities to activate, in order")
	target := flag.String("target", "dummy", "standalone only: target entity spawned for event-targeted abilities")
	repeat := flag.Int("repeat", 1, "times to run the activation list")
	interval := flag.Duration("interval", 250*time.Millisecond, "pause between activations")
	settle := flag.Duration("settle", time.Second, "time to let effects run before reporting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *mode == "" {
		*mode = cfg.Server.Mode
	}
	logger, err := observability.NewLogger(cfg.Logging, "simclient")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	opts := options{
		name:     *name,
		loadout:  splitList(*loadout),
		activate: splitList(*activate),
		target:   *target,
		repeat:   *repeat,
		interval: *interval,
		settle:   *settle,
	}
	if len(opts.loadout) == 0 {
		opts.loadout = opts.activate
	}

	catalog, closeScripts, err := loadCatalog(cfg, logger)
	if err != nil {
		logger.Fatal("loading content", zap.Error(err))
	}
	defer closeScripts()

	ctx := context.Background()
	switch *mode {
	case "client":
		err = runClient(ctx, cfg, catalog, opts, logger)
	case "standalone":
		err = runStandalone(ctx, cfg, catalog, opts, logger)
	default:
		fmt.Fprintf(os.Stderr, "unsupported mode %q (supported: client, standalone)\n", *mode)
		os.Exit(1)
	}
	if err != nil {
		logger.Fatal("simulation failed", zap.String("mode", *mode), zap.Error(err))
	}
}

// loadCatalog reads content from files. Predicting clients need the same
// definitions and scripts as the server.
func loadCatalog(cfg config.Config, logger *zap.Logger) (*ability.Catalog, func(), error) {
	catalog, err := ability.LoadCatalog(ability.CatalogFiles{
		Abilities:  cfg.Content.AbilitiesDir,
		Effects:    cfg.Content.EffectsDir,
		Curves:     cfg.Content.CurvesFile,
		Attributes: cfg.Content.AttributesFile,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Content.ScriptsDir == "" {
		return catalog, func() {}, nil
	}
	if info, err := os.Stat(cfg.Content.ScriptsDir); err != nil || !info.IsDir() {
		return catalog, func() {}, nil
	}
	mgr := scripting.NewManager(catalog.Roller, logger)
	if err := mgr.LoadGlobal(cfg.Content.ScriptsDir, cfg.Content.InstructionLimit); err != nil {
		mgr.Close()
		return nil, nil, err
	}
	mgr.Install(catalog)
	return catalog, mgr.Close, nil
}

// runClient connects, runs the activation list against the server and
// reports each verdict.
//
// Flow:
//  1. Dial and start the session
//  2. Wait for the avatar's first snapshot
//  3. Activate each ability, logging the server's verdict
//  4. Report the predicted attributes and hang up
func runClient(ctx context.Context, cfg config.Config, catalog *ability.Catalog, opts options, logger *zap.Logger) error {
	conn, err := client.Dial(cfg.GameServer.Addr())
	if err != nil {
		return err
	}
	defer conn.Close()

	c := client.New(conn, catalog, client.Options{
		Name:             opts.name,
		Loadout:          opts.loadout,
		TickInterval:     cfg.GameServer.TickInterval(),
		OrphanKeyTimeout: cfg.Prediction.OrphanKeyTimeout,
		SweepInterval:    cfg.Prediction.SweepInterval,
		QueueSize:        cfg.GameServer.SendQueueSize,
	}, logger)

	sessCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(sessCtx) }()

	select {
	case <-c.Ready():
	case err := <-done:
		cancel()
		if err == nil {
			err = client.ErrSessionClosed
		}
		return fmt.Errorf("connecting to %s: %w", cfg.GameServer.Addr(), err)
	}
	logger.Info("connected", zap.String("entity", c.EntityID()), zap.String("addr", cfg.GameServer.Addr()))

	for i := 0; i < opts.repeat; i++ {
		for _, id := range opts.activate {
			start := time.Now()
			err := c.Activate(ctx, id)
			fields := []zap.Field{zap.String("ability", id), zap.Duration("elapsed", time.Since(start))}
			switch {
			case err == nil:
				logger.Info("activation confirmed", fields...)
			case errors.Is(err, client.ErrNotRunning):
				cancel()
				return <-done
			default:
				logger.Warn("activation refused", append(fields, zap.String("code", status.Code(err).String()), zap.Error(err))...)
			}
			time.Sleep(opts.interval)
		}
	}
	time.Sleep(opts.settle)

	if err := c.Do(ctx, func() { logAttributes(logger, c.Self()) }); err != nil {
		logger.Warn("reading attributes", zap.Error(err))
	}
	cancel()
	return <-done
}

// runStandalone plays the activation list on a world with no network.
func runStandalone(ctx context.Context, cfg config.Config, catalog *ability.Catalog, opts options, logger *zap.Logger) error {
	var montages map[string]time.Duration
	if cfg.Content.MontagesFile != "" {
		var err error
		if montages, err = ability.LoadMontageLengths(cfg.Content.MontagesFile); err != nil {
			return err
		}
	}
	world := gameserver.NewWorld(catalog, gameserver.WorldConfig{
		SnapshotIntervalTicks: cfg.GameServer.SnapshotIntervalTicks,
		CommandQueueSize:      cfg.GameServer.SendQueueSize,
		Montages:              montages,
	}, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	worldDone := make(chan error, 1)
	go func() { worldDone <- world.Run(runCtx) }()
	go func() { _ = gameserver.NewTickLoop(world, cfg.GameServer.TickInterval()).Run(runCtx) }()

	var (
		hero     *gameserver.Entity
		spawnErr error
	)
	if err := world.Do(ctx, func() {
		if hero, spawnErr = world.Spawn(gameserver.SpawnOptions{Name: opts.name, LocallyControlled: true, Loadout: opts.loadout}); spawnErr != nil {
			return
		}
		if opts.target != "" {
			_, spawnErr = world.Spawn(gameserver.SpawnOptions{ID: opts.target, Name: opts.target})
		}
	}); err != nil {
		return err
	}
	if spawnErr != nil {
		return spawnErr
	}

	for i := 0; i < opts.repeat; i++ {
		for _, id := range opts.activate {
			var actErr error
			if err := world.Do(ctx, func() {
				s, ok := hero.Engine.FindSpecByAbility(id)
				if !ok {
					actErr = client.ErrUnknownAbility
					return
				}
				actErr = hero.Engine.TryActivateAbilityWithEvent(s.Handle, ability.EventData{
					InstigatorID: hero.ID,
					TargetID:     opts.target,
				})
			}); err != nil {
				return err
			}
			if actErr != nil {
				logger.Warn("activation refused", zap.String("ability", id), zap.Error(actErr))
			} else {
				logger.Info("activation started", zap.String("ability", id))
			}
			time.Sleep(opts.interval)
		}
	}
	time.Sleep(opts.settle)

	if err := world.Do(ctx, func() {
		for _, ent := range world.Entities() {
			logAttributes(logger.With(zap.String("entity", ent.ID)), ent.Engine)
		}
	}); err != nil {
		return err
	}
	cancel()
	if err := <-worldDone; !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logAttributes(logger *zap.Logger, eng *ability.Engine) {
	if eng == nil {
		return
	}
	attrs := eng.Attributes()
	fields := make([]zap.Field, 0, len(attrs.Attributes()))
	for _, a := range attrs.Attributes() {
		fields = append(fields, zap.Float64(string(a), attrs.Value(a)))
	}
	logger.Info("attributes", fields...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
