// Package main copies ability and effect YAML into the definition store so
// a server configured with content.source=postgres can load it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/config"
	"github.com/cory-johannsen/gameplay/internal/game/ability"
	"github.com/cory-johannsen/gameplay/internal/observability"
	"github.com/cory-johannsen/gameplay/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	abilitiesDir := flag.String("abilities", "", "ability YAML directory (default: content.abilities_dir)")
	effectsDir := flag.String("effects", "", "effect YAML directory (default: content.effects_dir)")
	noOverwrite := flag.Bool("no-overwrite", false, "fail instead of replacing stored definitions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging, "import-content")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	files := ability.CatalogFiles{
		Abilities:  firstNonEmpty(*abilitiesDir, cfg.Content.AbilitiesDir),
		Effects:    firstNonEmpty(*effectsDir, cfg.Content.EffectsDir),
		Curves:     cfg.Content.CurvesFile,
		Attributes: cfg.Content.AttributesFile,
	}
	if files.Abilities == "" || files.Effects == "" {
		fmt.Fprintln(os.Stderr, "usage: import-content [-config <file>] [-abilities <dir>] [-effects <dir>] [-no-overwrite]")
		os.Exit(1)
	}

	// Refuse to store content that would not load.
	if _, err := ability.LoadCatalog(files, logger); err != nil {
		logger.Fatal("content does not validate", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := postgres.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer pool.Close()

	imp := &importer{
		repo:        pool.Definitions(),
		noOverwrite: *noOverwrite,
		logger:      logger,
	}
	abilities, err := imp.importDir(ctx, postgres.KindAbility, files.Abilities)
	if err != nil {
		logger.Fatal("importing abilities", zap.Error(err))
	}
	effects, err := imp.importDir(ctx, postgres.KindEffect, files.Effects)
	if err != nil {
		logger.Fatal("importing effects", zap.Error(err))
	}
	logger.Info("import complete",
		zap.Int("abilities", abilities),
		zap.Int("effects", effects),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
	)
}

type importer struct {
	repo        *postgres.DefinitionRepository
	noOverwrite bool
	logger      *zap.Logger
}

// importDir stores every .yaml file in dir as kind and returns the count.
func (i *importer) importDir(ctx context.Context, kind postgres.Kind, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s dir %q: %w", kind, dir, err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		body, err := os.ReadFile(path)
		if err != nil {
			return n, fmt.Errorf("reading %q: %w", path, err)
		}
		var id string
		if i.noOverwrite {
			id, err = i.repo.Create(ctx, kind, body)
		} else {
			id, err = i.repo.Upsert(ctx, kind, body)
		}
		if errors.Is(err, postgres.ErrDefinitionExists) {
			return n, fmt.Errorf("%q: %w (rerun without -no-overwrite to replace)", path, err)
		}
		if err != nil {
			return n, fmt.Errorf("storing %q: %w", path, err)
		}
		i.logger.Debug("definition stored", zap.String("kind", string(kind)), zap.String("id", id), zap.String("file", path))
		n++
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
