// Package postgres stores ability and effect definitions in PostgreSQL
// using pgx v5, so content can be edited without redeploying files.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/config"
)

const connectTimeout = 10 * time.Second

// Pool is a connection to the definition store.
type Pool struct {
	pool *pgxpool.Pool
}

// Open connects to the definition store described by cfg.
//
// Precondition: cfg must contain valid database connection parameters;
// logger must be non-nil.
// Postcondition: Returns a Pool that has answered a ping within
// connectTimeout, or a non-nil error.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	start := time.Now()
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	logger.Info("definition store connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Pool{pool: pool}, nil
}

// Definitions returns a repository backed by the pool.
func (p *Pool) Definitions() *DefinitionRepository {
	return NewDefinitionRepository(p.pool)
}

// Close releases every connection. The pool is unusable afterwards.
func (p *Pool) Close() {
	p.pool.Close()
}
