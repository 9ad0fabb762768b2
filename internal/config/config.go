// Package config provides Viper-based configuration loading for the gameplay
// server and its tools.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level process settings.
type ServerConfig struct {
	// Mode is the process role: "server", "client", or "standalone".
	Mode string `mapstructure:"mode"`
	// Name identifies the process in logs.
	Name string `mapstructure:"name"`
}

// DatabaseConfig holds PostgreSQL connection settings for the definition store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// GameServerConfig holds the authoritative server's transport and tick settings.
type GameServerConfig struct {
	// GRPCHost is the bind/connect address for the gRPC session service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the gRPC session service.
	GRPCPort int `mapstructure:"grpc_port"`
	// TickIntervalMs is the world tick period in milliseconds.
	TickIntervalMs int `mapstructure:"tick_interval_ms"`
	// SnapshotIntervalTicks is how many ticks pass between snapshot broadcasts.
	SnapshotIntervalTicks int `mapstructure:"snapshot_interval_ticks"`
	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int `mapstructure:"send_queue_size"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GameServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.GRPCHost, g.GRPCPort)
}

// TickInterval returns TickIntervalMs as a duration.
func (g GameServerConfig) TickInterval() time.Duration {
	return time.Duration(g.TickIntervalMs) * time.Millisecond
}

// PredictionConfig bounds how long unresolved prediction keys live.
type PredictionConfig struct {
	// OrphanKeyTimeout is the age after which an unresolved key is rejected.
	OrphanKeyTimeout time.Duration `mapstructure:"orphan_key_timeout"`
	// SweepInterval is how often a client sweeps for orphaned keys.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ContentConfig locates ability, effect, and script content.
type ContentConfig struct {
	// Source is where definitions come from: "files" or "postgres".
	Source         string `mapstructure:"source"`
	AbilitiesDir   string `mapstructure:"abilities_dir"`
	EffectsDir     string `mapstructure:"effects_dir"`
	CurvesFile     string `mapstructure:"curves_file"`
	AttributesFile string `mapstructure:"attributes_file"`
	MontagesFile   string `mapstructure:"montages_file"`
	ScriptsDir     string `mapstructure:"scripts_dir"`
	// InstructionLimit caps Lua instructions per hook call; 0 uses the default.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// ObserverConfig holds the websocket snapshot feed settings.
type ObserverConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (o ObserverConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GameServer GameServerConfig `mapstructure:"gameserver"`
	Prediction PredictionConfig `mapstructure:"prediction"`
	Content    ContentConfig    `mapstructure:"content"`
	Observer   ObserverConfig   `mapstructure:"observer"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	checks := []error{
		validateServer(c.Server),
		validateLogging(c.Logging),
		validateGameServer(c.GameServer),
		validatePrediction(c.Prediction),
		validateContent(c.Content),
		validateObserver(c.Observer),
	}
	// The database is only consulted for postgres-sourced content.
	if c.Content.Source == "postgres" {
		checks = append(checks, validateDatabase(c.Database))
	}
	for _, err := range checks {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	validModes := map[string]bool{"server": true, "client": true, "standalone": true}
	if !validModes[s.Mode] {
		return fmt.Errorf("server.mode must be one of [server, client, standalone], got %q", s.Mode)
	}
	if s.Name == "" {
		return fmt.Errorf("server.name must not be empty")
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGameServer(g GameServerConfig) error {
	var errs []string
	if g.GRPCHost == "" {
		errs = append(errs, "gameserver.grpc_host must not be empty")
	}
	if g.GRPCPort < 1 || g.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("gameserver.grpc_port must be 1-65535, got %d", g.GRPCPort))
	}
	if g.TickIntervalMs < 1 {
		errs = append(errs, fmt.Sprintf("gameserver.tick_interval_ms must be >= 1, got %d", g.TickIntervalMs))
	}
	if g.SnapshotIntervalTicks < 1 {
		errs = append(errs, fmt.Sprintf("gameserver.snapshot_interval_ticks must be >= 1, got %d", g.SnapshotIntervalTicks))
	}
	if g.SendQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("gameserver.send_queue_size must be >= 1, got %d", g.SendQueueSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePrediction(p PredictionConfig) error {
	var errs []string
	if p.OrphanKeyTimeout <= 0 {
		errs = append(errs, "prediction.orphan_key_timeout must be positive")
	}
	if p.SweepInterval <= 0 {
		errs = append(errs, "prediction.sweep_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateContent(c ContentConfig) error {
	var errs []string
	switch c.Source {
	case "files":
		if c.AbilitiesDir == "" {
			errs = append(errs, "content.abilities_dir must not be empty")
		}
		if c.EffectsDir == "" {
			errs = append(errs, "content.effects_dir must not be empty")
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Sprintf("content.source must be one of [files, postgres], got %q", c.Source))
	}
	if c.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("content.instruction_limit must be >= 0, got %d", c.InstructionLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateObserver(o ObserverConfig) error {
	if !o.Enabled {
		return nil
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("observer.port must be 1-65535, got %d", o.Port)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with GAMEPLAY_ prefix
	v.SetEnvPrefix("GAMEPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "server")
	v.SetDefault("server.name", "gameplay")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gameplay")
	v.SetDefault("database.password", "gameplay")
	v.SetDefault("database.name", "gameplay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("gameserver.grpc_host", "127.0.0.1")
	v.SetDefault("gameserver.grpc_port", 50051)
	v.SetDefault("gameserver.tick_interval_ms", 50)
	v.SetDefault("gameserver.snapshot_interval_ticks", 4)
	v.SetDefault("gameserver.send_queue_size", 256)

	v.SetDefault("prediction.orphan_key_timeout", "10s")
	v.SetDefault("prediction.sweep_interval", "1s")

	v.SetDefault("content.source", "files")
	v.SetDefault("content.abilities_dir", "content/abilities")
	v.SetDefault("content.effects_dir", "content/effects")
	v.SetDefault("content.instruction_limit", 100000)

	v.SetDefault("observer.enabled", false)
	v.SetDefault("observer.host", "127.0.0.1")
	v.SetDefault("observer.port", 8090)
}
