// Package app wires configuration, storage and the engine for the binaries.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"commitline/internal/config"
	"commitline/internal/db"
	"commitline/internal/engine"
	"commitline/internal/metrics"
	"commitline/internal/migrate"
)

// Options control Open. Registerer may be nil to skip metrics.
type Options struct {
	Config     *config.Config
	LogOutput  io.Writer
	Registerer prometheus.Registerer
}

// Runtime is an opened store with an engine bound to it.
type Runtime struct {
	Config *config.Config
	Conn   db.Conn
	Engine engine.Engine
	Logger *slog.Logger
}

func (r *Runtime) Close() error {
	return r.Conn.Close()
}

// Open validates the configuration, opens and migrates the store and builds
// the engine with its logger and metrics.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := cfg.Logger(out)
	conn, err := db.Open(db.Config{
		Driver:    db.Dialect(cfg.Store.Driver),
		DSN:       cfg.Store.DSN,
		Workspace: cfg.Store.Workspace,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	if opts.Registerer != nil {
		e.Metrics = metrics.New(opts.Registerer)
	}
	return &Runtime{Config: cfg, Conn: conn, Engine: e, Logger: logger}, nil
}
