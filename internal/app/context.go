package app

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"cvatsync/internal/config"
	"cvatsync/internal/cvat"
	"cvatsync/internal/db"
	"cvatsync/internal/engine"
	"cvatsync/internal/migrate"
)

// Runtime bundles what every command needs: config, an open store and an engine.
type Runtime struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger *slog.Logger
	closer io.Closer
}

// Options tune Bootstrap.
type Options struct {
	Workspace string
	// RequireConfig fails when cvatsync.yml is missing instead of using defaults.
	RequireConfig bool
	// RequireRemote fails when the annotation service is not configured.
	RequireRemote bool
	// Stderr receives log lines when no log file is configured.
	Stderr io.Writer
	// Override adjusts the loaded config, e.g. from environment variables.
	Override func(*config.Config)
}

// Bootstrap loads the workspace config, opens and migrates the store and
// wires the engine. Callers must Close the runtime.
func Bootstrap(opts Options) (*Runtime, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.RequireConfig {
		cfg, err = config.Load(opts.Workspace)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Finalize(); err != nil {
			return nil, err
		}
	}
	if opts.RequireRemote {
		if err := cfg.RequireRemote(); err != nil {
			return nil, err
		}
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	logger, closer := NewLogger(cfg, stderr)

	conn, dialect, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}
	applied, err := migrate.Migrate(conn, dialect)
	if err != nil {
		conn.Close()
		closeQuietly(closer)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("schema migrated", "applied", applied, "driver", dialect)
	}

	var remote engine.Remote
	if cfg.RequireRemote() == nil {
		remote = cvat.NewWithLogin(cfg.Remote.BaseURL, cfg.Remote.Username, cfg.Remote.Password, cfg.Timeout())
	}
	e := engine.New(conn, dialect, cfg, remote)
	e.Logger = logger
	return &Runtime{Config: cfg, DB: conn, Engine: e, Logger: logger, closer: closer}, nil
}

// Close releases the store and the log file.
func (r *Runtime) Close() error {
	err := r.DB.Close()
	closeQuietly(r.closer)
	return err
}

// NewLogger builds the process logger. A configured log file is rotated by
// size; otherwise lines go to stderr as text.
func NewLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}
	if cfg.Log.File == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), nil
	}
	w := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(w, opts)), w
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
