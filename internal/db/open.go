package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path string // e.g. "./data/validator.db"
	Env  string // "dev" | "prod"
}

// DSN builds the modernc.org/sqlite DSN with the per-connection PRAGMAs used
// in production and tests.
func DSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)
}

func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*sql.DB, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/validator.db"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// Card sessions commit through one writer; a single connection keeps
	// SQLite from ever seeing two writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	applied, err := Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info().
		Str("path", cfg.Path).
		Str("env", cfg.Env).
		Int("migrations_applied", applied).
		Msg("card store opened")

	return db, nil
}
