package cmd

import (
	"fmt"
	"log/slog"

	"github.com/koopa0/relay/db"
	"github.com/koopa0/relay/internal/config"
)

// runMigrate applies pending database migrations and exits. Useful for
// deploy pipelines that migrate before rolling the server.
func runMigrate(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations applied",
		"host", cfg.PostgresHost,
		"database", cfg.PostgresDBName,
	)
	return nil
}
