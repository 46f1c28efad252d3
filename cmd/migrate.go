package cmd

import (
	"fmt"
	"log/slog"

	"github.com/modelrelay/modelrelay/db"
	"github.com/modelrelay/modelrelay/internal/config"
)

// runMigrate applies pending database migrations and exits. Useful for
// deployments that migrate in an init container rather than at serve start.
func runMigrate(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}
