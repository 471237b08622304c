package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

// MaybeRunDev applies pending migrations at startup in dev when
// BAZAAR_AUTO_MIGRATE is set. Other environments migrate through cmd/migrate.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	results, err := Run(ctx, sqlDB, DefaultDir, "up")
	for _, res := range results {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"migration":   res.Source.Path,
			"version":     res.Source.Version,
			"duration_ms": res.Duration.Milliseconds(),
		}), "migration applied")
	}
	if err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	logg.Info(logg.WithField(ctx, "applied", len(results)), "schema up to date")
	return nil
}
