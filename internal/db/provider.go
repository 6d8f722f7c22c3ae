package db

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/common/config"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
)

// Provide opens the configured database and returns the connection pool
// plus a cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		pool, err := OpenSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Database initialized",
			zap.String("db_driver", "sqlite"),
			zap.String("db_path", cfg.Database.Path))
		cleanup := func() error {
			// Update query planner statistics before closing; lightweight
			// and safe to run on every shutdown.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil
	case "postgres":
		pool, err := OpenPostgresPool(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		log.Info("Database initialized", zap.String("db_driver", "postgres"))
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
