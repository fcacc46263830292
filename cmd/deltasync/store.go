package main

import (
	"fmt"
	"log/slog"

	"github.com/joohw/deltasync-go/internal/config"
	"github.com/joohw/deltasync-go/pkg/storage"
)

// openAdapter builds the local store adapter selected by the config.
func openAdapter(cfg *config.Config, logger *slog.Logger) (storage.Adapter, error) {
	switch cfg.Local.Driver {
	case config.DriverMemory:
		return storage.NewMemoryAdapter(), nil
	case config.DriverSQLite:
		return storage.NewSQLiteAdapter(cfg.Local.Path, logger)
	case config.DriverBolt:
		return storage.NewBoltAdapter(cfg.Local.Path, logger)
	default:
		return nil, fmt.Errorf("unknown local.driver %q", cfg.Local.Driver)
	}
}
