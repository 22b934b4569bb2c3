package history

import (
	"fmt"
	"path/filepath"

	"sphub/internal/config"
	"sphub/internal/sp"
)

// FileName is the database file inside the history data directory.
const FileName = "history.db"

// NewStoreFromConfig opens the history store described by cfg.
func NewStoreFromConfig(cfg config.HistoryConfig, logger sp.Logger, clock sp.Clock) (*Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite history")
		}
		return Open(filepath.Join(cfg.DataDir, FileName), logger, clock)
	case "memory":
		return Open(":memory:", logger, clock)
	default:
		return nil, fmt.Errorf("unknown history type: %s", cfg.Type)
	}
}
