package stores

import (
	"fmt"

	"presence-hub/clock"
	"presence-hub/config"
	"presence-hub/core"
	"presence-hub/stores/memory"
	"presence-hub/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore opens the configured store. clk stamps room activity.
func GetStore(cfg config.StorageConfig, clk clock.Clock) (core.Store, error) {
	var (
		store core.Store
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.Type,
	}

	switch cfg.Type {
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewStore(cfg.DataSourceName, sqlite.WithClock(clk))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
	default:
		store = memory.NewStore(memory.WithClock(clk))
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
