package storage

import (
	"fmt"
	"strings"

	logx "tumbler/pkg/logx"
)

// Open returns the history store for cfg.Driver, or (nil, nil) when history
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		st  Store
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s history at %s: %w", cfg.Driver, cfg.Path, err)
	}
	log.Info("history store opened", logx.String("driver", cfg.Driver), logx.String("path", cfg.Path))
	return st, nil
}
