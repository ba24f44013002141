package app

import (
	"fmt"
	"strings"
	"time"

	"tumbler/internal/config"
	"tumbler/internal/storage"
)

// mapStorageConfig returns the store and recorder settings; enabled is false
// when history storage is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, storage.RecorderConfig, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, storage.RecorderConfig{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, storage.RecorderConfig{}, false, nil
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, storage.RecorderConfig{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, storage.RecorderConfig{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, storage.RecorderConfig{}, false, err
	}
	rc := storage.RecorderConfig{Retention: retention, PruneSchedule: strings.TrimSpace(sc.PruneSchedule)}
	if rc.PruneSchedule == "" {
		rc.PruneSchedule = config.DefaultPruneSchedule
	}

	if driver == "file" {
		return storage.Config{Driver: "file", Path: path}, rc, true, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, storage.RecorderConfig{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, rc, true, nil
}
