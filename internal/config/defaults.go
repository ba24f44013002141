package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

const (
	DefaultBusName       = "org.freedesktop.thumbnails.Thumbnailer1"
	DefaultObjectPath    = "/org/freedesktop/thumbnails/Thumbnailer1"
	DefaultIdleTimeout   = "300s"
	DefaultMountSchedule = "@every 2s"
	DefaultPruneSchedule = "@hourly"
	DefaultDebugAddr     = "127.0.0.1:6061"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.Logging.Level = "info"
	cfg.Logging.Console = true
	cfg.DBus.Bus = "session"
	cfg.DBus.Name = DefaultBusName
	cfg.DBus.Path = DefaultObjectPath
	cfg.Lifecycle.IdleTimeout = DefaultIdleTimeout
	cfg.Schedulers.Fallback = "foreground"
	cfg.Schedulers.Foreground.Workers = 1
	cfg.Schedulers.Background.Workers = 1
	cfg.Mounts.Schedule = DefaultMountSchedule
	cfg.Debug.Addr = DefaultDebugAddr
	return cfg
}

var schedulerNames = map[string]bool{"foreground": true, "background": true}

// Validate checks values that cannot be caught by the JSON decoder.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.DBus.Bus)) {
	case "", "session", "system":
	default:
		return fmt.Errorf("dbus.bus: unknown bus %q", cfg.DBus.Bus)
	}
	if p := strings.TrimSpace(cfg.DBus.Path); p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("dbus.path: must be absolute, got %q", p)
	}
	if _, err := ParseDurationField("lifecycle.idle_timeout", cfg.Lifecycle.IdleTimeout); err != nil {
		return err
	}
	if fb := strings.TrimSpace(cfg.Schedulers.Fallback); fb != "" && !schedulerNames[fb] {
		return fmt.Errorf("schedulers.fallback: unknown scheduler %q", fb)
	}
	if cfg.Schedulers.Foreground.Workers < 0 || cfg.Schedulers.Background.Workers < 0 {
		return fmt.Errorf("schedulers.*.workers must be >= 0")
	}
	if _, err := ParseSize("thumbnailers.image.max_file_size", cfg.Thumbnailers.Image.MaxFileSize); err != nil {
		return err
	}
	if _, err := ParseDurationField("thumbnailers.desktop.timeout", cfg.Thumbnailers.Desktop.Timeout); err != nil {
		return err
	}
	if err := validateSchedule("mounts.schedule", cfg.Mounts.Schedule); err != nil {
		return err
	}
	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=sqlite")
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", st.Driver)
		}
		for _, f := range []struct{ path, raw string }{
			{"storage.busy_timeout", st.BusyTimeout},
			{"storage.retention", st.Retention},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if err := validateSchedule("storage.prune_schedule", st.PruneSchedule); err != nil {
			return err
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"debug.read_timeout", cfg.Debug.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout},
		{"debug.idle_timeout", cfg.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func validateSchedule(path, expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%s: invalid schedule %q: %w", path, expr, err)
	}
	return nil
}
