package app

import (
	"strings"
	"time"

	"tumbler/internal/config"
	"tumbler/internal/debugsrv"
	"tumbler/internal/lifecycle"
	"tumbler/internal/mounts"
	"tumbler/internal/registry"
	"tumbler/internal/thumbnailers/desktop"
	"tumbler/internal/thumbnailers/raster"
	"tumbler/internal/transport/dbusrpc"
	logx "tumbler/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDBusConfig(cfg *config.Config) dbusrpc.Config {
	return dbusrpc.Config{
		Bus:       cfg.DBus.Bus,
		Name:      cfg.DBus.Name,
		Path:      cfg.DBus.Path,
		Broadcast: cfg.DBus.BroadcastSignals,
	}
}

// mapIdleTimeout treats an empty value as the default and "0" as disabled.
func mapIdleTimeout(cfg *config.Config) (time.Duration, error) {
	raw := strings.TrimSpace(cfg.Lifecycle.IdleTimeout)
	if raw == "" {
		return lifecycle.DefaultIdleTimeout, nil
	}
	return config.ParseDurationField("lifecycle.idle_timeout", raw)
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 5*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	// profile and trace endpoints stream for up to 30s by default
	write, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	addr := strings.TrimSpace(d.Addr)
	if addr == "" {
		addr = config.DefaultDebugAddr
	}
	return debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// mapMountsConfig reports whether the unmount monitor runs.
func mapMountsConfig(cfg *config.Config) (mounts.Config, bool) {
	return mounts.Config{
		Path:     cfg.Mounts.Path,
		Schedule: cfg.Mounts.Schedule,
	}, config.Enabled(cfg.Mounts.Enabled, true)
}

// registerThumbnailers fills reg from the thumbnailers section and returns
// how many were registered.
func registerThumbnailers(cfg *config.Config, reg *registry.Registry, cache raster.Cache, log logx.Logger) (int, error) {
	n := 0
	tc := cfg.Thumbnailers
	if config.Enabled(tc.Image.Enabled, true) {
		maxSize, err := config.ParseSize("thumbnailers.image.max_file_size", tc.Image.MaxFileSize)
		if err != nil {
			return n, err
		}
		reg.Add(raster.New(raster.Config{
			MaxFileSize: maxSize,
			Excludes:    tc.Image.Excludes,
		}, cache, log.With(logx.String("comp", "thumbnailer.raster"))))
		n++
	}
	if config.Enabled(tc.Desktop.Enabled, true) {
		timeout, err := config.ParseDurationOrDefault("thumbnailers.desktop.timeout", tc.Desktop.Timeout, desktop.DefaultTimeout)
		if err != nil {
			return n, err
		}
		dirs := tc.Desktop.Dirs
		if len(dirs) == 0 {
			dirs = desktop.DefaultDirs()
		}
		for _, t := range desktop.Load(dirs, cache, timeout, log.With(logx.String("comp", "thumbnailer.desktop"))) {
			reg.Add(t)
			n++
		}
	}
	return n, nil
}

// validate rejects configs the mappers cannot apply. It runs before every
// hot-reload commit.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapIdleTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
