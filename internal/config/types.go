package config

// Config is the on-disk daemon configuration. Durations are strings parsed
// with ParseDurationOrDefault so "" means "use the default".
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	DBus         DBusConfig         `json:"dbus"`
	Lifecycle    LifecycleConfig    `json:"lifecycle"`
	Schedulers   SchedulersConfig   `json:"schedulers"`
	Cache        CacheConfig        `json:"cache"`
	Thumbnailers ThumbnailersConfig `json:"thumbnailers"`
	Mounts       MountsConfig       `json:"mounts"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Debug        DebugConfig        `json:"debug"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type DBusConfig struct {
	// Bus is "session" (default) or "system".
	Bus  string `json:"bus"`
	Name string `json:"name"`
	Path string `json:"path"`
	// BroadcastSignals emits signals without a destination.
	BroadcastSignals bool `json:"broadcast_signals"`
}

type LifecycleConfig struct {
	// IdleTimeout is "0" to disable idle shutdown.
	IdleTimeout string `json:"idle_timeout"`
}

type SchedulersConfig struct {
	Fallback   string          `json:"fallback"`
	Foreground SchedulerConfig `json:"foreground"`
	Background SchedulerConfig `json:"background"`
}

type SchedulerConfig struct {
	Workers int `json:"workers"`
}

type CacheConfig struct {
	Dir string `json:"dir"`
}

type ThumbnailersConfig struct {
	Image   ImageThumbnailerConfig   `json:"image"`
	Desktop DesktopThumbnailerConfig `json:"desktop"`
}

type ImageThumbnailerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// MaxFileSize is a byte count or a size like "64MiB"; empty is unlimited.
	MaxFileSize string   `json:"max_file_size"`
	Excludes    []string `json:"excludes,omitempty"`
}

type DesktopThumbnailerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Dirs lists directories searched for *.thumbnailer files. Empty means
	// the XDG data dirs.
	Dirs    []string `json:"dirs,omitempty"`
	Timeout string   `json:"timeout"`
}

type MountsConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule"`
	Path     string `json:"path"`
}

type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout"`
	Retention     string `json:"retention"`
	PruneSchedule string `json:"prune_schedule"`
}

type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Token   string `json:"token"`
	// AllowInsecure permits a non-loopback Addr without a token.
	AllowInsecure bool   `json:"allow_insecure"`
	ReadTimeout   string `json:"read_timeout"`
	WriteTimeout  string `json:"write_timeout"`
	IdleTimeout   string `json:"idle_timeout"`
}

// Enabled reports a tri-state flag, treating nil as def.
func Enabled(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
