package config

import (
	"reflect"
	"strings"

	logx "tumbler/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log-safe
// attributes describing them. Tokens are never logged.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.DBus != newCfg.DBus {
		changed = append(changed, "dbus")
		attrs = append(attrs, logx.String("dbus.name", newCfg.DBus.Name), logx.Bool("dbus.broadcast_signals", newCfg.DBus.BroadcastSignals))
	}
	if strings.TrimSpace(oldCfg.Lifecycle.IdleTimeout) != strings.TrimSpace(newCfg.Lifecycle.IdleTimeout) {
		changed = append(changed, "lifecycle")
		attrs = append(attrs, logx.String("lifecycle.idle_timeout", newCfg.Lifecycle.IdleTimeout))
	}
	if oldCfg.Schedulers != newCfg.Schedulers {
		changed = append(changed, "schedulers")
		attrs = append(attrs,
			logx.String("schedulers.fallback", newCfg.Schedulers.Fallback),
			logx.Int("schedulers.foreground.workers", newCfg.Schedulers.Foreground.Workers),
			logx.Int("schedulers.background.workers", newCfg.Schedulers.Background.Workers),
		)
	}
	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
	}
	if !reflect.DeepEqual(oldCfg.Thumbnailers, newCfg.Thumbnailers) {
		changed = append(changed, "thumbnailers")
	}
	if !reflect.DeepEqual(oldCfg.Mounts, newCfg.Mounts) {
		changed = append(changed, "mounts")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	od.Token, nd.Token = "", ""
	tokenChanged := oldCfg.Debug.Token != newCfg.Debug.Token
	if od != nd || tokenChanged {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", nd.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "dbus", "schedulers", "cache", "thumbnailers", "mounts", "storage":
			out = append(out, s)
		}
	}
	return out
}
