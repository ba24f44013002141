package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tumbler/internal/cache"
	"tumbler/internal/config"
	"tumbler/internal/debugsrv"
	"tumbler/internal/lifecycle"
	"tumbler/internal/registry"
	logx "tumbler/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		st      *config.StorageConfig
		enabled bool
		wantErr string
	}{
		{"absent", nil, false, ""},
		{"none", &config.StorageConfig{Driver: "none"}, false, ""},
		{"file", &config.StorageConfig{Driver: "file", Path: "/tmp/h.jsonl", Retention: "24h"}, true, ""},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "/tmp/h.db", BusyTimeout: "2s"}, true, ""},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, false, "storage.path is required"},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, "unknown storage.driver"},
		{"bad retention", &config.StorageConfig{Driver: "file", Path: "/x", Retention: "soon"}, false, "storage.retention"},
	}
	for _, tc := range cases {
		cfg := config.Default()
		cfg.Storage = tc.st
		sc, rc, enabled, err := mapStorageConfig(cfg)
		if tc.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("%s: err = %v, want %q", tc.name, err, tc.wantErr)
			}
			continue
		}
		if err != nil || enabled != tc.enabled {
			t.Fatalf("%s: enabled=%v err=%v", tc.name, enabled, err)
		}
		if !enabled {
			continue
		}
		if rc.PruneSchedule != config.DefaultPruneSchedule {
			t.Fatalf("%s: prune schedule = %q", tc.name, rc.PruneSchedule)
		}
		switch tc.name {
		case "file":
			if sc.Driver != "file" || rc.Retention != 24*time.Hour {
				t.Fatalf("file mapping = %+v %+v", sc, rc)
			}
		case "sqlite":
			if sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second {
				t.Fatalf("sqlite mapping = %+v", sc)
			}
		}
	}
}

func TestMapIdleTimeout(t *testing.T) {
	t.Parallel()
	cases := map[string]time.Duration{
		"":    lifecycle.DefaultIdleTimeout,
		"0":   0,
		"45s": 45 * time.Second,
	}
	for raw, want := range cases {
		cfg := config.Default()
		cfg.Lifecycle.IdleTimeout = raw
		got, err := mapIdleTimeout(cfg)
		if err != nil || got != want {
			t.Fatalf("mapIdleTimeout(%q) = %v, %v", raw, got, err)
		}
	}
	cfg := config.Default()
	cfg.Lifecycle.IdleTimeout = "-1s"
	if _, err := mapIdleTimeout(cfg); err == nil {
		t.Fatalf("negative timeout accepted")
	}
}

func TestMapDebugConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Debug.Addr = ""
	cfg.Debug.Token = "  tok  "
	d, err := mapDebugConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if d.Addr != config.DefaultDebugAddr || d.Token != "tok" || d.ReadTimeout != 5*time.Second || d.WriteTimeout != time.Minute {
		t.Fatalf("debug = %+v", d)
	}

	cfg.Debug.WriteTimeout = "fast"
	if _, err := mapDebugConfig(cfg); err == nil {
		t.Fatalf("bad write timeout accepted")
	}
	if err := validate(cfg); err == nil {
		t.Fatalf("validate accepted bad debug config")
	}
}

func TestRegisterThumbnailers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entry := "[Thumbnailer Entry]\nExec=/bin/sh convert %i %o\nMimeType=application/pdf;\n"
	if err := os.WriteFile(filepath.Join(dir, "pdf.thumbnailer"), []byte(entry), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Thumbnailers.Desktop.Dirs = []string{dir}
	reg := registry.New()
	n, err := registerThumbnailers(cfg, reg, cache.New(t.TempDir()), logx.Nop())
	if err != nil || n != 2 {
		t.Fatalf("registered %d, %v", n, err)
	}
	schemes, mimes := reg.GetSupported()
	joined := strings.Join(mimes, ",")
	if len(schemes) != len(mimes) || !strings.Contains(joined, "image/png") || !strings.Contains(joined, "application/pdf") {
		t.Fatalf("supported = %v %v", schemes, mimes)
	}

	off := false
	cfg.Thumbnailers.Image.Enabled = &off
	cfg.Thumbnailers.Desktop.Enabled = &off
	if n, _ := registerThumbnailers(cfg, registry.New(), cache.New(t.TempDir()), logx.Nop()); n != 0 {
		t.Fatalf("disabled thumbnailers registered %d", n)
	}
}

func TestRunStepBoundsSlowSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ran := false
	runStep(ctx, logx.Nop(), "fast", time.Second, func(context.Context) error { ran = true; return nil })
	if !ran {
		t.Fatalf("step did not run")
	}

	start := time.Now()
	release := make(chan struct{})
	defer close(release)
	runStep(ctx, logx.Nop(), "stuck", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("stuck step blocked stop for %v", took)
	}

	// panics are contained
	runStep(ctx, logx.Nop(), "panic", time.Second, func(context.Context) error { panic("boom") })
}

func TestNotifierIgnoresMissingSystemd(t *testing.T) {
	t.Parallel()
	var states []string
	n := &notifier{log: logx.Nop(), send: func(s string) (bool, error) {
		states = append(states, s)
		if s == "STOPPING=1" {
			return false, errors.New("socket gone")
		}
		return false, nil
	}}
	n.ready()
	n.stopping()
	if strings.Join(states, ",") != "READY=1,STOPPING=1" {
		t.Fatalf("states = %v", states)
	}
}

func TestApplyConfigUpdatesLiveSections(t *testing.T) {
	t.Parallel()
	logs, _ := logx.New(logx.Config{Level: "error"})
	defer logs.Close()
	a := &App{
		log:   logx.Nop(),
		logs:  logs,
		lc:    lifecycle.New(time.Minute, logx.Nop()),
		debug: debugsrv.New(debugsrv.Config{}, debugsrv.Deps{}, logx.Nop()),
	}
	oldCfg := config.Default()
	newCfg := config.Default()
	newCfg.Lifecycle.IdleTimeout = "0"
	newCfg.Schedulers.Foreground.Workers = 4

	a.applyConfig(context.Background(), oldCfg, newCfg)
	if got := a.lc.Timeout(); got != 0 {
		t.Fatalf("idle timeout = %v, want disabled", got)
	}
	if a.debug.Enabled() {
		t.Fatalf("debug server enabled unexpectedly")
	}
}
