// Package mounts reports mount points that disappear between polls of
// /proc/self/mountinfo.
package mounts

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	logx "tumbler/pkg/logx"
)

const (
	DefaultPath     = "/proc/self/mountinfo"
	DefaultSchedule = "@every 2s"
)

// Parse returns the mount points listed in a mountinfo stream.
func Parse(r io.Reader) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		// id parent major:minor root mountpoint ...
		if len(fields) < 5 {
			return nil, fmt.Errorf("mountinfo line %d: %d fields", line, len(fields))
		}
		out[unescape(fields[4])] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Removed lists the mount points of prev missing from cur, sorted.
func Removed(prev, cur map[string]struct{}) []string {
	var out []string
	for m := range prev {
		if _, ok := cur[m]; !ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// unescape decodes the \ooo octal escapes the kernel uses for spaces, tabs,
// newlines and backslashes.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

type Config struct {
	Path     string
	Schedule string
}

// Monitor polls mountinfo and calls OnUnmount for each vanished mount.
type Monitor struct {
	cfg       Config
	onUnmount func(mount string)
	log       logx.Logger

	mu   sync.Mutex
	last map[string]struct{}
}

func NewMonitor(cfg Config, onUnmount func(mount string), log logx.Logger) *Monitor {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{cfg: cfg, onUnmount: onUnmount, log: log}
}

// Run takes an initial snapshot and polls until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Poll(); err != nil {
		return err
	}
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.Schedule, func() {
		if err := m.Poll(); err != nil {
			m.log.Warn("mountinfo poll failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("mounts schedule %q: %w", m.cfg.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Poll reads mountinfo once and reports mounts gone since the last poll.
func (m *Monitor) Poll() error {
	f, err := os.Open(m.cfg.Path)
	if err != nil {
		return err
	}
	cur, err := Parse(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.last
	m.last = cur
	m.mu.Unlock()

	if prev == nil {
		return nil
	}
	for _, mount := range Removed(prev, cur) {
		m.log.Info("volume unmounted", logx.String("mount", mount))
		if m.onUnmount != nil {
			m.onUnmount(mount)
		}
	}
	return nil
}
