// Package desktop runs external thumbnailers described by freedesktop
// *.thumbnailer key files.
package desktop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"tumbler/internal/thumbnail"
	logx "tumbler/pkg/logx"
)

const (
	section        = "Thumbnailer Entry"
	DefaultTimeout = 30 * time.Second
	// Priority sits below the built-in raster thumbnailer.
	Priority = -10
)

var ErrNoExec = errors.New("thumbnailer entry has no Exec")

type Cache interface {
	Dir() string
	Path(uri string, flavor *thumbnail.Flavor) string
}

// Entry is one parsed *.thumbnailer file.
type Entry struct {
	Name      string
	TryExec   string
	Exec      []string
	MimeTypes []string
}

// ParseEntry reads a key file. name defaults to the file's base name.
func ParseEntry(name string, data []byte) (Entry, error) {
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return Entry{}, fmt.Errorf("parse %s: %w", name, err)
	}
	sec, err := f.GetSection(section)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: missing [%s]", name, section)
	}
	e := Entry{
		Name:    name,
		TryExec: strings.TrimSpace(sec.Key("TryExec").String()),
		Exec:    strings.Fields(sec.Key("Exec").String()),
	}
	if len(e.Exec) == 0 {
		return Entry{}, fmt.Errorf("%s: %w", name, ErrNoExec)
	}
	for _, m := range strings.Split(sec.Key("MimeType").String(), ";") {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			e.MimeTypes = append(e.MimeTypes, m)
		}
	}
	return e, nil
}

// DefaultDirs returns the thumbnailers directories of the XDG data dirs.
func DefaultDirs() []string {
	var dirs []string
	home := os.Getenv("XDG_DATA_HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".local", "share")
		}
	}
	if home != "" {
		dirs = append(dirs, filepath.Join(home, "thumbnailers"))
	}
	data := os.Getenv("XDG_DATA_DIRS")
	if data == "" {
		data = "/usr/local/share:/usr/share"
	}
	for _, d := range filepath.SplitList(data) {
		if d != "" {
			dirs = append(dirs, filepath.Join(d, "thumbnailers"))
		}
	}
	return dirs
}

// Load reads every *.thumbnailer file in dirs. Earlier dirs win on name
// clashes. Unreadable files are logged and skipped.
func Load(dirs []string, cache Cache, timeout time.Duration, log logx.Logger) []*Thumbnailer {
	if log.IsZero() {
		log = logx.Nop()
	}
	seen := map[string]bool{}
	var out []*Thumbnailer
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.thumbnailer"))
		if err != nil {
			continue
		}
		sort.Strings(matches)
		for _, path := range matches {
			name := strings.TrimSuffix(filepath.Base(path), ".thumbnailer")
			if seen[name] {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				log.Warn("thumbnailer file unreadable", logx.String("path", path), logx.Err(err))
				continue
			}
			e, err := ParseEntry(name, data)
			if err != nil {
				log.Warn("thumbnailer file invalid", logx.String("path", path), logx.Err(err))
				continue
			}
			if e.TryExec != "" {
				if _, err := exec.LookPath(e.TryExec); err != nil {
					log.Debug("thumbnailer skipped, TryExec not found", logx.String("path", path), logx.String("try_exec", e.TryExec))
					continue
				}
			}
			seen[name] = true
			out = append(out, New(e, cache, timeout, log))
		}
	}
	return out
}

// Thumbnailer runs one entry's command per URI.
type Thumbnailer struct {
	entry   Entry
	cache   Cache
	timeout time.Duration
	log     logx.Logger
}

func New(e Entry, cache Cache, timeout time.Duration, log logx.Logger) *Thumbnailer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Thumbnailer{entry: e, cache: cache, timeout: timeout, log: log.With(logx.String("thumbnailer", e.Name))}
}

func (t *Thumbnailer) Name() string { return "desktop:" + t.entry.Name }

// URISchemes is file only; the command receives a local path through %i.
func (t *Thumbnailer) URISchemes() []string { return []string{"file"} }
func (t *Thumbnailer) MimeTypes() []string  { return append([]string(nil), t.entry.MimeTypes...) }
func (t *Thumbnailer) Priority() int        { return Priority }

func (t *Thumbnailer) Supports(info thumbnail.FileInfo) bool {
	_, ok := info.LocalPath()
	return ok
}

func (t *Thumbnailer) Create(ctx context.Context, info thumbnail.FileInfo) error {
	src, ok := info.LocalPath()
	if !ok {
		return thumbnail.Errorf(thumbnail.Unsupported, "not a local file: %s", info.URI)
	}
	if info.Flavor == nil {
		return thumbnail.Errorf(thumbnail.UnsupportedFlavor, "no flavor for %s", info.URI)
	}
	dst := t.cache.Path(info.URI, info.Flavor)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return thumbnail.WithCode(thumbnail.SaveFailed, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*.png")
	if err != nil {
		return thumbnail.WithCode(thumbnail.SaveFailed, err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	// Some thumbnailers refuse to overwrite.
	_ = os.Remove(tmpPath)
	defer func() { _ = os.Remove(tmpPath) }()

	argv := Expand(t.entry.Exec, info.Flavor.Size, info.URI, src, tmpPath)
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return thumbnail.Errorf(thumbnail.ConnectionError, "%s failed: %s", argv[0], msg)
	}

	st, err := os.Stat(tmpPath)
	if err != nil || st.Size() == 0 {
		return thumbnail.Errorf(thumbnail.SaveFailed, "%s produced no output for %s", argv[0], info.URI)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return thumbnail.WithCode(thumbnail.SaveFailed, err)
	}
	return nil
}

// Expand substitutes %s (size), %u (URI), %i (input path), %o (output path)
// and %% in each Exec argument.
func Expand(exec []string, size int, uri, input, output string) []string {
	out := make([]string, 0, len(exec))
	for _, arg := range exec {
		var b strings.Builder
		for i := 0; i < len(arg); i++ {
			c := arg[i]
			if c != '%' || i+1 == len(arg) {
				b.WriteByte(c)
				continue
			}
			i++
			switch arg[i] {
			case 's':
				b.WriteString(strconv.Itoa(size))
			case 'u':
				b.WriteString(uri)
			case 'i':
				b.WriteString(input)
			case 'o':
				b.WriteString(output)
			case '%':
				b.WriteByte('%')
			default:
				b.WriteByte('%')
				b.WriteByte(arg[i])
			}
		}
		out = append(out, b.String())
	}
	return out
}
