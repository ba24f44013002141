// Package raster generates thumbnails for local raster images.
package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"tumbler/internal/thumbnail"
	logx "tumbler/pkg/logx"
)

const Name = "raster"

var mimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/bmp",
	"image/x-ms-bmp",
	"image/tiff",
}

// Cache is the slice of the thumbnail cache the thumbnailer writes into.
type Cache interface {
	Dir() string
	Path(uri string, flavor *thumbnail.Flavor) string
}

type Config struct {
	// MaxFileSize skips larger sources; 0 means unlimited.
	MaxFileSize int64
	// Excludes lists path prefixes that are never thumbnailed.
	Excludes []string
	Priority int
}

type Thumbnailer struct {
	cfg   Config
	cache Cache
	log   logx.Logger
}

func New(cfg Config, cache Cache, log logx.Logger) *Thumbnailer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Thumbnailer{cfg: cfg, cache: cache, log: log}
}

func (t *Thumbnailer) Name() string         { return Name }
func (t *Thumbnailer) URISchemes() []string { return []string{"file"} }
func (t *Thumbnailer) MimeTypes() []string  { return append([]string(nil), mimeTypes...) }
func (t *Thumbnailer) Priority() int        { return t.cfg.Priority }

// Supports applies the size limit and exclude rules.
func (t *Thumbnailer) Supports(info thumbnail.FileInfo) bool {
	path, ok := info.LocalPath()
	if !ok {
		return false
	}
	for _, ex := range t.cfg.Excludes {
		if ex = strings.TrimSpace(ex); ex == "" {
			continue
		}
		if (thumbnail.FileInfo{URI: "file://" + path}).UnderMount(ex) {
			return false
		}
	}
	if t.cfg.MaxFileSize > 0 {
		st, err := os.Stat(path)
		if err != nil || st.Size() > t.cfg.MaxFileSize {
			return false
		}
	}
	return true
}

func (t *Thumbnailer) Create(ctx context.Context, info thumbnail.FileInfo) error {
	src, ok := info.LocalPath()
	if !ok {
		return thumbnail.Errorf(thumbnail.Unsupported, "not a local file: %s", info.URI)
	}
	if info.Flavor == nil {
		return thumbnail.Errorf(thumbnail.UnsupportedFlavor, "no flavor for %s", info.URI)
	}
	if within(t.cache.Dir(), src) {
		return thumbnail.Errorf(thumbnail.IsThumbnail, "%s is a thumbnail itself", info.URI)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return thumbnail.WithCode(thumbnail.ConnectionError, err)
		}
		return thumbnail.Errorf(thumbnail.InvalidFormat, "decode %s: %w", info.URI, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	size := info.Flavor.Size
	b := img.Bounds()
	if b.Dx() > size || b.Dy() > size {
		img = imaging.Fit(img, size, size, imaging.Lanczos)
	}

	dst := t.cache.Path(info.URI, info.Flavor)
	if err := writePNG(dst, img); err != nil {
		return thumbnail.Errorf(thumbnail.SaveFailed, "save %s: %w", dst, err)
	}
	t.log.Debug("thumbnail written", logx.String("uri", info.URI), logx.String("flavor", info.Flavor.Name))
	return nil
}

func writePNG(dst string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*.png")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func within(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
