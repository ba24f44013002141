package cache

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"tumbler/internal/thumbnail"
)

// DefaultFlavor is used when a client passes an empty flavor name.
const DefaultFlavor = "normal"

var builtinFlavors = []thumbnail.Flavor{
	{Name: "normal", Size: 128},
	{Name: "large", Size: 256},
	{Name: "x-large", Size: 512},
	{Name: "xx-large", Size: 1024},
}

// XDG is the freedesktop thumbnail cache rooted at Dir
// ($XDG_CACHE_HOME/thumbnails by default).
type XDG struct {
	dir     string
	flavors []*thumbnail.Flavor
}

// New returns a cache rooted at dir; an empty dir resolves the XDG default.
func New(dir string) *XDG {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = DefaultDir()
	}
	c := &XDG{dir: dir}
	for i := range builtinFlavors {
		f := builtinFlavors[i]
		c.flavors = append(c.flavors, &f)
	}
	return c
}

// DefaultDir returns $XDG_CACHE_HOME/thumbnails, or ~/.cache/thumbnails.
func DefaultDir() string {
	if d := os.Getenv("XDG_CACHE_HOME"); d != "" {
		return filepath.Join(d, "thumbnails")
	}
	if d, err := os.UserCacheDir(); err == nil {
		return filepath.Join(d, "thumbnails")
	}
	return filepath.Join(os.TempDir(), "thumbnails")
}

func (c *XDG) Dir() string { return c.dir }

// GetFlavor resolves name; unknown names return nil.
func (c *XDG) GetFlavor(name string) *thumbnail.Flavor {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultFlavor
	}
	for _, f := range c.flavors {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (c *XDG) GetFlavors() []*thumbnail.Flavor {
	return append([]*thumbnail.Flavor(nil), c.flavors...)
}

// Path returns where the thumbnail of uri in flavor is stored.
func (c *XDG) Path(uri string, flavor *thumbnail.Flavor) string {
	sum := md5.Sum([]byte(uri))
	name := "normal"
	if flavor != nil {
		name = flavor.Name
	}
	return filepath.Join(c.dir, name, hex.EncodeToString(sum[:])+".png")
}

// IsUpToDate reports whether a thumbnail exists that is not older than the
// source file. Non-local URIs are never considered up to date.
func (c *XDG) IsUpToDate(info thumbnail.FileInfo) bool {
	src, ok := info.LocalPath()
	if !ok || info.Flavor == nil {
		return false
	}
	srcStat, err := os.Stat(src)
	if err != nil {
		return false
	}
	thumbStat, err := os.Stat(c.Path(info.URI, info.Flavor))
	if err != nil {
		return false
	}
	return !thumbStat.ModTime().Before(srcStat.ModTime())
}

// Contains reports whether path lies inside the thumbnail cache.
func (c *XDG) Contains(path string) bool {
	rel, err := filepath.Rel(c.dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
