package thumbnail

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
)

// Flavor is a named thumbnail size profile.
type Flavor struct {
	Name string
	Size int
}

// FileInfo describes one URI of a request.
type FileInfo struct {
	URI      string
	MimeType string
	Flavor   *Flavor
}

// Scheme returns the lower-cased URI scheme, or "" for malformed URIs.
func (f FileInfo) Scheme() string {
	return SchemeOf(f.URI)
}

// LocalPath returns the filesystem path of a file:// URI.
func (f FileInfo) LocalPath() (string, bool) {
	return LocalPath(f.URI)
}

// UnderMount reports whether the URI lives below the mount point.
func (f FileInfo) UnderMount(mount string) bool {
	p, ok := f.LocalPath()
	if !ok || mount == "" {
		return false
	}
	mount = filepath.Clean(mount)
	if mount == "/" {
		return true
	}
	p = filepath.Clean(p)
	return p == mount || strings.HasPrefix(p, mount+string(filepath.Separator))
}

func SchemeOf(uri string) string {
	i := strings.Index(uri, ":")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}

func LocalPath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Scheme, "file") {
		return "", false
	}
	if u.Path == "" {
		return "", false
	}
	return u.Path, true
}

// Thumbnailer produces the thumbnail for one URI.
//
// Create must honor ctx cancellation; errors should carry an ErrorCode via
// WithCode so the failure can be reported to the client precisely.
type Thumbnailer interface {
	Name() string
	URISchemes() []string
	MimeTypes() []string
	Priority() int
	Supports(info FileInfo) bool
	Create(ctx context.Context, info FileInfo) error
}
