package registry

import (
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"tumbler/internal/thumbnail"
)

const fallbackMimeType = "application/octet-stream"

// Registry maps (URI scheme, MIME type) pairs to thumbnailers.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string][]thumbnail.Thumbnailer
	all   map[string]thumbnail.Thumbnailer
}

func New() *Registry {
	return &Registry{
		byKey: map[string][]thumbnail.Thumbnailer{},
		all:   map[string]thumbnail.Thumbnailer{},
	}
}

func key(scheme, mimeType string) string {
	return strings.ToLower(scheme) + "-" + strings.ToLower(mimeType)
}

// Add registers t for every scheme/MIME pair it declares. A thumbnailer with
// the same name replaces the previous one.
func (r *Registry) Add(t thumbnail.Thumbnailer) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(t.Name())
	r.all[t.Name()] = t
	for _, s := range t.URISchemes() {
		for _, m := range t.MimeTypes() {
			k := key(s, m)
			list := append(r.byKey[k], t)
			sort.SliceStable(list, func(i, j int) bool { return list[i].Priority() > list[j].Priority() })
			r.byKey[k] = list
		}
	}
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	r.removeLocked(name)
	r.mu.Unlock()
}

func (r *Registry) removeLocked(name string) {
	if _, ok := r.all[name]; !ok {
		return
	}
	delete(r.all, name)
	for k, list := range r.byKey {
		out := list[:0]
		for _, t := range list {
			if t.Name() != name {
				out = append(out, t)
			}
		}
		if len(out) == 0 {
			delete(r.byKey, k)
		} else {
			r.byKey[k] = out
		}
	}
}

// GetThumbnailerArray returns one thumbnailer per info (nil when none fits).
func (r *Registry) GetThumbnailerArray(infos []thumbnail.FileInfo) []thumbnail.Thumbnailer {
	out := make([]thumbnail.Thumbnailer, len(infos))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, info := range infos {
		for _, t := range r.byKey[key(info.Scheme(), info.MimeType)] {
			if t.Supports(info) {
				out[i] = t
				break
			}
		}
	}
	return out
}

// GetSupported returns parallel arrays of every supported scheme/MIME pair.
func (r *Registry) GetSupported() (schemes, mimeTypes []string) {
	type pair struct{ scheme, mime string }
	seen := map[pair]struct{}{}
	r.mu.RLock()
	for _, t := range r.all {
		for _, s := range t.URISchemes() {
			for _, m := range t.MimeTypes() {
				seen[pair{strings.ToLower(s), strings.ToLower(m)}] = struct{}{}
			}
		}
	}
	r.mu.RUnlock()

	pairs := make([]pair, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].scheme != pairs[j].scheme {
			return pairs[i].scheme < pairs[j].scheme
		}
		return pairs[i].mime < pairs[j].mime
	})
	schemes = make([]string, len(pairs))
	mimeTypes = make([]string, len(pairs))
	for i, p := range pairs {
		schemes[i] = p.scheme
		mimeTypes[i] = p.mime
	}
	return schemes, mimeTypes
}

// ResolveMimeType prefers the caller's hint, then content sniffing for local
// files, then the file extension.
func ResolveMimeType(uri, hint string) string {
	if h := strings.TrimSpace(hint); h != "" {
		return strings.ToLower(h)
	}
	path, local := thumbnail.LocalPath(uri)
	if local {
		if m, err := mimetype.DetectFile(path); err == nil {
			if base, _, _ := strings.Cut(m.String(), ";"); base != "" && base != fallbackMimeType {
				return base
			}
		}
	} else {
		path = uri
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		base, _, _ := strings.Cut(byExt, ";")
		return base
	}
	return fallbackMimeType
}
