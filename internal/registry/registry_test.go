package registry

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"tumbler/internal/thumbnail"
)

type fakeThumbnailer struct {
	name     string
	schemes  []string
	mimes    []string
	priority int
	accept   func(thumbnail.FileInfo) bool
}

func (f *fakeThumbnailer) Name() string         { return f.name }
func (f *fakeThumbnailer) URISchemes() []string { return f.schemes }
func (f *fakeThumbnailer) MimeTypes() []string  { return f.mimes }
func (f *fakeThumbnailer) Priority() int        { return f.priority }
func (f *fakeThumbnailer) Supports(info thumbnail.FileInfo) bool {
	return f.accept == nil || f.accept(info)
}
func (f *fakeThumbnailer) Create(context.Context, thumbnail.FileInfo) error { return nil }

func TestGetThumbnailerArrayPicksHighestPriority(t *testing.T) {
	t.Parallel()
	r := New()
	low := &fakeThumbnailer{name: "low", schemes: []string{"file"}, mimes: []string{"image/jpeg"}, priority: 1}
	high := &fakeThumbnailer{name: "high", schemes: []string{"file"}, mimes: []string{"image/jpeg"}, priority: 5}
	r.Add(low)
	r.Add(high)

	infos := []thumbnail.FileInfo{
		{URI: "file:///a.jpg", MimeType: "image/jpeg"},
		{URI: "file:///b.txt", MimeType: "text/plain"},
		{URI: "sftp://h/a.jpg", MimeType: "image/jpeg"},
	}
	got := r.GetThumbnailerArray(infos)
	if len(got) != len(infos) {
		t.Fatalf("len = %d, want %d", len(got), len(infos))
	}
	if got[0] != high {
		t.Fatalf("got[0] = %v, want high", got[0])
	}
	if got[1] != nil || got[2] != nil {
		t.Fatalf("unsupported entries should be nil: %v", got)
	}
}

func TestGetThumbnailerArrayHonorsSupports(t *testing.T) {
	t.Parallel()
	r := New()
	picky := &fakeThumbnailer{name: "picky", schemes: []string{"file"}, mimes: []string{"image/png"}, priority: 9,
		accept: func(info thumbnail.FileInfo) bool { return info.URI != "file:///skip.png" }}
	plain := &fakeThumbnailer{name: "plain", schemes: []string{"file"}, mimes: []string{"image/png"}}
	r.Add(picky)
	r.Add(plain)

	got := r.GetThumbnailerArray([]thumbnail.FileInfo{{URI: "file:///skip.png", MimeType: "image/png"}})
	if got[0] != plain {
		t.Fatalf("expected fallback to plain thumbnailer, got %v", got[0])
	}

	r.Remove("plain")
	got = r.GetThumbnailerArray([]thumbnail.FileInfo{{URI: "file:///skip.png", MimeType: "image/png"}})
	if got[0] != nil {
		t.Fatalf("expected nil after removal, got %v", got[0])
	}
}

func TestGetSupportedUniquePairs(t *testing.T) {
	t.Parallel()
	r := New()
	r.Add(&fakeThumbnailer{name: "a", schemes: []string{"file"}, mimes: []string{"image/png", "image/jpeg"}})
	r.Add(&fakeThumbnailer{name: "b", schemes: []string{"file", "trash"}, mimes: []string{"image/png"}})

	schemes, mimes := r.GetSupported()
	wantSchemes := []string{"file", "file", "trash"}
	wantMimes := []string{"image/jpeg", "image/png", "image/png"}
	if !reflect.DeepEqual(schemes, wantSchemes) || !reflect.DeepEqual(mimes, wantMimes) {
		t.Fatalf("GetSupported = %v %v", schemes, mimes)
	}
}

func TestResolveMimeType(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	png := filepath.Join(dir, "noext")
	// PNG signature followed by an IHDR chunk header.
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}
	if err := os.WriteFile(png, sig, 0o644); err != nil {
		t.Fatal(err)
	}

	if got := ResolveMimeType("file:///x.jpg", "Image/JPEG"); got != "image/jpeg" {
		t.Fatalf("hint: got %q", got)
	}
	if got := ResolveMimeType("file://"+png, ""); got != "image/png" {
		t.Fatalf("sniff: got %q", got)
	}
	if got := ResolveMimeType("file:///missing/photo.png", ""); got != "image/png" {
		t.Fatalf("extension: got %q", got)
	}
	if got := ResolveMimeType("file:///missing/blob", ""); got != fallbackMimeType {
		t.Fatalf("fallback: got %q", got)
	}
}
