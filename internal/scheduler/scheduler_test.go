package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tumbler/internal/thumbnail"
	logx "tumbler/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 256)} }

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

// waitFinished blocks until n Finished events arrived.
func (r *recorder) waitFinished(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	got := 0
	for got < n {
		select {
		case e := <-r.ch:
			if e.Kind == EventFinished {
				got++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d finished events (got %d)", n, got)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type stubThumbnailer struct {
	create func(ctx context.Context, info thumbnail.FileInfo) error
}

func (s *stubThumbnailer) Name() string                     { return "stub" }
func (s *stubThumbnailer) URISchemes() []string             { return []string{"file"} }
func (s *stubThumbnailer) MimeTypes() []string              { return []string{"image/png"} }
func (s *stubThumbnailer) Priority() int                    { return 0 }
func (s *stubThumbnailer) Supports(thumbnail.FileInfo) bool { return true }
func (s *stubThumbnailer) Create(ctx context.Context, info thumbnail.FileInfo) error {
	if s.create == nil {
		return nil
	}
	return s.create(ctx, info)
}

type upToDateSet map[string]bool

func (u upToDateSet) IsUpToDate(info thumbnail.FileInfo) bool { return u[info.URI] }

func mkRequest(t *testing.T, handle uint32, origin string, th thumbnail.Thumbnailer, uris ...string) *Request {
	t.Helper()
	infos := make([]thumbnail.FileInfo, len(uris))
	ths := make([]thumbnail.Thumbnailer, len(uris))
	for i, u := range uris {
		infos[i] = thumbnail.FileInfo{URI: u, MimeType: "image/png"}
		ths[i] = th
	}
	req, err := NewRequest(handle, origin, &thumbnail.Flavor{Name: "normal", Size: 128}, infos, ths)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func kinds(events []Event, handle uint32) []EventKind {
	var out []EventKind
	for _, e := range events {
		if e.Handle == handle {
			out = append(out, e.Kind)
		}
	}
	return out
}

func TestNewRequestLengthMismatch(t *testing.T) {
	t.Parallel()
	_, err := NewRequest(1, "", nil, []thumbnail.FileInfo{{URI: "file:///a"}}, nil)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("err = %v, want ErrLengthMismatch", err)
	}
}

func TestStackQueueIsLIFO(t *testing.T) {
	t.Parallel()
	q := &stackQueue{}
	for h := uint32(1); h <= 3; h++ {
		q.push(&Request{Handle: h})
	}
	if !q.remove(2) || q.remove(2) {
		t.Fatalf("remove should succeed once")
	}
	var got []uint32
	for r := q.pop(); r != nil; r = q.pop() {
		got = append(got, r.Handle)
	}
	if fmt.Sprint(got) != "[3 1]" {
		t.Fatalf("pop order = %v", got)
	}
}

func TestQueueRemoveClearsVacatedSlot(t *testing.T) {
	t.Parallel()
	s := &stackQueue{}
	for h := uint32(1); h <= 3; h++ {
		s.push(&Request{Handle: h})
	}
	s.remove(1)
	if tail := s.items[:3][2]; tail != nil {
		t.Fatalf("stack keeps request %d in its backing array", tail.Handle)
	}

	g := &groupQueue{byOrigin: map[string][]*Request{}}
	for h := uint32(1); h <= 3; h++ {
		g.push(&Request{Handle: h, Origin: "a"})
	}
	g.remove(2)
	list := g.byOrigin["a"]
	if len(list) != 2 || list[:3][2] != nil {
		t.Fatalf("group keeps a removed request reachable: %v", list[:3])
	}
}

func TestGroupQueueRoundRobin(t *testing.T) {
	t.Parallel()
	q := &groupQueue{byOrigin: map[string][]*Request{}}
	q.push(&Request{Handle: 1, Origin: ":1.1"})
	q.push(&Request{Handle: 2, Origin: ":1.1"})
	q.push(&Request{Handle: 3, Origin: ":1.1"})
	q.push(&Request{Handle: 4, Origin: ":1.2"})
	q.push(&Request{Handle: 5, Origin: ":1.3"})
	q.push(&Request{Handle: 6, Origin: ":1.2"})

	var got []uint32
	for r := q.pop(); r != nil; r = q.pop() {
		got = append(got, r.Handle)
	}
	if fmt.Sprint(got) != "[1 4 5 2 6 3]" {
		t.Fatalf("pop order = %v", got)
	}
	if q.len() != 0 || len(q.order) != 0 {
		t.Fatalf("queue not drained: len=%d order=%v", q.len(), q.order)
	}
}

func TestGroupQueueRemoveKeepsRotation(t *testing.T) {
	t.Parallel()
	q := &groupQueue{byOrigin: map[string][]*Request{}}
	q.push(&Request{Handle: 1, Origin: "a"})
	q.push(&Request{Handle: 2, Origin: "b"})
	q.push(&Request{Handle: 3, Origin: "c"})
	if r := q.pop(); r.Handle != 1 {
		t.Fatalf("first pop = %d", r.Handle)
	}
	if !q.remove(2) {
		t.Fatalf("remove(2) failed")
	}
	if r := q.pop(); r == nil || r.Handle != 3 {
		t.Fatalf("second pop = %v, want 3", r)
	}
	if q.pop() != nil {
		t.Fatalf("queue should be empty")
	}
}

func TestPoolEventOrdering(t *testing.T) {
	t.Parallel()
	boom := thumbnail.Errorf(thumbnail.InvalidFormat, "corrupt")
	th := &stubThumbnailer{create: func(_ context.Context, info thumbnail.FileInfo) error {
		if info.URI == "file:///bad.png" {
			return boom
		}
		return nil
	}}
	s := NewStack("foreground", Config{}, upToDateSet{"file:///cached.png": true}, logx.Nop())
	rec := newRecorder()
	s.Subscribe(rec.listen)

	req := mkRequest(t, 7, ":1.5", th, "file:///a.png", "file:///bad.png", "file:///cached.png")
	s.Push(req)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	events := rec.waitFinished(t, 1)
	ks := kinds(events, 7)
	if ks[0] != EventStarted || ks[len(ks)-1] != EventFinished {
		t.Fatalf("kinds = %v", ks)
	}
	started, finished := 0, 0
	var ready []string
	var errs []Event
	for _, e := range events {
		if e.Origin != ":1.5" || e.Scheduler != "foreground" {
			t.Fatalf("event not tagged: %+v", e)
		}
		switch e.Kind {
		case EventStarted:
			started++
		case EventFinished:
			finished++
		case EventReady:
			ready = append(ready, e.URIs...)
		case EventError:
			errs = append(errs, e)
		}
	}
	if started != 1 || finished != 1 {
		t.Fatalf("started=%d finished=%d", started, finished)
	}
	if fmt.Sprint(ready) != "[file:///cached.png file:///a.png]" {
		t.Fatalf("ready = %v", ready)
	}
	if len(errs) != 1 || errs[0].Code != thumbnail.InvalidFormat || errs[0].URIs[0] != "file:///bad.png" {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestPoolMissingThumbnailerReportsUnsupported(t *testing.T) {
	t.Parallel()
	s := NewGroup("background", Config{}, nil, logx.Nop())
	rec := newRecorder()
	s.Subscribe(rec.listen)

	req := mkRequest(t, 3, "", nil, "file:///x.bin")
	s.Push(req)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	events := rec.waitFinished(t, 1)
	if got := kinds(events, 3); fmt.Sprint(got) != "[started error finished]" {
		t.Fatalf("kinds = %v", got)
	}
	if events[1].Code != thumbnail.Unsupported {
		t.Fatalf("code = %v", events[1].Code)
	}
}

func TestPoolDequeueBeforeStart(t *testing.T) {
	t.Parallel()
	s := NewStack("foreground", Config{}, nil, logx.Nop())
	rec := newRecorder()
	s.Subscribe(rec.listen)

	s.Push(mkRequest(t, 1, "", &stubThumbnailer{}, "file:///1.png"))
	s.Push(mkRequest(t, 2, "", &stubThumbnailer{}, "file:///2.png"))
	if !s.Dequeue(1) {
		t.Fatalf("Dequeue(1) did not report the removal")
	}
	if s.Dequeue(1) || s.Dequeue(99) {
		t.Fatalf("Dequeue reported a handle that is not queued")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	events := rec.waitFinished(t, 1)
	if len(kinds(events, 1)) != 0 {
		t.Fatalf("dequeued handle produced events: %v", kinds(events, 1))
	}
	if len(kinds(events, 2)) == 0 {
		t.Fatalf("handle 2 never ran")
	}
}

func TestPoolCancelByMount(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	th := &stubThumbnailer{create: func(ctx context.Context, info thumbnail.FileInfo) error {
		if info.URI == "file:///media/usb/a.png" {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	s := NewStack("foreground", Config{}, nil, logx.Nop())
	rec := newRecorder()
	s.Subscribe(rec.listen)

	s.Push(mkRequest(t, 9, "", th, "file:///media/usb/a.png", "file:///media/usb/b.png", "file:///home/c.png"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("thumbnailer never started")
	}
	s.CancelByMount("/media/usb")

	events := rec.waitFinished(t, 1)
	codes := map[string]thumbnail.ErrorCode{}
	var ready []string
	for _, e := range events {
		switch e.Kind {
		case EventError:
			codes[e.URIs[0]] = e.Code
		case EventReady:
			ready = append(ready, e.URIs...)
		}
	}
	if codes["file:///media/usb/a.png"] != thumbnail.Cancelled || codes["file:///media/usb/b.png"] != thumbnail.Cancelled {
		t.Fatalf("codes = %v", codes)
	}
	if fmt.Sprint(ready) != "[file:///home/c.png]" {
		t.Fatalf("ready = %v", ready)
	}
}

func TestPoolRecoversThumbnailerPanic(t *testing.T) {
	t.Parallel()
	th := &stubThumbnailer{create: func(context.Context, thumbnail.FileInfo) error { panic("kaboom") }}
	s := NewStack("foreground", Config{Workers: 2}, nil, logx.Nop())
	rec := newRecorder()
	s.Subscribe(rec.listen)

	s.Push(mkRequest(t, 4, "", th, "file:///p.png"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	events := rec.waitFinished(t, 1)
	if got := kinds(events, 4); fmt.Sprint(got) != "[started error finished]" {
		t.Fatalf("kinds = %v", got)
	}
}

func TestPoolManyRequestsEachFinishOnce(t *testing.T) {
	t.Parallel()
	s := NewGroup("background", Config{Workers: 4}, nil, logx.Nop())
	rec := newRecorder()
	s.Subscribe(rec.listen)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	const n = 40
	for h := uint32(1); h <= n; h++ {
		s.Push(mkRequest(t, h, fmt.Sprintf(":1.%d", h%3), &stubThumbnailer{}, fmt.Sprintf("file:///%d.png", h)))
	}
	events := rec.waitFinished(t, n)
	for h := uint32(1); h <= n; h++ {
		if got := kinds(events, h); fmt.Sprint(got) != "[started ready finished]" {
			t.Fatalf("handle %d kinds = %v", h, got)
		}
	}
	if st := s.(*pool).Stats(); st.Queued != 0 || st.Active != 0 {
		t.Fatalf("stats = %+v", st)
	}
}
