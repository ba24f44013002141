package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"tumbler/internal/scheduler"
	"tumbler/internal/thumbnail"
	"tumbler/internal/transport/dbusrpc"
)

type fakeWaiter struct {
	events []scheduler.Event
	closed bool
}

func (w *fakeWaiter) Wait(_ context.Context, handle uint32, fn func(scheduler.Event)) error {
	for _, e := range w.events {
		e.Handle = handle
		fn(e)
	}
	return nil
}

func (w *fakeWaiter) Close() { w.closed = true }

type fakeClient struct {
	queued    [][]string
	mimes     [][]string
	flavor    string
	sched     string
	unqueue   uint32
	dequeued  []uint32
	waiter    *fakeWaiter
	watchedAt int
	calls     int
	closed    bool
}

func (c *fakeClient) Queue(_ context.Context, uris, mimeTypes []string, flavor, sched string, unqueue uint32) (uint32, error) {
	c.calls++
	c.queued = append(c.queued, uris)
	c.mimes = append(c.mimes, mimeTypes)
	c.flavor, c.sched, c.unqueue = flavor, sched, unqueue
	return 7, nil
}

func (c *fakeClient) Dequeue(_ context.Context, handle uint32) error {
	c.dequeued = append(c.dequeued, handle)
	return nil
}

func (c *fakeClient) GetSupported(context.Context) ([]string, []string, error) {
	return []string{"file", "file"}, []string{"image/png", "image/jpeg"}, nil
}

func (c *fakeClient) GetFlavors(context.Context) ([]string, error) {
	return []string{"normal", "large"}, nil
}

func (c *fakeClient) GetSchedulers(context.Context) ([]string, error) {
	return []string{"default", "foreground", "background"}, nil
}

func (c *fakeClient) Watch() (waiter, error) {
	c.watchedAt = c.calls + 1
	if c.waiter == nil {
		c.waiter = &fakeWaiter{}
	}
	return c.waiter, nil
}

func (c *fakeClient) Close() error { c.closed = true; return nil }

// useFake swaps the dialer; tests using it must not run in parallel.
func useFake(t *testing.T, c *fakeClient) {
	t.Helper()
	prev := dial
	dial = func(dbusrpc.Config) (thumbClient, error) { return c, nil }
	t.Cleanup(func() { dial = prev })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQueuePrintsHandle(t *testing.T) {
	fc := &fakeClient{}
	useFake(t, fc)

	out, err := run(t, "queue", "--flavor", "large", "--mime", "image/png", "/tmp/a.png", "sftp://host/b.png")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "handle 7" {
		t.Fatalf("out = %q", out)
	}
	uris := fc.queued[0]
	if uris[0] != "file:///tmp/a.png" || uris[1] != "sftp://host/b.png" {
		t.Fatalf("uris = %v", uris)
	}
	if strings.Join(fc.mimes[0], ",") != "image/png,image/png" {
		t.Fatalf("mimes = %v", fc.mimes[0])
	}
	if fc.flavor != "large" || fc.sched != "default" || !fc.closed {
		t.Fatalf("client state = %+v", fc)
	}
	if fc.watchedAt != 0 {
		t.Fatalf("watched without --wait")
	}
}

func TestQueueWaitPrintsEvents(t *testing.T) {
	fc := &fakeClient{waiter: &fakeWaiter{events: []scheduler.Event{
		{Kind: scheduler.EventStarted},
		{Kind: scheduler.EventReady, URIs: []string{"file:///a.png"}},
		{Kind: scheduler.EventError, URIs: []string{"file:///b.png"}, Code: thumbnail.InvalidFormat, Message: "bad header"},
		{Kind: scheduler.EventFinished},
	}}}
	useFake(t, fc)

	out, err := run(t, "queue", "--wait", "--scheduler", "background", "/a.png", "/b.png")
	if err != nil {
		t.Fatal(err)
	}
	if fc.watchedAt != 1 {
		t.Fatalf("watch must be set up before queueing, got %d", fc.watchedAt)
	}
	for _, want := range []string{"handle 7", "started  7", "ready    file:///a.png", "error    file:///b.png", "bad header", "finished 7"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if !fc.waiter.closed || fc.sched != "background" {
		t.Fatalf("waiter closed=%v sched=%q", fc.waiter.closed, fc.sched)
	}
}

func TestQueueRejectsMismatchedHints(t *testing.T) {
	useFake(t, &fakeClient{})
	_, err := run(t, "queue", "--mime", "image/png", "--mime", "image/gif", "/a", "/b", "/c")
	if err == nil || !strings.Contains(err.Error(), "--mime") {
		t.Fatalf("err = %v", err)
	}
}

func TestDequeue(t *testing.T) {
	fc := &fakeClient{}
	useFake(t, fc)
	if _, err := run(t, "dequeue", "12"); err != nil {
		t.Fatal(err)
	}
	if len(fc.dequeued) != 1 || fc.dequeued[0] != 12 {
		t.Fatalf("dequeued = %v", fc.dequeued)
	}
	for _, bad := range []string{"0", "x", "-1"} {
		if _, err := run(t, "dequeue", "--", bad); err == nil {
			t.Fatalf("dequeue %q accepted", bad)
		}
	}
}

func TestListCommands(t *testing.T) {
	useFake(t, &fakeClient{})
	cases := map[string]string{
		"supported":  "file\timage/png\nfile\timage/jpeg\n",
		"flavors":    "normal\nlarge\n",
		"schedulers": "default\nforeground\nbackground\n",
	}
	for name, want := range cases {
		out, err := run(t, name)
		if err != nil || out != want {
			t.Fatalf("%s = %q, %v", name, out, err)
		}
	}
}

func TestDialErrorSurfaces(t *testing.T) {
	prev := dial
	dial = func(dbusrpc.Config) (thumbClient, error) { return nil, errors.New("no bus") }
	t.Cleanup(func() { dial = prev })
	if _, err := run(t, "flavors"); err == nil || !strings.Contains(err.Error(), "no bus") {
		t.Fatalf("err = %v", err)
	}
}

func TestMimeHints(t *testing.T) {
	t.Parallel()
	got, err := mimeHints(2, nil)
	if err != nil || len(got) != 2 || got[0] != "" {
		t.Fatalf("mimeHints(nil) = %v, %v", got, err)
	}
	got, err = mimeHints(2, []string{"a", "b"})
	if err != nil || got[1] != "b" {
		t.Fatalf("mimeHints(per uri) = %v, %v", got, err)
	}
}
