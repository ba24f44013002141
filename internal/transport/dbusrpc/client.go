package dbusrpc

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"tumbler/internal/scheduler"
)

// Client calls a running Thumbnailer1 service.
type Client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	path dbus.ObjectPath
}

func Dial(cfg Config) (*Client, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	return &Client{conn: conn, obj: conn.Object(cfg.name(), cfg.path()), path: cfg.path()}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method string, args ...interface{}) *dbus.Call {
	return c.obj.CallWithContext(ctx, Interface+"."+method, 0, args...)
}

func (c *Client) Queue(ctx context.Context, uris, mimeTypes []string, flavor, sched string, unqueue uint32) (uint32, error) {
	var h uint32
	err := c.call(ctx, "Queue", nonNil(uris), nonNil(mimeTypes), flavor, sched, unqueue).Store(&h)
	return h, err
}

func (c *Client) Dequeue(ctx context.Context, handle uint32) error {
	return c.call(ctx, "Dequeue", handle).Err
}

func (c *Client) GetSupported(ctx context.Context) (schemes, mimeTypes []string, err error) {
	err = c.call(ctx, "GetSupported").Store(&schemes, &mimeTypes)
	return schemes, mimeTypes, err
}

func (c *Client) GetFlavors(ctx context.Context) ([]string, error) {
	var out []string
	err := c.call(ctx, "GetFlavors").Store(&out)
	return out, err
}

func (c *Client) GetSchedulers(ctx context.Context) ([]string, error) {
	var out []string
	err := c.call(ctx, "GetSchedulers").Store(&out)
	return out, err
}

// Watcher receives Thumbnailer1 signals. Create it before queueing so no
// event of the new handle is missed.
type Watcher struct {
	c  *Client
	ch chan *dbus.Signal
}

func (c *Client) Watch() (*Watcher, error) {
	opts := []dbus.MatchOption{dbus.WithMatchObjectPath(c.path), dbus.WithMatchInterface(Interface)}
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("dbus add match: %w", err)
	}
	w := &Watcher{c: c, ch: make(chan *dbus.Signal, 64)}
	c.conn.Signal(w.ch)
	return w, nil
}

// Wait calls fn for each event of handle until its Finished arrives.
func (w *Watcher) Wait(ctx context.Context, handle uint32, fn func(scheduler.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-w.ch:
			if !ok {
				return dbus.ErrClosed
			}
			e, ok := ParseSignal(sig)
			if !ok || e.Handle != handle {
				continue
			}
			if fn != nil {
				fn(e)
			}
			if e.Kind == scheduler.EventFinished {
				return nil
			}
		}
	}
}

func (w *Watcher) Close() {
	w.c.conn.RemoveSignal(w.ch)
	_ = w.c.conn.RemoveMatchSignal(dbus.WithMatchObjectPath(w.c.path), dbus.WithMatchInterface(Interface))
}
