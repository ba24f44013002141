// Package dbusrpc exposes the thumbnail service on D-Bus as
// org.freedesktop.thumbnails.Thumbnailer1 and provides a matching client.
package dbusrpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"tumbler/internal/scheduler"
	"tumbler/internal/thumbnail"
)

const (
	Interface   = "org.freedesktop.thumbnails.Thumbnailer1"
	DefaultName = Interface
	DefaultPath = dbus.ObjectPath("/org/freedesktop/thumbnails/Thumbnailer1")

	errInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"
)

const (
	SignalStarted  = "Started"
	SignalReady    = "Ready"
	SignalError    = "Error"
	SignalFinished = "Finished"
)

var ErrNameTaken = errors.New("another generic thumbnailer is already running")

// Config selects the bus and the exported name and path.
type Config struct {
	// Bus is "session" (default) or "system".
	Bus  string
	Name string
	Path string
	// Broadcast emits signals without a destination.
	Broadcast bool
}

func (c Config) name() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return DefaultName
}

func (c Config) path() dbus.ObjectPath {
	if p := strings.TrimSpace(c.Path); p != "" {
		return dbus.ObjectPath(p)
	}
	return DefaultPath
}

// Connect opens a private connection to the configured bus.
func Connect(cfg Config) (*dbus.Conn, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Bus)) {
	case "", "session":
		return dbus.ConnectSessionBus()
	case "system":
		return dbus.ConnectSystemBus()
	default:
		return nil, fmt.Errorf("dbus: unknown bus %q", cfg.Bus)
	}
}

// signalBody returns the member and arguments of the signal for e.
func signalBody(e scheduler.Event) (string, []interface{}, error) {
	switch e.Kind {
	case scheduler.EventStarted:
		return SignalStarted, []interface{}{e.Handle}, nil
	case scheduler.EventReady:
		return SignalReady, []interface{}{e.Handle, nonNil(e.URIs)}, nil
	case scheduler.EventError:
		return SignalError, []interface{}{e.Handle, nonNil(e.URIs), int32(e.Code), e.Message}, nil
	case scheduler.EventFinished:
		return SignalFinished, []interface{}{e.Handle}, nil
	default:
		return "", nil, fmt.Errorf("dbus: no signal for %s", e.Kind)
	}
}

// ParseSignal turns a received Thumbnailer1 signal back into an Event.
func ParseSignal(sig *dbus.Signal) (scheduler.Event, bool) {
	if sig == nil {
		return scheduler.Event{}, false
	}
	iface, member, ok := cutLast(sig.Name, ".")
	if !ok || iface != Interface || len(sig.Body) == 0 {
		return scheduler.Event{}, false
	}
	handle, ok := sig.Body[0].(uint32)
	if !ok {
		return scheduler.Event{}, false
	}
	e := scheduler.Event{Handle: handle, Origin: sig.Sender}
	switch member {
	case SignalStarted:
		e.Kind = scheduler.EventStarted
	case SignalFinished:
		e.Kind = scheduler.EventFinished
	case SignalReady:
		if len(sig.Body) != 2 {
			return scheduler.Event{}, false
		}
		e.Kind = scheduler.EventReady
		e.URIs, ok = sig.Body[1].([]string)
	case SignalError:
		if len(sig.Body) != 4 {
			return scheduler.Event{}, false
		}
		e.Kind = scheduler.EventError
		var code int32
		e.URIs, ok = sig.Body[1].([]string)
		if ok {
			code, ok = sig.Body[2].(int32)
		}
		if ok {
			e.Code = thumbnail.ErrorCode(code)
			e.Message, ok = sig.Body[3].(string)
		}
	default:
		return scheduler.Event{}, false
	}
	return e, ok
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func cutLast(s, sep string) (string, string, bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+len(sep):], true
}

func introspection(path dbus.ObjectPath) *introspect.Node {
	in := func(name, typ string) introspect.Arg { return introspect.Arg{Name: name, Type: typ, Direction: "in"} }
	out := func(name, typ string) introspect.Arg { return introspect.Arg{Name: name, Type: typ, Direction: "out"} }
	arg := func(name, typ string) introspect.Arg { return introspect.Arg{Name: name, Type: typ} }

	return &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: Interface,
				Methods: []introspect.Method{
					{Name: "Queue", Args: []introspect.Arg{
						in("uris", "as"), in("mime_types", "as"), in("flavor", "s"),
						in("scheduler", "s"), in("handle_to_unqueue", "u"), out("handle", "u"),
					}},
					{Name: "Dequeue", Args: []introspect.Arg{in("handle", "u")}},
					{Name: "GetSupported", Args: []introspect.Arg{out("uri_schemes", "as"), out("mime_types", "as")}},
					{Name: "GetSchedulers", Args: []introspect.Arg{out("schedulers", "as")}},
					{Name: "GetFlavors", Args: []introspect.Arg{out("flavors", "as")}},
				},
				Signals: []introspect.Signal{
					{Name: SignalStarted, Args: []introspect.Arg{arg("handle", "u")}},
					{Name: SignalFinished, Args: []introspect.Arg{arg("handle", "u")}},
					{Name: SignalReady, Args: []introspect.Arg{arg("handle", "u"), arg("uris", "as")}},
					{Name: SignalError, Args: []introspect.Arg{
						arg("handle", "u"), arg("failed_uris", "as"), arg("error_code", "i"), arg("message", "s"),
					}},
				},
			},
		},
	}
}
