package dbusrpc

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"tumbler/internal/scheduler"
	"tumbler/internal/service"
	logx "tumbler/pkg/logx"
)

// Service is what the bus object forwards to.
type Service interface {
	Queue(origin string, uris, mimeHints []string, flavorName, schedulerName string, dequeueHandle uint32) (uint32, error)
	Dequeue(handle uint32)
	GetSupported() (schemes, mimeTypes []string)
	GetFlavors() []string
	GetSchedulers() []string
}

// Server owns the bus name and the exported object.
type Server struct {
	cfg  Config
	conn *dbus.Conn
	svc  Service
	log  logx.Logger
}

func NewServer(conn *dbus.Conn, cfg Config, svc Service, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, conn: conn, svc: svc, log: log}
}

// Start exports the object and claims the bus name. It fails with
// ErrNameTaken when another process owns the name.
func (s *Server) Start() error {
	path := s.cfg.path()
	if err := s.conn.Export(&object{svc: s.svc, log: s.log}, path, Interface); err != nil {
		return fmt.Errorf("dbus export: %w", err)
	}
	if err := s.conn.Export(introspect.NewIntrospectable(introspection(path)), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("dbus export introspection: %w", err)
	}
	reply, err := s.conn.RequestName(s.cfg.name(), dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("dbus request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return ErrNameTaken
	}
	s.log.Info("dbus service registered", logx.String("name", s.cfg.name()), logx.String("path", string(path)))
	return nil
}

// Stop releases the name and unexports the object. The connection is left
// open for the emitter to drain.
func (s *Server) Stop() {
	path := s.cfg.path()
	if _, err := s.conn.ReleaseName(s.cfg.name()); err != nil {
		s.log.Debug("dbus release name failed", logx.Err(err))
	}
	_ = s.conn.Export(nil, path, Interface)
	_ = s.conn.Export(nil, path, "org.freedesktop.DBus.Introspectable")
}

// object is the exported value; godbus dispatches calls to its methods.
type object struct {
	svc Service
	log logx.Logger
}

func (o *object) Queue(sender dbus.Sender, uris, mimeTypes []string, flavor, sched string, unqueue uint32) (uint32, *dbus.Error) {
	h, err := o.svc.Queue(string(sender), uris, mimeTypes, flavor, sched, unqueue)
	if err != nil {
		return 0, toDBusError(err)
	}
	o.log.Debug("queued", logx.Uint32("handle", h), logx.String("origin", string(sender)), logx.Int("uris", len(uris)))
	return h, nil
}

func (o *object) Dequeue(handle uint32) *dbus.Error {
	o.svc.Dequeue(handle)
	return nil
}

func (o *object) GetSupported() ([]string, []string, *dbus.Error) {
	schemes, mimes := o.svc.GetSupported()
	return nonNil(schemes), nonNil(mimes), nil
}

func (o *object) GetFlavors() ([]string, *dbus.Error) {
	return nonNil(o.svc.GetFlavors()), nil
}

func (o *object) GetSchedulers() ([]string, *dbus.Error) {
	return nonNil(o.svc.GetSchedulers()), nil
}

func toDBusError(err error) *dbus.Error {
	if errors.Is(err, service.ErrInvalidArguments) {
		return dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
	}
	return dbus.MakeFailedError(err)
}

// signalConn is the part of *dbus.Conn the emitter needs.
type signalConn interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	Send(msg *dbus.Message, ch chan *dbus.Call) *dbus.Call
}

// Emitter sends lifecycle events as Thumbnailer1 signals, addressed to the
// request's origin unless broadcasting.
type Emitter struct {
	conn      signalConn
	path      dbus.ObjectPath
	broadcast bool
}

func NewEmitter(conn *dbus.Conn, cfg Config) *Emitter {
	return newEmitter(conn, cfg)
}

func newEmitter(conn signalConn, cfg Config) *Emitter {
	return &Emitter{conn: conn, path: cfg.path(), broadcast: cfg.Broadcast}
}

func (e *Emitter) Emit(ev scheduler.Event) error {
	member, body, err := signalBody(ev)
	if err != nil {
		return err
	}
	if e.broadcast || ev.Origin == "" {
		return e.conn.Emit(e.path, Interface+"."+member, body...)
	}
	call := e.conn.Send(addressedSignal(e.path, ev.Origin, member, body), nil)
	if call == nil {
		return nil
	}
	return call.Err
}

func addressedSignal(path dbus.ObjectPath, dest, member string, body []interface{}) *dbus.Message {
	return &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(path),
			dbus.FieldInterface:   dbus.MakeVariant(Interface),
			dbus.FieldMember:      dbus.MakeVariant(member),
			dbus.FieldDestination: dbus.MakeVariant(dest),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(body...)),
		},
		Body: body,
	}
}
