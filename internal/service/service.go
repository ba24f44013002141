package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tumbler/internal/eventbus"
	rtsup "tumbler/internal/runtime/supervisor"
	"tumbler/internal/scheduler"
	"tumbler/internal/thumbnail"
	logx "tumbler/pkg/logx"
)

const (
	DefaultScheduler  = "default"
	DefaultFallback   = "foreground"
	unsupportedFlavor = "Unsupported thumbnail flavor requested"
)

var (
	ErrInvalidArguments = errors.New("service: uris and mime types must be non-empty arrays of equal length")
	ErrNoSchedulers     = errors.New("service: no schedulers registered")
	ErrUnknownFallback  = errors.New("service: fallback scheduler is not registered")
)

// Registry resolves thumbnailers for URIs.
type Registry interface {
	GetThumbnailerArray(infos []thumbnail.FileInfo) []thumbnail.Thumbnailer
	GetSupported() (schemes, mimeTypes []string)
}

// Cache resolves flavors by name.
type Cache interface {
	GetFlavor(name string) *thumbnail.Flavor
	GetFlavors() []*thumbnail.Flavor
}

// Lifecycle is the idle-shutdown gate.
type Lifecycle interface {
	IncrementUseCount()
	DecrementUseCount()
	KeepAlive() error
}

// Emitter delivers one event to the client that queued the handle.
type Emitter interface {
	Emit(e scheduler.Event) error
}

type Config struct {
	// Fallback names the scheduler used for empty, unknown or "default"
	// scheduler names.
	Fallback string
	// ResolveMime maps a URI and the caller's hint to a MIME type.
	ResolveMime func(uri, hint string) string
}

type Deps struct {
	Registry   Registry
	Cache      Cache
	Lifecycle  Lifecycle
	Emitter    Emitter
	Bus        eventbus.Bus
	Schedulers []scheduler.Scheduler
}

// Service accepts thumbnail requests, dispatches them to schedulers and
// relays scheduler events back to the requesting clients.
type Service struct {
	cfg Config
	log logx.Logger

	registry  Registry
	cache     Cache
	lifecycle Lifecycle
	emitter   Emitter
	bus       eventbus.Bus

	// mu guards schedulers and useCount only.
	mu         sync.Mutex
	schedulers map[string]scheduler.Scheduler
	useCount   int

	lastHandle atomic.Uint32
	box        *mailbox
	warn       *rate.Limiter

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(deps.Schedulers) == 0 {
		return nil, ErrNoSchedulers
	}
	cfg.Fallback = strings.TrimSpace(cfg.Fallback)
	if cfg.Fallback == "" {
		cfg.Fallback = DefaultFallback
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		registry:   deps.Registry,
		cache:      deps.Cache,
		lifecycle:  deps.Lifecycle,
		emitter:    deps.Emitter,
		bus:        deps.Bus,
		schedulers: map[string]scheduler.Scheduler{},
		box:        newMailbox(),
		warn:       rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	for _, sc := range deps.Schedulers {
		if _, dup := s.schedulers[sc.Name()]; dup {
			return nil, fmt.Errorf("service: duplicate scheduler %q", sc.Name())
		}
		s.schedulers[sc.Name()] = sc
		sc.Subscribe(s.box.push)
	}
	if _, ok := s.schedulers[cfg.Fallback]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFallback, cfg.Fallback)
	}
	return s, nil
}

// Queue registers a batch and returns its handle before any event for it is
// delivered.
func (s *Service) Queue(origin string, uris, mimeHints []string, flavorName, schedulerName string, dequeueHandle uint32) (uint32, error) {
	if len(uris) == 0 || mimeHints == nil || len(uris) != len(mimeHints) {
		return 0, ErrInvalidArguments
	}

	var flavor *thumbnail.Flavor
	if s.cache != nil {
		flavor = s.cache.GetFlavor(flavorName)
	}
	infos := make([]thumbnail.FileInfo, len(uris))
	for i, uri := range uris {
		infos[i] = thumbnail.FileInfo{URI: uri, MimeType: s.resolveMime(uri, mimeHints[i]), Flavor: flavor}
	}
	var thumbnailers []thumbnail.Thumbnailer
	if flavor != nil && s.registry != nil {
		thumbnailers = s.registry.GetThumbnailerArray(infos)
	} else {
		thumbnailers = make([]thumbnail.Thumbnailer, len(infos))
	}
	req, err := scheduler.NewRequest(0, origin, flavor, infos, thumbnailers)
	if err != nil {
		return 0, err
	}
	handle := s.nextHandle()
	req.Handle = handle

	s.mu.Lock()
	dropped := ""
	if dequeueHandle != 0 {
		dropped = s.dequeueLocked(dequeueHandle)
	}
	target := s.selectLocked(schedulerName)
	s.useCount++
	if s.lifecycle != nil {
		s.lifecycle.IncrementUseCount()
	}
	s.mu.Unlock()

	if dropped != "" {
		s.publish(eventbus.TypeDequeued, eventbus.Dispatch{Handle: dequeueHandle, Scheduler: dropped})
	}
	// Published before the push so it precedes every relayed event.
	s.publish(eventbus.TypeQueued, eventbus.Dispatch{Handle: handle, Scheduler: target.Name(), Origin: origin, URIs: req.URIs()})

	if flavor == nil {
		s.log.Debug("unsupported flavor", logx.Uint32("handle", handle), logx.String("flavor", flavorName), logx.String("origin", origin))
		name := target.Name()
		s.box.push(scheduler.Event{Kind: scheduler.EventStarted, Scheduler: name, Handle: handle, Origin: origin})
		s.box.push(scheduler.Event{Kind: scheduler.EventError, Scheduler: name, Handle: handle, Origin: origin,
			URIs: append([]string(nil), uris...), Code: thumbnail.UnsupportedFlavor, Message: unsupportedFlavor})
		s.box.push(scheduler.Event{Kind: scheduler.EventFinished, Scheduler: name, Handle: handle, Origin: origin})
	} else {
		target.Push(req)
	}
	s.keepAlive()
	return handle, nil
}

// Dequeue drops a queued handle from every scheduler. Unknown handles are
// ignored.
func (s *Service) Dequeue(handle uint32) {
	s.mu.Lock()
	dropped := s.dequeueLocked(handle)
	s.mu.Unlock()
	if dropped != "" {
		s.publish(eventbus.TypeDequeued, eventbus.Dispatch{Handle: handle, Scheduler: dropped})
	}
	s.keepAlive()
}

// dequeueLocked removes handle from whichever scheduler still holds it,
// gives back its use count and returns that scheduler's name. A dropped
// handle never reaches Finished, so this is its only release.
func (s *Service) dequeueLocked(handle uint32) string {
	for name, sc := range s.schedulers {
		if sc.Dequeue(handle) {
			s.releaseLocked()
			return name
		}
	}
	return ""
}

func (s *Service) GetSupported() (schemes, mimeTypes []string) {
	if s.registry != nil {
		schemes, mimeTypes = s.registry.GetSupported()
	}
	if schemes == nil {
		schemes = []string{}
	}
	if mimeTypes == nil {
		mimeTypes = []string{}
	}
	s.keepAlive()
	return schemes, mimeTypes
}

func (s *Service) GetFlavors() []string {
	names := []string{}
	if s.cache != nil {
		for _, f := range s.cache.GetFlavors() {
			names = append(names, f.Name)
		}
	}
	s.keepAlive()
	return names
}

// GetSchedulers returns "default" and every registered scheduler, sorted.
func (s *Service) GetSchedulers() []string {
	seen := map[string]struct{}{DefaultScheduler: {}}
	s.mu.Lock()
	for name := range s.schedulers {
		seen[name] = struct{}{}
	}
	s.mu.Unlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	s.keepAlive()
	return names
}

// OnVolumeUnmounted cancels outstanding URIs below mount.
func (s *Service) OnVolumeUnmounted(mount string) {
	s.mu.Lock()
	for _, sc := range s.schedulers {
		sc.CancelByMount(mount)
	}
	s.mu.Unlock()
	s.publish(eventbus.TypeUnmount, mount)
}

func (s *Service) UseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

// MailboxDepth reports events waiting for the relay.
func (s *Service) MailboxDepth() int { return s.box.len() }

// Start launches the relay and the scheduler workers.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go("service.relay", s.relay)

	for _, sc := range s.sortedSchedulers() {
		sc.Start(ctx)
	}
	s.log.Info("service started", logx.String("fallback", s.cfg.Fallback))
}

// Stop halts the schedulers, then lets the relay deliver what is left.
func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return
	}
	for _, sc := range s.sortedSchedulers() {
		sc.Stop(ctx)
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("relay stop incomplete", logx.Err(err), logx.Int("pending", s.box.len()))
	}
	s.log.Info("service stopped")
}

func (s *Service) sortedSchedulers() []scheduler.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scheduler.Scheduler, 0, len(s.schedulers))
	for _, sc := range s.schedulers {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *Service) nextHandle() uint32 {
	for {
		if h := s.lastHandle.Add(1); h != 0 {
			return h
		}
	}
}

func (s *Service) selectLocked(name string) scheduler.Scheduler {
	if name != "" && name != DefaultScheduler {
		if sc, ok := s.schedulers[name]; ok {
			return sc
		}
	}
	return s.schedulers[s.cfg.Fallback]
}

func (s *Service) resolveMime(uri, hint string) string {
	if s.cfg.ResolveMime != nil {
		return s.cfg.ResolveMime(uri, hint)
	}
	return strings.ToLower(strings.TrimSpace(hint))
}

func (s *Service) keepAlive() {
	if s.lifecycle == nil {
		return
	}
	if err := s.lifecycle.KeepAlive(); err != nil {
		s.log.Debug("keepalive refused", logx.Err(err))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
