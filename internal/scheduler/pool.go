package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	rtsup "tumbler/internal/runtime/supervisor"
	"tumbler/internal/thumbnail"
	logx "tumbler/pkg/logx"
)

// Config controls a scheduler's worker pool.
type Config struct {
	Workers int
}

// queue is the ordering discipline of a pool. Calls happen under pool.mu.
type queue interface {
	push(r *Request)
	pop() *Request
	remove(handle uint32) bool
	each(fn func(r *Request))
	len() int
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Name    string `json:"name"`
	Workers int    `json:"workers"`
	Queued  int    `json:"queued"`
	Active  int    `json:"active"`
}

type inflight struct {
	req    *Request
	index  int
	cancel context.CancelFunc
}

// pool implements Scheduler on top of a queue and N supervised workers.
type pool struct {
	name  string
	cfg   Config
	log   logx.Logger
	cache UpToDateChecker

	mu        sync.Mutex
	q         queue
	active    map[uint32]*inflight
	listeners []Listener
	sup       *rtsup.Supervisor

	wake chan struct{}
}

func newPool(name string, q queue, cfg Config, cache UpToDateChecker, log logx.Logger) *pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &pool{
		name:   name,
		cfg:    cfg,
		log:    log,
		cache:  cache,
		q:      q,
		active: map[uint32]*inflight{},
		wake:   make(chan struct{}, 1),
	}
}

func (p *pool) Name() string { return p.name }

func (p *pool) Subscribe(l Listener) {
	if l == nil {
		return
	}
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

func (p *pool) Push(req *Request) {
	if req == nil {
		return
	}
	p.mu.Lock()
	p.q.push(req)
	queued := p.q.len()
	p.mu.Unlock()
	p.log.Debug("request queued", logx.Uint32("handle", req.Handle), logx.Int("uris", len(req.Infos)), logx.Int("queued", queued))
	p.signal()
}

func (p *pool) Dequeue(handle uint32) bool {
	p.mu.Lock()
	removed := p.q.remove(handle)
	p.mu.Unlock()
	if removed {
		p.log.Debug("request dequeued", logx.Uint32("handle", handle))
	}
	return removed
}

func (p *pool) CancelByMount(mount string) {
	var cancels []context.CancelFunc
	marked := 0

	p.mu.Lock()
	p.q.each(func(r *Request) { marked += r.markMount(mount) })
	for _, in := range p.active {
		marked += in.req.markMount(mount)
		if in.cancel != nil && in.index >= 0 && in.req.isCancelled(in.index) {
			cancels = append(cancels, in.cancel)
		}
	}
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if marked > 0 {
		p.log.Info("cancelled uris on unmounted volume", logx.String("mount", mount), logx.Int("uris", marked))
	}
}

func (p *pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Name: p.name, Workers: p.cfg.Workers, Queued: p.q.len(), Active: len(p.active)}
}

func (p *pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.sup != nil {
		p.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(p.log))
	p.sup = sup
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("%s.worker.%d", p.name, i), p.worker, 250*time.Millisecond, 10*time.Second)
	}
	p.log.Info("scheduler started", logx.Int("workers", p.cfg.Workers))
}

func (p *pool) Stop(ctx context.Context) {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		p.log.Warn("scheduler stop incomplete", logx.Err(err))
		return
	}
	p.log.Info("scheduler stopped")
}

func (p *pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pool) worker(ctx context.Context) error {
	for {
		req, more := p.next()
		if req == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wake:
			}
			continue
		}
		if more {
			// Other workers may be idle while requests remain.
			p.signal()
		}
		p.process(ctx, req)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *pool) next() (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req := p.q.pop()
	if req == nil {
		return nil, false
	}
	p.active[req.Handle] = &inflight{req: req, index: -1}
	return req, p.q.len() > 0
}

func (p *pool) process(ctx context.Context, req *Request) {
	start := time.Now()
	p.emit(Event{Kind: EventStarted, Handle: req.Handle, Origin: req.Origin})
	defer func() {
		p.mu.Lock()
		delete(p.active, req.Handle)
		p.mu.Unlock()
		p.emit(Event{Kind: EventFinished, Handle: req.Handle, Origin: req.Origin})
		p.log.Debug("request finished", logx.Uint32("handle", req.Handle), logx.Duration("dur", time.Since(start)), logx.Duration("queue_delay", start.Sub(req.QueuedAt)))
	}()

	var (
		upToDate []string
		pending  []int
	)
	for i, info := range req.Infos {
		switch {
		case p.cancelled(req, i):
			p.fail(req, info.URI, thumbnail.Cancelled, "The volume containing the file was unmounted")
		case req.Thumbnailers[i] == nil:
			p.fail(req, info.URI, thumbnail.Unsupported, fmt.Sprintf("No thumbnailer available for %q", info.URI))
		case p.cache != nil && p.cache.IsUpToDate(info):
			upToDate = append(upToDate, info.URI)
		default:
			pending = append(pending, i)
		}
	}
	if len(upToDate) > 0 {
		p.emit(Event{Kind: EventReady, Handle: req.Handle, Origin: req.Origin, URIs: upToDate})
	}

	for _, i := range pending {
		info := req.Infos[i]
		uctx, cancel := context.WithCancel(ctx)
		if !p.begin(req, i, cancel) {
			cancel()
			p.fail(req, info.URI, thumbnail.Cancelled, "The volume containing the file was unmounted")
			continue
		}
		err := p.run(uctx, req.Thumbnailers[i], info)
		p.end(req)
		cancel()

		if err != nil {
			p.log.Debug("thumbnail failed", logx.Uint32("handle", req.Handle), logx.String("uri", info.URI), logx.Err(err))
			p.fail(req, info.URI, thumbnail.CodeOf(err), err.Error())
			continue
		}
		p.emit(Event{Kind: EventReady, Handle: req.Handle, Origin: req.Origin, URIs: []string{info.URI}})
	}
}

func (p *pool) run(ctx context.Context, t thumbnail.Thumbnailer, info thumbnail.FileInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("thumbnailer panicked", logx.String("thumbnailer", t.Name()), logx.String("uri", info.URI), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = thumbnail.Errorf(thumbnail.ConnectionError, "thumbnailer %s panicked: %v", t.Name(), r)
		}
	}()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return t.Create(ctx, info)
}

func (p *pool) cancelled(req *Request, i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return req.isCancelled(i)
}

// begin publishes the cancel func of URI i unless it was already cancelled.
func (p *pool) begin(req *Request, i int, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.isCancelled(i) {
		return false
	}
	if in := p.active[req.Handle]; in != nil {
		in.index = i
		in.cancel = cancel
	}
	return true
}

func (p *pool) end(req *Request) {
	p.mu.Lock()
	if in := p.active[req.Handle]; in != nil {
		in.index = -1
		in.cancel = nil
	}
	p.mu.Unlock()
}

func (p *pool) fail(req *Request, uri string, code thumbnail.ErrorCode, msg string) {
	p.emit(Event{Kind: EventError, Handle: req.Handle, Origin: req.Origin, URIs: []string{uri}, Code: code, Message: msg})
}

func (p *pool) emit(e Event) {
	e.Scheduler = p.name
	p.mu.Lock()
	ls := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()
	for _, l := range ls {
		l(e)
	}
}
