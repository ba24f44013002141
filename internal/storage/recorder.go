package storage

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tumbler/internal/eventbus"
	logx "tumbler/pkg/logx"
)

type RecorderConfig struct {
	RunID string
	// Retention drops records older than this; 0 keeps everything.
	Retention     time.Duration
	PruneSchedule string
	Buffer        int
}

// Recorder folds thumbnail.* bus events into one Record per handle and
// writes it when the handle finishes.
type Recorder struct {
	cfg   RecorderConfig
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	pending map[uint32]*Record
}

func NewRecorder(cfg RecorderConfig, store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if strings.TrimSpace(cfg.PruneSchedule) == "" {
		cfg.PruneSchedule = "@hourly"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{cfg: cfg, store: store, bus: bus, log: log, pending: map[uint32]*Record{}}
}

// Run consumes bus events until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(r.cfg.Buffer)
	defer unsub()

	if r.cfg.Retention > 0 {
		c := cron.New()
		if _, err := c.AddFunc(r.cfg.PruneSchedule, func() { r.prune(ctx) }); err != nil {
			return err
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.observe(ctx, e)
		}
	}
}

func (r *Recorder) observe(ctx context.Context, e eventbus.Event) {
	d, ok := e.Data.(eventbus.Dispatch)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.TypeQueued:
		rec := r.entry(d)
		rec.URIs = len(d.URIs)
	case eventbus.TypeStarted:
		r.entry(d).StartedAt = e.Time
	case eventbus.TypeReady:
		r.entry(d).Ready += len(d.URIs)
	case eventbus.TypeError:
		rec := r.entry(d)
		rec.Failed += len(d.URIs)
		if rec.FirstError == "" {
			rec.FirstCode = d.Code
			rec.FirstError = d.Message
		}
	case eventbus.TypeDequeued:
		delete(r.pending, d.Handle)
	case eventbus.TypeFinished:
		rec := r.entry(d)
		delete(r.pending, d.Handle)
		rec.FinishedAt = e.Time
		if rec.StartedAt.IsZero() {
			rec.StartedAt = e.Time
		}
		if n := rec.Ready + rec.Failed; rec.URIs < n {
			rec.URIs = n
		}
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := r.store.RecordRequest(wctx, *rec)
		cancel()
		if err != nil {
			r.log.Warn("history write failed", logx.Uint32("handle", d.Handle), logx.Err(err))
		}
	}
}

func (r *Recorder) entry(d eventbus.Dispatch) *Record {
	rec, ok := r.pending[d.Handle]
	if !ok {
		rec = &Record{RunID: r.cfg.RunID, Handle: d.Handle, Scheduler: d.Scheduler, Origin: d.Origin}
		r.pending[d.Handle] = rec
	}
	if rec.Scheduler == "" {
		rec.Scheduler = d.Scheduler
	}
	return rec
}

func (r *Recorder) prune(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := r.store.Prune(pctx, time.Now().Add(-r.cfg.Retention))
	if err != nil {
		r.log.Warn("history prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("history pruned", logx.Int("removed", n), logx.Duration("retention", r.cfg.Retention))
	}
}
