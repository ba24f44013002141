package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tumbler/internal/eventbus"
	"tumbler/internal/thumbnail"
)

const namespace = "tumbler"

// Gauges are read lazily at scrape time.
type Gauges struct {
	UseCount     func() int
	MailboxDepth func() int
	// QueueDepth reports queued requests per scheduler name.
	QueueDepth func() map[string]int
}

// Metrics owns the daemon's Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	queued   *prometheus.CounterVec
	dequeued *prometheus.CounterVec
	events   *prometheus.CounterVec
	failed   *prometheus.CounterVec
	unmounts prometheus.Counter
}

func New(g Gauges) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_queued_total",
			Help:      "Thumbnail requests accepted, by scheduler.",
		}, []string{"scheduler"}),
		dequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dequeued_total",
			Help:      "Requests dropped before they started, by scheduler.",
		}, []string{"scheduler"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Lifecycle events relayed to clients, by kind.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_uris_total",
			Help:      "URIs reported in Error events, by error code.",
		}, []string{"code"}),
		unmounts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_unmounts_total",
			Help:      "Unmounted volumes that cancelled outstanding work.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queued, m.dequeued, m.events, m.failed, m.unmounts,
	)

	if g.UseCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "use_count",
			Help:      "Handles queued or running that have not finished yet.",
		}, func() float64 { return float64(g.UseCount()) }))
	}
	if g.MailboxDepth != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_mailbox_depth",
			Help:      "Events waiting to be relayed.",
		}, func() float64 { return float64(g.MailboxDepth()) }))
	}
	if g.QueueDepth != nil {
		reg.MustRegister(&queueDepthCollector{fn: g.QueueDepth, desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "scheduler", "queue_depth"),
			"Requests waiting in a scheduler queue.",
			[]string{"scheduler"}, nil,
		)})
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe updates counters from one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	if e.Type == eventbus.TypeUnmount {
		m.unmounts.Inc()
		return
	}
	d, ok := e.Data.(eventbus.Dispatch)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.TypeQueued:
		m.queued.WithLabelValues(d.Scheduler).Inc()
	case eventbus.TypeDequeued:
		m.dequeued.WithLabelValues(d.Scheduler).Inc()
	case eventbus.TypeStarted:
		m.events.WithLabelValues("started").Inc()
	case eventbus.TypeReady:
		m.events.WithLabelValues("ready").Inc()
	case eventbus.TypeError:
		m.events.WithLabelValues("error").Inc()
		m.failed.WithLabelValues(thumbnail.ErrorCode(d.Code).String()).Add(float64(len(d.URIs)))
	case eventbus.TypeFinished:
		m.events.WithLabelValues("finished").Inc()
	}
}

// Run feeds bus events into the counters until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

type queueDepthCollector struct {
	fn   func() map[string]int
	desc *prometheus.Desc
}

func (c *queueDepthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	for name, n := range c.fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), name)
	}
}
