// Package metrics exposes relay activity as prometheus collectors. Counters
// are fed from the event bus; queue depth and connection state are read at
// scrape time.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"notifrelay/internal/eventbus"
	"notifrelay/internal/queue"
)

const namespace = "notifrelay"

// Source supplies scrape-time state.
type Source interface {
	AllStats() []queue.Stats
}

// Connections reports whether a target has a live connection.
type Connections interface {
	IsConnected(target string) bool
}

type Metrics struct {
	reg *prometheus.Registry

	Ingested       *prometheus.CounterVec
	FilterActions  *prometheus.CounterVec
	FilterFaults   prometheus.Counter
	QueueEvents    *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	AcksIgnored    prometheus.Counter
	Connects       *prometheus.CounterVec
	Disconnects    *prometheus.CounterVec
	StreamsOpen    prometheus.Gauge
	StreamsClosed  *prometheus.CounterVec
	StreamDuration prometheus.Histogram
	BusDropped     prometheus.GaugeFunc
}

// New registers every collector on a private registry. dropped reports the
// event bus drop count and may be nil.
func New(src Source, conns Connections, dropped func() uint64) *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		reg: r,
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "events_total",
			Help: "Raw events by outcome.",
		}, []string{"outcome", "platform"}),
		FilterActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "filter", Name: "decisions_total",
			Help: "Filter decisions by action.",
		}, []string{"action"}),
		FilterFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "filter", Name: "faults_total",
			Help: "Rules that faulted during evaluation.",
		}),
		QueueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "transitions_total",
			Help: "Queue item transitions.",
		}, []string{"transition", "target"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "deliveries_total",
			Help: "Delivery attempts by result.",
		}, []string{"result", "target"}),
		AcksIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "acks_ignored_total",
			Help: "Stale, duplicate-for-other-target or unknown acks.",
		}),
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "connects_total",
			Help: "Device registrations.",
		}, []string{"target"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "disconnects_total",
			Help: "Device disconnects by reason.",
		}, []string{"target", "reason"}),
		StreamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transport", Name: "streams_open",
			Help: "Open device streams.",
		}),
		StreamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "streams_closed_total",
			Help: "Closed device streams by gRPC status code.",
		}, []string{"code"}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transport", Name: "stream_duration_seconds",
			Help:    "Lifetime of device streams.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		}),
	}
	if dropped == nil {
		dropped = func() uint64 { return 0 }
	}
	m.BusDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "dropped",
		Help: "Bus deliveries dropped because a subscriber was full.",
	}, func() float64 { return float64(dropped()) })

	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Ingested, m.FilterActions, m.FilterFaults, m.QueueEvents, m.Deliveries,
		m.AcksIgnored, m.Connects, m.Disconnects, m.StreamsOpen, m.StreamsClosed, m.StreamDuration, m.BusDropped,
	)
	if src != nil {
		r.MustRegister(&queueCollector{src: src, conns: conns})
	}
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe maps one bus event onto the counters.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.IngestEvent:
		switch e.Type {
		case eventbus.IngestAccepted:
			m.Ingested.WithLabelValues("accepted", d.Platform).Inc()
		case eventbus.IngestMalformed:
			m.Ingested.WithLabelValues("malformed", d.Platform).Inc()
		case eventbus.IngestRejected:
			m.Ingested.WithLabelValues("rejected", d.Platform).Inc()
		}
	case eventbus.FilterEvent:
		switch e.Type {
		case eventbus.FilterDecision:
			m.FilterActions.WithLabelValues(d.Action).Inc()
		case eventbus.FilterFault:
			m.FilterFaults.Inc()
		}
	case eventbus.ItemEvent:
		if t := transition(e.Type); t != "" {
			m.QueueEvents.WithLabelValues(t, d.Target).Inc()
		}
	case eventbus.DispatchEvent:
		switch e.Type {
		case eventbus.DispatchSent:
			m.Deliveries.WithLabelValues("sent", d.Target).Inc()
		case eventbus.DispatchSendFailed:
			m.Deliveries.WithLabelValues("send_failed", d.Target).Inc()
		case eventbus.DispatchAckTimeout:
			m.Deliveries.WithLabelValues("ack_timeout", d.Target).Inc()
		case eventbus.AckIgnored:
			m.AcksIgnored.Inc()
		}
	case eventbus.ConnEvent:
		switch e.Type {
		case eventbus.RegistryConnected:
			m.Connects.WithLabelValues(d.Target).Inc()
		case eventbus.RegistryDisconnected:
			m.Disconnects.WithLabelValues(d.Target, d.Reason).Inc()
		}
	}
}

func transition(topic string) string {
	switch topic {
	case eventbus.QueueEnqueued:
		return "enqueued"
	case eventbus.QueueRetry:
		return "retry"
	case eventbus.QueueAcked:
		return "acked"
	case eventbus.QueueDeadLettered:
		return "dead_lettered"
	case eventbus.QueueRequeued:
		return "requeued"
	case eventbus.QueueTargetGone:
		return "target_removed"
	}
	return ""
}

// Run feeds bus events into the counters until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// StreamServerInterceptor tracks open device streams and their lifetime.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.StreamsOpen.Inc()
		defer m.StreamsOpen.Dec()
		start := time.Now()
		err := handler(srv, ss)
		m.StreamDuration.Observe(time.Since(start).Seconds())
		m.StreamsClosed.WithLabelValues(status.Code(err).String()).Inc()
		return err
	}
}

var (
	depthDesc = prometheus.NewDesc(namespace+"_queue_depth", "Pending plus inflight items per target.", []string{"target"}, nil)
	delayDesc = prometheus.NewDesc(namespace+"_queue_delayed", "Pending items waiting for backoff per target.", []string{"target"}, nil)
	deadDesc  = prometheus.NewDesc(namespace+"_queue_dead_letter", "Dead-lettered items per target.", []string{"target"}, nil)
	connDesc  = prometheus.NewDesc(namespace+"_target_connected", "1 when the target has a live authenticated connection.", []string{"target"}, nil)
)

type queueCollector struct {
	src   Source
	conns Connections
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- depthDesc
	ch <- delayDesc
	ch <- deadDesc
	ch <- connDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.AllStats() {
		ch <- prometheus.MustNewConstMetric(depthDesc, prometheus.GaugeValue, float64(st.Depth()), st.Target)
		ch <- prometheus.MustNewConstMetric(delayDesc, prometheus.GaugeValue, float64(st.Delayed), st.Target)
		ch <- prometheus.MustNewConstMetric(deadDesc, prometheus.GaugeValue, float64(st.Dead), st.Target)
		if c.conns != nil {
			v := 0.0
			if c.conns.IsConnected(st.Target) {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(connDesc, prometheus.GaugeValue, v, st.Target)
		}
	}
}
