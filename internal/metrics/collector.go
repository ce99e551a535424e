package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespaceRelay = "storage_relay"

const (
	subsystemWindow   = "window"
	subsystemBuffer   = "buffer"
	subsystemIngest   = "ingest"
	subsystemPush     = "push"
	subsystemRegistry = "registry"
)

// Collector records pipeline metrics to a prometheus registerer.
type Collector struct {
	blocksCommitted  prometheus.Counter
	eventsCommitted  prometheus.Counter
	highestCommitted prometheus.Gauge
	rewinds          prometheus.Counter
	staleEvents      prometheus.Counter

	bufferDepth prometheus.Gauge

	decodeFailures prometheus.Counter
	droppedChanges prometheus.Counter

	pushes  *prometheus.CounterVec
	retries prometheus.Counter

	deactivations     *prometheus.CounterVec
	activeSubscribers prometheus.Gauge
}

// NewCollector registers the relay collectors with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		blocksCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemWindow,
			Name:      "blocks_committed_total",
			Help:      "number of block snapshots committed to the buffer",
		}),
		eventsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemWindow,
			Name:      "events_committed_total",
			Help:      "number of events contained in committed snapshots",
		}),
		highestCommitted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemWindow,
			Name:      "highest_committed_height",
			Help:      "highest block height committed to the buffer",
		}),
		rewinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemWindow,
			Name:      "rewinds_total",
			Help:      "number of times the source rewound below the committed height",
		}),
		staleEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemWindow,
			Name:      "stale_events_total",
			Help:      "number of late events for already committed heights that were dropped",
		}),
		bufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemBuffer,
			Name:      "retained_blocks",
			Help:      "number of committed blocks still retained",
		}),
		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemIngest,
			Name:      "decode_failures_total",
			Help:      "number of changes dropped because they could not be decoded",
		}),
		droppedChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemIngest,
			Name:      "dropped_changes_total",
			Help:      "number of zero-height changes dropped because they were not flagged genesis",
		}),
		pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemPush,
			Name:      "attempts_total",
			Help:      "number of push attempts by result",
		}, []string{"result"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemPush,
			Name:      "retries_total",
			Help:      "number of push attempts that were retries",
		}),
		deactivations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemRegistry,
			Name:      "deactivations_total",
			Help:      "number of subscriber deactivations by reason",
		}, []string{"reason"}),
		activeSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceRelay,
			Subsystem: subsystemRegistry,
			Name:      "active_subscribers",
			Help:      "number of subscribers with a running delivery loop",
		}),
	}
}

func (c *Collector) BlockCommitted(height uint64, events int) {
	c.blocksCommitted.Inc()
	c.eventsCommitted.Add(float64(events))
	c.highestCommitted.Set(float64(height))
}

func (c *Collector) WindowRewound(_, _ uint64) {
	c.rewinds.Inc()
}

func (c *Collector) StaleEventDropped(uint64) {
	c.staleEvents.Inc()
}

func (c *Collector) BufferDepth(n int) {
	c.bufferDepth.Set(float64(n))
}

func (c *Collector) DecodeFailed() {
	c.decodeFailures.Inc()
}

func (c *Collector) ChangeDropped() {
	c.droppedChanges.Inc()
}

func (c *Collector) PushAttempted(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.pushes.WithLabelValues(result).Inc()
}

func (c *Collector) PushRetried() {
	c.retries.Inc()
}

func (c *Collector) SubscriberDeactivated(reason string) {
	c.deactivations.WithLabelValues(reason).Inc()
}

func (c *Collector) ActiveSubscribers(n int) {
	c.activeSubscribers.Set(float64(n))
}
