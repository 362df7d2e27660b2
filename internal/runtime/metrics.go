package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

const metricsNamespace = "flowbus"

// Metrics tracks delivery outcomes per channel and failures routed to the
// invalid-message channel, both in memory and as Prometheus collectors.
type Metrics struct {
	mu sync.RWMutex

	channels map[string]*ChannelMetrics
	routed   map[string]uint64

	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	rejectionsTotal  *prometheus.CounterVec
	routedTotal      *prometheus.CounterVec
	depth            *channelDepthCollector

	registerer prometheus.Registerer
	registered bool
}

// ChannelMetrics holds the counters of a single channel.
type ChannelMetrics struct {
	Delivered     uint64    `json:"delivered"`
	Failed        uint64    `json:"failed"`
	Rejected      uint64    `json:"rejected"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	TotalDelivered uint64                     `json:"total_delivered"`
	TotalFailed    uint64                     `json:"total_failed"`
	TotalRejected  uint64                     `json:"total_rejected"`
	InvalidRouted  map[string]uint64          `json:"invalid_routed"`
	Channels       map[string]*ChannelMetrics `json:"channels"`
	CollectedAt    time.Time                  `json:"collected_at"`
}

func newBusCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. source, when set, feeds the channel
// depth gauge on every scrape.
func NewMetrics(registerer prometheus.Registerer, source func() map[string]channelpkg.MessageChannel) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		channels:        make(map[string]*ChannelMetrics),
		routed:          make(map[string]uint64),
		registerer:      registerer,
		deliveriesTotal: newBusCounterVec("deliveries_total", "Messages handed to endpoints, by outcome", []string{"channel", "endpoint", "outcome"}),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "bus",
				Name:      "delivery_duration_seconds",
				Help:      "Time spent inside endpoint handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel", "endpoint"},
		),
		rejectionsTotal: newBusCounterVec("rejections_total", "Messages no subscriber accepted within the rejection limit", []string{"channel"}),
		routedTotal:     newBusCounterVec("invalid_routed_total", "Failures routed to the invalid-message channel", []string{"kind", "origin_channel"}),
		depth:           newChannelDepthCollector(source),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.deliveriesTotal,
		m.deliveryDuration,
		m.rejectionsTotal,
		m.routedTotal,
		m.depth,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordDelivery records one handler invocation. Rejections are counted
// separately and do not mark the delivery as failed.
func (m *Metrics) RecordDelivery(channel, endpoint string, duration time.Duration, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, errspkg.ErrMessageRejected):
		outcome = "declined"
	default:
		outcome = "failure"
	}

	m.mu.Lock()
	cm := m.channelLocked(channel)
	if outcome == "failure" {
		cm.Failed++
	} else if outcome == "success" {
		cm.Delivered++
	}
	cm.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.deliveriesTotal.WithLabelValues(channel, endpoint, outcome).Inc()
	m.deliveryDuration.WithLabelValues(channel, endpoint).Observe(duration.Seconds())
}

// RecordRouted records a failure that reached the invalid-message channel.
func (m *Metrics) RecordRouted(kind, originChannel string) {
	m.mu.Lock()
	m.routed[kind]++
	if kind == schedulerpkg.FailureKindRejected {
		cm := m.channelLocked(originChannel)
		cm.Rejected++
		cm.LastUpdatedAt = time.Now()
	}
	m.mu.Unlock()

	if kind == schedulerpkg.FailureKindRejected {
		m.rejectionsTotal.WithLabelValues(originChannel).Inc()
	}
	m.routedTotal.WithLabelValues(kind, originChannel).Inc()
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		InvalidRouted: make(map[string]uint64, len(m.routed)),
		Channels:      make(map[string]*ChannelMetrics, len(m.channels)),
		CollectedAt:   time.Now(),
	}
	for kind, n := range m.routed {
		snapshot.InvalidRouted[kind] = n
	}
	for name, cm := range m.channels {
		c := *cm
		snapshot.Channels[name] = &c
		snapshot.TotalDelivered += cm.Delivered
		snapshot.TotalFailed += cm.Failed
		snapshot.TotalRejected += cm.Rejected
	}
	return snapshot
}

// ChannelSnapshot returns the counters of one channel, or nil.
func (m *Metrics) ChannelSnapshot(name string) *ChannelMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cm, ok := m.channels[name]; ok {
		c := *cm
		return &c
	}
	return nil
}

// Reset clears every counter (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = make(map[string]*ChannelMetrics)
	m.routed = make(map[string]uint64)
	m.deliveriesTotal.Reset()
	m.deliveryDuration.Reset()
	m.rejectionsTotal.Reset()
	m.routedTotal.Reset()
}

func (m *Metrics) channelLocked(name string) *ChannelMetrics {
	if cm, ok := m.channels[name]; ok {
		return cm
	}
	cm := &ChannelMetrics{}
	m.channels[name] = cm
	return cm
}

// channelDepthCollector reports the buffered size of every measurable channel
// at scrape time.
type channelDepthCollector struct {
	source func() map[string]channelpkg.MessageChannel
	desc   *prometheus.Desc
}

func newChannelDepthCollector(source func() map[string]channelpkg.MessageChannel) *channelDepthCollector {
	return &channelDepthCollector{
		source: source,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "channel", "depth"),
			"Messages currently buffered in a channel",
			[]string{"channel"}, nil,
		),
	}
}

func (c *channelDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *channelDepthCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	for name, mc := range c.source() {
		measurable, ok := mc.(channelpkg.Measurable)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(measurable.Len()), name)
	}
}
