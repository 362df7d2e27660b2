package runtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/eapache/queue"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

const (
	latencySampleSize = 256
	throughputHorizon = time.Minute
)

// EndpointInfo describes a registered endpoint for the web API.
type EndpointInfo struct {
	Name          string         `json:"name"`
	InputChannel  string         `json:"input_channel"`
	OutputChannel string         `json:"output_channel,omitempty"`
	Concurrency   string         `json:"concurrency,omitempty"`
	Active        bool           `json:"active"`
	Stats         *EndpointStats `json:"stats"`
}

func describeConcurrency(core, maxConc int) string {
	return fmt.Sprintf("%d..%d", core, maxConc)
}

// EndpointStats accumulates delivery statistics for one endpoint. Declined
// deliveries, which the dispatcher retries on another subscriber, are counted
// apart from processed ones.
type EndpointStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	MessagesDeclined    uint64    `json:"messages_declined"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latency    *latencyRing
	throughput *arrivalWindow
	resources  *resourceTracker
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Routing    uint64 `json:"routing"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// BacklogMetrics reports the input channel as the endpoint last saw it. -1
// means unknown: the channel cannot report its length or did not stamp
// messages on enqueue.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	LastQueueDepth     int64  `json:"last_queue_depth"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

func newEndpointStats(resources *resourceTracker) *EndpointStats {
	return &EndpointStats{
		latency:    newLatencyRing(latencySampleSize),
		throughput: newArrivalWindow(throughputHorizon),
		resources:  resources,
		Backlog:    BacklogMetrics{LastQueueDepth: -1, EstimatedLagMillis: -1},
	}
}

// inflight carries what begin observed to the matching finish call.
type inflight struct {
	depth int64
	lag   int64
}

func (s *EndpointStats) begin(msg *message.Message, depth int64) inflight {
	mark := inflight{depth: depth, lag: enqueueLag(msg, time.Now())}

	s.mu.Lock()
	s.Backlog.InFlight++
	s.Backlog.MaxInFlight = max(s.Backlog.MaxInFlight, s.Backlog.InFlight)
	s.mu.Unlock()

	return mark
}

func (s *EndpointStats) finish(mark inflight, took time.Duration, err error, classify ErrorClassifier) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Backlog.settle(mark)
	if errors.Is(err, errspkg.ErrMessageRejected) {
		s.MessagesDeclined++
		return
	}

	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
	}
	s.TotalProcessingTime += int64(took)
	s.LastProcessedAt = now.UTC()

	if s.latency == nil {
		s.latency = newLatencyRing(latencySampleSize)
	}
	s.latency.observe(took)
	s.Latency = s.latency.summary()
	s.Latency.AverageNs = s.TotalProcessingTime / int64(s.MessagesProcessed)

	if s.throughput == nil {
		s.throughput = newArrivalWindow(throughputHorizon)
	}
	s.Throughput = s.throughput.observe(now)
	s.Throughput.TotalMessages = s.MessagesProcessed

	if classify == nil {
		classify = defaultErrorClassifier
	}
	s.Errors.Record(classify(err), err)

	if s.resources != nil {
		s.Resource = s.resources.Snapshot()
	}
}

func (s *EndpointStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type plain EndpointStats
	return jsoncodec.Marshal((*plain)(s))
}

func (b *BacklogMetrics) settle(mark inflight) {
	if b.InFlight > 0 {
		b.InFlight--
	}
	if mark.depth >= 0 {
		b.LastQueueDepth = mark.depth
	}
	if mark.lag >= 0 {
		b.EstimatedLagMillis = mark.lag
	}
}

// Record counts err under category. Successful deliveries are not recorded.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	if err == nil {
		return
	}
	switch category {
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryRouting:
		e.Routing++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

// enqueueLag returns how long msg waited in its channel in milliseconds, or -1
// when the channel did not stamp it.
func enqueueLag(msg *message.Message, now time.Time) int64 {
	if msg == nil {
		return -1
	}
	stamped, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(metadatapkg.KeyEnqueuedAt))
	if err != nil {
		return -1
	}
	return max(now.Sub(stamped).Milliseconds(), 0)
}

// latencyRing keeps the most recent delivery durations.
type latencyRing struct {
	limit   int
	samples *queue.Queue
	last    time.Duration
}

func newLatencyRing(limit int) *latencyRing {
	if limit <= 0 {
		limit = latencySampleSize
	}
	return &latencyRing{limit: limit, samples: queue.New()}
}

func (r *latencyRing) observe(d time.Duration) {
	r.samples.Add(d)
	if r.samples.Length() > r.limit {
		r.samples.Remove()
	}
	r.last = d
}

func (r *latencyRing) summary() LatencyMetrics {
	n := r.samples.Length()
	out := LatencyMetrics{LastNs: int64(r.last), SampleSize: n}
	if n == 0 {
		return out
	}

	sorted := make([]int64, n)
	var total int64
	for i := range sorted {
		sorted[i] = int64(r.samples.Get(i).(time.Duration))
		total += sorted[i]
	}
	slices.Sort(sorted)

	out.AverageNs = total / int64(n)
	out.P50Ns = nearestRank(sorted, 50)
	out.P95Ns = nearestRank(sorted, 95)
	out.P99Ns = nearestRank(sorted, 99)
	return out
}

// nearestRank returns the smallest sample that has at least pct percent of
// the samples at or below it. sorted must be ascending.
func nearestRank(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (pct*len(sorted) + 99) / 100
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// arrivalWindow tracks delivery completions over a trailing horizon.
type arrivalWindow struct {
	horizon time.Duration
	times   *queue.Queue
}

func newArrivalWindow(horizon time.Duration) *arrivalWindow {
	return &arrivalWindow{horizon: horizon, times: queue.New()}
}

// observe records a completion at now and reports the rate over the window.
// Rates are computed over at least one second so a lone sample reads as 1 rps.
func (w *arrivalWindow) observe(now time.Time) ThroughputMetrics {
	w.times.Add(now)
	cutoff := now.Add(-w.horizon)
	for w.times.Peek().(time.Time).Before(cutoff) {
		w.times.Remove()
	}

	count := w.times.Length()
	span := now.Sub(w.times.Peek().(time.Time))
	return ThroughputMetrics{
		CurrentRPS:       float64(count) / max(span, time.Second).Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: uint64(count),
	}
}
