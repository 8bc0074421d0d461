// Package stats tracks running pipeline counters and delivery latency
// percentiles.
//
// Counters are atomics so the hot delivery path never takes a lock; the
// latency histogram keeps a bounded ring of recent samples with oldest
// eviction. The relay service owns the lifecycle; there are no
// package-level singletons.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// sampleCap bounds the latency ring. Once full, new samples evict the
// oldest.
const sampleCap = 1000

// Pipeline aggregates counters across the relay pipeline.
type Pipeline struct {
	startedAt time.Time

	eventsSeen         atomic.Int64
	eventsDeduplicated atomic.Int64
	eventsMatched      atomic.Int64
	eventsDropped      atomic.Int64
	routingErrors      atomic.Int64

	enqueued            atomic.Int64
	completed           atomic.Int64
	failed              atomic.Int64
	retries             atomic.Int64
	deadLettered        atomic.Int64
	queueFullRejections atomic.Int64
	recordsPoisoned     atomic.Int64

	mu      sync.Mutex
	samples []time.Duration // ring buffer, next points at the eviction slot
	next    int
}

// New returns a zeroed pipeline statistics holder.
func New() *Pipeline {
	return &Pipeline{
		startedAt: time.Now().UTC(),
		samples:   make([]time.Duration, 0, sampleCap),
	}
}

func (p *Pipeline) EventSeen()         { p.eventsSeen.Add(1) }
func (p *Pipeline) EventDeduplicated() { p.eventsDeduplicated.Add(1) }
func (p *Pipeline) EventMatched()      { p.eventsMatched.Add(1) }
func (p *Pipeline) EventDropped()      { p.eventsDropped.Add(1) }
func (p *Pipeline) RoutingError()      { p.routingErrors.Add(1) }

func (p *Pipeline) Enqueued()          { p.enqueued.Add(1) }
func (p *Pipeline) Completed()         { p.completed.Add(1) }
func (p *Pipeline) Failed()            { p.failed.Add(1) }
func (p *Pipeline) Retried()           { p.retries.Add(1) }
func (p *Pipeline) DeadLettered()      { p.deadLettered.Add(1) }
func (p *Pipeline) QueueFullRejected() { p.queueFullRejections.Add(1) }
func (p *Pipeline) RecordPoisoned()    { p.recordsPoisoned.Add(1) }

// ObserveDelivery records the duration of one completed delivery attempt.
func (p *Pipeline) ObserveDelivery(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) < sampleCap {
		p.samples = append(p.samples, d)
		return
	}
	p.samples[p.next] = d
	p.next = (p.next + 1) % sampleCap
}

// Snapshot is a point-in-time copy of all counters and percentiles.
type Snapshot struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`

	EventsSeen         int64 `json:"eventsSeen"`
	EventsDeduplicated int64 `json:"eventsDeduplicated"`
	EventsMatched      int64 `json:"eventsMatched"`
	EventsDropped      int64 `json:"eventsDropped"`
	RoutingErrors      int64 `json:"routingErrors"`

	Enqueued            int64 `json:"enqueued"`
	Completed           int64 `json:"completed"`
	Failed              int64 `json:"failed"`
	Retries             int64 `json:"retries"`
	DeadLettered        int64 `json:"deadLettered"`
	QueueFullRejections int64 `json:"queueFullRejections"`
	RecordsPoisoned     int64 `json:"recordsPoisoned"`

	Latency LatencySnapshot `json:"deliveryLatency"`
}

// LatencySnapshot summarizes the recent delivery latency distribution.
type LatencySnapshot struct {
	Samples int   `json:"samples"`
	P50Ms   int64 `json:"p50Ms"`
	P95Ms   int64 `json:"p95Ms"`
	P99Ms   int64 `json:"p99Ms"`
	MaxMs   int64 `json:"maxMs"`
}

// Snapshot captures the current counter values. The percentiles cover at
// most the last sampleCap deliveries.
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),

		EventsSeen:         p.eventsSeen.Load(),
		EventsDeduplicated: p.eventsDeduplicated.Load(),
		EventsMatched:      p.eventsMatched.Load(),
		EventsDropped:      p.eventsDropped.Load(),
		RoutingErrors:      p.routingErrors.Load(),

		Enqueued:            p.enqueued.Load(),
		Completed:           p.completed.Load(),
		Failed:              p.failed.Load(),
		Retries:             p.retries.Load(),
		DeadLettered:        p.deadLettered.Load(),
		QueueFullRejections: p.queueFullRejections.Load(),
		RecordsPoisoned:     p.recordsPoisoned.Load(),
	}

	p.mu.Lock()
	sorted := append([]time.Duration(nil), p.samples...)
	p.mu.Unlock()

	if len(sorted) == 0 {
		return s
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	s.Latency = LatencySnapshot{
		Samples: len(sorted),
		P50Ms:   percentile(sorted, 0.50).Milliseconds(),
		P95Ms:   percentile(sorted, 0.95).Milliseconds(),
		P99Ms:   percentile(sorted, 0.99).Milliseconds(),
		MaxMs:   sorted[len(sorted)-1].Milliseconds(),
	}
	return s
}

// percentile reports the q-th percentile of the sorted samples using the
// nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
