package metrics

import (
	"math"
	"sync"
	"sync/atomic"
)

// BasicProvider is a simple in-memory implementation of Provider. It is
// concurrency-safe and suitable for tests, examples, and lightweight apps
// that don't want an external metrics backend wired in. Instruments are
// created on demand by name and reused for the same name; instrument
// options are stored for introspection but otherwise advisory.
type BasicProvider struct {
	counters   registry[*BasicCounter]
	updowns    registry[*BasicUpDownCounter]
	histograms registry[*BasicHistogram]
}

// NewBasicProvider constructs a new BasicProvider.
func NewBasicProvider() *BasicProvider {
	return &BasicProvider{
		counters:   newRegistry[*BasicCounter](),
		updowns:    newRegistry[*BasicUpDownCounter](),
		histograms: newRegistry[*BasicHistogram](),
	}
}

// registry is a name -> instrument map shared by the three instrument
// kinds below; each kind only differs in its zero-value constructor.
type registry[T any] struct {
	mu   sync.RWMutex
	byID map[string]T
	meta map[string]InstrumentConfig
}

func newRegistry[T any]() registry[T] {
	return registry[T]{byID: make(map[string]T), meta: make(map[string]InstrumentConfig)}
}

// getOrCreate returns the existing instrument for name, or builds one via
// zero and stores it, recording opts as that instrument's metadata.
func (r *registry[T]) getOrCreate(name string, opts []InstrumentOption, zero func() T) T {
	r.mu.RLock()
	if v, ok := r.byID[name]; ok {
		r.mu.RUnlock()
		return v
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.byID[name]; ok {
		return v
	}
	v := zero()
	r.byID[name] = v
	r.meta[name] = applyOptions(opts)
	return v
}

// applyOptions builds InstrumentConfig from options.
func applyOptions(opts []InstrumentOption) InstrumentConfig {
	var cfg InstrumentConfig
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return cfg
}

// Counter returns a monotonic counter instrument for the given name (created once).
func (p *BasicProvider) Counter(name string, opts ...InstrumentOption) Counter {
	return p.counters.getOrCreate(name, opts, func() *BasicCounter { return &BasicCounter{} })
}

// UpDownCounter returns an up/down counter instrument for the given name (created once).
func (p *BasicProvider) UpDownCounter(name string, opts ...InstrumentOption) UpDownCounter {
	return p.updowns.getOrCreate(name, opts, func() *BasicUpDownCounter { return &BasicUpDownCounter{} })
}

// Histogram returns a histogram instrument for the given name (created once).
func (p *BasicProvider) Histogram(name string, opts ...InstrumentOption) Histogram {
	return p.histograms.getOrCreate(name, opts, func() *BasicHistogram {
		return &BasicHistogram{min: math.Inf(1), max: math.Inf(-1)}
	})
}

// BasicCounter is a thread-safe monotonic counter.
type BasicCounter struct {
	val atomic.Int64
}

// Add increments the counter by n (n may be negative but it's not recommended for monotonic counters).
func (c *BasicCounter) Add(n int64) { c.val.Add(n) }

// Snapshot returns the current value.
func (c *BasicCounter) Snapshot() int64 { return c.val.Load() }

// BasicUpDownCounter is a thread-safe up/down counter.
type BasicUpDownCounter struct {
	val atomic.Int64
}

// Add adds n (positive or negative) to the current value.
func (u *BasicUpDownCounter) Add(n int64) { u.val.Add(n) }

// Snapshot returns the current value.
func (u *BasicUpDownCounter) Snapshot() int64 { return u.val.Load() }

// BasicHistogram is a thread-safe histogram tracking count, sum, min, and
// max. It keeps no buckets; it's a lightweight general-purpose aggregator,
// not a replacement for a real quantile sketch.
type BasicHistogram struct {
	mu    sync.Mutex
	count int64
	sum   float64
	min   float64
	max   float64
}

// Record adds a measurement to the histogram.
func (h *BasicHistogram) Record(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		h.min, h.max = v, v
	} else if v < h.min {
		h.min = v
	} else if v > h.max {
		h.max = v
	}
	h.count++
	h.sum += v
}

// HistSnapshot is an immutable snapshot of a BasicHistogram.
type HistSnapshot struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Mean  float64
}

// Snapshot returns a copy of the histogram state at the time of call.
func (h *BasicHistogram) Snapshot() HistSnapshot {
	h.mu.Lock()
	count, sum, min, max := h.count, h.sum, h.min, h.max
	h.mu.Unlock()

	var mean float64
	if count > 0 {
		mean = sum / float64(count)
	}
	return HistSnapshot{Count: count, Sum: sum, Min: min, Max: max, Mean: mean}
}
