// Package metrics is the coordinator's in-process instrumentation
// abstraction: cluster.Supervisor and barrier.Coordinator record against
// a Provider, which the composition root wires to either BasicProvider
// (an in-memory aggregator) or NoopProvider (the default when no
// external metrics sink is configured). Export/scrape is outside this
// package's scope (spec.md's "monitoring/latency emission" Non-goal
// covers the external system, not in-process counters).
package metrics

// Provider is the minimal, stable surface a caller constructs
// instruments from. New capabilities should arrive as separate optional
// interfaces rather than growing this one.
type Provider interface {
	Counter(name string, opts ...InstrumentOption) Counter
	UpDownCounter(name string, opts ...InstrumentOption) UpDownCounter
	Histogram(name string, opts ...InstrumentOption) Histogram
}

// Counter is a monotonic count, safe for concurrent use.
type Counter interface {
	Add(n int64)
}

// UpDownCounter is a count that may move in either direction (e.g. a
// current in-flight gauge), safe for concurrent use.
type UpDownCounter interface {
	Add(n int64)
}

// Histogram records a distribution of float64 measurements (e.g.
// durations in seconds), safe for concurrent use.
type Histogram interface {
	Record(v float64)
}

// InstrumentConfig carries optional, advisory instrument metadata.
type InstrumentConfig struct {
	Description string
	Unit        string
	// Attributes are static key-value pairs describing the instrument
	// itself. Implementations may ignore them; keep cardinality bounded.
	Attributes map[string]string
}

// InstrumentOption mutates an InstrumentConfig at instrument-creation time.
type InstrumentOption func(*InstrumentConfig)

// WithDescription sets an advisory description for the instrument.
func WithDescription(desc string) InstrumentOption {
	return func(c *InstrumentConfig) { c.Description = desc }
}

// WithUnit sets an advisory unit for the instrument (e.g. "1", "seconds").
func WithUnit(unit string) InstrumentOption {
	return func(c *InstrumentConfig) { c.Unit = unit }
}

// WithAttributes merges attrs into the instrument's static attribute set.
func WithAttributes(attrs map[string]string) InstrumentOption {
	return func(c *InstrumentConfig) {
		if len(attrs) == 0 {
			return
		}
		if c.Attributes == nil {
			c.Attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			c.Attributes[k] = v
		}
	}
}
