package cluster

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/coordinator/internal/metrics"
)

// Config controls Supervisor channel sizing, the revoke timeout, and the
// observability instruments injected into it.
type Config struct {
	// RevokeDelay is how long an offered peer has to ack before the
	// Cluster Coordinator treats it as dead (§4.3 "Revoke"). Zero means
	// "evict immediately after offer", used in tests for determinism.
	RevokeDelay time.Duration

	// OfferTTL is the deadline recorded on factstore.MarkOffered; purely
	// informational bookkeeping for stores that want to expire stale
	// offers independently of the revoke timer.
	OfferTTL time.Duration

	// ChannelBufferSize sizes each of the six input channels.
	ChannelBufferSize uint

	// BroadcastBufferSize sizes each subscriber's buffer on every
	// *-mult fan-out channel.
	BroadcastBufferSize uint

	// ErrorsBufferSize sizes each engine.Loop's outward errors channel.
	ErrorsBufferSize uint

	// Metrics receives Supervisor instrumentation. Defaults to a no-op
	// provider.
	Metrics metrics.Provider

	// Logger receives structured diagnostic logging. Defaults to the
	// standard logrus logger.
	Logger *logrus.Entry
}

// Option mutates a Config.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		RevokeDelay:         30 * time.Second,
		OfferTTL:            5 * time.Minute,
		ChannelBufferSize:   64,
		BroadcastBufferSize: 64,
		ErrorsBufferSize:    64,
		Metrics:             metrics.NewNoopProvider(),
		Logger:              logrus.NewEntry(logrus.StandardLogger()),
	}
}

// WithRevokeDelay sets the unacked-offer eviction timeout.
func WithRevokeDelay(d time.Duration) Option {
	return func(c *Config) { c.RevokeDelay = d }
}

// WithOfferTTL sets the deadline recorded alongside an offer.
func WithOfferTTL(d time.Duration) Option {
	return func(c *Config) { c.OfferTTL = d }
}

// WithChannelBufferSize sets the buffer depth of each input channel.
func WithChannelBufferSize(n uint) Option {
	return func(c *Config) { c.ChannelBufferSize = n }
}

// WithBroadcastBufferSize sets the per-subscriber buffer depth on every
// broadcast channel.
func WithBroadcastBufferSize(n uint) Option {
	return func(c *Config) { c.BroadcastBufferSize = n }
}

// WithMetrics injects a metrics.Provider.
func WithMetrics(p metrics.Provider) Option {
	return func(c *Config) { c.Metrics = p }
}

// WithLogger injects a logrus entry used for diagnostic (non-business)
// logging.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Config) { c.Logger = l }
}
