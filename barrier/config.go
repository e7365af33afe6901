package barrier

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/coordinator/internal/metrics"
)

// Config controls a Coordinator's cadences and the checkpoint namespace
// it writes under.
type Config struct {
	// TenancyID namespaces checkpoint coordinates (spec.md §6 "tenancy-id").
	TenancyID string

	// HeartbeatPeriod is how often the loop polls publisher reachability.
	HeartbeatPeriod time.Duration

	// BarrierPeriod is the periodic-barrier cadence.
	BarrierPeriod time.Duration

	// MaxSleep upper-bounds the park step between loop iterations.
	MaxSleep time.Duration

	// OnFatal is invoked from the coordinator's own goroutine when the
	// loop hits an unrecoverable error, standing in for "requesting a
	// v-peer restart on the group control channel" (§4.4 "Error
	// handling"). May be nil.
	OnFatal func(jobID, peerID string, err error)

	Metrics metrics.Provider
	Logger  *logrus.Entry
}

// Option mutates a Config.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		TenancyID:       "default",
		HeartbeatPeriod: 10 * time.Second,
		BarrierPeriod:   30 * time.Second,
		MaxSleep:        time.Second,
		Metrics:         metrics.NewNoopProvider(),
		Logger:          logrus.NewEntry(logrus.StandardLogger()),
	}
}

// WithTenancyID sets the checkpoint namespace.
func WithTenancyID(id string) Option { return func(c *Config) { c.TenancyID = id } }

// WithHeartbeatPeriod sets the heartbeat cadence.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatPeriod = d }
}

// WithBarrierPeriod sets the periodic-barrier cadence.
func WithBarrierPeriod(d time.Duration) Option {
	return func(c *Config) { c.BarrierPeriod = d }
}

// WithMaxSleep sets the loop's maximum park duration.
func WithMaxSleep(d time.Duration) Option { return func(c *Config) { c.MaxSleep = d } }

// WithOnFatal installs the restart-request callback.
func WithOnFatal(fn func(jobID, peerID string, err error)) Option {
	return func(c *Config) { c.OnFatal = fn }
}

// WithMetrics injects a metrics.Provider.
func WithMetrics(p metrics.Provider) Option { return func(c *Config) { c.Metrics = p } }

// WithLogger injects a logrus entry.
func WithLogger(l *logrus.Entry) Option { return func(c *Config) { c.Logger = l } }
