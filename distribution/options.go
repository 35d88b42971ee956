package distribution

import (
	"log/slog"

	"github.com/samuelfneumann/energy/device"
	"github.com/samuelfneumann/energy/session"
)

// config holds the settings of a Graph collected from its Options
type config struct {
	name     string
	policy   device.Policy
	session  *session.Session
	sessCfg  session.Config
	trace    bool
	traceDir string
	logger   *slog.Logger
	seed     uint64
	seeded   bool
}

// Option configures a Graph
type Option func(*config)

// WithName sets the name of the Graph, used in logs and trace file
// names
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithDevice sets the devices the energy and gradient are placed on
func WithDevice(p device.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithSession evaluates the Graph in an existing Session instead of
// creating one. The Session is not closed when the Graph is.
func WithSession(s *session.Session) Option {
	return func(c *config) {
		c.session = s
	}
}

// WithTrace enables timeline traces of every evaluation
func WithTrace(enabled bool) Option {
	return func(c *config) {
		c.trace = enabled
	}
}

// WithTraceDir sets the directory traces are written to
func WithTraceDir(dir string) Option {
	return func(c *config) {
		c.traceDir = dir
	}
}

// WithGPUMemoryFraction sets the fraction of GPU memory the Graph's
// own Session may allocate
func WithGPUMemoryFraction(f float64) Option {
	return func(c *config) {
		c.sessCfg.GPUMemoryFraction = f
	}
}

// WithAllowGrowth sets whether the Graph's own Session grows GPU
// allocations on demand
func WithAllowGrowth(allow bool) Option {
	return func(c *config) {
		c.sessCfg.AllowGrowth = allow
	}
}

// WithLogPlacement logs the device of every node when the Graph is
// compiled
func WithLogPlacement(enabled bool) Option {
	return func(c *config) {
		c.sessCfg.LogPlacement = enabled
	}
}

// WithLogger sets the logger of the Graph
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithSeed seeds the generator of initial batches
func WithSeed(seed uint64) Option {
	return func(c *config) {
		c.seed = seed
		c.seeded = true
	}
}
