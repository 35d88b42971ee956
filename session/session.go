// Package session provides the execution context of graph-backed
// energy functions: device placement, memory policy and the compiled
// machines which evaluate a graph.
package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	G "gorgonia.org/gorgonia"

	"github.com/samuelfneumann/energy"
	"github.com/samuelfneumann/energy/device"
	"github.com/samuelfneumann/energy/logutil"
)

// Config configures a Session. It is fixed once the Session is
// created.
type Config struct {
	// GPUMemoryFraction is the fraction of GPU memory the session may
	// allocate, in (0, 1]
	GPUMemoryFraction float64

	// AllowGrowth grows GPU allocations on demand instead of
	// allocating the whole fraction up front
	AllowGrowth bool

	// LogPlacement logs the device of every node of every compiled
	// graph
	LogPlacement bool

	// HardPlacement makes placement on an unavailable device an error.
	// By default such placements fall back to the CPU.
	HardPlacement bool
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		GPUMemoryFraction: 1,
		AllowGrowth:       true,
	}
}

// Session is an execution context. A Session may be shared between
// models; every model compiles its own machines from it.
type Session struct {
	id        uuid.UUID
	cfg       Config
	logger    *slog.Logger
	available []device.Device
	closed    atomic.Bool
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger of the Session
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithDevices declares the devices available to the Session. Gorgonia
// is built for the CPU here, so by default only /cpu:0 is available.
func WithDevices(devices ...device.Device) Option {
	return func(s *Session) {
		s.available = devices
	}
}

// New returns a new Session
func New(cfg Config, opts ...Option) (*Session, error) {
	if !(cfg.GPUMemoryFraction > 0 && cfg.GPUMemoryFraction <= 1) {
		return nil, fmt.Errorf("new: GPU memory fraction must be in (0, 1] "+
			"but got %v: %w", cfg.GPUMemoryFraction, energy.ErrConfiguration)
	}

	s := &Session{
		id:        uuid.New(),
		cfg:       cfg,
		logger:    slog.Default(),
		available: []device.Device{device.Default},
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.available) == 0 {
		return nil, fmt.Errorf("new: no devices available: %w",
			energy.ErrResource)
	}

	s.logger.Debug("created session", "id", s.id, "devices", s.available,
		"gpu_fraction", cfg.GPUMemoryFraction, "allow_growth",
		cfg.AllowGrowth, "log_placement", cfg.LogPlacement)

	return s, nil
}

// ID returns the unique identifier of the Session
func (s *Session) ID() uuid.UUID { return s.id }

// Config returns the configuration of the Session
func (s *Session) Config() Config { return s.cfg }

// Logger returns the logger of the Session
func (s *Session) Logger() *slog.Logger { return s.logger }

// Place resolves the requested device to one the Session can run on.
// Unavailable devices fall back to the first available device unless
// the Session uses hard placement.
func (s *Session) Place(d device.Device) (device.Device, error) {
	if slices.Contains(s.available, d) {
		return d, nil
	}

	if s.cfg.HardPlacement {
		return device.Device{}, fmt.Errorf("place: device %v unavailable: %w",
			d, energy.ErrResource)
	}

	fallback := s.available[0]
	s.logger.Warn("device unavailable, using soft placement",
		"requested", d, "placed", fallback)
	return fallback, nil
}

// Compile compiles a machine which computes roots, and everything
// roots depend on, on the device d
func (s *Session) Compile(g *G.ExprGraph, d device.Device,
	roots ...*G.Node) (m *Machine, err error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("compile: session %v closed: %w", s.id,
			energy.ErrResource)
	}

	placed, err := s.Place(d)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	sub := g.SubgraphRoots(roots...)
	nodes := sub.AllNodes()
	if s.cfg.LogPlacement {
		for _, n := range nodes {
			s.logger.Info("placed node", "node", n.Name(), "device", placed)
		}
	} else {
		for _, n := range nodes {
			logutil.Trace(s.logger, "placed node", "node", n.Name(),
				"device", placed)
		}
	}

	// Gorgonia reports compilation failures by panicking
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("compile: %v: %w", r, energy.ErrResource)
		}
	}()

	return &Machine{
		vm:      G.NewTapeMachine(sub),
		graph:   sub,
		nodes:   nodes,
		device:  placed,
		session: s,
	}, nil
}

// Close releases the Session. Machines compiled from it stay usable
// until they are closed themselves.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}
