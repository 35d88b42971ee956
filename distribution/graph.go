package distribution

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy"
	"github.com/samuelfneumann/energy/device"
	"github.com/samuelfneumann/energy/envconfig"
	"github.com/samuelfneumann/energy/session"
	"github.com/samuelfneumann/energy/trace"
)

// Graph adapts an EnergyBuilder to a Model. The energy expression is
// built once over a state placeholder of shape (ndims, nbatch) and
// differentiated symbolically; two machines are compiled, one for the
// energy and one for its gradient.
//
// Gorgonia graphs have static shapes, so nbatch is the capacity of the
// Graph. Batches with fewer columns are padded with zeros up to the
// capacity and the padding is dropped from the result. Every energy
// must therefore treat columns independently.
//
// A Graph is not safe for concurrent use. Distinct Graphs are
// independent.
type Graph struct {
	ndims  int
	nbatch int
	name   string
	policy device.Policy

	sess        *session.Session
	ownsSession bool
	logger      *slog.Logger

	trace    bool
	traceDir string

	src rand.Source

	g      *G.ExprGraph
	state  *G.Node
	energy *G.Node
	grad   *G.Node

	energyVM *session.Machine
	gradVM   *session.Machine
}

// NewGraph returns a new Graph evaluating the energy built by builder
// on batches of at most nbatch states of ndims dimensions
func NewGraph(ndims, nbatch int, builder EnergyBuilder,
	opts ...Option) (*Graph, error) {
	if ndims < 1 {
		return nil, fmt.Errorf("newGraph: ndims must be positive but got "+
			"%v: %w", ndims, energy.ErrConfiguration)
	} else if nbatch < 1 {
		return nil, fmt.Errorf("newGraph: nbatch must be positive but got "+
			"%v: %w", nbatch, energy.ErrConfiguration)
	} else if builder == nil {
		return nil, fmt.Errorf("newGraph: no energy builder: %w",
			energy.ErrNotImplemented)
	}

	cfg := config{
		policy:  device.DefaultPolicy(),
		sessCfg: session.DefaultConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.traceDir == "" {
		cfg.traceDir = envconfig.TraceDir()
	}
	if !cfg.seeded {
		cfg.seed = uint64(time.Now().UnixNano())
	}

	gr := &Graph{
		ndims:    ndims,
		nbatch:   nbatch,
		policy:   cfg.policy,
		logger:   cfg.logger,
		trace:    cfg.trace,
		traceDir: cfg.traceDir,
		src:      rand.NewSource(cfg.seed),
	}

	if cfg.session != nil {
		gr.sess = cfg.session
	} else {
		s, err := session.New(cfg.sessCfg, session.WithLogger(cfg.logger))
		if err != nil {
			return nil, fmt.Errorf("newGraph: %w", err)
		}
		gr.sess = s
		gr.ownsSession = true
	}

	if err := gr.build(builder); err != nil {
		gr.Close()
		return nil, fmt.Errorf("newGraph: %w", err)
	}

	gr.name = cfg.name
	if gr.name == "" {
		gr.name = gr.energy.Name()
	}

	gr.logger.Debug("created energy graph", "name", gr.name, "ndims",
		ndims, "nbatch", nbatch, "energy_device", gr.energyVM.Device(),
		"grad_device", gr.gradVM.Device(), "session", gr.sess.ID(),
		"trace", gr.trace)

	return gr, nil
}

// build constructs the energy and gradient expressions and compiles
// their machines
func (gr *Graph) build(builder EnergyBuilder) (err error) {
	gr.g = G.NewGraph()
	gr.state = G.NewMatrix(
		gr.g,
		tensor.Float64,
		G.WithShape(gr.ndims, gr.nbatch),
		G.WithName("state"),
	)

	// Builders commonly construct their expressions with G.Must
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build: %v: %w", r, energy.ErrShape)
		}
	}()

	gr.logger.Debug("building energy", "device", gr.policy.Energy)
	e, err := builder.BuildEnergyOp(gr.g, gr.state)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	} else if e == nil {
		return fmt.Errorf("build: builder returned no energy: %w",
			energy.ErrNotImplemented)
	}
	if s := e.Shape(); e.Dims() > 1 || s.TotalSize() != gr.nbatch {
		return fmt.Errorf("build: expected energy of shape (%v) but got "+
			"%v: %w", gr.nbatch, s, energy.ErrShape)
	}
	gr.energy = e

	gr.logger.Debug("building gradient", "device", gr.policy.Gradient)
	cost := G.Must(G.Sum(e))
	grads, err := G.Grad(cost, gr.state)
	if err != nil {
		return fmt.Errorf("build: could not differentiate energy: %v: %w",
			err, energy.ErrShape)
	}
	gr.grad = grads[0]

	if err := gr.checkInitialized(); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	if gr.energyVM, err = gr.sess.Compile(gr.g, gr.policy.Energy,
		gr.energy); err != nil {
		return fmt.Errorf("build: energy: %w", err)
	}
	if gr.gradVM, err = gr.sess.Compile(gr.g, gr.policy.Gradient,
		gr.grad); err != nil {
		return fmt.Errorf("build: gradient: %w", err)
	}

	return nil
}

// checkInitialized ensures every input of the graph other than the
// state holds a value
func (gr *Graph) checkInitialized() error {
	for _, n := range gr.g.Inputs() {
		if n == gr.state {
			continue
		}
		if n.Value() == nil {
			return fmt.Errorf("variable %v is not initialized: %w", n.Name(),
				energy.ErrResource)
		}
	}
	return nil
}

// NDims returns the dimension of a state
func (gr *Graph) NDims() int { return gr.ndims }

// NBatch returns the batch capacity of the Graph
func (gr *Graph) NBatch() int { return gr.nbatch }

// Name returns the name of the Graph
func (gr *Graph) Name() string { return gr.name }

// Policy returns the devices the energy and gradient were requested on
func (gr *Graph) Policy() device.Policy { return gr.policy }

// Session returns the Session the Graph is evaluated in
func (gr *Graph) Session() *session.Session { return gr.sess }

// Hash identifies the Graph by its name and state dimension. The batch
// capacity is not part of the hash. Models embedding a Graph replace
// it with a hash of their parameters.
func (gr *Graph) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(gr.name))
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(gr.ndims))
	h.Write(buf)
	return h.Sum64()
}

// InitialBatch returns standard normal states of shape (ndims, nbatch)
func (gr *Graph) InitialBatch() *tensor.Dense {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: gr.src}
	data := make([]float64, gr.ndims*gr.nbatch)
	for i := range data {
		data[i] = n.Rand()
	}

	return tensor.New(
		tensor.WithShape(gr.ndims, gr.nbatch),
		tensor.WithBacking(data),
	)
}

// Energy returns the energy of each column of x, which must have shape
// (ndims, b) for 1 ≤ b ≤ nbatch. The result has shape (b).
//
// When tracing is enabled and the trace cannot be written, the energy
// is returned along with a *trace.WriteError.
func (gr *Graph) Energy(x *tensor.Dense) (*tensor.Dense, error) {
	out, err := gr.run(gr.energyVM, gr.energy, trace.KindEnergy, x)
	if out == nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return out, err
}

// Gradient returns the gradient of the energy of each column of x with
// respect to that column. x must have shape (ndims, b) for
// 1 ≤ b ≤ nbatch, and so does the result.
//
// When tracing is enabled and the trace cannot be written, the
// gradient is returned along with a *trace.WriteError.
func (gr *Graph) Gradient(x *tensor.Dense) (*tensor.Dense, error) {
	out, err := gr.run(gr.gradVM, gr.grad, trace.KindGrad, x)
	if out == nil {
		return nil, fmt.Errorf("gradient: %w", err)
	}
	return out, err
}

// run evaluates output on x with m. A non-nil result may be returned
// along with a *trace.WriteError.
func (gr *Graph) run(m *session.Machine, output *G.Node, kind string,
	x *tensor.Dense) (*tensor.Dense, error) {
	if m == nil {
		return nil, fmt.Errorf("graph %v closed: %w", gr.name,
			energy.ErrResource)
	}

	padded, b, err := gr.pad(x)
	if err != nil {
		return nil, err
	}

	var rec *trace.Recorder
	if gr.trace {
		rec = trace.NewRecorder(m.Device().String(), map[string]any{
			"model":   gr.name,
			"kind":    kind,
			"session": gr.sess.ID().String(),
			"batch":   b,
		})
	}

	out, err := m.Run(gr.state, padded, output, rec)
	if err != nil {
		return nil, err
	}
	out = gr.unpad(out, b)

	if rec != nil {
		path := trace.Path(gr.traceDir, gr.name, kind, time.Now())
		if err := trace.Write(path, rec.Timeline()); err != nil {
			var we *trace.WriteError
			if errors.As(err, &we) {
				gr.logger.Warn("could not write trace", "path", we.Path,
					"error", we.Err)
			}
			return out, err
		}
		gr.logger.Info("wrote trace", "model", gr.name, "kind", kind,
			"path", path)
	}

	return out, nil
}

// pad validates x and returns it padded with zero columns up to the
// capacity of the Graph, along with its original number of columns
func (gr *Graph) pad(x *tensor.Dense) (*tensor.Dense, int, error) {
	if x == nil {
		return nil, 0, fmt.Errorf("no input: %w", energy.ErrShape)
	} else if x.Dtype() != tensor.Float64 {
		return nil, 0, fmt.Errorf("expected dtype %v but got %v: %w",
			tensor.Float64, x.Dtype(), energy.ErrShape)
	} else if x.Dims() != 2 || x.Shape()[0] != gr.ndims {
		return nil, 0, fmt.Errorf("expected input of shape (%v, b) but "+
			"got %v: %w", gr.ndims, x.Shape(), energy.ErrShape)
	}

	b := x.Shape()[1]
	if b < 1 || b > gr.nbatch {
		return nil, 0, fmt.Errorf("expected between 1 and %v columns but "+
			"got %v: %w", gr.nbatch, b, energy.ErrShape)
	}

	if x.RequiresIterator() {
		x = x.Materialize().(*tensor.Dense)
	}
	data := x.Data().([]float64)

	if b == gr.nbatch {
		backing := make([]float64, len(data))
		copy(backing, data)
		return tensor.New(
			tensor.WithShape(gr.ndims, gr.nbatch),
			tensor.WithBacking(backing),
		), b, nil
	}

	backing := make([]float64, gr.ndims*gr.nbatch)
	for r := 0; r < gr.ndims; r++ {
		copy(backing[r*gr.nbatch:r*gr.nbatch+b], data[r*b:(r+1)*b])
	}
	return tensor.New(
		tensor.WithShape(gr.ndims, gr.nbatch),
		tensor.WithBacking(backing),
	), b, nil
}

// unpad drops the padding columns of a result computed on a padded
// batch
func (gr *Graph) unpad(out *tensor.Dense, b int) *tensor.Dense {
	var data []float64
	switch d := out.Data().(type) {
	case []float64:
		data = d
	case float64:
		// Reductions over a capacity of one may come back as scalars
		data = []float64{d}
	}

	if out.Dims() < 2 {
		return tensor.New(
			tensor.WithShape(b),
			tensor.WithBacking(data[:b]),
		)
	}

	if b == gr.nbatch {
		return out
	}

	rows := out.Shape()[0]
	backing := make([]float64, rows*b)
	for r := 0; r < rows; r++ {
		copy(backing[r*b:(r+1)*b], data[r*gr.nbatch:r*gr.nbatch+b])
	}
	return tensor.New(
		tensor.WithShape(rows, b),
		tensor.WithBacking(backing),
	)
}

// Close releases the machines of the Graph, and its Session if the
// Graph created it
func (gr *Graph) Close() error {
	var errs []error
	if gr.energyVM != nil {
		errs = append(errs, gr.energyVM.Close())
		gr.energyVM = nil
	}
	if gr.gradVM != nil {
		errs = append(errs, gr.gradVM.Close())
		gr.gradVM = nil
	}
	if gr.ownsSession && gr.sess != nil {
		errs = append(errs, gr.sess.Close())
	}
	return errors.Join(errs...)
}
