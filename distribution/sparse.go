package distribution

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"slices"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy"
	"github.com/samuelfneumann/energy/dictionary"
	"github.com/samuelfneumann/energy/envconfig"
)

// DefaultLambda is the default sparsity penalty weight
const DefaultLambda = 0.01

// SparseImageCode is the posterior over sparse codes of a set of
// natural image patches under a fixed dictionary. Each state holds the
// coefficients of every patch: those of patch p are rows
// p·nCoeffs … (p+1)·nCoeffs-1. The energy of a state is its mean
// reconstruction error plus a sparsity penalty:
//
//		E(c) = 1/P Σ_p ½‖patch_p - basis · c_p‖² + λ Σ_i φ(c_i)
//
// with φ(c) = log(1 + c²) for the Cauchy prior and φ(c) = |c| for the
// Laplace prior.
type SparseImageCode struct {
	*Graph

	dict     *dictionary.Dictionary
	patches  *tensor.Dense
	nPatches int
	cauchy   bool
	lambda   float64
}

type sparseConfig struct {
	lambda    float64
	dataDir   string
	dict      *dictionary.Dictionary
	graphOpts []Option
}

// SparseOption configures a SparseImageCode
type SparseOption func(*sparseConfig)

// WithLambda sets the weight of the sparsity penalty
func WithLambda(lambda float64) SparseOption {
	return func(c *sparseConfig) {
		c.lambda = lambda
	}
}

// WithDataDir sets the directory the dictionary is loaded from
func WithDataDir(dir string) SparseOption {
	return func(c *sparseConfig) {
		c.dataDir = dir
	}
}

// WithDictionary uses d instead of loading a dictionary
func WithDictionary(d *dictionary.Dictionary) SparseOption {
	return func(c *sparseConfig) {
		c.dict = d
	}
}

// WithGraphOptions passes opts on to the underlying Graph
func WithGraphOptions(opts ...Option) SparseOption {
	return func(c *sparseConfig) {
		c.graphOpts = append(c.graphOpts, opts...)
	}
}

// NewSparseImageCode returns a new SparseImageCode over the first
// nPatches image patches of the dictionary with nBasis basis functions.
// The prior is Cauchy if cauchy is true and Laplace otherwise. The
// model is named "SparseImageCode" unless WithName is given.
func NewSparseImageCode(nPatches, nBatch int, cauchy bool, nBasis int,
	opts ...SparseOption) (*SparseImageCode, error) {
	cfg := sparseConfig{lambda: DefaultLambda}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !slices.Contains(dictionary.Sizes, nBasis) {
		return nil, fmt.Errorf("newSparseImageCode: basis size must be one "+
			"of %v but got %v: %w", dictionary.Sizes, nBasis,
			energy.ErrConfiguration)
	} else if nPatches < 1 {
		return nil, fmt.Errorf("newSparseImageCode: expected at least one "+
			"patch but got %v: %w", nPatches, energy.ErrConfiguration)
	} else if cfg.lambda < 0 || math.IsNaN(cfg.lambda) {
		return nil, fmt.Errorf("newSparseImageCode: lambda must be "+
			"non-negative but got %v: %w", cfg.lambda,
			energy.ErrConfiguration)
	}

	d := cfg.dict
	if d == nil {
		if cfg.dataDir == "" {
			cfg.dataDir = envconfig.DataDir()
		}

		var err error
		if d, err = dictionary.Load(cfg.dataDir, nBasis); err != nil {
			return nil, fmt.Errorf("newSparseImageCode: %w", err)
		}
	} else if d.Size() != nBasis {
		return nil, fmt.Errorf("newSparseImageCode: dictionary has basis "+
			"size %v but %v was requested: %w", d.Size(), nBasis,
			energy.ErrConfiguration)
	}

	patches, err := d.Patches(nPatches)
	if err != nil {
		return nil, fmt.Errorf("newSparseImageCode: %w", err)
	}

	s := &SparseImageCode{
		dict:     d,
		patches:  patches,
		nPatches: nPatches,
		cauchy:   cauchy,
		lambda:   cfg.lambda,
	}

	graphOpts := append([]Option{WithName("SparseImageCode")},
		cfg.graphOpts...)
	g, err := NewGraph(nPatches*d.NCoeffs(), nBatch, s, graphOpts...)
	if err != nil {
		return nil, fmt.Errorf("newSparseImageCode: %w", err)
	}
	s.Graph = g

	return s, nil
}

// BuildEnergyOp builds the reconstruction error plus sparsity penalty
// of each column of state
func (s *SparseImageCode) BuildEnergyOp(g *G.ExprGraph,
	state *G.Node) (*G.Node, error) {
	recon, err := energy.ReconstructionError(state, s.dict.Basis(),
		s.patches)
	if err != nil {
		return nil, fmt.Errorf("buildEnergyOp: %w", err)
	}

	var phi *G.Node
	if s.cauchy {
		phi = G.Must(G.Log1p(G.Must(G.Square(state))))
	} else {
		phi = G.Must(G.Abs(state))
	}
	penalty := G.Must(G.Sum(phi, 0))

	lambda := G.NewConstant(s.lambda, G.WithName("lambda"))
	return G.Add(recon, G.Must(G.Mul(penalty, lambda)))
}

// NPatches returns the number of image patches coded by each state
func (s *SparseImageCode) NPatches() int { return s.nPatches }

// NCoeffs returns the number of coefficients of each patch
func (s *SparseImageCode) NCoeffs() int { return s.dict.NCoeffs() }

// Cauchy returns whether the prior is Cauchy rather than Laplace
func (s *SparseImageCode) Cauchy() bool { return s.cauchy }

// Lambda returns the weight of the sparsity penalty
func (s *SparseImageCode) Lambda() float64 { return s.lambda }

// Dictionary returns the dictionary of the model
func (s *SparseImageCode) Dictionary() *dictionary.Dictionary {
	return s.dict
}

// Hash identifies the model by its dictionary, lambda and number of
// patches and coefficients. The prior is not part of the hash, so
// Cauchy and Laplace models over the same data share a hash.
func (s *SparseImageCode) Hash() uint64 {
	h := fnv.New64a()
	buf := make([]byte, 8)
	for _, v := range []uint64{
		s.dict.Digest(),
		math.Float64bits(s.lambda),
		uint64(s.nPatches),
		uint64(s.dict.NCoeffs()),
	} {
		binary.LittleEndian.PutUint64(buf, v)
		h.Write(buf)
	}

	return h.Sum64()
}
