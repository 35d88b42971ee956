package distribution

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	G "gorgonia.org/gorgonia"

	"github.com/samuelfneumann/energy"
)

// Gaussian is an isotropic, zero mean Gaussian with standard deviation
// sigma in every dimension:
//
//		E(x) = Σ_i x_i² / (2σ²)
type Gaussian struct {
	*Graph
	sigma float64
}

// NewGaussian returns a new Gaussian. The Gaussian is named "Gaussian"
// unless WithName is given.
func NewGaussian(ndims, nbatch int, sigma float64,
	opts ...Option) (*Gaussian, error) {
	if !(sigma > 0) || math.IsInf(sigma, 1) {
		return nil, fmt.Errorf("newGaussian: sigma must be positive and "+
			"finite but got %v: %w", sigma, energy.ErrConfiguration)
	}

	gs := &Gaussian{sigma: sigma}

	opts = append([]Option{WithName("Gaussian")}, opts...)
	g, err := NewGraph(ndims, nbatch, gs, opts...)
	if err != nil {
		return nil, fmt.Errorf("newGaussian: %w", err)
	}
	gs.Graph = g

	return gs, nil
}

// BuildEnergyOp builds the energy of each column of state
func (gs *Gaussian) BuildEnergyOp(g *G.ExprGraph,
	state *G.Node) (*G.Node, error) {
	sumSq, err := G.Sum(G.Must(G.Square(state)), 0)
	if err != nil {
		return nil, fmt.Errorf("buildEnergyOp: %w", err)
	}

	inv2Var := G.NewConstant(1/(2*gs.sigma*gs.sigma),
		G.WithName("inv2Var"))
	return G.Mul(sumSq, inv2Var)
}

// Sigma returns the standard deviation of each dimension
func (gs *Gaussian) Sigma() float64 { return gs.sigma }

// Hash identifies the Gaussian by its dimension and standard deviation
func (gs *Gaussian) Hash() uint64 {
	h := fnv.New64a()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(gs.ndims))
	h.Write(buf)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(gs.sigma))
	h.Write(buf)

	return h.Sum64()
}
