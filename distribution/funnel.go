package distribution

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy"
)

// Funnel is Neal's funnel: the first dimension x0 of each state sets
// the scale of all the others. Its energy is
//
//		E(x) = -(x0² / scale²) - Σ_{k≥1} x_k² / exp(x0)
type Funnel struct {
	*Graph
	scale float64
}

// NewFunnel returns a new Funnel over states of ndims ≥ 2 dimensions.
// The Funnel is named "Funnel" unless WithName is given.
func NewFunnel(scale float64, ndims, nbatch int,
	opts ...Option) (*Funnel, error) {
	if !(scale > 0) || math.IsInf(scale, 1) {
		return nil, fmt.Errorf("newFunnel: scale must be positive and "+
			"finite but got %v: %w", scale, energy.ErrConfiguration)
	} else if ndims < 2 {
		return nil, fmt.Errorf("newFunnel: expected at least 2 dimensions "+
			"but got %v: %w", ndims, energy.ErrConfiguration)
	}

	f := &Funnel{scale: scale}

	opts = append([]Option{WithName("Funnel")}, opts...)
	g, err := NewGraph(ndims, nbatch, f, opts...)
	if err != nil {
		return nil, fmt.Errorf("newFunnel: %w", err)
	}
	f.Graph = g

	return f, nil
}

// BuildEnergyOp builds the funnel energy of each column of state.
//
// x0 and the tail are selected with constant matrices rather than
// slices so that every intermediate stays a (rows, nbatch) matrix, even
// at a capacity of one, and Σ_{k≥1} x_k² is summed over the tail alone.
func (f *Funnel) BuildEnergyOp(g *G.ExprGraph,
	state *G.Node) (*G.Node, error) {
	if state.Dims() != 2 || state.Shape()[0] < 2 {
		return nil, fmt.Errorf("buildEnergyOp: expected state with at "+
			"least 2 rows but got %v: %w", state.Shape(), energy.ErrShape)
	}
	ndims, nbatch := state.Shape()[0], state.Shape()[1]

	// e0ᵀ picks row 0, tailSel picks rows 1..ndims-1
	first := make([]float64, ndims)
	first[0] = 1
	tailSel := make([]float64, (ndims-1)*ndims)
	for k := 1; k < ndims; k++ {
		tailSel[(k-1)*ndims+k] = 1
	}
	ones := make([]float64, ndims-1)
	for i := range ones {
		ones[i] = 1
	}

	firstN := G.NewConstant(constMatrix(1, ndims, first),
		G.WithName("funnelHead"))
	tailN := G.NewConstant(constMatrix(ndims-1, ndims, tailSel),
		G.WithName("funnelTail"))
	onesN := G.NewConstant(constMatrix(1, ndims-1, ones),
		G.WithName("funnelOnes"))

	x0, err := G.Mul(firstN, state)
	if err != nil {
		return nil, fmt.Errorf("buildEnergyOp: %w", err)
	}
	rest := G.Must(G.Mul(tailN, state))
	restSq := G.Must(G.Mul(onesN, G.Must(G.Square(rest))))

	invScaleSq := G.NewConstant(1/(f.scale*f.scale),
		G.WithName("invScaleSq"))
	head := G.Must(G.Mul(G.Must(G.Square(x0)), invScaleSq))
	tail := G.Must(G.HadamardDiv(restSq, G.Must(G.Exp(x0))))

	e := G.Must(G.Neg(G.Must(G.Add(head, tail))))
	return G.Reshape(e, tensor.Shape{nbatch})
}

// constMatrix returns a (rows, cols) matrix backed by data
func constMatrix(rows, cols int, data []float64) *tensor.Dense {
	return tensor.New(
		tensor.WithShape(rows, cols),
		tensor.WithBacking(data),
	)
}

// Scale returns the scale of x0
func (f *Funnel) Scale() float64 { return f.scale }

// Hash identifies the Funnel by its scale and dimension
func (f *Funnel) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte("Funnel"))
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f.scale))
	h.Write(buf)
	binary.LittleEndian.PutUint64(buf, uint64(f.ndims))
	h.Write(buf)

	return h.Sum64()
}

// InitialBatch draws x0 ~ 𝒩(0, scale) for each column, then every
// other dimension of that column from 𝒩(0, exp(x0))
func (f *Funnel) InitialBatch() *tensor.Dense {
	head := distuv.Normal{Mu: 0, Sigma: f.scale, Src: f.src}

	data := make([]float64, f.ndims*f.nbatch)
	for b := 0; b < f.nbatch; b++ {
		x0 := head.Rand()
		data[b] = x0

		tail := distuv.Normal{Mu: 0, Sigma: math.Exp(x0), Src: f.src}
		for k := 1; k < f.ndims; k++ {
			data[k*f.nbatch+b] = tail.Rand()
		}
	}

	return tensor.New(
		tensor.WithShape(f.ndims, f.nbatch),
		tensor.WithBacking(data),
	)
}
