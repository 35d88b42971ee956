package energy

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"

	"github.com/chewxy/hm"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// reconstructionErrorOp computes the sparse coding reconstruction
// error of a batch of coefficient columns against a fixed set of image
// patches:
//
//		E_b = 1/P Σ_p ½‖patch_p - basis · c_pb‖²
//
// where c_pb are rows p·C … (p+1)·C-1 of column b of the input. The
// input has shape (P·C, B) and the output has shape (B).
type reconstructionErrorOp struct {
	basis   *mat.Dense // (patchSize, nCoeffs)
	patches *mat.Dense // (nPatches, patchSize)

	nPatches  int
	patchSize int
	nCoeffs   int

	digest uint64
}

func newReconstructionErrorOp(basis, patches tensor.Tensor) (
	*reconstructionErrorOp, error) {
	b, err := denseMatrix(basis)
	if err != nil {
		return nil, fmt.Errorf("newReconstructionErrorOp: basis: %w", err)
	}
	p, err := denseMatrix(patches)
	if err != nil {
		return nil, fmt.Errorf("newReconstructionErrorOp: patches: %w", err)
	}

	patchSize, nCoeffs := b.Dims()
	nPatches, size := p.Dims()
	if size != patchSize {
		return nil, fmt.Errorf("newReconstructionErrorOp: patches have "+
			"%v pixels but basis has %v rows: %w", size, patchSize, ErrShape)
	}

	h := fnv.New64a()
	buf := make([]byte, 8)
	for _, m := range []*mat.Dense{b, p} {
		for _, v := range m.RawMatrix().Data {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			h.Write(buf)
		}
	}

	return &reconstructionErrorOp{
		basis:     b,
		patches:   p,
		nPatches:  nPatches,
		patchSize: patchSize,
		nCoeffs:   nCoeffs,
		digest:    h.Sum64(),
	}, nil
}

// denseMatrix copies a 2-tensor of float64's into a gonum matrix
func denseMatrix(t tensor.Tensor) (*mat.Dense, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor: %w", ErrShape)
	} else if t.Dtype() != tensor.Float64 {
		return nil, fmt.Errorf("expected dtype %v but got %v: %w",
			tensor.Float64, t.Dtype(), ErrShape)
	} else if t.Dims() != 2 || t.Size() == 0 {
		return nil, fmt.Errorf("expected non-empty matrix but got shape "+
			"%v: %w", t.Shape(), ErrShape)
	}

	data, err := float64Data(t)
	if err != nil {
		return nil, err
	}
	backing := make([]float64, len(data))
	copy(backing, data)

	return mat.NewDense(t.Shape()[0], t.Shape()[1], backing), nil
}

// float64Data returns the row-major backing of t, materializing views
func float64Data(t tensor.Tensor) ([]float64, error) {
	if d, ok := t.(*tensor.Dense); ok && d.IsMaterializable() {
		t = d.Materialize()
	}

	switch data := t.Data().(type) {
	case []float64:
		return data, nil
	case float64:
		return []float64{data}, nil
	}
	return nil, fmt.Errorf("expected []float64 backing but got %T: %w",
		t.Data(), ErrShape)
}

func (r *reconstructionErrorOp) Arity() int { return 1 }

func (r *reconstructionErrorOp) Type() hm.Type {
	in := G.TensorType{Dims: 2, Of: tensor.Float64}
	out := G.TensorType{Dims: 1, Of: tensor.Float64}

	return hm.NewFnType(in, out)
}

func (r *reconstructionErrorOp) InferShape(inputs ...G.DimSizer) (
	tensor.Shape, error) {
	if err := CheckArity(r, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}

	shape, ok := inputs[0].(tensor.Shape)
	if !ok || len(shape) != 2 {
		return nil, fmt.Errorf("inferShape: expected matrix shape but got "+
			"%v: %w", inputs[0], ErrShape)
	}

	return tensor.Shape{shape[1]}, nil
}

func (r *reconstructionErrorOp) ReturnsPtr() bool { return false }

func (r *reconstructionErrorOp) CallsExtern() bool { return false }

func (r *reconstructionErrorOp) OverwritesInput() int { return -1 }

func (r *reconstructionErrorOp) String() string {
	return fmt.Sprintf("ReconstructionError{patches=%v, size=%v, "+
		"coeffs=%v, digest=%x}()", r.nPatches, r.patchSize, r.nCoeffs,
		r.digest)
}

// WriteHash writes the hash of the receiver to a hash struct
func (r *reconstructionErrorOp) WriteHash(h hash.Hash) {
	fmt.Fprint(h, r.String())
}

// Hashcode returns the hash code of the receiver
func (r *reconstructionErrorOp) Hashcode() uint32 { return SimpleHash(r) }

func (r *reconstructionErrorOp) DiffWRT(inputs int) []bool {
	if inputs != 1 {
		panic(fmt.Sprintf("reconstruction error operator only supports "+
			"one input, got %d instead", inputs))
	}
	return []bool{true}
}

func (r *reconstructionErrorOp) SymDiff(inputs G.Nodes, output,
	grad *G.Node) (G.Nodes, error) {
	err := CheckArity(r, len(inputs))
	if err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	diffOp := &reconstructionErrorDiffOp{r}
	nodes := make(G.Nodes, 1)

	nodes[0], err = G.ApplyOp(diffOp, inputs[0], grad)

	return nodes, err
}

func (r *reconstructionErrorOp) Do(inputs ...G.Value) (G.Value, error) {
	coeffs, batch, err := r.checkInputs(inputs...)
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	scale := 0.5 / float64(r.nPatches)
	out := make([]float64, batch)
	for _, res := range r.residuals(coeffs, batch) {
		for s := 0; s < r.patchSize; s++ {
			for b, v := range res.RawRowView(s) {
				out[b] += scale * v * v
			}
		}
	}

	return tensor.New(
		tensor.WithShape(batch),
		tensor.WithBacking(out),
	), nil
}

// residuals returns patch_p - basis · c_p for each patch p, each as a
// (patchSize, batch) matrix. Together they form the batched
// reconstruction of all patches for all batch columns.
func (r *reconstructionErrorOp) residuals(coeffs []float64,
	batch int) []*mat.Dense {
	block := r.nCoeffs * batch
	res := make([]*mat.Dense, r.nPatches)

	for p := 0; p < r.nPatches; p++ {
		c := mat.NewDense(r.nCoeffs, batch, coeffs[p*block:(p+1)*block])

		recon := mat.NewDense(r.patchSize, batch, nil)
		recon.Mul(r.basis, c)

		patch := r.patches.RawRowView(p)
		for s := 0; s < r.patchSize; s++ {
			row := recon.RawRowView(s)
			for b := range row {
				row[b] = patch[s] - row[b]
			}
		}
		res[p] = recon
	}

	return res
}

// checkInputs returns an error if the input to this Op is invalid
func (r *reconstructionErrorOp) checkInputs(inputs ...G.Value) ([]float64,
	int, error) {
	if err := CheckArity(r, len(inputs)); err != nil {
		return nil, 0, err
	}

	t, ok := inputs[0].(tensor.Tensor)
	if !ok {
		return nil, 0, fmt.Errorf("expected tensor, received %T", inputs[0])
	} else if t == nil {
		return nil, 0, fmt.Errorf("cannot reconstruct from nil tensor")
	}

	shape := t.Shape()
	if len(shape) != 2 || shape[0] != r.nPatches*r.nCoeffs {
		return nil, 0, fmt.Errorf("expected coefficients of shape (%v, "+
			"batch) but got %v: %w", r.nPatches*r.nCoeffs, shape, ErrShape)
	}

	data, err := float64Data(t)
	if err != nil {
		return nil, 0, err
	}

	return data, shape[1], nil
}

// reconstructionErrorDiffOp is the adjoint of reconstructionErrorOp:
//
//		∂E_b/∂c_pb = -1/P · basisᵀ (patch_p - basis · c_pb)
//
// scaled column-wise by the upstream gradient.
type reconstructionErrorDiffOp struct {
	op *reconstructionErrorOp
}

func (r *reconstructionErrorDiffOp) Arity() int { return 2 }

func (r *reconstructionErrorDiffOp) Type() hm.Type {
	coeffs := G.TensorType{Dims: 2, Of: tensor.Float64}
	grad := G.TensorType{Dims: 1, Of: tensor.Float64}

	return hm.NewFnType(coeffs, grad, coeffs)
}

func (r *reconstructionErrorDiffOp) InferShape(inputs ...G.DimSizer) (
	tensor.Shape, error) {
	if err := CheckArity(r, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	if inputs[0] == nil {
		return nil, fmt.Errorf("inferShape: nil input")
	}

	return inputs[0].(tensor.Shape).Clone(), nil
}

func (r *reconstructionErrorDiffOp) ReturnsPtr() bool { return false }

func (r *reconstructionErrorDiffOp) CallsExtern() bool { return false }

func (r *reconstructionErrorDiffOp) OverwritesInput() int { return -1 }

func (r *reconstructionErrorDiffOp) String() string {
	return fmt.Sprintf("ReconstructionErrorDiff{digest=%x}()", r.op.digest)
}

// WriteHash writes the hash of the receiver to a hash struct
func (r *reconstructionErrorDiffOp) WriteHash(h hash.Hash) {
	fmt.Fprint(h, r.String())
}

// Hashcode returns the hash code of the receiver
func (r *reconstructionErrorDiffOp) Hashcode() uint32 {
	return SimpleHash(r)
}

func (r *reconstructionErrorDiffOp) Do(inputs ...G.Value) (G.Value,
	error) {
	if err := CheckArity(r, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	coeffs, batch, err := r.op.checkInputs(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	var grad []float64
	switch g := inputs[1].(type) {
	case tensor.Tensor:
		if grad, err = float64Data(g); err != nil {
			return nil, fmt.Errorf("do: %v", err)
		}
	case *G.F64:
		// Batches of one may receive a scalar upstream gradient
		grad = []float64{float64(*g)}
	default:
		return nil, fmt.Errorf("do: expected gradient tensor, received %T",
			inputs[1])
	}
	if len(grad) != batch {
		return nil, fmt.Errorf("do: expected gradient of size %v but got "+
			"%v: %w", batch, len(grad), ErrShape)
	}

	scale := -1.0 / float64(r.op.nPatches)
	block := r.op.nCoeffs * batch
	out := make([]float64, r.op.nPatches*block)

	for p, res := range r.op.residuals(coeffs, batch) {
		d := mat.NewDense(r.op.nCoeffs, batch, out[p*block:(p+1)*block])
		d.Mul(r.op.basis.T(), res)

		for c := 0; c < r.op.nCoeffs; c++ {
			row := d.RawRowView(c)
			for b := range row {
				row[b] *= scale * grad[b]
			}
		}
	}

	return tensor.New(
		tensor.WithShape(r.op.nPatches*r.op.nCoeffs, batch),
		tensor.WithBacking(out),
	), nil
}
