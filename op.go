// Package energy provides the differentiable Gorgonia operations used
// by graph-backed energy functions, along with the error taxonomy
// shared by the rest of the module.
package energy

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ReconstructionError returns a node holding the sparse coding
// reconstruction error of each column of coeffs. Column b of coeffs
// stacks the coefficients of nPatches patches, nCoeffs each, so that
// coeffs must have shape (nPatches·nCoeffs, batch). basis has shape
// (patchSize, nCoeffs) and patches has shape (nPatches, patchSize).
//
// The returned node has shape (batch) and holds
//
//		E_b = 1/nPatches Σ_p ½‖patches_p - basis · c_pb‖²
//
// Both basis and patches are copied into the operation; they are
// constants of the graph and receive no gradient.
func ReconstructionError(coeffs *G.Node, basis,
	patches tensor.Tensor) (*G.Node, error) {
	op, err := newReconstructionErrorOp(basis, patches)
	if err != nil {
		return nil, fmt.Errorf("reconstructionError: %w", err)
	}

	if coeffs.Dims() != 2 || coeffs.Shape()[0] != op.nPatches*op.nCoeffs {
		return nil, fmt.Errorf("reconstructionError: expected coefficients "+
			"of shape (%v, batch) but got %v: %w", op.nPatches*op.nCoeffs,
			coeffs.Shape(), ErrShape)
	} else if coeffs.Dtype() != tensor.Float64 {
		return nil, fmt.Errorf("reconstructionError: data type %v "+
			"unsupported: %w", coeffs.Dtype(), ErrShape)
	}

	return G.ApplyOp(op, coeffs)
}
