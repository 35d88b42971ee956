// Package distribution provides unnormalized probability distributions
// for MCMC samplers, defined by energy functions built as Gorgonia
// computational graphs. The energy and its gradient with respect to
// the sampler state are evaluated on batches of states, one state per
// column.
package distribution

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy"
	"github.com/samuelfneumann/energy/device"
)

// Model is an energy function a sampler can evaluate. States are
// batched as matrices of shape (NDims, b), 1 ≤ b ≤ NBatch, one state
// per column.
type Model interface {
	NDims() int
	NBatch() int

	// Name identifies the model in logs and trace files
	Name() string

	// Hash identifies the model for caching. Two models with equal
	// hashes define the same energy.
	Hash() uint64

	// InitialBatch returns a batch of starting states of shape
	// (NDims, NBatch)
	InitialBatch() *tensor.Dense

	// Energy returns the energy of each column of x, with shape (b)
	Energy(x *tensor.Dense) (*tensor.Dense, error)

	// Gradient returns the gradient of the energy of each column of x
	// with respect to that column, with shape (NDims, b)
	Gradient(x *tensor.Dense) (*tensor.Dense, error)

	// Policy returns the devices the energy and gradient run on
	Policy() device.Policy

	Close() error
}

// EnergyBuilder builds the energy expression of a Graph. state is the
// (ndims, nbatch) placeholder of the batch being evaluated; the
// returned node must have shape (nbatch). BuildEnergyOp is called once,
// when the Graph is constructed.
type EnergyBuilder interface {
	BuildEnergyOp(g *G.ExprGraph, state *G.Node) (*G.Node, error)
}

// EnergyFunc adapts a function to an EnergyBuilder
type EnergyFunc func(g *G.ExprGraph, state *G.Node) (*G.Node, error)

// BuildEnergyOp calls f(g, state)
func (f EnergyFunc) BuildEnergyOp(g *G.ExprGraph,
	state *G.Node) (*G.Node, error) {
	return f(g, state)
}

// UnimplementedEnergy can be embedded by builders which do not define
// an energy yet. Graphs built from it fail with ErrNotImplemented.
type UnimplementedEnergy struct{}

// BuildEnergyOp always returns ErrNotImplemented
func (UnimplementedEnergy) BuildEnergyOp(*G.ExprGraph,
	*G.Node) (*G.Node, error) {
	return nil, fmt.Errorf("buildEnergyOp: %w", energy.ErrNotImplemented)
}
