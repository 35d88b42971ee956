package session

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy"
	"github.com/samuelfneumann/energy/device"
	"github.com/samuelfneumann/energy/trace"
)

// Machine evaluates one compiled sub-graph. A Machine is not safe for
// concurrent use.
type Machine struct {
	vm      G.VM
	graph   *G.ExprGraph
	nodes   G.Nodes
	device  device.Device
	session *Session
}

// Device returns the device the Machine was placed on
func (m *Machine) Device() device.Device { return m.device }

// Nodes returns the nodes of the compiled sub-graph
func (m *Machine) Nodes() G.Nodes { return m.nodes }

// Run binds value to input, runs the machine and returns a copy of the
// value of output. If rec is non-nil each stage of the run is recorded
// on it, followed by one event per node of the sub-graph.
func (m *Machine) Run(input *G.Node, value tensor.Tensor, output *G.Node,
	rec *trace.Recorder) (*tensor.Dense, error) {
	end := func() {}
	if rec != nil {
		end = rec.Span("let", "feed", map[string]any{
			"node":  input.Name(),
			"shape": fmt.Sprint(value.Shape()),
		})
	}
	if err := G.Let(input, value); err != nil {
		return nil, fmt.Errorf("run: could not bind %v: %v: %w",
			input.Name(), err, energy.ErrShape)
	}
	end()

	if rec != nil {
		end = rec.Span("run", "op", map[string]any{
			"device": m.device.String(),
			"nodes":  len(m.nodes),
		})
	}
	err := m.vm.RunAll()
	end()
	defer m.vm.Reset()
	if err != nil {
		return nil, fmt.Errorf("run: %v: %w", err, energy.ErrResource)
	}

	if rec != nil {
		end = rec.Span("fetch", "fetch", map[string]any{
			"node": output.Name(),
		})
	}
	out, err := clone(output.Value())
	end()
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	if rec != nil {
		for _, n := range m.nodes {
			args := map[string]any{
				"device": m.device.String(),
				"shape":  fmt.Sprint(n.Shape()),
			}
			if op := n.Op(); op != nil {
				args["op"] = op.String()
			}
			rec.Instant(n.Name(), "node", args)
		}
	}

	return out, nil
}

// clone copies the value of a node out of the machine, which reuses
// its memory between runs
func clone(v G.Value) (*tensor.Dense, error) {
	if v == nil {
		return nil, fmt.Errorf("clone: output has no value: %w",
			energy.ErrResource)
	}

	t, ok := v.(tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("clone: expected tensor output but got %T: %w",
			v, energy.ErrShape)
	}

	var data []float64
	switch d := t.Data().(type) {
	case []float64:
		data = d
	case float64:
		data = []float64{d}
	default:
		return nil, fmt.Errorf("clone: expected float64 backing but got "+
			"%T: %w", t.Data(), energy.ErrShape)
	}
	backing := make([]float64, len(data))
	copy(backing, data)

	return tensor.New(
		tensor.WithShape(t.Shape().Clone()...),
		tensor.WithBacking(backing),
	), nil
}

// Close releases the machine
func (m *Machine) Close() error {
	return m.vm.Close()
}
