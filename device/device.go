// Package device describes where the energy and gradient computations
// of a graph-backed energy function execute.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samuelfneumann/energy"
)

// Kind is a class of device
type Kind int

const (
	CPU Kind = iota
	GPU
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Device is a single device, e.g. /cpu:0 or /gpu:1
type Device struct {
	Kind  Kind
	Index int
}

// Default is the device used when none is specified
var Default = Device{Kind: CPU}

func (d Device) String() string {
	return fmt.Sprintf("/%v:%d", d.Kind, d.Index)
}

// Parse parses a device string. Accepted forms are "/cpu:0", "/gpu:1",
// "/device:GPU:0" and the bare kinds "cpu" and "gpu", which mean
// index 0. Kinds are case-insensitive.
func Parse(s string) (Device, error) {
	spec := strings.ToLower(strings.TrimSpace(s))
	spec = strings.TrimPrefix(spec, "/")
	spec = strings.TrimPrefix(spec, "device:")

	kind, index, hasIndex := strings.Cut(spec, ":")

	var d Device
	switch kind {
	case "cpu":
		d.Kind = CPU
	case "gpu":
		d.Kind = GPU
	default:
		return Device{}, fmt.Errorf("parse: unknown device %q: %w", s,
			energy.ErrConfiguration)
	}

	if hasIndex {
		i, err := strconv.Atoi(index)
		if err != nil || i < 0 {
			return Device{}, fmt.Errorf("parse: invalid device index in %q: %w",
				s, energy.ErrConfiguration)
		}
		d.Index = i
	}

	return d, nil
}
