package device

import (
	"fmt"
	"strings"

	"github.com/samuelfneumann/energy"
)

// Mapping keys naming the two roles of a Policy
const (
	GradKey   = "grad"
	EnergyKey = "energy"
)

// Policy assigns the energy and gradient computations of a model to
// devices. The two may differ.
type Policy struct {
	Energy   Device
	Gradient Device
}

// Single returns a Policy which runs both computations on d
func Single(d Device) Policy {
	return Policy{Energy: d, Gradient: d}
}

// DefaultPolicy runs both computations on the default device
func DefaultPolicy() Policy {
	return Single(Default)
}

func (p Policy) String() string {
	if p.Energy == p.Gradient {
		return p.Energy.String()
	}
	return fmt.Sprintf("%v=%v,%v=%v", GradKey, p.Gradient, EnergyKey,
		p.Energy)
}

// ParsePolicy parses either a single device string, which assigns both
// roles the same device, or a comma separated mapping such as
// "grad=/gpu:0,energy=/cpu:0", which must name both roles.
func ParsePolicy(s string) (Policy, error) {
	if !strings.Contains(s, "=") {
		d, err := Parse(s)
		if err != nil {
			return Policy{}, fmt.Errorf("parsePolicy: %w", err)
		}
		return Single(d), nil
	}

	m := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return Policy{}, fmt.Errorf("parsePolicy: malformed entry %q: %w",
				pair, energy.ErrConfiguration)
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	p, err := PolicyFromMap(m)
	if err != nil {
		return Policy{}, fmt.Errorf("parsePolicy: %w", err)
	}
	return p, nil
}

// PolicyFromMap builds a Policy from a mapping with the keys "grad" and
// "energy". A mapping missing either key, or holding any other key, is
// a configuration error.
func PolicyFromMap(m map[string]string) (Policy, error) {
	for k := range m {
		if k != GradKey && k != EnergyKey {
			return Policy{}, fmt.Errorf("policyFromMap: unknown key %q: %w",
				k, energy.ErrConfiguration)
		}
	}

	grad, ok := m[GradKey]
	if !ok {
		return Policy{}, fmt.Errorf("policyFromMap: missing %q device: %w",
			GradKey, energy.ErrConfiguration)
	}
	en, ok := m[EnergyKey]
	if !ok {
		return Policy{}, fmt.Errorf("policyFromMap: missing %q device: %w",
			EnergyKey, energy.ErrConfiguration)
	}

	var p Policy
	var err error
	if p.Gradient, err = Parse(grad); err != nil {
		return Policy{}, fmt.Errorf("policyFromMap: %w", err)
	}
	if p.Energy, err = Parse(en); err != nil {
		return Policy{}, fmt.Errorf("policyFromMap: %w", err)
	}

	return p, nil
}
