package energy

import (
	"fmt"
	"hash/fnv"

	G "gorgonia.org/gorgonia"
)

// SimpleHash returns the 32-bit FNV-1a hash of what op writes with
// WriteHash, the Hashcode Gorgonia uses to deduplicate nodes
func SimpleHash(op G.Op) uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

// CheckArity returns ErrShape if op, with a fixed arity, is given the
// wrong number of inputs
func CheckArity(op G.Op, inputs int) error {
	if arity := op.Arity(); arity >= 0 && inputs != arity {
		return fmt.Errorf("%v expects %d inputs but got %d: %w", op, arity,
			inputs, ErrShape)
	}
	return nil
}
