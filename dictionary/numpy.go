package dictionary

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/nlpodyssey/gopickle/types"
)

// findClass resolves the numpy classes found in pickled arrays.
// Anything else is left to gopickle as a generic class.
func findClass(module, name string) (interface{}, error) {
	switch module {
	case "numpy.core.multiarray", "numpy._core.multiarray":
		if name == "_reconstruct" {
			return reconstructClass{}, nil
		}
	case "numpy":
		switch name {
		case "ndarray":
			return ndarrayClass{}, nil
		case "dtype":
			return dtypeClass{}, nil
		}
	}

	return types.NewGenericClass(module, name), nil
}

// reconstructClass is numpy.core.multiarray._reconstruct, which
// creates an empty array later filled in by its pickled state
type reconstructClass struct{}

func (reconstructClass) Call(args ...interface{}) (interface{}, error) {
	return &ndarray{}, nil
}

// ndarrayClass is numpy.ndarray, only ever passed to _reconstruct
type ndarrayClass struct{}

func (ndarrayClass) Call(args ...interface{}) (interface{}, error) {
	return &ndarray{}, nil
}

// dtypeClass is numpy.dtype, called with the type descriptor
type dtypeClass struct{}

func (dtypeClass) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("dtype: missing descriptor: %w", ErrCorrupt)
	}
	descr, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("dtype: expected string descriptor but got "+
			"%T: %w", args[0], ErrCorrupt)
	}

	return &dtype{descr: descr, order: "|"}, nil
}

// dtype is an unpickled numpy.dtype
type dtype struct {
	descr string
	order string
}

// PySetState receives (version, byteorder, subarray, names, fields,
// elsize, alignment, flags)
func (d *dtype) PySetState(state interface{}) error {
	s, err := sequenceOf(state)
	if err != nil {
		return fmt.Errorf("dtype state: %w", err)
	}
	if s.Len() < 2 {
		return fmt.Errorf("dtype state: expected at least 2 fields but got "+
			"%v: %w", s.Len(), ErrCorrupt)
	}

	order, ok := s.Get(1).(string)
	if !ok {
		return fmt.Errorf("dtype state: expected byte order string but got "+
			"%T: %w", s.Get(1), ErrCorrupt)
	}
	d.order = order

	return nil
}

// kind returns the element size in bytes and byte order of the dtype.
// Only floating point dtypes are supported.
func (d *dtype) kind() (int, binary.ByteOrder, error) {
	descr := d.descr
	order := d.order
	if len(descr) > 0 && strings.ContainsAny(descr[:1], "<>=|") {
		order, descr = descr[:1], descr[1:]
	}

	var size int
	switch descr {
	case "f4":
		size = 4
	case "f8":
		size = 8
	default:
		return 0, nil, fmt.Errorf("unsupported dtype %q: %w", d.descr,
			ErrCorrupt)
	}

	if order == ">" {
		return size, binary.BigEndian, nil
	}
	return size, binary.LittleEndian, nil
}

// ndarray is an unpickled numpy.ndarray
type ndarray struct {
	shape   []int
	dtype   *dtype
	fortran bool
	data    []byte
}

// PySetState receives ([version,] shape, dtype, is_fortran, rawdata)
func (a *ndarray) PySetState(state interface{}) error {
	s, err := sequenceOf(state)
	if err != nil {
		return fmt.Errorf("ndarray state: %w", err)
	}

	offset := 0
	switch s.Len() {
	case 5:
		offset = 1
	case 4:
	default:
		return fmt.Errorf("ndarray state: expected 4 or 5 fields but got "+
			"%v: %w", s.Len(), ErrCorrupt)
	}

	shape, err := sequenceOf(s.Get(offset))
	if err != nil {
		return fmt.Errorf("ndarray shape: %w", err)
	}
	a.shape = make([]int, shape.Len())
	for i := range a.shape {
		dim, ok := shape.Get(i).(int)
		if !ok || dim < 0 {
			return fmt.Errorf("ndarray shape: invalid dimension %v: %w",
				shape.Get(i), ErrCorrupt)
		}
		a.shape[i] = dim
	}

	if a.dtype, err = asDtype(s.Get(offset + 1)); err != nil {
		return fmt.Errorf("ndarray dtype: %w", err)
	}

	if a.fortran, err = asBool(s.Get(offset + 2)); err != nil {
		return fmt.Errorf("ndarray order: %w", err)
	}

	switch raw := s.Get(offset + 3).(type) {
	case []byte:
		a.data = raw
	case string:
		a.data = []byte(raw)
	default:
		return fmt.Errorf("ndarray data: expected bytes but got %T "+
			"(object arrays are unsupported): %w", raw, ErrCorrupt)
	}

	return nil
}

// float64s decodes the array into row-major float64's
func (a *ndarray) float64s() ([]float64, error) {
	if a.dtype == nil {
		return nil, fmt.Errorf("array has no state: %w", ErrCorrupt)
	}

	size, order, err := a.dtype.kind()
	if err != nil {
		return nil, err
	}

	n := 1
	for _, d := range a.shape {
		n *= d
	}
	if len(a.data) != n*size {
		return nil, fmt.Errorf("expected %v bytes for shape %v but got %v: %w",
			n*size, a.shape, len(a.data), ErrCorrupt)
	}

	out := make([]float64, n)
	for i := range out {
		b := a.data[i*size : (i+1)*size]
		if size == 4 {
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		} else {
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}

	if a.fortran && len(a.shape) == 2 {
		out = transposed(out, a.shape[1], a.shape[0])
	}

	return out, nil
}

// transposed returns the row-major transpose of the rows x cols matrix
// data
func transposed(data []float64, rows, cols int) []float64 {
	out := make([]float64, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out
}

// sequence is implemented by gopickle tuples and lists
type sequence interface {
	Len() int
	Get(i int) interface{}
}

type slice []interface{}

func (s slice) Len() int              { return len(s) }
func (s slice) Get(i int) interface{} { return s[i] }

func sequenceOf(v interface{}) (sequence, error) {
	switch v := v.(type) {
	case sequence:
		return v, nil
	case []interface{}:
		return slice(v), nil
	}
	return nil, fmt.Errorf("expected tuple but got %T: %w", v, ErrCorrupt)
}

func asDtype(v interface{}) (*dtype, error) {
	d, ok := v.(*dtype)
	if !ok {
		return nil, fmt.Errorf("expected numpy.dtype but got %T: %w", v,
			ErrCorrupt)
	}
	return d, nil
}

func asBool(v interface{}) (bool, error) {
	switch v := v.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	}
	return false, fmt.Errorf("expected bool but got %T: %w", v, ErrCorrupt)
}
