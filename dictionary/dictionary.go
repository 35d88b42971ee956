// Package dictionary loads the precomputed sparse coding dictionaries:
// a basis of image-patch features and the whitened natural image
// patches it was learned from. Dictionaries are stored as pickled
// {"data": images, "basis": basis} numpy dumps, one per basis size.
package dictionary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/nlpodyssey/gopickle/pickle"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy"
)

// ErrCorrupt reports a dictionary file which could not be decoded
var ErrCorrupt = errors.New("corrupt dictionary")

// Sizes lists the basis sizes for which dictionaries exist
var Sizes = []int{512, 1024}

// Dictionary is an immutable sparse coding dictionary
type Dictionary struct {
	size   int
	images *tensor.Dense // (patchSize, nAvailable)
	basis  *tensor.Dense // (patchSize, nCoeffs)
	digest uint64
}

// Path returns the location of the dictionary with the given basis
// size under dataDir
func Path(dataDir string, size int) string {
	return filepath.Join(dataDir, "distr_data",
		fmt.Sprintf("dump_%d.pkl", size))
}

// Load reads the dictionary with the given basis size from dataDir
func Load(dataDir string, size int) (*Dictionary, error) {
	if !slices.Contains(Sizes, size) {
		return nil, fmt.Errorf("load: basis size must be one of %v but got "+
			"%v: %w", Sizes, size, energy.ErrConfiguration)
	}

	f, err := os.Open(Path(dataDir, size))
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	defer f.Close()

	d, err := Decode(f, size)
	if err != nil {
		return nil, fmt.Errorf("load %v: %w", f.Name(), err)
	}
	return d, nil
}

// Decode reads a pickled dictionary from r
func Decode(r io.Reader, size int) (*Dictionary, error) {
	u := pickle.NewUnpickler(r)
	u.FindClass = findClass

	v, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("decode: %v: %w", err, ErrCorrupt)
	}

	images, err := lookup(v, "data")
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	basis, err := lookup(v, "basis")
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	d, err := New(size, images, basis)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return d, nil
}

// mapping is implemented by gopickle dicts
type mapping interface {
	Get(key interface{}) (interface{}, bool)
}

// lookup returns the matrix stored under key in the unpickled dict v
func lookup(v interface{}, key string) (*tensor.Dense, error) {
	var (
		value interface{}
		ok    bool
	)
	switch m := v.(type) {
	case mapping:
		value, ok = m.Get(key)
	case map[interface{}]interface{}:
		value, ok = m[key]
	default:
		return nil, fmt.Errorf("expected dict but got %T: %w", v, ErrCorrupt)
	}
	if !ok {
		return nil, fmt.Errorf("missing %q: %w", key, ErrCorrupt)
	}

	arr, ok := value.(*ndarray)
	if !ok {
		return nil, fmt.Errorf("%q: expected numpy array but got %T: %w",
			key, value, ErrCorrupt)
	} else if len(arr.shape) != 2 {
		return nil, fmt.Errorf("%q: expected matrix but got shape %v: %w",
			key, arr.shape, energy.ErrConfiguration)
	}

	data, err := arr.float64s()
	if err != nil {
		return nil, fmt.Errorf("%q: %w", key, err)
	}

	return tensor.New(
		tensor.WithShape(arr.shape...),
		tensor.WithBacking(data),
	), nil
}

// New returns a dictionary over copies of images, of shape
// (patchSize, nAvailable), and basis, of shape (patchSize, nCoeffs)
func New(size int, images, basis *tensor.Dense) (*Dictionary, error) {
	if err := checkMatrix("basis", basis); err != nil {
		return nil, fmt.Errorf("new: %w", err)
	}
	if err := checkMatrix("images", images); err != nil {
		return nil, fmt.Errorf("new: %w", err)
	}
	if images.Shape()[0] != basis.Shape()[0] {
		return nil, fmt.Errorf("new: images have %v pixels per patch but "+
			"basis has %v: %w", images.Shape()[0], basis.Shape()[0],
			energy.ErrConfiguration)
	}

	d := &Dictionary{
		size:   size,
		images: images.Clone().(*tensor.Dense),
		basis:  basis.Clone().(*tensor.Dense),
	}
	d.digest = d.hash()

	return d, nil
}

func checkMatrix(name string, t *tensor.Dense) error {
	if t == nil {
		return fmt.Errorf("%v: missing: %w", name, energy.ErrConfiguration)
	} else if t.Dims() != 2 || t.Size() == 0 {
		return fmt.Errorf("%v: expected non-empty matrix but got shape %v: %w",
			name, t.Shape(), energy.ErrConfiguration)
	} else if t.Dtype() != tensor.Float64 {
		return fmt.Errorf("%v: expected dtype %v but got %v: %w", name,
			tensor.Float64, t.Dtype(), energy.ErrConfiguration)
	}
	return nil
}

// hash computes the content hash of the dictionary
func (d *Dictionary) hash() uint64 {
	h := fnv.New64a()
	buf := make([]byte, 8)
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(buf, v)
		h.Write(buf)
	}

	for _, t := range []*tensor.Dense{d.images, d.basis} {
		for _, dim := range t.Shape() {
			write(uint64(dim))
		}
		for _, v := range t.Data().([]float64) {
			write(math.Float64bits(v))
		}
	}

	return h.Sum64()
}

// Size returns the nominal basis size of the dictionary
func (d *Dictionary) Size() int { return d.size }

// Digest returns the content hash of the images and basis. It is
// computed once, when the dictionary is created.
func (d *Dictionary) Digest() uint64 { return d.digest }

// PatchSize returns the number of pixels in a patch
func (d *Dictionary) PatchSize() int { return d.basis.Shape()[0] }

// NCoeffs returns the number of basis functions
func (d *Dictionary) NCoeffs() int { return d.basis.Shape()[1] }

// NAvailable returns the number of image patches
func (d *Dictionary) NAvailable() int { return d.images.Shape()[1] }

// Basis returns a copy of the basis, of shape (patchSize, nCoeffs)
func (d *Dictionary) Basis() *tensor.Dense {
	return d.basis.Clone().(*tensor.Dense)
}

// Images returns a copy of the images, of shape
// (patchSize, nAvailable)
func (d *Dictionary) Images() *tensor.Dense {
	return d.images.Clone().(*tensor.Dense)
}

// Patches returns the first n image patches, one per row, as a matrix
// of shape (n, patchSize)
func (d *Dictionary) Patches(n int) (*tensor.Dense, error) {
	if n < 1 || n > d.NAvailable() {
		return nil, fmt.Errorf("patches: expected between 1 and %v patches "+
			"but got %v: %w", d.NAvailable(), n, energy.ErrConfiguration)
	}

	size := d.PatchSize()
	available := d.NAvailable()
	images := d.images.Data().([]float64)

	out := make([]float64, n*size)
	for i := 0; i < n; i++ {
		for s := 0; s < size; s++ {
			out[i*size+s] = images[s*available+i]
		}
	}

	return tensor.New(
		tensor.WithShape(n, size),
		tensor.WithBacking(out),
	), nil
}
