package dictionary

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy"
)

// pickler writes the subset of the pickle protocol numpy uses to dump
// a dict of arrays
type pickler struct {
	bytes.Buffer
}

func (p *pickler) global(module, name string) {
	p.WriteString("c" + module + "\n" + name + "\n")
}

func (p *pickler) unicode(s string) {
	p.WriteByte('X')
	binary.Write(&p.Buffer, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

func (p *pickler) int1(i uint8) {
	p.WriteByte('K')
	p.WriteByte(i)
}

func (p *pickler) int4(i int32) {
	p.WriteByte('J')
	binary.Write(&p.Buffer, binary.LittleEndian, i)
}

func (p *pickler) bytes(b []byte) {
	p.WriteByte('B')
	binary.Write(&p.Buffer, binary.LittleEndian, uint32(len(b)))
	p.Write(b)
}

// array pickles a 2-D array the way numpy.ndarray.__reduce__ does
func (p *pickler) array(rows, cols int, descr, order string, fortran bool,
	raw []byte) {
	p.global("numpy.core.multiarray", "_reconstruct")
	p.global("numpy", "ndarray")
	p.int1(0)
	p.WriteByte('\x85') // TUPLE1
	p.WriteString("C\x01b")
	p.WriteByte('\x87') // TUPLE3
	p.WriteByte('R')

	p.WriteByte('(')
	p.int1(1)
	p.int1(uint8(rows))
	p.int1(uint8(cols))
	p.WriteByte('\x86') // TUPLE2

	p.global("numpy", "dtype")
	p.unicode(descr)
	p.WriteByte('\x89') // NEWFALSE
	p.WriteByte('\x88') // NEWTRUE
	p.WriteByte('\x87')
	p.WriteByte('R')
	p.WriteByte('(')
	p.int1(3)
	p.unicode(order)
	p.WriteString("NNN")
	p.int4(-1)
	p.int4(-1)
	p.int1(0)
	p.WriteByte('t')
	p.WriteByte('b')

	if fortran {
		p.WriteByte('\x88')
	} else {
		p.WriteByte('\x89')
	}
	p.bytes(raw)
	p.WriteByte('t')
	p.WriteByte('b')
}

func float64Bytes(order binary.ByteOrder, values ...float64) []byte {
	b := make([]byte, 8*len(values))
	for i, v := range values {
		order.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func float32Bytes(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// dump pickles {"data": images, "basis": basis}, with images of shape
// (3, 2) and basis of shape (3, 2)
func dump(imagesFortran bool) []byte {
	var p pickler
	p.WriteString("\x80\x02}(")

	p.unicode("data")
	if imagesFortran {
		// Column-major storage of [[1, 2], [3, 4], [5, 6]]
		p.array(3, 2, "f8", "<", true,
			float64Bytes(binary.LittleEndian, 1, 3, 5, 2, 4, 6))
	} else {
		p.array(3, 2, "f8", "<", false,
			float64Bytes(binary.LittleEndian, 1, 2, 3, 4, 5, 6))
	}

	p.unicode("basis")
	p.array(3, 2, "f4", "<", false, float32Bytes(1, 0, 0, 1, 0.5, 0.5))

	p.WriteString("u.")
	return p.Bytes()
}

func TestDecode(t *testing.T) {
	for _, fortran := range []bool{false, true} {
		d, err := Decode(bytes.NewReader(dump(fortran)), 512)
		require.NoError(t, err)

		assert.Equal(t, 512, d.Size())
		assert.Equal(t, 3, d.PatchSize())
		assert.Equal(t, 2, d.NCoeffs())
		assert.Equal(t, 2, d.NAvailable())
		assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, d.Images().Data())
		assert.Equal(t, []float64{1, 0, 0, 1, 0.5, 0.5}, d.Basis().Data())
	}
}

func TestDecodeBigEndian(t *testing.T) {
	var p pickler
	p.WriteString("\x80\x02}(")
	p.unicode("data")
	p.array(1, 2, ">f8", "|", false, float64Bytes(binary.BigEndian, 7, -8))
	p.unicode("basis")
	p.array(1, 1, "f8", ">", false, float64Bytes(binary.BigEndian, 2))
	p.WriteString("u.")

	d, err := Decode(bytes.NewReader(p.Bytes()), 1024)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, -8}, d.Images().Data())
	assert.Equal(t, []float64{2}, d.Basis().Data())
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not a pickle")), 512)
	assert.ErrorIs(t, err, ErrCorrupt)

	// Missing basis
	var p pickler
	p.WriteString("\x80\x02}(")
	p.unicode("data")
	p.array(1, 1, "f8", "<", false, float64Bytes(binary.LittleEndian, 1))
	p.WriteString("u.")
	_, err = Decode(bytes.NewReader(p.Bytes()), 512)
	assert.ErrorIs(t, err, ErrCorrupt)

	// Truncated array data
	p.Reset()
	p.WriteString("\x80\x02}(")
	p.unicode("data")
	p.array(2, 2, "f8", "<", false, float64Bytes(binary.LittleEndian, 1))
	p.unicode("basis")
	p.array(2, 1, "f8", "<", false, float64Bytes(binary.LittleEndian, 1, 2))
	p.WriteString("u.")
	_, err = Decode(bytes.NewReader(p.Bytes()), 512)
	assert.ErrorIs(t, err, ErrCorrupt)

	// Integer arrays are not dictionaries
	p.Reset()
	p.WriteString("\x80\x02}(")
	p.unicode("data")
	p.array(1, 1, "i8", "<", false, make([]byte, 8))
	p.unicode("basis")
	p.array(1, 1, "f8", "<", false, float64Bytes(binary.LittleEndian, 1))
	p.WriteString("u.")
	_, err = Decode(bytes.NewReader(p.Bytes()), 512)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, 1024)
	assert.Equal(t, filepath.Join(dir, "distr_data", "dump_1024.pkl"), path)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, dump(false), 0o644))

	d, err := Load(dir, 1024)
	require.NoError(t, err)
	assert.Equal(t, 1024, d.Size())

	_, err = Load(dir, 512)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = Load(dir, 256)
	assert.ErrorIs(t, err, energy.ErrConfiguration)
}

func TestNewValidates(t *testing.T) {
	images := tensor.New(tensor.WithShape(3, 2),
		tensor.WithBacking([]float64{1, 2, 3, 4, 5, 6}))

	vec := tensor.New(tensor.WithShape(3),
		tensor.WithBacking([]float64{1, 2, 3}))
	_, err := New(512, images, vec)
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	_, err = New(512, images, nil)
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	wrongRows := tensor.New(tensor.WithShape(2, 2),
		tensor.WithBacking([]float64{1, 0, 0, 1}))
	_, err = New(512, images, wrongRows)
	assert.ErrorIs(t, err, energy.ErrConfiguration)
}

func TestDigest(t *testing.T) {
	a, err := Decode(bytes.NewReader(dump(false)), 512)
	require.NoError(t, err)
	b, err := Decode(bytes.NewReader(dump(true)), 512)
	require.NoError(t, err)

	// Same content in a different storage order
	assert.Equal(t, a.Digest(), b.Digest())

	other := tensor.New(tensor.WithShape(3, 2),
		tensor.WithBacking([]float64{1, 2, 3, 4, 5, 7}))
	c, err := New(512, other, a.Basis())
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest(), c.Digest())

	// The digest does not change when returned copies are modified
	images := a.Images()
	images.Data().([]float64)[0] = 100
	assert.Equal(t, b.Digest(), a.hash())
}

func TestPatches(t *testing.T) {
	d, err := Decode(bytes.NewReader(dump(false)), 512)
	require.NoError(t, err)

	p, err := d.Patches(2)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, p.Shape())
	assert.Equal(t, []float64{1, 3, 5, 2, 4, 6}, p.Data())

	p, err = d.Patches(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3, 5}, p.Data())

	_, err = d.Patches(3)
	assert.ErrorIs(t, err, energy.ErrConfiguration)
	_, err = d.Patches(0)
	assert.ErrorIs(t, err, energy.ErrConfiguration)
}
