package distribution

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy"
	"github.com/samuelfneumann/energy/dictionary"
)

func TestGaussianEnergy(t *testing.T) {
	g, err := NewGaussian(2, 1, 1)
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, "Gaussian", g.Name())

	e, err := g.Energy(matrix(2, 1, 0, 0))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0}, e.Data(), 1e-12)

	e, err = g.Energy(matrix(2, 1, 1, 1))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1}, e.Data(), 1e-12)

	grad, err := g.Gradient(matrix(2, 1, 1, -3))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, -3}, grad.Data(), 1e-12)
}

func TestGaussianGradient(t *testing.T) {
	g, err := NewGaussian(4, 6, 0.7, WithSeed(1))
	require.NoError(t, err)
	defer g.Close()

	checkGradient(t, g, g.InitialBatch(), 1e-5)
}

func TestGaussianValidates(t *testing.T) {
	for _, sigma := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := NewGaussian(2, 2, sigma)
		assert.ErrorIs(t, err, energy.ErrConfiguration, "sigma %v", sigma)
	}
}

func TestGaussianHash(t *testing.T) {
	a, err := NewGaussian(2, 10, 1)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewGaussian(2, 100, 1, WithName("other"))
	require.NoError(t, err)
	defer b.Close()
	c, err := NewGaussian(2, 10, 2)
	require.NoError(t, err)
	defer c.Close()
	d, err := NewGaussian(3, 10, 1)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.NotEqual(t, a.Hash(), d.Hash())
}

func TestFunnelEnergy(t *testing.T) {
	f, err := NewFunnel(1, 3, 2)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "Funnel", f.Name())

	// Columns (0, 0, 0) and (1, 2, 3)
	e, err := f.Energy(matrix(3, 2,
		0, 1,
		0, 2,
		0, 3,
	))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, -(1 + 13/math.E)}, e.Data(), 1e-12)

	f2, err := NewFunnel(2, 2, 1)
	require.NoError(t, err)
	defer f2.Close()

	origin, err := NewFunnel(1, 2, 1)
	require.NoError(t, err)
	defer origin.Close()
	e, err = origin.Energy(matrix(2, 1, 0, 0))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0}, e.Data(), 1e-12)

	e, err = f2.Energy(matrix(2, 1, 2, 1))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-(1 + math.Exp(-2))}, e.Data(), 1e-12)
}

func TestFunnelGradient(t *testing.T) {
	f, err := NewFunnel(1.3, 5, 4, WithSeed(2))
	require.NoError(t, err)
	defer f.Close()

	checkGradient(t, f, f.InitialBatch(), 1e-4)

	// Analytic gradient at (1, 2, 3)
	grad, err := f.Gradient(matrix(5, 1, 1, 2, 3, 0, 0))
	require.NoError(t, err)
	s2 := 1.3 * 1.3
	want := []float64{
		-2/s2 + 13/math.E,
		-4 / math.E,
		-6 / math.E,
		0,
		0,
	}
	assert.InDeltaSlice(t, want, grad.Data(), 1e-10)
}

func TestFunnelValidates(t *testing.T) {
	_, err := NewFunnel(0, 3, 2)
	assert.ErrorIs(t, err, energy.ErrConfiguration)
	_, err = NewFunnel(-1, 3, 2)
	assert.ErrorIs(t, err, energy.ErrConfiguration)
	_, err = NewFunnel(1, 1, 2)
	assert.ErrorIs(t, err, energy.ErrConfiguration)
}

func TestFunnelHash(t *testing.T) {
	a, err := NewFunnel(1, 10, 50)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewFunnel(1, 10, 5)
	require.NoError(t, err)
	defer b.Close()
	c, err := NewFunnel(2, 10, 50)
	require.NoError(t, err)
	defer c.Close()
	d, err := NewFunnel(1, 11, 50)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.NotEqual(t, a.Hash(), d.Hash())
}

func TestFunnelInitialBatch(t *testing.T) {
	f, err := NewFunnel(1, 10, 50, WithSeed(5))
	require.NoError(t, err)
	defer f.Close()

	x := f.InitialBatch()
	require.Equal(t, tensor.Shape{10, 50}, x.Shape())
	for _, v := range x.Data().([]float64) {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}

	e, err := f.Energy(x)
	require.NoError(t, err)
	for _, v := range e.Data().([]float64) {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

// Every model evaluates a single state at a capacity of one
func TestCapacityOneEnergies(t *testing.T) {
	d := testDictionary(t, 1024)
	sqrtE := math.Exp(-0.5)

	tests := []struct {
		name     string
		build    func() (Model, error)
		x        []float64
		energy   float64
		gradient []float64
	}{
		{
			name: "FunnelOrigin",
			build: func() (Model, error) {
				return NewFunnel(1, 2, 1)
			},
			x:        []float64{0, 0},
			energy:   0,
			gradient: []float64{0, 0},
		},
		{
			name: "Funnel",
			build: func() (Model, error) {
				return NewFunnel(1, 2, 1)
			},
			x:        []float64{0.5, 1},
			energy:   -0.25 - sqrtE,
			gradient: []float64{-1 + sqrtE, -2 * sqrtE},
		},
		{
			name: "Gaussian",
			build: func() (Model, error) {
				return NewGaussian(2, 1, 1)
			},
			x:        []float64{1, 1},
			energy:   1,
			gradient: []float64{1, 1},
		},
		{
			name: "LaplaceSparse",
			build: func() (Model, error) {
				return NewSparseImageCode(1, 1, false, 1024,
					WithDictionary(d), WithLambda(0.5))
			},
			x:        []float64{1, 3},
			energy:   4.5 + 0.5*4,
			gradient: []float64{-1.5 + 0.5, -1.5 + 0.5},
		},
		{
			name: "CauchySparse",
			build: func() (Model, error) {
				return NewSparseImageCode(1, 1, true, 1024,
					WithDictionary(d), WithLambda(0.5))
			},
			x:        []float64{1, 3},
			energy:   4.5 + 0.5*(math.Log(2)+math.Log(10)),
			gradient: []float64{-1.5 + 0.5*2*1/2, -1.5 + 0.5*2*3/10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.build()
			require.NoError(t, err)
			defer m.Close()
			require.Equal(t, 1, m.NBatch())

			x := matrix(len(tt.x), 1, tt.x...)
			e, err := m.Energy(x)
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{1}, e.Shape())
			assert.InDeltaSlice(t, []float64{tt.energy}, e.Data(), 1e-12)

			grad, err := m.Gradient(x)
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{len(tt.x), 1}, grad.Shape())
			assert.InDeltaSlice(t, tt.gradient, grad.Data(), 1e-10)

			checkGradient(t, m, x, 1e-4)
		})
	}
}

// testDictionary returns a dictionary of 3 pixel patches with a basis
// of 2 functions and 3 available patches
func testDictionary(t *testing.T, size int) *dictionary.Dictionary {
	t.Helper()

	images := matrix(3, 3,
		1, 2, 0,
		3, 4, 1,
		5, 6, -1,
	)
	basis := matrix(3, 2,
		1, 0,
		0, 1,
		0.5, 0.5,
	)
	d, err := dictionary.New(size, images, basis)
	require.NoError(t, err)
	return d
}

func TestSparseEnergyAtZero(t *testing.T) {
	for _, cauchy := range []bool{true, false} {
		s, err := NewSparseImageCode(2, 3, cauchy, 512,
			WithDictionary(testDictionary(t, 512)))
		require.NoError(t, err)

		assert.Equal(t, "SparseImageCode", s.Name())
		assert.Equal(t, 4, s.NDims())
		assert.Equal(t, 2, s.NCoeffs())

		// ½ · mean(‖(1, 3, 5)‖², ‖(2, 4, 6)‖²)
		e, err := s.Energy(matrix(4, 1, 0, 0, 0, 0))
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{22.75}, e.Data(), 1e-12)

		require.NoError(t, s.Close())
	}
}

func TestSparsePenalty(t *testing.T) {
	d := testDictionary(t, 1024)

	laplace, err := NewSparseImageCode(1, 1, false, 1024,
		WithDictionary(d), WithLambda(0.5))
	require.NoError(t, err)
	defer laplace.Close()

	cauchy, err := NewSparseImageCode(1, 1, true, 1024,
		WithDictionary(d), WithLambda(0.5))
	require.NoError(t, err)
	defer cauchy.Close()

	// Coefficients (1, 3) reconstruct (1, 3, 2) against patch (1, 3, 5)
	x := matrix(2, 1, 1, 3)
	recon := 0.5 * 9

	e, err := laplace.Energy(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{recon + 0.5*4}, e.Data(), 1e-12)

	e, err = cauchy.Energy(x)
	require.NoError(t, err)
	want := recon + 0.5*(math.Log(2)+math.Log(10))
	assert.InDeltaSlice(t, []float64{want}, e.Data(), 1e-12)
}

func TestSparseGradient(t *testing.T) {
	for _, cauchy := range []bool{true, false} {
		s, err := NewSparseImageCode(3, 4, cauchy, 512,
			WithDictionary(testDictionary(t, 512)), WithLambda(0.2),
			WithGraphOptions(WithSeed(9)))
		require.NoError(t, err)

		checkGradient(t, s, s.InitialBatch(), 1e-4)
		require.NoError(t, s.Close())
	}
}

func TestSparseValidates(t *testing.T) {
	d := testDictionary(t, 512)

	_, err := NewSparseImageCode(2, 2, true, 256, WithDictionary(d))
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	_, err = NewSparseImageCode(2, 2, true, 1024, WithDictionary(d))
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	_, err = NewSparseImageCode(4, 2, true, 512, WithDictionary(d))
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	_, err = NewSparseImageCode(0, 2, true, 512, WithDictionary(d))
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	_, err = NewSparseImageCode(2, 2, true, 512, WithDictionary(d),
		WithLambda(-1))
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	// No dictionary in an empty data directory
	_, err = NewSparseImageCode(2, 2, true, 512, WithDataDir(t.TempDir()))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, energy.ErrConfiguration)
}

func TestSparseHash(t *testing.T) {
	d := testDictionary(t, 512)

	newModel := func(nPatches int, cauchy bool,
		opts ...SparseOption) *SparseImageCode {
		opts = append([]SparseOption{WithDictionary(d)}, opts...)
		s, err := NewSparseImageCode(nPatches, 2, cauchy, 512, opts...)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}

	base := newModel(2, true)

	// The prior does not take part in the hash
	assert.Equal(t, base.Hash(), newModel(2, false).Hash())

	assert.NotEqual(t, base.Hash(), newModel(3, true).Hash())
	assert.NotEqual(t, base.Hash(), newModel(2, true,
		WithLambda(0.1)).Hash())

	other, err := dictionary.New(512, matrix(3, 2, 1, 2, 3, 4, 5, 7),
		d.Basis())
	require.NoError(t, err)
	assert.NotEqual(t, base.Hash(), newModel(2, true,
		WithDictionary(other)).Hash())
}
