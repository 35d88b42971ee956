package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/energy/distribution"
	"github.com/samuelfneumann/energy/trace"
)

// checkTolerance is the largest relative gradient error check accepts
const checkTolerance = 1e-4

// checkColumns is the number of initial states check differentiates
const checkColumns = 3

// EvalHandler evaluates the energy and gradient of a model on its
// initial batch and prints one row per state
func EvalHandler(cmd *cobra.Command, args []string) error {
	m, err := buildModel(cmd, args[0])
	if err != nil {
		return err
	}
	defer m.Close()

	x := m.InitialBatch()
	e, err := evaluate(m.Energy, x)
	if err != nil {
		return err
	}
	grad, err := evaluate(m.Gradient, x)
	if err != nil {
		return err
	}

	energies := e.Data().([]float64)
	data := make([][]string, 0, len(energies))
	for b, v := range energies {
		data = append(data, []string{
			strconv.Itoa(b),
			strconv.FormatFloat(v, 'g', 6, 64),
			strconv.FormatFloat(floats.Norm(column(grad, b), 2), 'g', 6, 64),
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%v (hash %016x, ndims %v, nbatch %v, "+
		"devices %v)\n\n", m.Name(), m.Hash(), m.NDims(), m.NBatch(),
		m.Policy())

	table := newTable(cmd, []string{"COLUMN", "ENERGY", "GRADIENT NORM"})
	table.AppendBulk(data)
	table.Render()

	return nil
}

// evaluate calls f on x. Trace write failures are logged rather than
// returned since the result is still valid.
func evaluate(f func(*tensor.Dense) (*tensor.Dense, error),
	x *tensor.Dense) (*tensor.Dense, error) {
	out, err := f(x)
	var we *trace.WriteError
	if errors.As(err, &we) && out != nil {
		slog.Warn("trace not written", "error", we)
		return out, nil
	}
	return out, err
}

// checkResult is the outcome of a gradient check of one model
type checkResult struct {
	name   string
	maxErr float64
}

// CheckHandler compares the gradients of models with a central finite
// difference of their energies, checking each model concurrently
func CheckHandler(cmd *cobra.Command, args []string) error {
	names := args
	if len(names) == 0 {
		names = []string{"funnel", "gaussian"}
	}

	results := make([]checkResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			m, err := buildModel(cmd, name)
			if err != nil {
				return fmt.Errorf("%v: %w", name, err)
			}
			defer m.Close()

			maxErr, err := checkGradient(m)
			if err != nil {
				return fmt.Errorf("%v: %w", name, err)
			}
			results[i] = checkResult{name: m.Name(), maxErr: maxErr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := 0
	data := make([][]string, 0, len(results))
	for _, r := range results {
		status := "ok"
		if !(r.maxErr <= checkTolerance) {
			status = "FAIL"
			failed++
		}
		data = append(data, []string{
			r.name,
			strconv.FormatFloat(r.maxErr, 'e', 3, 64),
			status,
		})
	}

	table := newTable(cmd, []string{"MODEL", "MAX RELATIVE ERROR", "STATUS"})
	table.AppendBulk(data)
	table.Render()

	if failed > 0 {
		return fmt.Errorf("%v of %v gradient checks failed", failed,
			len(results))
	}
	return nil
}

// checkGradient returns the largest relative error between the
// gradient of m and a finite difference of its energy over the first
// columns of its initial batch
func checkGradient(m distribution.Model) (float64, error) {
	x := m.InitialBatch()
	cols := min(checkColumns, m.NBatch())
	ndims := m.NDims()

	var evalErr error
	f := func(v []float64) float64 {
		c := make([]float64, ndims)
		copy(c, v)
		e, err := evaluate(m.Energy, tensor.New(
			tensor.WithShape(ndims, 1),
			tensor.WithBacking(c),
		))
		if err != nil {
			evalErr = err
			return math.NaN()
		}
		return e.Data().([]float64)[0]
	}

	grad, err := evaluate(m.Gradient, x)
	if err != nil {
		return 0, err
	}

	var maxErr float64
	for b := 0; b < cols; b++ {
		want := fd.Gradient(nil, f, column(x, b), &fd.Settings{
			Formula: fd.Central,
		})
		if evalErr != nil {
			return 0, evalErr
		}

		got := column(grad, b)
		diff := make([]float64, ndims)
		floats.SubTo(diff, got, want)
		rel := floats.Norm(diff, 2) / math.Max(floats.Norm(want, 2), 1)
		maxErr = math.Max(maxErr, rel)
	}

	return maxErr, nil
}

// column returns column b of the matrix x
func column(x *tensor.Dense, b int) []float64 {
	rows, cols := x.Shape()[0], x.Shape()[1]
	data := x.Data().([]float64)

	col := make([]float64, rows)
	for r := range col {
		col[r] = data[r*cols+b]
	}
	return col
}
