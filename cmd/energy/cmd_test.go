package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samuelfneumann/energy"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestEnv(t *testing.T) {
	t.Setenv("ENERGY_DATA_DIR", "/data")

	out, err := run(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "ENERGY_DATA_DIR")
	assert.Contains(t, out, "/data")
	assert.Contains(t, out, "ENERGY_LOG_PLACEMENT")
}

func TestEval(t *testing.T) {
	out, err := run(t, "eval", "gaussian", "--ndims", "3", "--nbatch", "4",
		"--seed", "1", "--trace-dir", t.TempDir())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "Gaussian"))
	assert.Contains(t, out, "GRADIENT NORM")
	// Header plus one row per column
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.GreaterOrEqual(t, len(lines), 1+4)
}

func TestEvalErrors(t *testing.T) {
	_, err := run(t, "eval", "banana")
	assert.ErrorContains(t, err, "unknown model")

	_, err = run(t, "eval", "funnel", "--device", "/tpu:0")
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	_, err = run(t, "eval", "funnel", "--ndims", "1")
	assert.ErrorIs(t, err, energy.ErrConfiguration)

	_, err = run(t, "eval", "sparse", "--data-dir", t.TempDir())
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	out, err := run(t, "check", "funnel", "gaussian", "--ndims", "4",
		"--nbatch", "3", "--seed", "2", "--scale", "0.8")
	require.NoError(t, err)

	assert.Contains(t, out, "Funnel")
	assert.Contains(t, out, "Gaussian")
	assert.NotContains(t, out, "FAIL")
}
