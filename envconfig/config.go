// Package envconfig reads the module's configuration from the
// environment. Every getter re-reads the environment, so values can be
// changed between calls (and in tests with t.Setenv).
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LogLevel returns the log level. ENERGY_DEBUG=1 enables debug logs,
// ENERGY_DEBUG=2 enables trace logs.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ENERGY_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// TraceDir returns the directory timeline traces are written to.
// Configurable via ENERGY_TRACE_DIR, default ~/tmp/logs.
func TraceDir() string {
	if s := Var("ENERGY_TRACE_DIR"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("could not determine home directory, tracing to the "+
			"working directory", "error", err)
		return filepath.Join("tmp", "logs")
	}
	return filepath.Join(home, "tmp", "logs")
}

// DataDir returns the directory holding distr_data/, the precomputed
// sparse coding dictionaries. Configurable via ENERGY_DATA_DIR,
// default the working directory.
func DataDir() string {
	if s := Var("ENERGY_DATA_DIR"); s != "" {
		return s
	}
	return "."
}

// Device returns the device specification, either a single device or
// a grad/energy mapping. Configurable via ENERGY_DEVICE.
func Device() string {
	if s := Var("ENERGY_DEVICE"); s != "" {
		return s
	}
	return "/cpu:0"
}

// GPUMemoryFraction returns the fraction of GPU memory a session may
// allocate. Configurable via ENERGY_GPU_FRACTION, default 1.
func GPUMemoryFraction() float64 {
	if s := Var("ENERGY_GPU_FRACTION"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f
		}
		slog.Warn("invalid environment variable, using default",
			"key", "ENERGY_GPU_FRACTION", "value", s, "default", 1)
	}
	return 1
}

var (
	// Trace enables timeline traces of every evaluation
	Trace = Bool("ENERGY_TRACE")

	// AllowGrowth lets sessions grow GPU allocations on demand
	AllowGrowth = BoolWithDefault("ENERGY_ALLOW_GROWTH")

	// LogPlacement logs the device of every graph node
	LogPlacement = Bool("ENERGY_LOG_PLACEMENT")
)

// BoolWithDefault returns a getter for the boolean k. Values which do
// not parse count as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for the boolean k, false by default
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// EnvVar describes a single environment variable
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration variable with its current value
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ENERGY_DEBUG":         {"ENERGY_DEBUG", LogLevel(), "Show additional debug information (e.g. ENERGY_DEBUG=1)"},
		"ENERGY_TRACE":         {"ENERGY_TRACE", Trace(), "Write a timeline trace of every evaluation"},
		"ENERGY_TRACE_DIR":     {"ENERGY_TRACE_DIR", TraceDir(), "Directory for timeline traces (default ~/tmp/logs)"},
		"ENERGY_DATA_DIR":      {"ENERGY_DATA_DIR", DataDir(), "Directory containing distr_data/ dictionaries"},
		"ENERGY_DEVICE":        {"ENERGY_DEVICE", Device(), "Device, or grad=...,energy=... mapping (default /cpu:0)"},
		"ENERGY_GPU_FRACTION":  {"ENERGY_GPU_FRACTION", GPUMemoryFraction(), "Fraction of GPU memory to allocate (default 1)"},
		"ENERGY_ALLOW_GROWTH":  {"ENERGY_ALLOW_GROWTH", AllowGrowth(true), "Grow GPU allocations on demand (default true)"},
		"ENERGY_LOG_PLACEMENT": {"ENERGY_LOG_PLACEMENT", LogPlacement(), "Log the device of every graph node"},
	}
}

// Values returns every configuration variable formatted as a string
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing
// quotes and spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
