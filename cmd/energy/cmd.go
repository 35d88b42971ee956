package main

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/samuelfneumann/energy/device"
	"github.com/samuelfneumann/energy/distribution"
	"github.com/samuelfneumann/energy/envconfig"
	"github.com/samuelfneumann/energy/logutil"
)

// Models lists the models the CLI can build
var Models = []string{"funnel", "gaussian", "sparse"}

// appendEnvDocs adds the environment variables to the usage of cmd
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI returns the root command
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "energy",
		Short:         "Evaluate graph-backed energy functions",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("device", envconfig.Device(), "Device, or grad=...,energy=... mapping")
	flags.Bool("trace", envconfig.Trace(), "Write a timeline trace of every evaluation")
	flags.String("trace-dir", envconfig.TraceDir(), "Directory for timeline traces")
	flags.String("data-dir", envconfig.DataDir(), "Directory containing distr_data/")
	flags.Float64("gpu-fraction", envconfig.GPUMemoryFraction(), "Fraction of GPU memory to allocate")
	flags.Bool("allow-growth", envconfig.AllowGrowth(true), "Grow GPU allocations on demand")
	flags.Bool("log-placement", envconfig.LogPlacement(), "Log the device of every graph node")
	flags.Uint64("seed", 0, "Seed of the initial batch (0 for a random seed)")

	evalCmd := newEvalCmd()
	checkCmd := newCheckCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{
		envVars["ENERGY_DEBUG"],
		envVars["ENERGY_DEVICE"],
		envVars["ENERGY_TRACE"],
		envVars["ENERGY_TRACE_DIR"],
		envVars["ENERGY_DATA_DIR"],
		envVars["ENERGY_GPU_FRACTION"],
		envVars["ENERGY_ALLOW_GROWTH"],
		envVars["ENERGY_LOG_PLACEMENT"],
	}
	for _, cmd := range []*cobra.Command{evalCmd, checkCmd} {
		addModelFlags(cmd)
		appendEnvDocs(cmd, envs)
	}

	rootCmd.AddCommand(evalCmd, checkCmd, envCmd)

	return rootCmd
}

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().Int("ndims", 0, "State dimension (0 for the model default)")
	cmd.Flags().Int("nbatch", 0, "Batch capacity (0 for the model default)")
	cmd.Flags().Float64("scale", 1, "Funnel: scale of the first dimension")
	cmd.Flags().Float64("sigma", 1, "Gaussian: standard deviation")
	cmd.Flags().Int("patches", 9, "Sparse: number of image patches")
	cmd.Flags().Int("basis", 1024, "Sparse: basis size (512 or 1024)")
	cmd.Flags().Bool("laplace", false, "Sparse: use a Laplace instead of a Cauchy prior")
	cmd.Flags().Float64("lambda", distribution.DefaultLambda, "Sparse: sparsity penalty weight")
}

func newEvalCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "eval MODEL",
		Short:     "Evaluate a model on its initial batch",
		Args:      cobra.ExactArgs(1),
		ValidArgs: Models,
		RunE:      EvalHandler,
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [MODEL...]",
		Short: "Compare model gradients with finite differences",
		Long: "Compare the gradient of each model with a finite difference " +
			"of its energy.\nModels are checked concurrently; funnel and " +
			"gaussian are checked by default.",
		RunE: CheckHandler,
	}
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Print the configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}

// EnvHandler prints every configuration variable with its value
func EnvHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)

	data := make([][]string, 0, len(names))
	for _, name := range names {
		v := vars[name]
		data = append(data, []string{name, fmt.Sprintf("%v", v.Value),
			v.Description})
	}

	table := newTable(cmd, []string{"VARIABLE", "VALUE", "DESCRIPTION"})
	table.AppendBulk(data)
	table.Render()

	return nil
}

func newTable(cmd *cobra.Command, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// graphOptions returns the Graph options set by the persistent flags
func graphOptions(cmd *cobra.Command) ([]distribution.Option, error) {
	flags := cmd.Flags()

	spec, err := flags.GetString("device")
	if err != nil {
		return nil, err
	}
	policy, err := device.ParsePolicy(spec)
	if err != nil {
		return nil, err
	}

	trace, _ := flags.GetBool("trace")
	traceDir, _ := flags.GetString("trace-dir")
	fraction, _ := flags.GetFloat64("gpu-fraction")
	growth, _ := flags.GetBool("allow-growth")
	placement, _ := flags.GetBool("log-placement")

	opts := []distribution.Option{
		distribution.WithDevice(policy),
		distribution.WithTrace(trace),
		distribution.WithTraceDir(traceDir),
		distribution.WithGPUMemoryFraction(fraction),
		distribution.WithAllowGrowth(growth),
		distribution.WithLogPlacement(placement),
		distribution.WithLogger(slog.Default()),
	}
	if seed, _ := flags.GetUint64("seed"); seed != 0 {
		opts = append(opts, distribution.WithSeed(seed))
	}

	return opts, nil
}

// buildModel builds the named model from the flags of cmd
func buildModel(cmd *cobra.Command, name string) (distribution.Model,
	error) {
	opts, err := graphOptions(cmd)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	ndims, _ := flags.GetInt("ndims")
	nbatch, _ := flags.GetInt("nbatch")
	withDefault := func(v, def int) int {
		if v == 0 {
			return def
		}
		return v
	}

	var m distribution.Model
	switch strings.ToLower(name) {
	case "funnel":
		scale, _ := flags.GetFloat64("scale")
		f, err := distribution.NewFunnel(scale, withDefault(ndims, 10),
			withDefault(nbatch, 50), opts...)
		if err != nil {
			return nil, err
		}
		m = f

	case "gaussian":
		sigma, _ := flags.GetFloat64("sigma")
		g, err := distribution.NewGaussian(withDefault(ndims, 2),
			withDefault(nbatch, 100), sigma, opts...)
		if err != nil {
			return nil, err
		}
		m = g

	case "sparse":
		patches, _ := flags.GetInt("patches")
		basis, _ := flags.GetInt("basis")
		laplace, _ := flags.GetBool("laplace")
		lambda, _ := flags.GetFloat64("lambda")
		dataDir, _ := flags.GetString("data-dir")
		s, err := distribution.NewSparseImageCode(patches,
			withDefault(nbatch, 10), !laplace, basis,
			distribution.WithLambda(lambda),
			distribution.WithDataDir(dataDir),
			distribution.WithGraphOptions(opts...),
		)
		if err != nil {
			return nil, err
		}
		m = s

	default:
		return nil, fmt.Errorf("unknown model %q, expected one of %v", name,
			Models)
	}

	return m, nil
}
