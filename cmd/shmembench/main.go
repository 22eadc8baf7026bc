// Package main provides the CLI entry point for shmembench, a latency and
// bandwidth benchmark for OpenSHMEM-style one-sided communication.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/weiihann/shmembench/bench"
	"github.com/weiihann/shmembench/launcher"
	"github.com/weiihann/shmembench/report"
	"github.com/weiihann/shmembench/shmem"
	"github.com/weiihann/shmembench/shmem/local"
	"github.com/weiihann/shmembench/shmem/shm"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	root := newRootCmd(logger, level)
	if err := root.Execute(); err != nil {
		logger.Error("shmembench failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "shmembench",
		Short: "OpenSHMEM latency and bandwidth benchmarks",
		Long: `Shmembench times one communication routine (get, put, their
non-blocking forms, the atomics, the barrier or a collective) across a group
of PEs and reports per-operation latency and, for routines that move data,
bandwidth for each message size.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}

			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(logger))
	root.AddCommand(newLaunchCmd(logger))
	root.AddCommand(newRoutinesCmd())

	return root
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		benchName  string
		ntimes     int
		msgSizeMax int
		msgSizes   []int
		bidir      bool
		pes        int
		format     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one benchmark routine",
		Long: `Run one benchmark routine across a PE group and print the report from
PE 0. Without a launcher the PEs run as goroutines in this process; under
"shmembench launch" each process attaches to the shared segment as one PE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := runConfig{
				bench:    benchName,
				ntimes:   ntimes,
				msgSizes: msgSizes,
				bidir:    bidir,
				pes:      pes,
				format:   format,
			}

			if cmd.Flags().Changed("msg-size-max") {
				cfg.msgSizeMax = &msgSizeMax
			}

			return runBenchmark(cmd.Context(), logger, cmd.OutOrStdout(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&benchName, "bench", "",
		"Routine to benchmark: a name from \"shmembench routines\", dashed "+
			"(atomic-cmp-swp) or long form (AtomicCompareSwap)")
	flags.IntVar(&ntimes, "ntimes", bench.DefaultNTimes,
		"Repetitions per measurement")
	flags.IntVar(&msgSizeMax, "msg-size-max", 1<<bench.DefaultMaxExponent,
		"Largest message size; sweeps powers of two up to it")
	flags.IntSliceVar(&msgSizes, "msg-sizes", nil,
		"Explicit message sizes in bytes (e.g. 1,64,4096)")
	flags.BoolVar(&bidir, "bidirectional", false,
		"Pair PEs (0-1, 2-3, ...) and move data both ways; Get, Put and their NBI forms")
	flags.IntVar(&pes, "pes", 2,
		"Number of PEs for the in-process runtime")
	flags.StringVar(&format, "format", "table",
		"Report format: "+strings.Join(report.Formats(), ", "))

	_ = cmd.MarkFlagRequired("bench")
	cmd.MarkFlagsMutuallyExclusive("msg-size-max", "msg-sizes")

	return cmd
}

type runConfig struct {
	bench      string
	ntimes     int
	msgSizeMax *int
	msgSizes   []int
	bidir      bool
	pes        int
	format     string
}

func runBenchmark(
	ctx context.Context,
	logger *slog.Logger,
	out io.Writer,
	cfg runConfig,
) error {
	routine, err := bench.ParseRoutine(cfg.bench)
	if err != nil {
		return err
	}

	benchCfg := bench.Config{
		Routine:    routine,
		NTimes:     cfg.ntimes,
		MsgSizeMax: cfg.msgSizeMax,
		MsgSizes:   cfg.msgSizes,

		Bidirectional: cfg.bidir,
	}

	if err := benchCfg.Validate(); err != nil {
		return err
	}

	sizes, err := benchCfg.Sizes()
	if err != nil {
		return err
	}

	format := strings.ToLower(cfg.format)
	if !slices.Contains(report.Formats(), format) {
		return fmt.Errorf("unknown --format %q (choose from %s)",
			cfg.format, strings.Join(report.Formats(), ", "))
	}

	runPE := func(ctx context.Context, rt shmem.Runtime) error {
		return benchmarkPE(ctx, logger, out, rt, benchCfg, sizes, format)
	}

	if shm.Launched() {
		rt, err := shm.AttachFromEnv()
		if err != nil {
			return fmt.Errorf("attach to launcher: %w", err)
		}
		defer rt.Finalize()

		return shmem.Guard(func() error { return runPE(ctx, rt) })
	}

	return local.Run(ctx, local.Config{NumPEs: cfg.pes}, runPE)
}

// benchmarkPE is the per-PE program. Only the root writes to out.
func benchmarkPE(
	ctx context.Context,
	logger *slog.Logger,
	out io.Writer,
	rt shmem.Runtime,
	cfg bench.Config,
	sizes []int,
	format string,
) error {
	isRoot := rt.MyPE() == bench.Root
	driver := bench.NewDriver(rt, logger)

	if isRoot {
		logger.InfoContext(ctx, "starting benchmark",
			slog.String("routine", cfg.Routine.String()),
			slog.Int("ntimes", cfg.NTimes),
			slog.Int("pes", rt.NumPEs()),
			slog.String("runtime", rt.Info().Name),
		)

		// The banner waits for the symmetric allocation, so a sweep that
		// does not fit the heap prints nothing.
		if format == "table" {
			driver.OnReady(func() {
				report.Banner(out, report.Info{
					RuntimeName:    rt.Info().Name,
					RuntimeVersion: rt.Info().Version(),
					NumPEs:         rt.NumPEs(),
					Routine:        cfg.Routine,
					NTimes:         cfg.NTimes,
					Sizes:          sizes,
					Bidirectional:  cfg.Bidirectional,
				})
			})
		}
	}

	start := time.Now()

	result, err := driver.Run(ctx, cfg, sizes)
	if err != nil {
		return err
	}

	if isRoot {
		if err := report.Write(out, format, result); err != nil {
			return fmt.Errorf("write report: %w", err)
		}

		logger.InfoContext(ctx, "benchmark complete",
			slog.Duration("wall_time", time.Since(start)),
		)
	}

	rt.BarrierAll()

	return nil
}

func newLaunchCmd(logger *slog.Logger) *cobra.Command {
	var (
		pes      int
		heapSize string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "launch [flags] -- run --bench ROUTINE [run flags]",
		Short: "Run a benchmark with one process per PE",
		Long: `Create a shared segment and start one shmembench process per PE, each
running the given subcommand attached to the segment as its PE.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			heap, err := humanize.ParseBytes(heapSize)
			if err != nil {
				return fmt.Errorf("--heap-size: %w", err)
			}

			binary, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate shmembench binary: %w", err)
			}

			return launcher.New(logger).Run(cmd.Context(), launcher.Config{
				NumPEs:   pes,
				HeapSize: int64(heap),
				Timeout:  timeout,
				Binary:   binary,
				Args:     args,
				Stdout:   cmd.OutOrStdout(),
				Stderr:   cmd.ErrOrStderr(),
			})
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&pes, "pes", 2, "Number of PE processes")
	flags.StringVar(&heapSize, "heap-size", humanize.IBytes(launcher.DefaultHeapSize),
		"Symmetric heap per PE (e.g. 4MiB)")
	flags.DurationVar(&timeout, "timeout", 30*time.Minute,
		"Kill the PE group after this long (0 disables)")

	return cmd
}

func newRoutinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routines",
		Short: "List the benchmark routines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := tabby.NewCustom(tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 4, ' ', 0))
			t.AddHeader("routine", "operation", "sweeps sizes")

			for _, r := range bench.Routines() {
				t.AddLine(r.String(), r.OpName(), r.UsesMsgSize())
			}

			t.Print()

			return nil
		},
	}
}
