package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm/trace"
)

// config holds the simulation settings shared by all commands. Defaults come
// from MMSIM_* environment variables, which may be set in a .env file.
type config struct {
	frames    int
	colors    int
	logLevel  string
	trace     string
	tracePath string
}

func defaultConfig() config {
	return config{
		frames:    envInt("MMSIM_FRAMES", 256),
		colors:    envInt("MMSIM_COLORS", 4),
		logLevel:  envString("MMSIM_LOG_LEVEL", "warn"),
		trace:     envString("MMSIM_TRACE", ""),
		tracePath: envString("MMSIM_TRACE_PATH", ""),
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mmsim: ignoring %s=%q: %v\n", key, v, err)
		return def
	}
	return n
}

// newTracer creates the trace writer selected by kind. An empty kind
// disables tracing.
func newTracer(kind, path string) (trace.Tracer, error) {
	switch kind {
	case "":
		return nil, nil
	case "csv":
		w := trace.NewCSVWriter(path)
		if err := w.Init(); err != nil {
			return nil, err
		}
		return w, nil
	case "sqlite":
		w := trace.NewSQLiteWriter(path)
		if err := w.Init(); err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("unknown trace format %q (want csv or sqlite)", kind)
}

func newRootCmd(cfg config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmsim",
		Short: "mmsim exercises the page fault resolver against simulated memory.",
		Long: `mmsim exercises the page fault resolver against simulated ` +
			`memory. Each scenario builds a fresh frame table and address ` +
			`spaces, drives faults through the resolver and checks the outcome.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			kfmt.SetOutputSink(os.Stderr)
			kfmt.SetLogLevel(cfg.logLevel)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.IntVar(&cfg.frames, "frames", cfg.frames, "number of physical frames")
	flags.IntVar(&cfg.colors, "colors", cfg.colors, "number of cache colors")
	flags.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.trace, "trace", cfg.trace, "record every fault (csv or sqlite)")
	flags.StringVar(&cfg.tracePath, "trace-path", cfg.tracePath, "trace file name without extension")

	rootCmd.AddCommand(newScenariosCmd(), newRunCmd(&cfg))
	return rootCmd
}

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the available scenarios.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range scenarios {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", s.name, s.desc)
			}
		},
	}
}

func newRunCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios. All scenarios run if none is named.",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := lookupScenarios(args)
			if err != nil {
				return err
			}

			tracer, err := newTracer(cfg.trace, cfg.tracePath)
			if err != nil {
				return err
			}

			failed := 0
			out := cmd.OutOrStdout()
			for _, s := range selected {
				if err := runScenario(out, *cfg, tracer, s); err != nil {
					failed++
				}
			}
			if tracer != nil {
				tracer.Flush()
			}

			if failed != 0 {
				return fmt.Errorf("%d of %d scenarios failed", failed, len(selected))
			}
			return nil
		},
	}
}
