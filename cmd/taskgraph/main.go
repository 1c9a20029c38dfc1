// Command taskgraph is the CLI entry point (SPEC_FULL.md §6): it loads
// *.task.json declarations from a start directory, spawns a graph via
// internal/registry, and either lists the resolved execution order or runs
// it through internal/scheduler. Grounded on
// original_source/lanfang/runner/__main__.py's parse_args/main flow, with
// the dynamic Python-module-import step replaced by loadTaskFiles's
// declarative JSON walk (see DESIGN.md's Open Question on task discovery) and
// flag parsing moved from argparse to spf13/cobra, matching the pack's CLI
// convention.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/taskgraph/runner/internal/checkpoint"
	"github.com/taskgraph/runner/internal/core/logging"
	"github.com/taskgraph/runner/internal/core/otelinit"
	"github.com/taskgraph/runner/internal/crontrigger"
	"github.com/taskgraph/runner/internal/errs"
	"github.com/taskgraph/runner/internal/eventbus"
	"github.com/taskgraph/runner/internal/progress"
	"github.com/taskgraph/runner/internal/registry"
	"github.com/taskgraph/runner/internal/scheduler"
	"github.com/taskgraph/runner/internal/taskrunner"
)

const serviceName = "taskgraph-runner"

type cliFlags struct {
	startDir          string
	lists             bool
	run               []string
	verbose           bool
	feedValues        string
	printParams       bool
	tasks             []string
	checkpointDir     string
	checkpointBackend string
	cronExpr          string
	parallelDegree    int
	tryBest           bool
	otelEndpoint      string
	eventsNatsURL     string
	cronMaxConcurrent int
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == taskrunner.SubprocessEntrypoint {
		os.Exit(runFunctionSubcommand(os.Args[2:]))
	}

	flags := &cliFlags{}
	root := newRootCommand(flags)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "taskgraph",
		Short:        "Run a directory of declared tasks as a dependency graph",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(cmd.Context(), flags)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.startDir, "start_dir", "d", ".", "directory to walk for *.task.json declarations")
	f.BoolVarP(&flags.lists, "lists", "l", false, "print the resolved execution order and exit")
	f.StringSliceVarP(&flags.run, "run", "r", nil, "selector restricting which declared tasks run (comma-separated names/order_id/ranges/regex)")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "render the live progress table to stderr")
	f.StringVar(&flags.feedValues, "feed_values", "{}", "JSON object of free parameters fed to the graph")
	f.BoolVar(&flags.printParams, "print-params", false, "print the fed parameters before running")
	f.StringSliceVar(&flags.tasks, "tasks", nil, "restrict registration to only these declared task names")
	f.StringVar(&flags.checkpointDir, "checkpoint-dir", "", "enable checkpointing under this directory")
	f.StringVar(&flags.checkpointBackend, "checkpoint-backend", "file", "checkpoint backend: file or bbolt")
	f.StringVar(&flags.cronExpr, "cron", "", "run on this cron schedule instead of once (each firing runs the --run selector)")
	f.IntVar(&flags.parallelDegree, "parallel-degree", 0, "max concurrently running tasks, 0 = unlimited")
	f.BoolVar(&flags.tryBest, "try-best", false, "keep running unaffected tasks after a failure instead of stopping the run; dependents of a failed task become CANCELED")
	f.StringVar(&flags.otelEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint (overrides OTEL_EXPORTER_OTLP_ENDPOINT)")
	f.StringVar(&flags.eventsNatsURL, "events-nats-url", "", "publish task status transitions to this NATS server")
	f.IntVar(&flags.cronMaxConcurrent, "cron-max-concurrent", 1, "max concurrent firings of the --cron schedule")
	return cmd
}

func runMain(ctx context.Context, flags *cliFlags) error {
	logger := logging.Init(serviceName)

	if flags.otelEndpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", flags.otelEndpoint)
	}
	traceShutdown := otelinit.InitTracer(ctx, serviceName)
	defer otelinit.Flush(ctx, traceShutdown)
	metricsShutdown, _, _ := otelinit.InitMetrics(ctx, serviceName)
	defer otelinit.Flush(ctx, metricsShutdown)

	decls, sigs, disabledByFile, err := loadTaskFiles(flags.startDir)
	if err != nil {
		return fmt.Errorf("taskgraph: %w", err)
	}
	if len(decls) == 0 {
		return fmt.Errorf("taskgraph: no *.task.json declarations found under %q", flags.startDir)
	}

	reg := registry.New()
	only := make(map[string]struct{}, len(flags.tasks))
	for _, name := range flags.tasks {
		only[name] = struct{}{}
	}
	for _, d := range decls {
		if len(only) > 0 {
			if _, ok := only[d.Name]; !ok {
				continue
			}
		}
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("taskgraph: %w", err)
		}
	}

	var feed map[string]interface{}
	if err := json.Unmarshal([]byte(flags.feedValues), &feed); err != nil {
		return fmt.Errorf("taskgraph: --feed_values: invalid JSON: %w", err)
	}
	if feed == nil {
		feed = map[string]interface{}{}
	}
	if flags.printParams {
		printed, _ := json.MarshalIndent(feed, "", "  ")
		fmt.Fprintln(os.Stdout, string(printed))
	}

	g, rctx, runners, err := reg.Spawn(feed, sigs)
	if err != nil {
		return fmt.Errorf("taskgraph: %w", err)
	}

	if len(flags.run) > 0 {
		selector := strings.Join(flags.run, ",")
		sub, err := g.Subset(selector)
		if err != nil {
			return fmt.Errorf("taskgraph: %w", err)
		}
		g = sub
		kept := make(map[string]taskrunner.Runner, len(g.Names(false)))
		for _, name := range g.Names(false) {
			kept[name] = runners[name]
		}
		runners = kept
	}

	if flags.lists {
		for i, name := range g.Names(true) {
			fmt.Fprintf(os.Stdout, "%d\t%s\n", i, name)
		}
		return nil
	}

	tracker := scheduler.NewTracker(otel.Meter("taskgraph-cli"))

	if flags.cronExpr != "" {
		return runCron(flags, reg, tracker, logger)
	}

	store, err := openCheckpointStore(flags)
	if err != nil {
		return fmt.Errorf("taskgraph: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	var bus *eventbus.Bus
	if flags.eventsNatsURL != "" {
		bus, err = eventbus.Connect(flags.eventsNatsURL, 256, logger)
		if err != nil {
			return fmt.Errorf("taskgraph: %w", err)
		}
		defer bus.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Warn("taskgraph: received signal, cancelling run")
		cancel()
	}()

	var progressView scheduler.ProgressView
	if flags.verbose {
		progressView = progress.New(os.Stderr, g.Names(true))
	}

	sched, err := scheduler.New(g, runners, rctx, progressView, scheduler.Params{
		ParallelDegree: flags.parallelDegree,
		TryBest:        flags.tryBest,
		Verbose:        flags.verbose,
	})
	if err != nil {
		return fmt.Errorf("taskgraph: %w", err)
	}
	if len(disabledByFile) > 0 {
		sched.Disable(disabledByFile...)
	}
	if bus != nil {
		sched.WithEvents(bus)
	}

	runID := uuid.NewString()
	tracker.Register(runID, sched, cancel)

	code := sched.Run(runCtx)

	if store != nil {
		if err := rctx.Save(store, runID, 5); err != nil {
			logger.Warn("taskgraph: checkpoint save failed", "error", err)
		}
	}

	status := scheduler.RunCompleted
	if code != 0 {
		status = scheduler.RunCancelled
	}
	tracker.Complete(runID, status)

	if flags.printParams {
		final := map[string]interface{}{}
		for _, name := range g.Names(false) {
			final[name] = rctx.GetOutput(name)
		}
		printed, _ := json.MarshalIndent(final, "", "  ")
		fmt.Fprintln(os.Stdout, string(printed))
	}

	os.Exit(code)
	return nil
}

func openCheckpointStore(flags *cliFlags) (checkpoint.Store, error) {
	if flags.checkpointDir == "" {
		return nil, nil
	}
	switch flags.checkpointBackend {
	case "bbolt":
		return checkpoint.NewBolt(filepath.Join(flags.checkpointDir, "checkpoint.db"), otel.Meter("taskgraph-checkpoint"))
	case "file":
		return checkpoint.NewFile(flags.checkpointDir, "run")
	default:
		return nil, fmt.Errorf("unknown --checkpoint-backend %q", flags.checkpointBackend)
	}
}

// runCron wires reg's declared tasks into a long-lived crontrigger.Trigger
// firing on flags.cronExpr, running until SIGINT/SIGTERM.
func runCron(flags *cliFlags, reg *registry.Registry, tracker *scheduler.Tracker, logger *slog.Logger) error {
	trig := crontrigger.New(reg, tracker, otel.Meter("taskgraph-cron-cli"), logger)

	var feed map[string]interface{}
	_ = json.Unmarshal([]byte(flags.feedValues), &feed)
	if feed == nil {
		feed = map[string]interface{}{}
	}
	selector := ""
	if len(flags.run) > 0 {
		selector = strings.Join(flags.run, ",")
	}

	if err := trig.Add(crontrigger.Entry{
		Name:           "cli",
		CronExpr:       flags.cronExpr,
		Selector:       selector,
		FeedValues:     feed,
		MaxConcurrent:  flags.cronMaxConcurrent,
		ParallelDegree: flags.parallelDegree,
	}); err != nil {
		return fmt.Errorf("taskgraph: %w", err)
	}
	trig.Start()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	logger.Info("taskgraph: received signal, stopping cron trigger")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return trig.Stop(stopCtx)
}

// runFunctionSubcommand handles the re-exec hidden entrypoint
// (taskrunner.SubprocessEntrypoint): it reads TASK_RUNNER_PARAMETERS, calls
// the registered function, and writes its output to stdout as the trailing
// JSON line CommandRunner harvests from. This process is a fresh exec, not a
// fork, so it never inherits any scheduler-installed signal handling in the
// first place; there is nothing to snapshot or restore.
func runFunctionSubcommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "taskgraph: __function_runner requires a registered function name")
		return 1
	}
	name := args[0]
	var input map[string]interface{}
	if raw := os.Getenv("TASK_RUNNER_PARAMETERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			fmt.Fprintf(os.Stderr, "taskgraph: __function_runner: invalid TASK_RUNNER_PARAMETERS: %v\n", err)
			return 1
		}
	}

	err := taskrunner.RunRegisteredFunction(context.Background(), name, input, func(out map[string]interface{}) error {
		encoded, err := json.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(encoded))
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskgraph: __function_runner: %v\n", err)
		if errors.Is(err, errs.ErrRunnerCrash) {
			return 2
		}
		return 1
	}
	return 0
}
