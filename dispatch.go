package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-dispatch/logging"
	"github.com/ethereum-optimism/infra/op-dispatch/metrics"
	"github.com/ethereum-optimism/infra/op-dispatch/registry"
	"github.com/ethereum-optimism/infra/op-dispatch/reporting"
	"github.com/ethereum-optimism/infra/op-dispatch/runner"
	"github.com/ethereum-optimism/infra/op-dispatch/service"
	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

var _ cliapp.Lifecycle = (*Dispatch)(nil)
var _ service.ReportSource = (*Dispatch)(nil)

var errStopped = errors.New("op-dispatch stopped")

// Dispatch runs a test tree once or periodically and serves the latest report
type Dispatch struct {
	config    *Config
	version   string
	registry  *registry.Registry
	selector  *registry.Selector
	scheduler RunScheduler
	service   *service.Service
	console   reporting.ReportWriter
	summaries *reporting.SummarySink

	latest    atomic.Pointer[runner.Report]
	running   atomic.Bool
	runCancel context.CancelCauseFunc

	shutdownCallback func(error) // Signals application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Dispatch, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating op-dispatch with config",
		"tree", config.TreeFile,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"concurrency", config.Concurrency,
		"repeat", config.Repeat)

	reg, err := registry.NewRegistry(registry.Config{
		Log:            config.Log,
		TreeFile:       config.TreeFile,
		DefaultTimeout: config.DefaultTimeout,
		Shell:          config.Shell,
		WorkDir:        config.WorkDir,
		SkipExitCode:   config.SkipExitCode,
		WaitDelay:      config.GracePeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	selector, err := registry.NewSelector(config.Patterns, config.IncludeCategories, config.ExcludeCategories)
	if err != nil {
		return nil, fmt.Errorf("failed to create selector: %w", err)
	}

	d := &Dispatch{
		config:           config,
		version:          version,
		registry:         reg,
		selector:         selector,
		scheduler:        NewIntervalScheduler(config.RunInterval, config.RunOnce, config.Log),
		console:          reporting.NewStdoutWriter(),
		summaries:        reporting.NewSummarySink(config.LogDir, true),
		shutdownCallback: shutdownCallback,
	}
	d.service = service.New(config.Service, config.Log, d)
	d.scheduler.RegisterCallback(d.runTests)
	return d, nil
}

// Start serves the status endpoints and runs the tree. In run-once mode it
// returns a *TestFailureError when the run was not successful and otherwise
// requests application shutdown.
func (d *Dispatch) Start(ctx context.Context) error {
	d.running.Store(true)

	if d.config.RunOnce {
		d.config.Log.Info("Starting op-dispatch in run-once mode", "version", d.version)
	} else {
		d.config.Log.Info("Starting op-dispatch in continuous mode", "version", d.version, "interval", d.config.RunInterval)
	}

	if err := d.service.Start(ctx); err != nil {
		return NewRuntimeError(err)
	}

	var runCtx context.Context
	runCtx, d.runCancel = context.WithCancelCause(ctx)
	if err := d.scheduler.Start(runCtx); err != nil {
		d.config.Log.Error("Runtime error running tests", "err", err)
		return err
	}

	if !d.config.RunOnce {
		d.config.Log.Debug("op-dispatch started successfully")
		return nil
	}

	d.config.Log.Info("Tests completed, exiting (run-once mode)")
	if report := d.LatestReport(); report != nil && runFailed(report.Status) {
		d.config.Log.Warn("Run-once test run completed with failures", "status", report.Status)
		return NewTestFailureError(report)
	}
	go d.shutdownCallback(nil)
	return nil
}

// Stop prevents further runs, cancels the one in progress and shuts the
// endpoints down
func (d *Dispatch) Stop(ctx context.Context) error {
	d.config.Log.Info("Stopping op-dispatch")
	if !d.running.CompareAndSwap(true, false) {
		d.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	err := d.scheduler.Stop()
	if d.runCancel != nil {
		d.runCancel(errStopped)
	}
	err = errors.Join(err, d.scheduler.WaitForShutdown(ctx), d.service.Shutdown(ctx))
	d.config.Log.Info("op-dispatch stopped")
	return err
}

func (d *Dispatch) Stopped() bool {
	return !d.running.Load()
}

// LatestReport returns the report of the most recent completed run
func (d *Dispatch) LatestReport() *runner.Report {
	return d.latest.Load()
}

// runTests executes the tree once and publishes the report. Failing tests
// are not an error here; only runs that could not be carried out are.
func (d *Dispatch) runTests(ctx context.Context) error {
	if err := d.registry.Reload(); err != nil {
		if d.registry.Tree() == nil {
			return NewRuntimeError(err)
		}
		d.config.Log.Warn("Failed to reload tree definition, using previous tree", "err", err)
		metrics.RecordErrorDetails("tree_reload", err)
	}
	tree := d.registry.Tree()
	filter := d.selector.Filter(tree)
	runID := uuid.New().String()
	logger := d.config.Log.New("runID", runID)

	fileLogger, err := logging.NewFileLogger(d.config.LogDir, runID, logger)
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to create file logger: %w", err))
	}
	listeners := []runner.Listener{fileLogger}
	if d.config.ShowProgress {
		progress := runner.NewProgressListener(logger, countSelectedTests(tree, filter), d.config.ProgressInterval)
		defer progress.Stop()
		listeners = append(listeners, progress)
	}

	logger.Info("Running tests", "tree", tree.Root.ID, "filtered", filter != nil)
	report, err := runner.ExecuteTree(ctx, tree, runner.Options{
		MaxConcurrency: d.config.Concurrency,
		Timeout:        d.config.Timeout,
		Filter:         filter,
		Repeat:         d.config.Repeat,
		FailFast:       d.config.FailFast,
		Seed:           d.config.Seed,
		GracePeriod:    d.config.GracePeriod,
		Settings:       d.config.Settings,
		Listener:       runner.NewMultiListener(listeners...),
		Log:            d.config.Log,
		RunID:          runID,
	})
	if closeErr := fileLogger.Complete(); closeErr != nil {
		logger.Warn("Failed to close test logs", "err", closeErr)
	}
	if err != nil {
		metrics.RecordErrorDetails("run", err)
		return NewRuntimeError(err)
	}

	d.latest.Store(report)
	d.printResults(report)
	if path, err := d.summaries.Complete(report); err != nil {
		logger.Error("Failed to write run summary", "err", err)
	} else {
		logger.Info("Wrote run summary", "path", path, "logs", fileLogger.RunDir())
	}
	logger.Info("Test run completed", "status", report.Status, "duration", report.Duration)
	return nil
}

func (d *Dispatch) printResults(report *runner.Report) {
	title := fmt.Sprintf("op-dispatch %s results (%s)", d.version, report.Duration.Round(time.Millisecond))
	out, err := reporting.NewTableFormatter(title, d.config.ShowTests).Format(report.Result())
	if err != nil {
		d.config.Log.Error("Failed to format results table", "err", err)
		return
	}
	if err := d.console.Write(out); err != nil {
		d.config.Log.Error("Failed to print results table", "err", err)
	}
}

// countSelectedTests estimates how many tests a run will execute, for
// progress reporting
func countSelectedTests(tree *types.Tree, filter types.Filter) int {
	sel := tree.Select(filter)
	count := 0
	for _, test := range tree.Tests() {
		switch test.State {
		case types.RunStateRunnable:
			if sel.Includes(test.ID) {
				count++
			}
		case types.RunStateExplicit:
			if sel.Targets(test.ID) {
				count++
			}
		}
	}
	return count
}
