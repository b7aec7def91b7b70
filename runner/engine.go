package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/metrics"
	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// Options configures an execution
type Options struct {
	MaxConcurrency int           // Zero means runtime.NumCPU()
	Timeout        time.Duration // Global run timeout, zero means none
	Filter         types.Filter
	Repeat         int // Number of iterations, values below one mean one
	FailFast       bool
	Seed           int64 // Zero picks a seed from the clock
	GracePeriod    time.Duration
	Settings       map[string]string
	Listener       Listener
	Log            log.Logger
	RunID          string // Generated when empty
}

// Report is the outcome of an execution
type Report struct {
	RunID      string
	Seed       int64
	Status     types.TestStatus // Aggregated over iterations
	Iterations []*types.Result  // One result tree per iteration
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
}

// Result returns the result tree of the last iteration
func (r *Report) Result() *types.Result {
	if len(r.Iterations) == 0 {
		return nil
	}
	return r.Iterations[len(r.Iterations)-1]
}

// Execute builds the tree below root and runs it. Only malformed trees
// (*types.BuildDefectError) and dispatcher faults (*InfrastructureError) are
// returned as errors; every other fault is captured in the report.
func Execute(ctx context.Context, root *types.Node, opts Options) (*Report, error) {
	tree, err := types.NewTree(root)
	if err != nil {
		return nil, err
	}
	return ExecuteTree(ctx, tree, opts)
}

// ExecuteTree runs an already built tree
func ExecuteTree(ctx context.Context, tree *types.Tree, opts Options) (*Report, error) {
	if tree == nil {
		return nil, types.NewBuildDefect("", "tree has no root")
	}
	if opts.MaxConcurrency < 0 {
		return nil, NewInfrastructureError("cannot allocate execution slots",
			fmt.Errorf("max concurrency must not be negative, got %d", opts.MaxConcurrency))
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Log == nil {
		opts.Log = log.New()
	}
	iterations := max(opts.Repeat, 1)
	logger := opts.Log.New("component", "engine", "runID", opts.RunID)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, opts.Timeout, &types.TimeoutError{Timeout: opts.Timeout})
		defer cancel()
	}

	report := &Report{
		RunID:     opts.RunID,
		Seed:      opts.Seed,
		StartTime: time.Now(),
	}
	logger.Info("Starting run", "tests", len(tree.Tests()), "iterations", iterations, "seed", opts.Seed, "maxConcurrency", opts.MaxConcurrency)

	for i := 0; i < iterations; i++ {
		dispatcher, err := NewDispatcher(tree, DispatcherConfig{
			MaxConcurrency: opts.MaxConcurrency,
			GracePeriod:    opts.GracePeriod,
			Filter:         opts.Filter,
			FailFast:       opts.FailFast,
			Seed:           opts.Seed,
			Settings:       opts.Settings,
			Listener:       opts.Listener,
			Log:            opts.Log,
			RunID:          opts.RunID,
		})
		if err != nil {
			return nil, err
		}

		result, err := dispatcher.Run(ctx)
		if err != nil {
			logger.Error("Run incomplete", "iteration", i+1, "err", err)
			return nil, err
		}
		report.Iterations = append(report.Iterations, result)
		logger.Debug("Iteration finished", "iteration", i+1, "status", result.Status, "duration", result.Duration)

		if opts.FailFast && result.Status.IsFailure() && i+1 < iterations {
			logger.Info("Stopping repeats after failure", "iteration", i+1, "of", iterations)
			break
		}
	}

	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	statuses := make([]types.TestStatus, 0, len(report.Iterations))
	for _, result := range report.Iterations {
		statuses = append(statuses, result.Status)
	}
	report.Status = types.AggregateStatus(statuses)

	last := report.Result()
	metrics.RecordRun(report.RunID, report.Status, last.Counts, report.Duration)
	logger.Info("Run finished",
		"status", report.Status,
		"total", last.Counts.Total,
		"passed", last.Counts.Passed,
		"failed", last.Counts.Failed+last.Counts.Errored,
		"skipped", last.Counts.Skipped,
		"cancelled", last.Counts.Cancelled,
		"duration", report.Duration)
	return report, nil
}

// TestStability summarizes the outcomes of one test across iterations
type TestStability struct {
	NodeID    string
	Name      string
	Runs      int
	Passes    int
	Failures  int
	Skips     int
	Cancelled int
	PassRate  float64
}

// Flaky reports whether the test both passed and failed across iterations
func (s TestStability) Flaky() bool {
	return s.Passes > 0 && s.Failures > 0
}

// Stability summarizes every test across the report's iterations, in tree
// order
func (r *Report) Stability() []TestStability {
	byID := make(map[string]*TestStability)
	var order []string
	for _, iteration := range r.Iterations {
		for _, leaf := range iteration.Leaves() {
			s, ok := byID[leaf.NodeID]
			if !ok {
				s = &TestStability{NodeID: leaf.NodeID, Name: leaf.FullName}
				byID[leaf.NodeID] = s
				order = append(order, leaf.NodeID)
			}
			s.Runs++
			switch {
			case leaf.Status == types.TestStatusPass || leaf.Status == types.TestStatusWarning:
				s.Passes++
			case leaf.Status.IsFailure():
				s.Failures++
			case leaf.Status == types.TestStatusSkip:
				s.Skips++
			case leaf.Status == types.TestStatusCancelled:
				s.Cancelled++
			}
		}
	}

	stability := make([]TestStability, 0, len(order))
	for _, id := range order {
		s := byID[id]
		if executed := s.Runs - s.Skips; executed > 0 {
			s.PassRate = float64(s.Passes) / float64(executed) * 100
		}
		stability = append(stability, *s)
	}
	return stability
}

// Flaky returns the tests that both passed and failed across iterations,
// least stable first
func (r *Report) Flaky() []TestStability {
	var flaky []TestStability
	for _, s := range r.Stability() {
		if s.Flaky() {
			flaky = append(flaky, s)
		}
	}
	sort.SliceStable(flaky, func(i, j int) bool {
		return flaky[i].PassRate < flaky[j].PassRate
	})
	return flaky
}
