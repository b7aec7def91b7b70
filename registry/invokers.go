package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
)

// Environment variables exported to every command
const (
	EnvNodeID = "OP_DISPATCH_NODE_ID"
	EnvSeed   = "OP_DISPATCH_SEED"
)

// CommandInvoker runs a shell command. Exit code zero passes, SkipExitCode
// skips and anything else fails. Stdout and stderr become the item output.
type CommandInvoker struct {
	Shell        string
	Command      string
	Dir          string
	Env          map[string]string
	SkipExitCode int
	WaitDelay    time.Duration
}

var _ types.Invoker = (*CommandInvoker)(nil)

func (c *CommandInvoker) Invoke(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
	cmd := exec.CommandContext(ctx, c.Shell, "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.Stdout = tc.Output()
	cmd.Stderr = tc.Output()
	cmd.WaitDelay = c.WaitDelay
	cmd.Env = telemetry.InstrumentEnvironment(ctx, c.environ(tc))

	tc.Logger().Debug("Running command", "command", c.Command, "dir", cmd.Dir)
	err := cmd.Run()
	if ctx.Err() != nil {
		return types.Outcome{}, context.Cause(ctx)
	}
	if err == nil {
		return types.Outcome{Status: types.TestStatusPass}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if c.SkipExitCode != 0 && code == c.SkipExitCode {
			return types.Outcome{Status: types.TestStatusSkip, Message: fmt.Sprintf("command exited with skip code %d", code)}, nil
		}
		return types.Outcome{}, types.Fail(fmt.Sprintf("command exited with code %d", code))
	}
	return types.Outcome{}, fmt.Errorf("failed to run command: %w", err)
}

func (c *CommandInvoker) environ(tc types.TestContext) []string {
	env := append(os.Environ(),
		EnvNodeID+"="+tc.NodeID(),
		EnvSeed+"="+strconv.FormatInt(tc.Seed(), 10),
	)
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// OutcomeInvoker reports a scripted outcome after an optional sleep. The
// sleep honors cancellation.
type OutcomeInvoker struct {
	Status  types.TestStatus
	Message string
	Sleep   time.Duration
}

var _ types.Invoker = (*OutcomeInvoker)(nil)

func (o *OutcomeInvoker) Invoke(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
	if o.Sleep > 0 {
		timer := time.NewTimer(o.Sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return types.Outcome{}, context.Cause(ctx)
		case <-timer.C:
		}
	}
	if o.Message != "" {
		fmt.Fprintln(tc.Output(), o.Message)
	}
	status := o.Status
	if status == "" {
		status = types.TestStatusPass
	}
	return types.Outcome{Status: status, Message: o.Message}, nil
}

// newInvoker binds a step definition to an invoker. baseDir resolves
// relative working directories.
func (r *Registry) newInvoker(step StepDefinition, baseDir string) (types.Invoker, error) {
	if step.Command != "" && step.Outcome != "" {
		return nil, fmt.Errorf("command and outcome are mutually exclusive")
	}
	if step.Command != "" {
		dir := step.Dir
		if dir == "" {
			dir = r.config.WorkDir
		}
		if dir != "" && !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		return &CommandInvoker{
			Shell:        r.config.Shell,
			Command:      step.Command,
			Dir:          dir,
			Env:          step.Env,
			SkipExitCode: r.config.SkipExitCode,
			WaitDelay:    r.config.WaitDelay,
		}, nil
	}

	status := types.TestStatusPass
	if step.Outcome != "" {
		status = types.TestStatus(step.Outcome)
		if !status.IsValid() {
			return nil, fmt.Errorf("unknown outcome %q", step.Outcome)
		}
	}
	return &OutcomeInvoker{Status: status, Message: step.Message, Sleep: step.Sleep}, nil
}
