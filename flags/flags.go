package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_DISPATCH"

var (
	Tree = &cli.StringFlag{
		Name:     "tree",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "TREE"),
		Usage:    "Path to the test tree definition (eg. 'tree.yaml')",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to an optional TOML run configuration. Flags set on the command line take precedence.",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Number of execution slots (0 = number of CPUs)",
	}
	Timeout = &cli.DurationFlag{
		Name:    "timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TIMEOUT"),
		Usage:   "Timeout for a whole run (0 = none)",
	}
	DefaultTimeout = &cli.DurationFlag{
		Name:    "default-timeout",
		Value:   5 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULT_TIMEOUT"),
		Usage:   "Timeout applied to tests that do not declare their own (0 = none)",
	}
	GracePeriod = &cli.DurationFlag{
		Name:    "grace-period",
		Value:   10 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GRACE_PERIOD"),
		Usage:   "How long a cancelled test may keep running before it is abandoned",
	}
	Repeat = &cli.IntFlag{
		Name:    "repeat",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REPEAT"),
		Usage:   "Number of times to run the tree; more than one reports flaky tests",
	}
	FailFast = &cli.BoolFlag{
		Name:    "fail-fast",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_FAST"),
		Usage:   "Cancel the run after the first failing test",
	}
	Seed = &cli.Int64Flag{
		Name:    "seed",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SEED"),
		Usage:   "Run seed passed to tests (0 = derive from the clock)",
	}
	Filter = &cli.StringSliceFlag{
		Name:    "filter",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FILTER"),
		Usage:   "Glob patterns over test ids and names; only matching tests run",
	}
	IncludeCategories = &cli.StringSliceFlag{
		Name:    "include-categories",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INCLUDE_CATEGORIES"),
		Usage:   "Only run tests in at least one of these categories",
	}
	ExcludeCategories = &cli.StringSliceFlag{
		Name:    "exclude-categories",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXCLUDE_CATEGORIES"),
		Usage:   "Never run tests in any of these categories",
	}
	Settings = &cli.StringSliceFlag{
		Name:    "setting",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SETTING"),
		Usage:   "Ambient settings passed to every test, as key=value",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory to store per-run test logs and summaries",
	}
	ShowProgress = &cli.BoolFlag{
		Name:    "show-progress",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_PROGRESS"),
		Usage:   "Log periodic progress updates during a run",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress updates when --show-progress is enabled",
	}
	ShowTests = &cli.BoolFlag{
		Name:    "show-tests",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_TESTS"),
		Usage:   "Include individual tests in the results table, not only suites",
	}
	Shell = &cli.StringFlag{
		Name:    "shell",
		Value:   "sh",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHELL"),
		Usage:   "Shell used to run command tests",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKDIR"),
		Usage:   "Working directory for command tests (default: the tree definition's directory)",
	}
	SkipExitCode = &cli.IntFlag{
		Name:    "skip-exit-code",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SKIP_EXIT_CODE"),
		Usage:   "Exit code with which a command test reports itself skipped (0 = disabled)",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz-addr",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Address to serve /healthz on (e.g. '0.0.0.0:8080'). Empty disables the server.",
	}
)

var requiredFlags = []cli.Flag{
	Tree,
}

var optionalFlags = []cli.Flag{
	ConfigFile,
	RunInterval,
	Concurrency,
	Timeout,
	DefaultTimeout,
	GracePeriod,
	Repeat,
	FailFast,
	Seed,
	Filter,
	IncludeCategories,
	ExcludeCategories,
	Settings,
	LogDir,
	ShowProgress,
	ProgressInterval,
	ShowTests,
	Shell,
	WorkDir,
	SkipExitCode,
	HealthzAddr,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
