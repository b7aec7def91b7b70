package dispatch

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-dispatch/flags"
	"github.com/ethereum-optimism/infra/op-dispatch/service"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	TreeFile          string
	Patterns          []string          // Glob patterns selecting tests
	IncludeCategories []string          // Only tests in one of these categories run
	ExcludeCategories []string          // Tests in any of these categories never run
	Settings          map[string]string // Ambient settings at the root of the tree
	Concurrency       int               // Number of execution slots (0 = runtime.NumCPU())
	Timeout           time.Duration     // Timeout for a whole run
	DefaultTimeout    time.Duration     // Timeout for tests that declare none
	GracePeriod       time.Duration     // How long a cancelled test may keep running
	Repeat            int
	FailFast          bool
	Seed              int64
	RunInterval       time.Duration // Interval between runs
	RunOnce           bool          // Exit after one run
	LogDir            string
	ShowProgress      bool
	ProgressInterval  time.Duration
	ShowTests         bool // Include tests in the results table
	Shell             string
	WorkDir           string
	SkipExitCode      int
	Service           service.Config
	MetricsConfig     opmetrics.CLIConfig
	Log               log.Logger
}

// NewConfig creates a new Config from cli context. Values from the file
// named by --config fill in every flag that was not set explicitly.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	settings, err := parseSettings(ctx.StringSlice(flags.Settings.Name))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TreeFile:          ctx.String(flags.Tree.Name),
		Patterns:          ctx.StringSlice(flags.Filter.Name),
		IncludeCategories: ctx.StringSlice(flags.IncludeCategories.Name),
		ExcludeCategories: ctx.StringSlice(flags.ExcludeCategories.Name),
		Settings:          settings,
		Concurrency:       ctx.Int(flags.Concurrency.Name),
		Timeout:           ctx.Duration(flags.Timeout.Name),
		DefaultTimeout:    ctx.Duration(flags.DefaultTimeout.Name),
		GracePeriod:       ctx.Duration(flags.GracePeriod.Name),
		Repeat:            ctx.Int(flags.Repeat.Name),
		FailFast:          ctx.Bool(flags.FailFast.Name),
		Seed:              ctx.Int64(flags.Seed.Name),
		RunInterval:       ctx.Duration(flags.RunInterval.Name),
		LogDir:            ctx.String(flags.LogDir.Name),
		ShowProgress:      ctx.Bool(flags.ShowProgress.Name),
		ProgressInterval:  ctx.Duration(flags.ProgressInterval.Name),
		ShowTests:         ctx.Bool(flags.ShowTests.Name),
		Shell:             ctx.String(flags.Shell.Name),
		WorkDir:           ctx.String(flags.WorkDir.Name),
		SkipExitCode:      ctx.Int(flags.SkipExitCode.Name),
		Service: service.Config{
			HealthzAddr: ctx.String(flags.HealthzAddr.Name),
		},
		MetricsConfig: opmetrics.ReadCLIConfig(ctx),
		Log:           log,
	}

	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		file, err := LoadFileConfig(path)
		if err != nil {
			return nil, err
		}
		cfg.Merge(file, ctx.IsSet)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finalize resolves paths and derived values, then validates the result
func (c *Config) finalize() error {
	if c.TreeFile == "" {
		return errors.New("tree definition file is required")
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}

	var err error
	if c.TreeFile, err = filepath.Abs(c.TreeFile); err != nil {
		return fmt.Errorf("failed to resolve absolute path for tree definition '%s': %w", c.TreeFile, err)
	}
	if c.LogDir, err = filepath.Abs(c.LogDir); err != nil {
		return fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", c.LogDir, err)
	}
	if c.WorkDir != "" {
		if c.WorkDir, err = filepath.Abs(c.WorkDir); err != nil {
			return fmt.Errorf("failed to resolve absolute path for working directory '%s': %w", c.WorkDir, err)
		}
	}

	c.RunOnce = c.RunInterval == 0
	if c.MetricsConfig.Enabled {
		c.Service.StatusAddr = net.JoinHostPort(c.MetricsConfig.ListenAddr, strconv.Itoa(c.MetricsConfig.ListenPort))
	}
	return c.Check()
}

// Check validates the configuration
func (c *Config) Check() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.Repeat < 1 {
		return fmt.Errorf("repeat must be at least 1, got %d", c.Repeat)
	}
	if c.RunInterval < 0 {
		return fmt.Errorf("run interval must not be negative, got %s", c.RunInterval)
	}
	if c.Timeout < 0 || c.DefaultTimeout < 0 || c.GracePeriod < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.ShowProgress && c.ProgressInterval <= 0 {
		return errors.New("progress interval must be positive when progress is shown")
	}
	if c.SkipExitCode < 0 || c.SkipExitCode > 255 {
		return fmt.Errorf("skip exit code must be between 0 and 255, got %d", c.SkipExitCode)
	}
	if err := c.MetricsConfig.Check(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	return nil
}

// parseSettings turns key=value pairs into a map
func parseSettings(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	settings := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q, expected key=value", pair)
		}
		settings[key] = value
	}
	return settings, nil
}

// FileConfig is the TOML run configuration. Only the keys present in the
// file are applied.
type FileConfig struct {
	Filter            []string          `toml:"filter"`
	IncludeCategories []string          `toml:"include_categories"`
	ExcludeCategories []string          `toml:"exclude_categories"`
	Settings          map[string]string `toml:"settings"`
	Concurrency       int               `toml:"concurrency"`
	Timeout           TOMLDuration      `toml:"timeout"`
	DefaultTimeout    TOMLDuration      `toml:"default_timeout"`
	GracePeriod       TOMLDuration      `toml:"grace_period"`
	Repeat            int               `toml:"repeat"`
	FailFast          bool              `toml:"fail_fast"`
	Seed              int64             `toml:"seed"`
	RunInterval       TOMLDuration      `toml:"run_interval"`
	LogDir            string            `toml:"logdir"`
	ShowProgress      bool              `toml:"show_progress"`
	ProgressInterval  TOMLDuration      `toml:"progress_interval"`
	ShowTests         bool              `toml:"show_tests"`
	Shell             string            `toml:"shell"`
	WorkDir           string            `toml:"workdir"`
	SkipExitCode      int               `toml:"skip_exit_code"`
	HealthzAddr       string            `toml:"healthz_addr"`

	meta toml.MetaData
}

type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*t = TOMLDuration(d)
	return nil
}

// LoadFileConfig decodes a TOML run configuration. Unknown keys are rejected.
func LoadFileConfig(path string) (*FileConfig, error) {
	file := new(FileConfig)
	meta, err := toml.DecodeFile(path, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys in config file '%s': %s", path, strings.Join(keys, ", "))
	}
	file.meta = meta
	return file, nil
}

func (f *FileConfig) defined(key string) bool {
	return f.meta.IsDefined(key)
}

// Merge applies the file's values to every setting whose flag was not set
// explicitly. Settings maps are merged key by key with flag values winning.
func (c *Config) Merge(file *FileConfig, flagSet func(name string) bool) {
	if file == nil {
		return
	}
	apply := func(flag cli.Flag, key string, set func()) {
		if file.defined(key) && !flagSet(flag.Names()[0]) {
			set()
		}
	}

	apply(flags.Filter, "filter", func() { c.Patterns = file.Filter })
	apply(flags.IncludeCategories, "include_categories", func() { c.IncludeCategories = file.IncludeCategories })
	apply(flags.ExcludeCategories, "exclude_categories", func() { c.ExcludeCategories = file.ExcludeCategories })
	apply(flags.Concurrency, "concurrency", func() { c.Concurrency = file.Concurrency })
	apply(flags.Timeout, "timeout", func() { c.Timeout = time.Duration(file.Timeout) })
	apply(flags.DefaultTimeout, "default_timeout", func() { c.DefaultTimeout = time.Duration(file.DefaultTimeout) })
	apply(flags.GracePeriod, "grace_period", func() { c.GracePeriod = time.Duration(file.GracePeriod) })
	apply(flags.Repeat, "repeat", func() { c.Repeat = file.Repeat })
	apply(flags.FailFast, "fail_fast", func() { c.FailFast = file.FailFast })
	apply(flags.Seed, "seed", func() { c.Seed = file.Seed })
	apply(flags.RunInterval, "run_interval", func() { c.RunInterval = time.Duration(file.RunInterval) })
	apply(flags.LogDir, "logdir", func() { c.LogDir = file.LogDir })
	apply(flags.ShowProgress, "show_progress", func() { c.ShowProgress = file.ShowProgress })
	apply(flags.ProgressInterval, "progress_interval", func() { c.ProgressInterval = time.Duration(file.ProgressInterval) })
	apply(flags.ShowTests, "show_tests", func() { c.ShowTests = file.ShowTests })
	apply(flags.Shell, "shell", func() { c.Shell = file.Shell })
	apply(flags.WorkDir, "workdir", func() { c.WorkDir = file.WorkDir })
	apply(flags.SkipExitCode, "skip_exit_code", func() { c.SkipExitCode = file.SkipExitCode })
	apply(flags.HealthzAddr, "healthz_addr", func() { c.Service.HealthzAddr = file.HealthzAddr })

	if len(file.Settings) > 0 {
		merged := maps.Clone(file.Settings)
		maps.Copy(merged, c.Settings)
		c.Settings = merged
	}
}
