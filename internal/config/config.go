package config

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/autofix"
	"codeberg.org/mutker/healthwatch/internal/dump"
	"codeberg.org/mutker/healthwatch/internal/emergency"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/evaluator"
	"codeberg.org/mutker/healthwatch/internal/history"
	"codeberg.org/mutker/healthwatch/internal/metrics"
	"codeberg.org/mutker/healthwatch/internal/monitor"
	"codeberg.org/mutker/healthwatch/internal/notify"
	"codeberg.org/mutker/healthwatch/internal/probe"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "HEALTHWATCH"
	DefaultConfigDir  = "/etc/healthwatch"
	DefaultConfigName = "healthwatch"
	DefaultEnvFile    = "/etc/default/healthwatch"
	DefaultStateDir   = "/var/lib/healthwatch/state"
	DefaultDumpDir    = "/var/log/healthwatch"
	DefaultLogLevel   = "info"
	DefaultInterval   = time.Minute
	DefaultGraceTTL   = time.Hour
	DefaultLockWait   = 5 * time.Second
)

type Config struct {
	StateDir    string        `mapstructure:"state_dir"`
	LogLevel    string        `mapstructure:"log_level"`
	Syslog      bool          `mapstructure:"syslog"`
	Interval    time.Duration `mapstructure:"interval"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// GraceTTL is how long an unexpired grace window may sit untouched.
	GraceTTL time.Duration `mapstructure:"grace_ttl"`

	Alerts    evaluator.Cooldowns `mapstructure:"alerts"`
	Monitors  []monitor.Spec      `mapstructure:"monitors"`
	Actions   []autofix.Action    `mapstructure:"actions"`
	Protected emergency.Policy    `mapstructure:"protected"`
	Emergency emergency.Config    `mapstructure:"emergency"`
	Dump      dump.Config         `mapstructure:"dump"`
	Notify    notify.Config       `mapstructure:"notify"`
	History   history.Config      `mapstructure:"history"`
	Metrics   metrics.Config      `mapstructure:"metrics"`
	Probes    Probes              `mapstructure:"probes"`

	// File is the configuration file that was read, if any.
	File string `mapstructure:"-"`
}

type Probes struct {
	GPU     bool                `mapstructure:"gpu"`
	System  probe.SystemConfig  `mapstructure:"system"`
	Journal probe.JournalConfig `mapstructure:"journal"`
}

// Default returns the configuration used for every key no source sets.
func Default() *Config {
	return &Config{
		StateDir:    DefaultStateDir,
		LogLevel:    DefaultLogLevel,
		Syslog:      true,
		Interval:    DefaultInterval,
		LockTimeout: DefaultLockWait,
		GraceTTL:    DefaultGraceTTL,
		Alerts:      evaluator.DefaultCooldowns(),
		Protected:   emergency.DefaultPolicy(),
		Emergency:   emergency.DefaultConfig(),
		Dump: dump.Config{
			Dir:            DefaultDumpDir,
			Keep:           dump.DefaultKeep,
			TopN:           10,
			SectionTimeout: dump.DefaultSectionTimeout,
			LogLines:       50,
		},
		Notify:  notify.DefaultConfig(),
		History: history.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
		Probes:  Probes{GPU: true},
	}
}

// flagKeys binds command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level": "log_level",
	"state-dir": "state_dir",
	"syslog":    "syslog",
	"interval":  "interval",
	"dump-dir":  "dump.dir",
}

// Load reads, in increasing precedence: built-in defaults, the TOML file,
// the dotenv file, the environment and the command line flags.
func Load(flags *pflag.FlagSet, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if err := loadEnvFile(o); err != nil {
		return nil, err
	}

	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := o.configPath
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(DefaultConfigDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errFactory.WithData(errors.ErrReadConfig, struct {
				Path  string
				Error string
			}{Path: path, Error: err.Error()})
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errFactory.Wrap(errors.ErrBindFlags, err)
				}
			}
		}
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ZeroFields = true
	}); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.File = v.ConfigFileUsed()

	if len(cfg.Monitors) == 0 {
		cfg.Monitors = monitor.DefaultSpecs()
	}
	if len(cfg.Actions) == 0 {
		cfg.Actions = autofix.DefaultActions()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadEnvFile(o options) error {
	path := o.envFile
	explicit := path != ""
	if !explicit {
		path = os.Getenv(o.envPrefix + "_ENV_FILE")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultEnvFile
	}

	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}

	return errors.New().WithData(errors.ErrReadConfig, struct {
		Path  string
		Error string
	}{Path: path, Error: err.Error()})
}

// setDefaults registers every scalar key, so the environment can
// override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"state_dir":    cfg.StateDir,
		"log_level":    cfg.LogLevel,
		"syslog":       cfg.Syslog,
		"interval":     cfg.Interval,
		"lock_timeout": cfg.LockTimeout,
		"grace_ttl":    cfg.GraceTTL,

		"alerts.warning":   cfg.Alerts.Warning,
		"alerts.critical":  cfg.Alerts.Critical,
		"alerts.emergency": cfg.Alerts.Emergency,

		"protected.patterns":       cfg.Protected.Patterns,
		"protected.pid_ceiling":    cfg.Protected.PIDCeiling,
		"protected.kernel_threads": cfg.Protected.KernelThreads,

		"emergency.top_n":             cfg.Emergency.TopN,
		"emergency.rank":              cfg.Emergency.Rank,
		"emergency.kill_wait":         cfg.Emergency.KillWait,
		"emergency.poll_interval":     cfg.Emergency.PollInterval,
		"emergency.settle":            cfg.Emergency.Settle,
		"emergency.shutdown_delay":    cfg.Emergency.ShutdownDelay,
		"emergency.mechanism_timeout": cfg.Emergency.MechanismTimeout,
		"emergency.dump_timeout":      cfg.Emergency.DumpTimeout,

		"dump.dir":             cfg.Dump.Dir,
		"dump.keep":            cfg.Dump.Keep,
		"dump.top_n":           cfg.Dump.TopN,
		"dump.section_timeout": cfg.Dump.SectionTimeout,
		"dump.log_lines":       cfg.Dump.LogLines,

		"notify.desktop":         cfg.Notify.Desktop,
		"notify.desktop_command": cfg.Notify.DesktopCommand,
		"notify.desktop_burst":   cfg.Notify.DesktopBurst,
		"notify.desktop_every":   cfg.Notify.DesktopEvery,
		"notify.wall_command":    cfg.Notify.WallCommand,
		"notify.timeout":         cfg.Notify.Timeout,

		"history.enabled":    cfg.History.Enabled,
		"history.db_path":    cfg.History.DBPath,
		"history.backup_dir": cfg.History.BackupDir,
		"history.retention":  cfg.History.Retention,

		"metrics.enabled": cfg.Metrics.Enabled,
		"metrics.path":    cfg.Metrics.Path,

		"probes.gpu":               cfg.Probes.GPU,
		"probes.system.disk_path":  "/",
		"probes.system.cpu_sample": 250 * time.Millisecond,
		"probes.journal.lookback":  10 * time.Minute,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() && !strings.EqualFold(c.LogLevel, "warn") {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.StateDir == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "state_dir is empty")
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval.String())
	}
	if c.LockTimeout <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "lock_timeout must be positive")
	}
	if c.GraceTTL < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "grace_ttl must not be negative")
	}
	if c.Dump.Dir == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "dump.dir is empty")
	}
	if c.Dump.Keep < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "dump.keep must not be negative")
	}

	validators := []func() error{
		c.Alerts.Validate,
		func() error { return monitor.ValidateAll(c.Monitors) },
		func() error { _, err := autofix.NewTable(c.Actions); return err },
		c.Protected.Validate,
		c.Emergency.Validate,
		c.History.Validate,
		c.Metrics.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}
