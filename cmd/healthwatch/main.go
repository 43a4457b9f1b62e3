package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"codeberg.org/mutker/healthwatch/internal/config"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfg *config.Config
	// dryRun is read from the raw arguments before cobra parses anything,
	// so no later parsing problem can turn a dry run into a real one.
	dryRun = hasDryRun(os.Args[1:])
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}

	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:           "healthwatch",
	Short:         "Self-healing host health monitor",
	Long:          `Watches thermal, memory, USB and driver signals and escalates from alerts to remediation, process termination and shutdown.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cmd.Flags())
		if err != nil {
			return err
		}

		if err := logger.Init(logger.Options{
			Level:     cfg.LogLevel,
			IsService: logger.IsService(),
			Syslog:    cfg.Syslog,
		}); err != nil {
			logger.Warn().Err(err).Msg("Syslog unavailable, logging to stderr only")
		}
		logger.Debug().Str("file", cfg.File).Bool("dry_run", dryRun).Msg("Config loaded")

		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "configuration file (default "+config.DefaultConfigDir+"/"+config.DefaultConfigName+".toml)")
	pf.String("log-level", config.DefaultLogLevel, "log level: debug, info, warning, error")
	pf.String("state-dir", config.DefaultStateDir, "directory holding grace windows and cooldowns")
	pf.Bool("syslog", true, "also log to syslog")
	pf.String("dump-dir", config.DefaultDumpDir, "directory for diagnostic dumps")
}

func main() {
	os.Exit(run())
}

func run() int {
	// Console only until the configuration says otherwise.
	_ = logger.Init(logger.Options{Level: config.DefaultLogLevel, IsService: logger.IsService()})

	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			logger.Error().Err(exit.err).Msg("healthwatch failed")
		}
		return exit.code
	}

	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg("healthwatch failed")
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}

	return 1
}

// hasDryRun accepts every spelling pflag reads as true, so the raw scan
// can never disagree with the parsed flag.
func hasDryRun(args []string) bool {
	return slices.ContainsFunc(args, func(a string) bool {
		name, value, hasValue := strings.Cut(a, "=")
		if name != "--dry-run" {
			return false
		}
		if !hasValue {
			return true
		}
		on, err := strconv.ParseBool(value)
		// A value pflag will reject still counts: the command fails, and
		// failing safe means treating it as a dry run until then.
		return err != nil || on
	})
}
