package monitor

import (
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/process"
)

// Spec configures one monitor: which signal it watches, its tier
// boundaries and whether it may ask for remediation.
type Spec struct {
	Name      string        `mapstructure:"name"`
	Issue     string        `mapstructure:"issue"`
	Signal    string        `mapstructure:"signal"`
	Unit      string        `mapstructure:"unit"`
	Warning   float64       `mapstructure:"warning"`
	Critical  float64       `mapstructure:"critical"`
	Emergency float64       `mapstructure:"emergency"`
	Grace     time.Duration `mapstructure:"grace"`
	Remediate bool          `mapstructure:"remediate"`
	// Rank overrides how the emergency controller picks processes.
	Rank string `mapstructure:"rank"`
}

func (s Spec) Threshold() health.Threshold {
	return health.Threshold{
		Signal:    s.Signal,
		Warning:   s.Warning,
		Critical:  s.Critical,
		Emergency: s.Emergency,
	}
}

// IssueType falls back to the monitor name.
func (s Spec) IssueType() string {
	if s.Issue != "" {
		return strings.ToLower(s.Issue)
	}

	return strings.ToLower(s.Name)
}

func (s Spec) Ranking() *process.Ranking {
	if s.Rank == "" {
		return nil
	}
	r, err := process.ParseRanking(s.Rank)
	if err != nil {
		return nil
	}

	return &r
}

func (s Spec) Validate() error {
	errFactory := errors.New()

	if s.Name == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "monitor has no name")
	}
	if err := s.Threshold().Validate(); err != nil {
		return errFactory.WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("monitor %s: %v", s.Name, err))
	}
	if s.Grace < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("monitor %s: grace must not be negative", s.Name))
	}
	if s.Rank != "" {
		if _, err := process.ParseRanking(s.Rank); err != nil {
			return errFactory.WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("monitor %s: %v", s.Name, err))
		}
	}

	return nil
}

// ValidateAll also rejects duplicate monitor names.
func ValidateAll(specs []Spec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return errors.New().WithMessage(errors.ErrInvalidConfig, "duplicate monitor "+s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

// DefaultSpecs are the monitors used when the configuration lists none.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: "thermal", Issue: "thermal", Signal: "cpu_temp_c", Unit: "C", Warning: 80, Critical: 90, Emergency: 95, Grace: 2 * time.Minute, Remediate: true},
		{Name: "gpu-thermal", Issue: "thermal", Signal: "gpu_temp_c", Unit: "C", Warning: 83, Critical: 90, Emergency: 95, Grace: 2 * time.Minute, Remediate: true},
		{Name: "memory", Issue: "memory", Signal: "memory_used_pct", Unit: "%", Warning: 85, Critical: 93, Emergency: 98, Grace: time.Minute, Remediate: true, Rank: "memory"},
		{Name: "swap", Issue: "memory", Signal: "swap_used_pct", Unit: "%", Warning: 60, Critical: 85, Emergency: 95},
		{Name: "disk", Issue: "disk", Signal: "disk_used_pct", Unit: "%", Warning: 85, Critical: 95, Emergency: 99},
		{Name: "load", Issue: "load", Signal: "load_per_cpu", Warning: 2, Critical: 4, Emergency: 8},
		{Name: "usb", Issue: "usb", Signal: "usb_resets", Warning: 3, Critical: 10, Emergency: 25, Grace: 5 * time.Minute, Remediate: true},
		{Name: "driver", Issue: "driver", Signal: "driver_errors", Warning: 1, Critical: 5, Emergency: 20, Grace: 5 * time.Minute, Remediate: true},
	}
}
