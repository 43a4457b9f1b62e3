package probe

import (
	"context"
	"runtime"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	SignalCPUTemp     = "cpu_temp_c"
	SignalMemoryUsed  = "memory_used_pct"
	SignalSwapUsed    = "swap_used_pct"
	SignalCPUUsage    = "cpu_usage_pct"
	SignalLoad1       = "load1"
	SignalLoadPerCPU  = "load_per_cpu"
	SignalDiskUsed    = "disk_used_pct"
	maxPlausibleTempC = 150
)

// DefaultCPUSensors are hwmon driver prefixes that report CPU package or
// die temperatures.
var DefaultCPUSensors = []string{"coretemp", "k10temp", "zenpower", "cpu_thermal", "soc_thermal", "acpitz"}

type SystemConfig struct {
	CPUSensors     []string      `mapstructure:"cpu_sensors"`
	DiskPath       string        `mapstructure:"disk_path"`
	CPUSampleDelay time.Duration `mapstructure:"cpu_sample"`
}

// SystemSource reads host metrics through gopsutil.
type SystemSource struct {
	cfg    SystemConfig
	logger logger.Logger
}

func NewSystemSource(cfg SystemConfig, log logger.Logger) *SystemSource {
	if len(cfg.CPUSensors) == 0 {
		cfg.CPUSensors = DefaultCPUSensors
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.CPUSampleDelay <= 0 {
		cfg.CPUSampleDelay = 250 * time.Millisecond
	}
	if log == nil {
		log = logger.Default()
	}

	return &SystemSource{cfg: cfg, logger: log}
}

func (s *SystemSource) Signals() []string {
	return []string{SignalCPUTemp, SignalMemoryUsed, SignalSwapUsed, SignalCPUUsage, SignalLoad1, SignalLoadPerCPU, SignalDiskUsed}
}

func (s *SystemSource) GetValue(ctx context.Context, name string) (float64, bool) {
	v, err := s.read(ctx, name)
	if err != nil {
		s.logger.Debug().Err(err).Str("signal", name).Msg("Signal read failed")
		return 0, false
	}

	return v, v >= 0
}

// read returns -1 with a nil error when the host has no such sensor.
func (s *SystemSource) read(ctx context.Context, name string) (float64, error) {
	switch name {
	case SignalCPUTemp:
		temps, err := host.SensorsTemperaturesWithContext(ctx)
		if len(temps) == 0 {
			return -1, err
		}
		readings := make(map[string]float64, len(temps))
		for _, t := range temps {
			readings[t.SensorKey] = t.Temperature
		}
		return HottestSensor(readings, s.cfg.CPUSensors), nil

	case SignalMemoryUsed:
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return vm.UsedPercent, nil

	case SignalSwapUsed:
		sw, err := mem.SwapMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}
		if sw.Total == 0 {
			return 0, nil
		}
		return sw.UsedPercent, nil

	case SignalCPUUsage:
		pct, err := cpu.PercentWithContext(ctx, s.cfg.CPUSampleDelay, false)
		if err != nil || len(pct) == 0 {
			return -1, err
		}
		return pct[0], nil

	case SignalLoad1, SignalLoadPerCPU:
		avg, err := load.AvgWithContext(ctx)
		if err != nil {
			return 0, err
		}
		if name == SignalLoad1 {
			return avg.Load1, nil
		}
		return avg.Load1 / float64(runtime.NumCPU()), nil

	case SignalDiskUsed:
		u, err := disk.UsageWithContext(ctx, s.cfg.DiskPath)
		if err != nil {
			return 0, err
		}
		return u.UsedPercent, nil
	}

	return -1, nil
}

// HottestSensor returns the highest plausible reading among sensors whose
// key starts with one of prefixes, or -1 when none match.
func HottestSensor(readings map[string]float64, prefixes []string) float64 {
	best := -1.0
	for key, v := range readings {
		if v <= 0 || v > maxPlausibleTempC {
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(strings.ToLower(key), strings.ToLower(p)) {
				best = max(best, v)
				break
			}
		}
	}

	return best
}
