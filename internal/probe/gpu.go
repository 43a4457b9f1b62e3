package probe

import (
	"context"
	"sync"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	SignalGPUTemp  = "gpu_temp_c"
	SignalGPUPower = "gpu_power_w"
	SignalGPUFan   = "gpu_fan_pct"

	milliWattsToWatts = 1000
)

// device is the part of nvml.Device the probe reads.
type device interface {
	GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetFanSpeed() (uint32, nvml.Return)
}

// library abstracts NVML for testing.
type library interface {
	Init() error
	Shutdown() error
	Devices() ([]device, error)
}

type nvmlLibrary struct{}

func (nvmlLibrary) Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return errors.New().Wrap(ErrNVMLInit, newNVMLError(ret))
	}

	return nil
}

func (nvmlLibrary) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errors.New().Wrap(ErrNVMLShutdown, newNVMLError(ret))
	}

	return nil
}

func (nvmlLibrary) Devices() ([]device, error) {
	errFactory := errors.New()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errFactory.Wrap(ErrDeviceCount, newNVMLError(ret))
	}

	out := make([]device, 0, count)
	for i := 0; i < count; i++ {
		d, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
		}
		out = append(out, d)
	}

	return out, nil
}

// GPUSource reads NVIDIA GPU sensors. Every value is the maximum across
// devices. NVML is loaded lazily; a host without it simply reports the GPU
// signals as unavailable.
type GPUSource struct {
	lib     library
	logger  logger.Logger
	mu      sync.Mutex
	devices []device
	initErr error
	ready   bool
}

func NewGPUSource(log logger.Logger) *GPUSource {
	return newGPUSource(nvmlLibrary{}, log)
}

func newGPUSource(lib library, log logger.Logger) *GPUSource {
	if log == nil {
		log = logger.Default()
	}

	return &GPUSource{lib: lib, logger: log}
}

func (s *GPUSource) Signals() []string {
	return []string{SignalGPUTemp, SignalGPUPower, SignalGPUFan}
}

func (s *GPUSource) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready || s.initErr != nil {
		return s.initErr
	}
	if err := s.lib.Init(); err != nil {
		s.initErr = err
		s.logger.Debug().Err(err).Msg("NVML unavailable, GPU signals disabled")
		return err
	}
	devices, err := s.lib.Devices()
	if err != nil {
		s.initErr = err
		_ = s.lib.Shutdown()
		return err
	}
	s.devices = devices
	s.ready = true
	s.logger.Debug().Int("devices", len(devices)).Msg("NVML initialized")

	return nil
}

func (s *GPUSource) GetValue(_ context.Context, name string) (float64, bool) {
	if err := s.init(); err != nil {
		return 0, false
	}

	var (
		best  float64
		found bool
	)
	for _, d := range s.devices {
		var (
			v   uint32
			ret nvml.Return
		)
		switch name {
		case SignalGPUTemp:
			v, ret = d.GetTemperature(nvml.TEMPERATURE_GPU)
		case SignalGPUPower:
			v, ret = d.GetPowerUsage()
			v /= milliWattsToWatts
		case SignalGPUFan:
			v, ret = d.GetFanSpeed()
		default:
			return 0, false
		}
		if ret != nvml.SUCCESS {
			s.logger.Debug().Str("signal", name).Str("error", nvml.ErrorString(ret)).Msg("GPU read failed")
			continue
		}
		if !found || float64(v) > best {
			best, found = float64(v), true
		}
	}

	return best, found
}

// Close releases NVML if it was loaded.
func (s *GPUSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil
	}
	s.ready = false

	return s.lib.Shutdown()
}
