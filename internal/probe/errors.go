package probe

import (
	"codeberg.org/mutker/healthwatch/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	ErrNVMLInit       = errors.ErrorCode("probe_nvml_init_failed")
	ErrNVMLShutdown   = errors.ErrorCode("probe_nvml_shutdown_failed")
	ErrNotInitialized = errors.ErrorCode("probe_not_initialized")
	ErrDeviceCount    = errors.ErrorCode("probe_device_count_failed")
	ErrDeviceNotFound = errors.ErrorCode("probe_device_not_found")
	ErrJournalRead    = errors.ErrorCode("probe_journal_read_failed")
	ErrBadPattern     = errors.ErrorCode("probe_bad_pattern")
	ErrUnknownSignal  = errors.ErrorCode("probe_unknown_signal")
)

type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}
