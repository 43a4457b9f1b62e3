package state

import "codeberg.org/mutker/healthwatch/internal/errors"

const (
	ErrLockTimeout  = errors.ErrStateLockTimeout
	ErrCorrupt      = errors.ErrStateCorrupt
	ErrAccess       = errors.ErrStateAccess
	ErrInvalidName  = errors.ErrorCode("state_invalid_name")
	ErrUpdateFailed = errors.ErrorCode("state_update_failed")
	ErrReadOnly     = errors.ErrorCode("state_read_only")
)
