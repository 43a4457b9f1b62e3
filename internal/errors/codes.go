package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"

	// Resource errors
	ErrResourceBusy      ErrorCode = "resource_busy"
	ErrResourceNotFound  ErrorCode = "resource_not_found"
	ErrResourceExhausted ErrorCode = "resource_exhausted"

	// Application errors
	ErrInitApp   ErrorCode = "init_app_failed"
	ErrMainLoop  ErrorCode = "main_loop_failed"
	ErrRunCycle  ErrorCode = "run_cycle_failed"
	ErrExitUsage ErrorCode = "usage_error"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"

	// Monitoring and remediation errors
	ErrSignalUnavailable   ErrorCode = "signal_unavailable"
	ErrAlertSuppressed     ErrorCode = "alert_suppressed"
	ErrGracePending        ErrorCode = "grace_window_pending"
	ErrCooldownActive      ErrorCode = "cooldown_active"
	ErrUnmappedAction      ErrorCode = "unmapped_action"
	ErrHandlerFailed       ErrorCode = "handler_failed"
	ErrNoEffect            ErrorCode = "handler_no_effect"
	ErrDumpCaptureFailed   ErrorCode = "dump_capture_failed"
	ErrShutdownMechanism   ErrorCode = "shutdown_mechanism_failed"
	ErrShutdownExhausted   ErrorCode = "shutdown_exhausted"
	ErrStateLockTimeout    ErrorCode = "state_lock_timeout"
	ErrStateCorrupt        ErrorCode = "state_corrupt"
	ErrStateAccess         ErrorCode = "state_access_failed"
	ErrProcessScanFailed   ErrorCode = "process_scan_failed"
	ErrProcessSignalFailed ErrorCode = "process_signal_failed"

	// History errors
	ErrInitHistory   ErrorCode = "init_history_failed"
	ErrRecordHistory ErrorCode = "record_history_failed"
	ErrCloseHistory  ErrorCode = "close_history_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:            "Internal error occurred",
	ErrInvalidArgument:     "Invalid argument provided",
	ErrNotImplemented:      "Operation not implemented",
	ErrUnavailable:         "Service unavailable",
	ErrInvalidConfig:       "Invalid configuration",
	ErrMissingConfig:       "Missing configuration",
	ErrBindFlags:           "Failed to bind flags",
	ErrReadConfig:          "Failed to read configuration",
	ErrInvalidLogLevel:     "Invalid log level",
	ErrInitFailed:          "Initialization failed",
	ErrShutdownFailed:      "Shutdown failed",
	ErrAlreadyRunning:      "Another instance is already running",
	ErrResourceBusy:        "Resource is busy",
	ErrResourceNotFound:    "Resource not found",
	ErrResourceExhausted:   "Resource exhausted",
	ErrOperationFailed:     "Operation failed",
	ErrTimeout:             "Operation timed out",
	ErrInvalidOperation:    "Invalid operation",
	ErrInvalidInterval:     "Invalid interval value",
	ErrInitApp:             "Failed to initialize application",
	ErrMainLoop:            "Error in main loop",
	ErrRunCycle:            "Monitoring cycle failed",
	ErrExitUsage:           "Invalid usage",
	ErrSignalUnavailable:   "Signal unavailable",
	ErrAlertSuppressed:     "Alert suppressed by cooldown",
	ErrGracePending:        "Grace window still open",
	ErrCooldownActive:      "Action cooldown still active",
	ErrUnmappedAction:      "No action mapped for issue and severity",
	ErrHandlerFailed:       "Remediation handler failed",
	ErrNoEffect:            "Remediation had no effect",
	ErrDumpCaptureFailed:   "Diagnostic dump capture failed",
	ErrShutdownMechanism:   "Shutdown mechanism failed",
	ErrShutdownExhausted:   "All shutdown mechanisms failed, manual intervention required",
	ErrStateLockTimeout:    "Timed out waiting for state lock",
	ErrStateCorrupt:        "State file is corrupt",
	ErrStateAccess:         "Failed to access state",
	ErrProcessScanFailed:   "Failed to scan processes",
	ErrProcessSignalFailed: "Failed to signal process",
	ErrInitHistory:         "Failed to initialize history",
	ErrRecordHistory:       "Failed to record history",
	ErrCloseHistory:        "Failed to close history",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
