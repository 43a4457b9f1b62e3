package history

import "codeberg.org/mutker/healthwatch/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("history_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("history_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("history_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("history_schema_migration_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("history_storage_access_failed")
	ErrStorageInit   = errors.ErrInitHistory
	ErrStorageClose  = errors.ErrCloseHistory

	// Recording Errors
	ErrRecord       = errors.ErrRecordHistory
	ErrInvalidEvent = errors.ErrorCode("history_invalid_event")

	ErrOperationTimeout = errors.ErrTimeout
)
