package history

import (
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
)

const (
	defaultDirPerm   = 0o755
	defaultDBPath    = "/var/lib/healthwatch/history.db"
	defaultRetention = 30 * 24 * time.Hour
)

type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	DBPath    string        `mapstructure:"db_path"`
	BackupDir string        `mapstructure:"backup_dir"`
	Retention time.Duration `mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:    defaultDBPath,
		Retention: defaultRetention,
		Enabled:   false,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if history is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.Retention < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "history retention must not be negative")
	}

	return nil
}
