package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
)

type migrationFailure struct {
	Phase string
	Path  string
	Error string
}

// migrate brings the database to SchemaVersion. The journal is a
// convenience, not a record of truth, so an unknown layout is copied aside
// and replaced rather than converted.
func migrate(db *sql.DB, backupDir string, log logger.Logger) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if version == SchemaVersion {
		return nil
	}

	tables, err := userTables(db)
	if err != nil {
		return err
	}

	log.Debug().
		Int("version", version).
		Strs("tables", tables).
		Msg("History schema needs (re)creating")

	if len(tables) > 0 {
		if _, err := backupDatabase(db, backupDir, version, time.Now()); err != nil {
			return err
		}
		log.Warn().
			Int("found_version", version).
			Int("want_version", SchemaVersion).
			Str("backup_dir", backupDir).
			Msg("Replaced history database with incompatible schema")
	}

	err = inTx(db, log, ErrSchemaMigrationFailed, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
				return errors.New().WithData(ErrSchemaMigrationFailed, migrationFailure{Phase: "drop_" + table, Error: err.Error()})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return createSchema(db, log)
}

// backupDatabase copies the database with VACUUM INTO, which must run
// outside a transaction.
func backupDatabase(db *sql.DB, dir string, version int, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", errors.New().WithData(ErrSchemaMigrationFailed, migrationFailure{Phase: "mkdir", Path: dir, Error: err.Error()})
	}

	path := filepath.Join(dir, fmt.Sprintf("history_v%d_%s.db", version, now.UTC().Format("20060102T150405Z")))
	if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
		return "", errors.New().WithData(ErrSchemaMigrationFailed, migrationFailure{Phase: "vacuum_into", Path: path, Error: err.Error()})
	}

	return path, nil
}
