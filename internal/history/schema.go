package history

import (
	"database/sql"
	"fmt"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
)

// SchemaVersion is stamped into PRAGMA user_version. A database carrying
// any other version is backed up and recreated on open.
const SchemaVersion = 1

const (
	createEventsSQL = `
	   CREATE TABLE events (
	       id         INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp  INTEGER NOT NULL,
	       kind       TEXT NOT NULL CHECK (kind IN ('alert', 'dispatch', 'emergency', 'dump')),
	       module     TEXT NOT NULL DEFAULT '',
	       signal     TEXT NOT NULL DEFAULT '',
	       value      REAL NOT NULL DEFAULT 0,
	       tier       TEXT NOT NULL DEFAULT '',
	       action_id  TEXT NOT NULL DEFAULT '',
	       status     TEXT NOT NULL DEFAULT '',
	       detail     TEXT NOT NULL DEFAULT ''
	   );
	   CREATE INDEX events_timestamp ON events (timestamp);`

	insertEventSQL = `
    INSERT INTO events (
        timestamp, kind, module, signal, value, tier, action_id, status, detail
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	recentEventsSQL = `
    SELECT timestamp, kind, module, signal, value, tier, action_id, status, detail
    FROM events
    ORDER BY timestamp DESC, id DESC
    LIMIT ?`

	pruneEventsSQL = `DELETE FROM events WHERE timestamp < ?`

	userTablesSQL = `
    SELECT name FROM sqlite_master
    WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
)

type schemaFailure struct {
	Phase string
	Error string
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, errors.New().WithData(ErrSchemaValidationFailed, schemaFailure{Phase: "read_version", Error: err.Error()})
	}

	return version, nil
}

func userTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(userTablesSQL)
	if err != nil {
		return nil, errors.New().WithData(ErrSchemaValidationFailed, schemaFailure{Phase: "list_tables", Error: err.Error()})
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.New().Wrap(ErrSchemaValidationFailed, err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// createSchema lays out the tables and stamps the version in one
// transaction, so a crash leaves either nothing or a complete schema.
func createSchema(db *sql.DB, log logger.Logger) error {
	err := inTx(db, log, ErrSchemaInitFailed, func(tx *sql.Tx) error {
		if _, err := tx.Exec(createEventsSQL); err != nil {
			return errors.New().WithData(ErrSchemaInitFailed, schemaFailure{Phase: "create_tables", Error: err.Error()})
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return errors.New().WithData(ErrSchemaInitFailed, schemaFailure{Phase: "stamp_version", Error: err.Error()})
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("version", SchemaVersion).Msg("History schema initialized")

	return nil
}

func inTx(db *sql.DB, log logger.Logger, code errors.ErrorCode, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.New().Wrap(code, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Debug().Err(rbErr).Msg("Failed to roll back history transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.New().Wrap(code, err)
	}

	return nil
}
