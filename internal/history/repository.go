package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const defaultRecent = 20

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
	mu     sync.Mutex
}

func newRepository(cfg Config, log logger.Logger) (*repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// Several short-lived invocations may write at once.
	dsn := cfg.DBPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}
	if err := migrate(db, backupDir, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	repo := &repository{db: db, logger: log, cfg: cfg}
	if cfg.Retention > 0 {
		if err := repo.prune(context.Background(), time.Now().Add(-cfg.Retention)); err != nil {
			log.Warn().Err(err).Msg("Failed to prune history")
		}
	}

	return repo, nil
}

func (r *repository) insert(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, insertEventSQL,
		ev.Time.UnixNano(),
		string(ev.Kind),
		ev.Module,
		ev.Signal,
		ev.Value,
		ev.Tier,
		ev.ActionID,
		ev.Status,
		ev.Detail,
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// recent returns up to limit events, newest first.
func (r *repository) recent(ctx context.Context, limit int) ([]Event, error) {
	errFactory := errors.New()
	if limit <= 0 {
		limit = defaultRecent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, recentEventsSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			ts   int64
			kind string
		)
		if err := rows.Scan(&ts, &kind, &ev.Module, &ev.Signal, &ev.Value, &ev.Tier, &ev.ActionID, &ev.Status, &ev.Detail); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		ev.Time = time.Unix(0, ts)
		ev.Kind = Kind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) prune(ctx context.Context, before time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, pruneEventsSQL, before.UnixNano())
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.Debug().Int64("events", n).Msg("Pruned history")
	}

	return nil
}

func (r *repository) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to checkpoint history WAL")
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	return nil
}
