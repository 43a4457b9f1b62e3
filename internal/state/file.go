package state

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

const (
	defaultDirPerm     = 0o755
	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 20 * time.Millisecond
	stateSuffix        = ".state"
	lockSuffix         = ".lock"
)

// FileStore keeps one key=value file per record in a directory. Each
// read-modify-write holds an advisory lock on a sibling lock file and
// replaces the record atomically, so a process killed mid-write never
// leaves a partial file behind.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	logger      logger.Logger
	readOnly    bool
}

type Option func(*FileStore)

// WithLockTimeout bounds how long Update waits for another process.
func WithLockTimeout(d time.Duration) Option {
	return func(s *FileStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(s *FileStore) {
		s.logger = log
	}
}

// ReadOnly opens the store without creating the directory, lock files or
// records. Update and Delete fail with ErrReadOnly.
func ReadOnly() Option {
	return func(s *FileStore) {
		s.readOnly = true
	}
}

func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	errFactory := errors.New()

	if dir == "" {
		return nil, errFactory.WithMessage(errors.ErrMissingConfig, "state directory is empty")
	}

	s := &FileStore{
		dir:         dir,
		lockTimeout: defaultLockTimeout,
		logger:      logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.readOnly {
		return s, nil
	}

	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrAccess, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  dir,
			Error: err.Error(),
		})
	}

	return s, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Load(_ context.Context, name string) (Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	return s.read(name)
}

func (s *FileStore) Update(ctx context.Context, name string, fn UpdateFunc) error {
	errFactory := errors.New()

	if err := validateName(name); err != nil {
		return err
	}
	if s.readOnly {
		return errFactory.WithData(ErrReadOnly, name)
	}

	fl, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Debug().Err(err).Str("state", name).Msg("Failed to release state lock")
		}
	}()

	cur, err := s.read(name)
	if err != nil {
		return err
	}

	next, err := fn(cur.Clone())
	if err != nil {
		return errFactory.Wrap(ErrUpdateFailed, err)
	}

	if len(next) == 0 {
		if len(cur) == 0 {
			return nil
		}

		return s.remove(name)
	}

	if next.Equal(cur) {
		return nil
	}

	if err := atomic.WriteFile(s.path(name), bytes.NewReader(Encode(next))); err != nil {
		return errFactory.WithData(ErrAccess, struct {
			Phase string
			State string
			Error string
		}{
			Phase: "write",
			State: name,
			Error: err.Error(),
		})
	}

	return nil
}

func (s *FileStore) CompareAndSwap(ctx context.Context, name string, old, next Record) (bool, error) {
	return compareAndSwap(ctx, s, name, old, next)
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	return s.Update(ctx, name, func(Record) (Record, error) {
		return nil, nil
	})
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errors.New().Wrap(ErrAccess, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), stateSuffix)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+stateSuffix)
}

func (s *FileStore) lockPath(name string) string {
	return filepath.Join(s.dir, "."+name+lockSuffix)
}

func (s *FileStore) lock(ctx context.Context, name string) (*flock.Flock, error) {
	errFactory := errors.New()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fl := flock.New(s.lockPath(name))
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil && lockCtx.Err() == nil {
		return nil, errFactory.Wrap(ErrAccess, err)
	}
	if !locked {
		return nil, errFactory.WithData(ErrLockTimeout, struct {
			State   string
			Timeout string
		}{
			State:   name,
			Timeout: s.lockTimeout.String(),
		})
	}

	return fl, nil
}

func (s *FileStore) read(name string) (Record, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil
		}

		return nil, errors.New().Wrap(ErrAccess, err)
	}

	r, err := Decode(data)
	if err != nil {
		// Files are replaced atomically, so this only happens after manual
		// edits. Treat it as no prior state rather than wedging every cycle.
		s.logger.Warn().Err(err).Str("state", name).Msg("Ignoring corrupt state file")

		return Record{}, nil
	}

	return r, nil
}

func (s *FileStore) remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(ErrAccess, err)
	}

	return nil
}

func validateName(name string) error {
	if name == "" || name != Key(name) {
		return errors.New().WithData(ErrInvalidName, name)
	}

	return nil
}
