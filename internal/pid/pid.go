package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

const FileName = "healthwatch.pid"

// File guards a long-running watch loop against a second instance.
type File struct {
	path string
}

func New(dir string) *File {
	return &File{path: filepath.Join(dir, FileName)}
}

func (f *File) Path() string {
	return f.path
}

// Write records the current process ID. It fails with ErrAlreadyRunning
// while the recorded process is still alive; a stale file is replaced.
func (f *File) Write() error {
	errFactory := errors.New()

	if owner, ok := f.owner(); ok && owner != os.Getpid() && alive(owner) {
		return errFactory.WithData(errors.ErrAlreadyRunning, struct {
			Path string
			PID  int
		}{Path: f.path, PID: owner})
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := atomic.WriteFile(f.path, strings.NewReader(strconv.Itoa(os.Getpid()))); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file if it still belongs to this process.
func (f *File) Remove() error {
	if owner, ok := f.owner(); !ok || owner != os.Getpid() {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func (f *File) owner() (int, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	return pid, true
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)

	return err == nil || err == unix.EPERM
}
