package command

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
)

const (
	DefaultTimeout = 10 * time.Second
	maxOutput      = 64 << 10
)

// Runner executes external programs. Every call is bounded by ctx and by the
// runner's own timeout.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Result, error)
}

type Cmd struct {
	Name    string
	Args    []string
	Env     []string
	Stdin   string
	Timeout time.Duration
}

func (c Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Exec runs commands with os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, c Cmd) (Result, error) {
	errFactory := errors.New()

	if c.Name == "" {
		return Result{}, errFactory.WithMessage(errors.ErrInvalidArgument, "empty command")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &out, max: maxOutput}
	cmd.Stderr = cmd.Stdout
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Output:   strings.TrimSpace(out.String()),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, errFactory.WithData(errors.ErrTimeout, failure{Command: c.String(), Output: res.Output, Error: ctx.Err().Error()})
	default:
		return res, errFactory.WithData(errors.ErrOperationFailed, failure{Command: c.String(), Output: res.Output, Error: err.Error()})
	}
}

type failure struct {
	Command string
	Output  string
	Error   string
}

// limitedWriter keeps at most max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}

	return len(p), nil
}

// Func adapts a function into a Runner.
type Func func(ctx context.Context, cmd Cmd) (Result, error)

func (f Func) Run(ctx context.Context, cmd Cmd) (Result, error) {
	return f(ctx, cmd)
}
