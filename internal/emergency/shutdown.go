package emergency

import (
	"context"
	"time"

	"codeberg.org/mutker/healthwatch/internal/command"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"golang.org/x/sys/unix"
)

const defaultMechanismTimeout = 30 * time.Second

// Mechanism is one way of powering the host off. A mechanism that returns
// nil has handed the shutdown to the OS.
type Mechanism interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// CommandMechanism runs an external shutdown command.
type CommandMechanism struct {
	Label  string
	Cmd    command.Cmd
	Runner command.Runner
}

func (m CommandMechanism) Name() string {
	if m.Label != "" {
		return m.Label
	}

	return m.Cmd.String()
}

func (m CommandMechanism) Shutdown(ctx context.Context) error {
	runner := m.Runner
	if runner == nil {
		runner = command.Exec{}
	}
	if _, err := runner.Run(ctx, m.Cmd); err != nil {
		return errors.New().Wrap(errors.ErrShutdownMechanism, err)
	}

	return nil
}

// SyscallMechanism flushes filesystems and powers off through reboot(2).
type SyscallMechanism struct{}

func (SyscallMechanism) Name() string { return "reboot(2)" }

func (SyscallMechanism) Shutdown(context.Context) error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
		return errors.New().Wrap(errors.ErrShutdownMechanism, err)
	}

	return nil
}

// DefaultMechanisms is the ordered fallback chain: preferred command,
// service manager, then the raw system call.
func DefaultMechanisms(runner command.Runner, timeout time.Duration) []Mechanism {
	if timeout <= 0 {
		timeout = defaultMechanismTimeout
	}

	return []Mechanism{
		CommandMechanism{Label: "shutdown", Runner: runner, Cmd: command.Cmd{Name: "shutdown", Args: []string{"-h", "now"}, Timeout: timeout}},
		CommandMechanism{Label: "systemctl poweroff", Runner: runner, Cmd: command.Cmd{Name: "systemctl", Args: []string{"poweroff"}, Timeout: timeout}},
		SyscallMechanism{},
	}
}
