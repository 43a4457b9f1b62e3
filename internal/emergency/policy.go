package emergency

import (
	"os"
	"path"
	"strings"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/process"
)

const kthreaddPID = 2

// DefaultProtectedPatterns covers init, session and display infrastructure.
var DefaultProtectedPatterns = []string{
	"systemd", "systemd-*", "init", "kthreadd", "dbus-daemon", "dbus-broker*",
	"sshd", "login", "agetty", "Xorg", "Xwayland", "gdm*", "sddm*", "lightdm*",
	"gnome-shell", "kwin_*", "plasmashell", "pipewire*", "wireplumber", "NetworkManager",
	"healthwatch",
}

// Policy decides which processes must never be terminated.
type Policy struct {
	Patterns []string `mapstructure:"patterns"`
	// PIDCeiling protects every PID at or below it; zero disables the rule.
	PIDCeiling int32 `mapstructure:"pid_ceiling"`
	// KernelThreads protects kthreadd and its children.
	KernelThreads bool `mapstructure:"kernel_threads"`

	self   int32
	parent int32
}

func DefaultPolicy() Policy {
	return Policy{
		Patterns:      append([]string(nil), DefaultProtectedPatterns...),
		KernelThreads: true,
	}
}

// WithSelf returns a copy that also protects the given PIDs, normally the
// monitor and its parent.
func (p Policy) WithSelf(self, parent int32) Policy {
	p.self, p.parent = self, parent
	return p
}

func (p Policy) withCurrentProcess() Policy {
	if p.self == 0 {
		p.self, p.parent = int32(os.Getpid()), int32(os.Getppid())
	}

	return p
}

func (p Policy) Validate() error {
	for _, pat := range p.Patterns {
		if _, err := path.Match(pat, ""); err != nil {
			return errors.New().WithData(errors.ErrInvalidConfig, invalidPattern{Pattern: pat, Error: err.Error()})
		}
	}
	if p.PIDCeiling < 0 {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "protected.pid_ceiling must not be negative")
	}

	return nil
}

type invalidPattern struct {
	Pattern string
	Error   string
}

// Protected reports whether proc must be left alone, and why.
func (p Policy) Protected(proc process.Info) (bool, string) {
	switch {
	case proc.PID <= 1:
		return true, "init"
	case p.self != 0 && proc.PID == p.self:
		return true, "self"
	case p.parent != 0 && proc.PID == p.parent:
		return true, "parent"
	case p.KernelThreads && (proc.PID == kthreaddPID || proc.PPID == kthreaddPID):
		return true, "kernel thread"
	case p.PIDCeiling > 0 && proc.PID <= p.PIDCeiling:
		return true, "pid ceiling"
	}

	name := proc.Name
	if name == "" {
		// Unknown processes cannot be matched against patterns; leave them.
		return true, "unknown name"
	}
	for _, pat := range p.Patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true, "pattern " + pat
		}
		if strings.EqualFold(pat, name) {
			return true, "pattern " + pat
		}
	}

	return false, ""
}
