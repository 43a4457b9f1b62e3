package process

import (
	"context"
	"sort"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

const DefaultSampleInterval = 500 * time.Millisecond

type Ranking int

const (
	ByCPU Ranking = iota
	ByMemory
)

func (r Ranking) String() string {
	if r == ByMemory {
		return "memory"
	}

	return "cpu"
}

func ParseRanking(s string) (Ranking, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return ByCPU, nil
	case "memory", "mem":
		return ByMemory, nil
	default:
		return ByCPU, errors.New().WithMessage(errors.ErrInvalidConfig, "unknown process ranking "+s)
	}
}

// Info is one process as seen by a scan.
type Info struct {
	PID        int32
	PPID       int32
	Name       string
	User       string
	Cmdline    string
	CPUPercent float64
	MemPercent float32
	RSS        uint64
}

// Table lists, signals and probes processes.
type Table interface {
	// Top returns up to n processes ordered by the ranking, highest first.
	Top(ctx context.Context, by Ranking, n int) ([]Info, error)
	Signal(pid int32, sig syscall.Signal) error
	Alive(ctx context.Context, pid int32) bool
}

// System is the live process table. CPU usage is measured over
// SampleInterval between two scans, not averaged over process lifetime.
type System struct {
	SampleInterval time.Duration
}

func NewSystem() *System {
	return &System{SampleInterval: DefaultSampleInterval}
}

type sample struct {
	proc    *process.Process
	cpuTime float64
}

func (s *System) Top(ctx context.Context, by Ranking, n int) ([]Info, error) {
	errFactory := errors.New()

	first, err := scan(ctx)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrProcessScanFailed, err)
	}

	var (
		infos   []Info
		elapsed float64
	)
	if by == ByCPU {
		start := time.Now()
		timer := time.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errFactory.Wrap(errors.ErrTimeout, ctx.Err())
		case <-timer.C:
		}
		second, err := scan(ctx)
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrProcessScanFailed, err)
		}
		elapsed = time.Since(start).Seconds()
		for pid, cur := range second {
			prev, ok := first[pid]
			if !ok {
				continue
			}
			info := describe(ctx, cur.proc)
			if elapsed > 0 {
				info.CPUPercent = (cur.cpuTime - prev.cpuTime) / elapsed * 100
			}
			infos = append(infos, info)
		}
	} else {
		for _, cur := range first {
			infos = append(infos, describe(ctx, cur.proc))
		}
	}

	Rank(infos, by)
	if n > 0 && len(infos) > n {
		infos = infos[:n]
	}

	return infos, nil
}

func (s *System) interval() time.Duration {
	if s.SampleInterval <= 0 {
		return DefaultSampleInterval
	}

	return s.SampleInterval
}

func (s *System) Signal(pid int32, sig syscall.Signal) error {
	if err := unix.Kill(int(pid), sig); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errors.New().WithData(errors.ErrProcessSignalFailed, signalFailure{PID: pid, Signal: sig.String(), Error: err.Error()})
	}

	return nil
}

// Alive reports whether pid still exists and is not a zombie. A process we
// lack permission to signal still counts as alive.
func (s *System) Alive(ctx context.Context, pid int32) bool {
	if err := unix.Kill(int(pid), 0); err != nil && err != unix.EPERM {
		return false
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, st := range status {
		if st == process.Zombie {
			return false
		}
	}

	return true
}

type signalFailure struct {
	PID    int32
	Signal string
	Error  string
}

// Rank sorts infos in place, highest usage first, ties broken by PID.
func Rank(infos []Info, by Ranking) {
	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if by == ByMemory {
			if a.MemPercent != b.MemPercent {
				return a.MemPercent > b.MemPercent
			}
		} else if a.CPUPercent != b.CPUPercent {
			return a.CPUPercent > b.CPUPercent
		}

		return a.PID < b.PID
	})
}

func scan(ctx context.Context) (map[int32]sample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[int32]sample, len(procs))
	for _, p := range procs {
		times, err := p.TimesWithContext(ctx)
		if err != nil {
			continue
		}
		out[p.Pid] = sample{proc: p, cpuTime: times.User + times.System}
	}

	return out, nil
}

// describe fills what it can; processes exit between calls, so every field
// is optional.
func describe(ctx context.Context, p *process.Process) Info {
	info := Info{PID: p.Pid}
	info.PPID, _ = p.PpidWithContext(ctx)
	info.Name, _ = p.NameWithContext(ctx)
	info.User, _ = p.UsernameWithContext(ctx)
	info.Cmdline, _ = p.CmdlineWithContext(ctx)
	info.MemPercent, _ = p.MemoryPercentWithContext(ctx)
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		info.RSS = mi.RSS
	}

	return info
}
