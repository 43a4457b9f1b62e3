package dump

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"codeberg.org/mutker/healthwatch/internal/command"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/process"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

const (
	defaultTopN     = 10
	defaultLogLines = 50
)

// DefaultSections is the fixed set of snapshots taken for every dump.
func DefaultSections(cfg Config, procs process.Table, runner command.Runner) []Section {
	topN := cfg.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	lines := cfg.LogLines
	if lines <= 0 {
		lines = defaultLogLines
	}

	return []Section{
		{Name: "temperatures", Collect: temperatures},
		{Name: "top cpu processes", Collect: topProcesses(procs, process.ByCPU, topN)},
		{Name: "top memory processes", Collect: topProcesses(procs, process.ByMemory, topN)},
		{Name: "kernel errors", Collect: kernelErrors(runner, lines)},
		{Name: "service errors", Collect: serviceErrors(runner, lines)},
		{Name: "memory and disk", Collect: memoryAndDisk},
		{Name: "load", Collect: loadAverage},
		{Name: "network", Collect: network},
	}
}

func temperatures(ctx context.Context) (string, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err == nil {
			err = errors.New().WithMessage(errors.ErrResourceNotFound, "no sensors reported")
		}
		return "", err
	}
	sort.Slice(temps, func(i, j int) bool { return temps[i].SensorKey < temps[j].SensorKey })

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SENSOR\tTEMP\tHIGH\tCRIT")
	for _, t := range temps {
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.1f\n", t.SensorKey, t.Temperature, t.High, t.Critical)
	}
	tw.Flush()

	return b.String(), nil
}

func topProcesses(procs process.Table, by process.Ranking, n int) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		infos, err := procs.Top(ctx, by, n)
		if err != nil {
			return "", err
		}

		return FormatProcesses(infos), nil
	}
}

// FormatProcesses renders a process list as an aligned table.
func FormatProcesses(infos []process.Info) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tUSER\tCPU%\tMEM%\tRSS(MiB)\tCOMMAND")
	for _, p := range infos {
		cmd := p.Cmdline
		if cmd == "" {
			cmd = p.Name
		}
		if len(cmd) > 120 {
			cmd = cmd[:120]
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%.1f\t%.1f\t%d\t%s\n",
			p.PID, p.PPID, p.User, p.CPUPercent, p.MemPercent, p.RSS>>20, cmd)
	}
	tw.Flush()

	return b.String()
}

func kernelErrors(runner command.Runner, lines int) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		res, err := runner.Run(ctx, command.Cmd{
			Name: "journalctl",
			Args: []string{"-k", "-p", "err", "-n", strconv.Itoa(lines), "--no-pager", "-o", "short-iso"},
		})
		if err == nil {
			return res.Output, nil
		}

		res, dmesgErr := runner.Run(ctx, command.Cmd{
			Name: "dmesg",
			Args: []string{"--level=emerg,alert,crit,err", "--time-format=iso"},
		})
		if dmesgErr != nil {
			return "", err
		}

		return tail(res.Output, lines), nil
	}
}

func serviceErrors(runner command.Runner, lines int) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		var b strings.Builder

		failed, err := runner.Run(ctx, command.Cmd{
			Name: "systemctl",
			Args: []string{"--failed", "--no-legend", "--no-pager", "--plain"},
		})
		if err != nil {
			fmt.Fprintf(&b, "failed units: unavailable: %v\n", err)
		} else {
			if failed.Output == "" {
				failed.Output = "none"
			}
			fmt.Fprintf(&b, "failed units:\n%s\n", failed.Output)
		}

		journal, err := runner.Run(ctx, command.Cmd{
			Name: "journalctl",
			Args: []string{"-p", "err", "--since", "-1h", "-n", strconv.Itoa(lines), "--no-pager", "-o", "short-iso"},
		})
		if err != nil {
			fmt.Fprintf(&b, "\nrecent errors: unavailable: %v\n", err)
		} else {
			fmt.Fprintf(&b, "\nrecent errors:\n%s\n", journal.Output)
		}

		return b.String(), nil
	}
}

func memoryAndDisk(ctx context.Context) (string, error) {
	var b strings.Builder

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "memory: %d MiB used of %d MiB (%.1f%%), %d MiB available\n",
		vm.Used>>20, vm.Total>>20, vm.UsedPercent, vm.Available>>20)
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		fmt.Fprintf(&b, "swap: %d MiB used of %d MiB (%.1f%%)\n", sw.Used>>20, sw.Total>>20, sw.UsedPercent)
	}

	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		fmt.Fprintf(&b, "disks: unavailable: %v\n", err)
		return b.String(), nil
	}
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nMOUNT\tFSTYPE\tUSED%\tFREE(GiB)")
	for _, p := range parts {
		u, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\n", p.Mountpoint, p.Fstype, u.UsedPercent, float64(u.Free)/(1<<30))
	}
	tw.Flush()

	return b.String(), nil
}

func loadAverage(ctx context.Context) (string, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return "", err
	}
	out := fmt.Sprintf("load: %.2f %.2f %.2f\n", avg.Load1, avg.Load5, avg.Load15)
	if misc, err := load.MiscWithContext(ctx); err == nil {
		out += fmt.Sprintf("procs: %d running, %d blocked\n", misc.ProcsRunning, misc.ProcsBlocked)
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		out += fmt.Sprintf("uptime: %ds\n", up)
	}

	return out, nil
}

func network(ctx context.Context) (string, error) {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INTERFACE\tFLAGS\tADDRESSES")
	for _, i := range ifaces {
		addrs := make([]string, 0, len(i.Addrs))
		for _, a := range i.Addrs {
			addrs = append(addrs, a.Addr)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", i.Name, strings.Join(i.Flags, ","), strings.Join(addrs, " "))
	}
	tw.Flush()

	if conns, err := net.ConnectionsWithContext(ctx, "inet"); err == nil {
		states := map[string]int{}
		for _, c := range conns {
			states[c.Status]++
		}
		keys := make([]string, 0, len(states))
		for k := range states {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, "\nconnections: %d\n", len(conns))
		for _, k := range keys {
			name := k
			if name == "" {
				name = "NONE"
			}
			fmt.Fprintf(&b, "  %s: %d\n", name, states[k])
		}
	}

	return b.String(), nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n")
}
