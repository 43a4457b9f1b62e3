package probe

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/healthwatch/internal/command"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
)

const (
	SignalUSBResets    = "usb_resets"
	SignalDriverErrors = "driver_errors"

	defaultLookback = 10 * time.Minute
	defaultCacheTTL = 5 * time.Second
)

// DefaultJournalPatterns are the kernel log lines counted per signal.
var DefaultJournalPatterns = map[string][]string{
	SignalUSBResets: {
		`usb \S+: reset (low|full|high|super|SuperSpeed)`,
		`usb \S+: device descriptor read/\S+, error`,
		`xhci_hcd .*: (HC died|Host halt failed)`,
	},
	SignalDriverErrors: {
		`NVRM: Xid`,
		`amdgpu .*(ring \S+ timeout|GPU fault|page fault)`,
		`i915 .*(GPU HANG|\*ERROR\*)`,
		`nouveau .*(fifo|gr): .*error`,
		`iwlwifi .*(Microcode SW error|firmware crashed)`,
	},
}

type JournalConfig struct {
	Lookback time.Duration       `mapstructure:"lookback"`
	Patterns map[string][]string `mapstructure:"patterns"`
}

// JournalSource counts kernel log lines matching per-signal patterns over
// a lookback window. One journal read serves every signal for a short
// while, since a cycle asks for several of them back to back.
type JournalSource struct {
	lookback time.Duration
	patterns map[string][]*regexp.Regexp
	runner   command.Runner
	logger   logger.Logger
	clock    func() time.Time

	mu       sync.Mutex
	cached   map[string]int
	cachedAt time.Time
}

func NewJournalSource(cfg JournalConfig, runner command.Runner, log logger.Logger) (*JournalSource, error) {
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultJournalPatterns
	}
	if runner == nil {
		runner = command.Exec{}
	}
	if log == nil {
		log = logger.Default()
	}

	compiled := make(map[string][]*regexp.Regexp, len(cfg.Patterns))
	for signal, exprs := range cfg.Patterns {
		for _, expr := range exprs {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, errors.New().WithData(ErrBadPattern, badPattern{Signal: signal, Pattern: expr, Error: err.Error()})
			}
			compiled[signal] = append(compiled[signal], re)
		}
	}

	return &JournalSource{
		lookback: cfg.Lookback,
		patterns: compiled,
		runner:   runner,
		logger:   log,
		clock:    time.Now,
	}, nil
}

type badPattern struct {
	Signal  string
	Pattern string
	Error   string
}

func (s *JournalSource) Signals() []string {
	out := make([]string, 0, len(s.patterns))
	for name := range s.patterns {
		out = append(out, name)
	}
	sort.Strings(out)

	return out
}

func (s *JournalSource) GetValue(ctx context.Context, name string) (float64, bool) {
	if _, ok := s.patterns[name]; !ok {
		return 0, false
	}

	counts, err := s.counts(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Str("signal", name).Msg("Journal read failed")
		return 0, false
	}

	return float64(counts[name]), true
}

func (s *JournalSource) counts(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.cached != nil && now.Sub(s.cachedAt) < defaultCacheTTL {
		return s.cached, nil
	}

	res, err := s.runner.Run(ctx, command.Cmd{
		Name: "journalctl",
		Args: []string{"-k", "--since", fmt.Sprintf("-%ds", int(s.lookback.Seconds())), "--no-pager", "-q", "-o", "cat"},
	})
	if err != nil {
		return nil, errors.New().Wrap(ErrJournalRead, err)
	}

	s.cached = Count(res.Output, s.patterns)
	s.cachedAt = now

	return s.cached, nil
}

// Count returns, per signal, how many lines of text match any of its
// patterns. A line counts at most once per signal.
func Count(text string, patterns map[string][]*regexp.Regexp) map[string]int {
	out := make(map[string]int, len(patterns))
	for signal := range patterns {
		out[signal] = 0
	}

	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		for signal, res := range patterns {
			for _, re := range res {
				if re.MatchString(line) {
					out[signal]++
					break
				}
			}
		}
	}

	return out
}
