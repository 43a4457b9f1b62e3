package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"codeberg.org/mutker/healthwatch/internal/command"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"golang.org/x/time/rate"
)

const (
	defaultDesktopCommand = "notify-send"
	defaultWallCommand    = "wall"
	defaultTimeout        = 5 * time.Second
)

// Config controls the best-effort channels. The log line is always written.
type Config struct {
	Desktop        bool   `mapstructure:"desktop"`
	DesktopCommand string `mapstructure:"desktop_command"`
	// DesktopBurst notifications may be sent at once, refilled one per DesktopEvery.
	DesktopBurst int           `mapstructure:"desktop_burst"`
	DesktopEvery time.Duration `mapstructure:"desktop_every"`
	WallCommand  string        `mapstructure:"wall_command"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Desktop:        true,
		DesktopCommand: defaultDesktopCommand,
		DesktopBurst:   3,
		DesktopEvery:   time.Minute,
		WallCommand:    defaultWallCommand,
		Timeout:        defaultTimeout,
	}
}

type Notification struct {
	Severity health.Tier
	Module   string
	Message  string
	Time     time.Time
	Fields   map[string]string
}

// Notifier delivers alerts. Only the structured log line is mandatory;
// desktop and broadcast failures are logged and swallowed by Notify.
type Notifier struct {
	cfg     Config
	runner  command.Runner
	limiter *rate.Limiter
	logger  logger.Logger
}

func New(cfg Config, runner command.Runner, log logger.Logger) *Notifier {
	if log == nil {
		log = logger.Default()
	}
	if runner == nil {
		runner = command.Exec{}
	}
	if cfg.DesktopCommand == "" {
		cfg.DesktopCommand = defaultDesktopCommand
	}
	if cfg.WallCommand == "" {
		cfg.WallCommand = defaultWallCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	limit := rate.Inf
	if cfg.DesktopEvery > 0 {
		limit = rate.Every(cfg.DesktopEvery)
	}

	return &Notifier{
		cfg:     cfg,
		runner:  runner,
		limiter: rate.NewLimiter(limit, max(cfg.DesktopBurst, 1)),
		logger:  log,
	}
}

// Notify writes the log line and attempts a desktop popup. It never
// returns an error to the caller's remediation path.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	if note.Time.IsZero() {
		note.Time = time.Now()
	}

	ev := n.event(note.Severity)
	ev.Time("at", note.Time).
		Str("severity", note.Severity.String()).
		Str("module", note.Module)
	keys := make([]string, 0, len(note.Fields))
	for k := range note.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev.Str(k, note.Fields[k])
	}
	ev.Msg(note.Message)

	if !n.cfg.Desktop {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Debug().Str("module", note.Module).Msg("Desktop notification rate limited")
		return
	}
	if err := n.desktop(ctx, note); err != nil {
		n.logger.Debug().Err(err).Str("module", note.Module).Msg("Desktop notification failed")
	}
}

// Broadcast sends msg to every logged-in terminal.
func (n *Notifier) Broadcast(ctx context.Context, msg string) error {
	_, err := n.runner.Run(ctx, command.Cmd{
		Name:    n.cfg.WallCommand,
		Stdin:   msg,
		Timeout: n.cfg.Timeout,
	})
	if err != nil {
		n.logger.Warn().Err(err).Msg("Broadcast failed")
		return errors.New().Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}

func (n *Notifier) desktop(ctx context.Context, note Notification) error {
	title := fmt.Sprintf("healthwatch: %s %s", note.Module, note.Severity)
	_, err := n.runner.Run(ctx, command.Cmd{
		Name:    n.cfg.DesktopCommand,
		Args:    []string{"--urgency", urgency(note.Severity), "--app-name", "healthwatch", title, note.Message},
		Timeout: n.cfg.Timeout,
	})

	return err
}

func (n *Notifier) event(tier health.Tier) *logger.LogEvent {
	switch tier {
	case health.Normal:
		return n.logger.Info()
	case health.Warning:
		return n.logger.Warn()
	default:
		return n.logger.Error()
	}
}

func urgency(tier health.Tier) string {
	switch tier {
	case health.Critical, health.Emergency:
		return "critical"
	case health.Warning:
		return "normal"
	default:
		return "low"
	}
}
