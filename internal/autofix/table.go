package autofix

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/health"
)

const (
	DefaultTimeout = 2 * time.Minute
	// AnyIssue in a trigger matches every issue type at that severity.
	AnyIssue = "*"
)

// Kind selects the handler that performs an action.
type Kind string

const (
	KindCommand   Kind = "command"
	KindNotify    Kind = "notify"
	KindEmergency Kind = "emergency"
	KindDump      Kind = "dump"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindNotify, KindEmergency, KindDump:
		return true
	default:
		return false
	}
}

// Action is one configured remediation. Triggers are "issue:severity"
// pairs, e.g. "thermal:emergency" or "*:emergency".
type Action struct {
	ID           string        `mapstructure:"id"`
	Kind         Kind          `mapstructure:"kind"`
	Triggers     []string      `mapstructure:"triggers"`
	Command      []string      `mapstructure:"command"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
	Subsystem    string        `mapstructure:"subsystem"`
	Description  string        `mapstructure:"description"`
	SafetyChecks []string      `mapstructure:"safety_checks"`
}

type key struct {
	issue    string
	severity health.Tier
}

// Table maps (issue, severity) to an action. It is built once and never
// changes, so lookups need no locking.
type Table struct {
	byKey map[key]Action
	byID  map[string]Action
}

// NewTable validates actions. Unknown kinds, non-positive intervals,
// emergency actions below emergency severity and two actions claiming the
// same (issue, severity) are configuration errors.
func NewTable(actions []Action) (*Table, error) {
	errFactory := errors.New()
	t := &Table{byKey: map[key]Action{}, byID: map[string]Action{}}

	for _, a := range actions {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "action without id")
		}
		if _, dup := t.byID[a.ID]; dup {
			return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "duplicate action id "+a.ID)
		}
		if !a.Kind.Valid() {
			return nil, errFactory.WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("action %s: unknown kind %q", a.ID, a.Kind))
		}
		if a.MinInterval <= 0 {
			return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "action "+a.ID+": min_interval must be positive")
		}
		if a.Kind == KindCommand && len(a.Command) == 0 {
			return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "action "+a.ID+": command kind needs a command")
		}
		if len(a.Triggers) == 0 {
			return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "action "+a.ID+": no triggers")
		}
		if a.Timeout <= 0 {
			a.Timeout = DefaultTimeout
		}

		for _, trig := range a.Triggers {
			k, err := parseTrigger(trig)
			if err != nil {
				return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "action "+a.ID+": "+err.Error())
			}
			if a.Kind == KindEmergency && k.severity < health.Emergency {
				return nil, errFactory.WithMessage(errors.ErrInvalidConfig,
					fmt.Sprintf("action %s: emergency actions may only trigger at emergency severity, not %s", a.ID, trig))
			}
			if prev, dup := t.byKey[k]; dup {
				return nil, errFactory.WithMessage(errors.ErrInvalidConfig,
					fmt.Sprintf("trigger %s mapped by both %s and %s", trig, prev.ID, a.ID))
			}
			t.byKey[k] = a
		}
		t.byID[a.ID] = a
	}

	return t, nil
}

func parseTrigger(s string) (key, error) {
	issue, sev, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(issue) == "" {
		return key{}, errors.New().WithMessage(errors.ErrInvalidConfig, fmt.Sprintf("trigger %q is not issue:severity", s))
	}
	tier, err := health.ParseSeverity(sev)
	if err != nil {
		return key{}, err
	}

	return key{issue: strings.ToLower(strings.TrimSpace(issue)), severity: tier}, nil
}

// Resolve finds the action for issue at severity. An exact issue match
// wins over a wildcard.
func (t *Table) Resolve(issue string, severity health.Tier) (Action, bool) {
	issue = strings.ToLower(strings.TrimSpace(issue))
	if a, ok := t.byKey[key{issue: issue, severity: severity}]; ok {
		return a, true
	}
	a, ok := t.byKey[key{issue: AnyIssue, severity: severity}]

	return a, ok
}

// Escalation returns the emergency action to run when a handler for issue
// failed at emergency severity.
func (t *Table) Escalation(issue string, failed Action) (Action, bool) {
	issue = strings.ToLower(strings.TrimSpace(issue))
	for _, candidate := range []string{issue, AnyIssue} {
		a, ok := t.byKey[key{issue: candidate, severity: health.Emergency}]
		if ok && a.Kind == KindEmergency && a.ID != failed.ID {
			return a, true
		}
	}

	return Action{}, false
}

func (t *Table) Action(id string) (Action, bool) {
	a, ok := t.byID[id]
	return a, ok
}

// Actions returns every action sorted by id.
func (t *Table) Actions() []Action {
	out := make([]Action, 0, len(t.byID))
	for _, a := range t.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Kinds lists the handler kinds the table needs.
func (t *Table) Kinds() []Kind {
	seen := map[Kind]bool{}
	var out []Kind
	for _, a := range t.Actions() {
		if !seen[a.Kind] {
			seen[a.Kind] = true
			out = append(out, a.Kind)
		}
	}

	return out
}
