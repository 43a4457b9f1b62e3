package health

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/healthwatch/internal/errors"
)

// Tier is a severity level. The order is total: Normal < Warning < Critical < Emergency.
type Tier int

const (
	Normal Tier = iota
	Warning
	Critical
	Emergency
)

var tierNames = [...]string{"normal", "warning", "critical", "emergency"}

func (t Tier) String() string {
	if t < Normal || t > Emergency {
		return fmt.Sprintf("tier(%d)", int(t))
	}

	return tierNames[t]
}

func (t Tier) Valid() bool {
	return t >= Normal && t <= Emergency
}

// ParseTier accepts the tier names case-insensitively.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Tier(i), nil
		}
	}

	return Normal, errors.New().WithMessage(errors.ErrInvalidArgument, fmt.Sprintf("unknown severity %q", s))
}

// ParseSeverity parses the severity argument of a remediation request,
// which never names the Normal tier.
func ParseSeverity(s string) (Tier, error) {
	t, err := ParseTier(s)
	if err != nil {
		return Normal, err
	}
	if t == Normal {
		return Normal, errors.New().WithMessage(errors.ErrInvalidArgument, fmt.Sprintf("severity must be warning, critical or emergency, got %q", s))
	}

	return t, nil
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed

	return nil
}
