package health

import (
	"fmt"

	"codeberg.org/mutker/healthwatch/internal/errors"
)

// Threshold holds the tier boundaries for one signal. A value equal to a
// boundary belongs to the higher tier.
type Threshold struct {
	Signal    string  `mapstructure:"signal"`
	Warning   float64 `mapstructure:"warning"`
	Critical  float64 `mapstructure:"critical"`
	Emergency float64 `mapstructure:"emergency"`
}

func (t Threshold) Validate() error {
	if t.Signal == "" {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "threshold has no signal name")
	}
	if t.Warning > t.Critical || t.Critical > t.Emergency {
		return errors.New().WithMessage(errors.ErrInvalidConfig, fmt.Sprintf(
			"threshold %s: boundaries must satisfy warning <= critical <= emergency (got %g, %g, %g)",
			t.Signal, t.Warning, t.Critical, t.Emergency))
	}

	return nil
}

// Boundary returns the lower bound of tier.
func (t Threshold) Boundary(tier Tier) float64 {
	switch tier {
	case Warning:
		return t.Warning
	case Critical:
		return t.Critical
	case Emergency:
		return t.Emergency
	default:
		return 0
	}
}
