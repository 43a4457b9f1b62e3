package history

import (
	"context"
	"time"
)

// Recorder keeps a journal of what the monitor saw and did.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

type Kind string

const (
	KindAlert     Kind = "alert"
	KindDispatch  Kind = "dispatch"
	KindEmergency Kind = "emergency"
	KindDump      Kind = "dump"
)

// Event is one journal entry. Fields that do not apply to a kind stay
// empty.
type Event struct {
	Time     time.Time
	Kind     Kind
	Module   string
	Signal   string
	Value    float64
	Tier     string
	ActionID string
	Status   string
	Detail   string
}
