package health

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Signal is one reading of a named metric. Signals are produced every
// cycle and never persisted.
type Signal struct {
	Name      string
	Value     float64
	Unit      string
	Timestamp time.Time
}

func (s Signal) String() string {
	if s.Unit == "" {
		return fmt.Sprintf("%s=%g", s.Name, s.Value)
	}

	return fmt.Sprintf("%s=%g%s", s.Name, s.Value, s.Unit)
}

// Source produces signal values. ok=false means the value could not be
// read this cycle and the signal must be skipped, never treated as zero.
type Source interface {
	GetValue(ctx context.Context, name string) (float64, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, name string) (float64, bool)

func (f SourceFunc) GetValue(ctx context.Context, name string) (float64, bool) {
	return f(ctx, name)
}

// Sample reads name from src and stamps it with now. NaN and infinite
// readings are reported as unavailable.
func Sample(ctx context.Context, src Source, name, unit string, now time.Time) (Signal, bool) {
	v, ok := src.GetValue(ctx, name)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return Signal{}, false
	}

	return Signal{Name: name, Value: v, Unit: unit, Timestamp: now}, true
}

// StaticSource serves fixed values, mostly for tests and manual runs.
type StaticSource map[string]float64

func (s StaticSource) GetValue(_ context.Context, name string) (float64, bool) {
	v, ok := s[name]
	return v, ok
}
