package main

import (
	"codeberg.org/mutker/healthwatch/internal/autofix"
	"codeberg.org/mutker/healthwatch/internal/health"
	"github.com/fatih/color"
)

func tierColor(t health.Tier) func(a ...interface{}) string {
	switch t {
	case health.Warning:
		return color.New(color.FgYellow).SprintFunc()
	case health.Critical:
		return color.New(color.FgRed).SprintFunc()
	case health.Emergency:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	default:
		return color.New(color.FgGreen).SprintFunc()
	}
}

func statusColor(s autofix.Status) func(a ...interface{}) string {
	switch s {
	case autofix.Executed:
		return color.New(color.FgGreen).SprintFunc()
	case autofix.Failed:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	default:
		return color.New(color.FgCyan).SprintFunc()
	}
}
