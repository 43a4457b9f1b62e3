package main

import (
	"context"
	"time"

	"codeberg.org/mutker/healthwatch/internal/autofix"
	"codeberg.org/mutker/healthwatch/internal/command"
	"codeberg.org/mutker/healthwatch/internal/config"
	"codeberg.org/mutker/healthwatch/internal/cooldown"
	"codeberg.org/mutker/healthwatch/internal/dump"
	"codeberg.org/mutker/healthwatch/internal/emergency"
	"codeberg.org/mutker/healthwatch/internal/evaluator"
	"codeberg.org/mutker/healthwatch/internal/grace"
	"codeberg.org/mutker/healthwatch/internal/history"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"codeberg.org/mutker/healthwatch/internal/metrics"
	"codeberg.org/mutker/healthwatch/internal/monitor"
	"codeberg.org/mutker/healthwatch/internal/notify"
	"codeberg.org/mutker/healthwatch/internal/probe"
	"codeberg.org/mutker/healthwatch/internal/process"
	"codeberg.org/mutker/healthwatch/internal/state"
)

// app holds every component built from one configuration.
type app struct {
	cfg        *config.Config
	log        logger.Logger
	store      state.Store
	tracker    *grace.Tracker
	cooldowns  *cooldown.Store
	evaluator  *evaluator.Evaluator
	notifier   *notify.Notifier
	dumper     *dump.Writer
	controller *emergency.Controller
	dispatcher *autofix.Dispatcher
	source     *probe.Router
	gpu        *probe.GPUSource
	history    history.Recorder
	metrics    *metrics.Metrics
}

// newApp wires the components for cfg. A read-only app never creates the
// state directory, writes records or records history.
func newApp(cfg *config.Config, readOnly bool) (*app, error) {
	log := logger.Default()
	runner := command.Exec{}

	opts := []state.Option{state.WithLockTimeout(cfg.LockTimeout), state.WithLogger(log)}
	if readOnly {
		opts = append(opts, state.ReadOnly())
	}
	store, err := state.NewFileStore(cfg.StateDir, opts...)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		tracker:   grace.NewTracker(store, log),
		cooldowns: cooldown.New(store, log),
		evaluator: evaluator.New(store, cfg.Alerts, log),
		notifier:  notify.New(cfg.Notify, runner, log),
	}

	journal, err := probe.NewJournalSource(cfg.Probes.Journal, runner, log)
	if err != nil {
		return nil, err
	}
	providers := []probe.Provider{probe.NewSystemSource(cfg.Probes.System, log), journal}
	if cfg.Probes.GPU {
		a.gpu = probe.NewGPUSource(log)
		providers = append(providers, a.gpu)
	}
	a.source = probe.NewRouter(providers...)

	procs := process.NewSystem()
	a.dumper, err = dump.NewWriter(cfg.Dump, dump.DefaultSections(cfg.Dump, procs, runner), log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.controller = emergency.NewController(cfg.Emergency, cfg.Protected, procs, a.source,
		emergency.WithDumper(a.dumper),
		emergency.WithAlerter(a.notifier),
		emergency.WithMechanisms(emergency.DefaultMechanisms(runner, cfg.Emergency.MechanismTimeout)...),
		emergency.WithLogger(log),
	)

	table, err := autofix.NewTable(cfg.Actions)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher, err = autofix.NewDispatcher(table, a.tracker, a.cooldowns,
		autofix.WithHandler(autofix.KindCommand, autofix.CommandHandler{Runner: runner}),
		autofix.WithHandler(autofix.KindNotify, autofix.NotifyHandler{Notifier: a.notifier}),
		autofix.WithHandler(autofix.KindDump, autofix.DumpHandler{Capturer: a.dumper}),
		autofix.WithHandler(autofix.KindEmergency, autofix.EmergencyHandler{Controller: a.controller}),
		autofix.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	histCfg := cfg.History
	if readOnly {
		histCfg.Enabled = false
	}
	a.history, err = history.NewService(histCfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.metrics = metrics.New(cfg.Metrics)

	return a, nil
}

func (a *app) runner() (*monitor.Runner, error) {
	return monitor.New(a.cfg.Monitors, a.source, a.evaluator,
		monitor.WithDispatcher(a.dispatcher),
		monitor.WithAlerter(a.notifier),
		monitor.WithSweep(a.tracker, a.cfg.GraceTTL),
		monitor.WithHistory(a.history),
		monitor.WithMetrics(a.metrics),
		monitor.WithLogger(a.log),
	)
}

func (a *app) Close() {
	if a.gpu != nil {
		if err := a.gpu.Close(); err != nil {
			a.log.Debug().Err(err).Msg("Failed to shut down NVML")
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close history database")
		}
	}
}

// recordOutcome journals a remedy request the way the monitor journals
// its own dispatches.
func (a *app) recordOutcome(ctx context.Context, req autofix.Request, out autofix.Outcome) {
	for o := &out; o != nil; o = o.Escalated {
		kind := history.KindDispatch
		if o.Kind == autofix.KindEmergency {
			kind = history.KindEmergency
		}
		detail := o.Detail
		if o.Err != nil && detail == "" {
			detail = o.Err.Error()
		}
		err := a.history.Record(ctx, history.Event{
			Time:     time.Now(),
			Kind:     kind,
			Module:   req.CallingModule,
			Signal:   req.Signal.Name,
			Value:    req.Signal.Value,
			Tier:     req.Severity.String(),
			ActionID: o.ActionID,
			Status:   o.Status.String(),
			Detail:   detail,
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to record history")
		}
	}
}
