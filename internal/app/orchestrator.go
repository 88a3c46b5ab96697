// Package app runs one extraction: it computes the date window, extracts
// every patient on the roster, submits the resulting messages, reports
// errors and records the completed window.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/icaredata/icare-extract/internal/dispatch"
	"github.com/icaredata/icare-extract/internal/extraction"
	"github.com/icaredata/icare-extract/internal/platform/runlog"
)

// State is a phase of a run.
type State string

const (
	StateInitializing    State = "INITIALIZING"
	StateComputingWindow State = "COMPUTING_WINDOW"
	StateExtracting      State = "EXTRACTING"
	StateDispatching     State = "DISPATCHING"
	StateNotifying       State = "NOTIFYING"
	StateCheckpointing   State = "CHECKPOINTING"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// Notifier reports the errors of a run.
type Notifier interface {
	Send(ctx context.Context, errs extraction.ErrorLog, debug bool) error
}

// Metrics receives run statistics. *metrics.Recorder implements it.
type Metrics interface {
	dispatch.Observer
	PatientExtracted()
	PatientFailed()
	Checkpointed()
	RunSucceeded(at time.Time)
	ObserveRun(d time.Duration)
}

// Deps are the collaborators of a run. Messaging may be nil for a
// test-extraction run; Notifier, Archiver and Metrics are optional.
type Deps struct {
	PatientIDs []string
	Extraction extraction.Client
	Messaging  dispatch.MessagingClient
	RunLog     runlog.Store
	Notifier   Notifier
	Archiver   dispatch.Archiver
	Metrics    Metrics
}

// RunConfig holds the per-run switches.
type RunConfig struct {
	Window            Window
	AllEntries        bool
	TestExtraction    bool
	Debug             bool
	SkipEmptyBundles  bool
	ExtractionWorkers int
}

// Report summarizes a finished run.
type Report struct {
	State               State
	From                *time.Time
	To                  *time.Time
	Extracted           int
	ExtractionSucceeded bool
	DispatchSucceeded   bool
	Checkpointed        bool
	Errors              extraction.ErrorLog
}

// Orchestrator drives a run through its states.
type Orchestrator struct {
	deps   Deps
	cfg    RunConfig
	logger zerolog.Logger
	now    func() time.Time
	state  State
}

func NewOrchestrator(deps Deps, cfg RunConfig, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger, now: time.Now, state: StateInitializing}
}

// State returns the phase the orchestrator is in.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) enter(s State) {
	o.state = s
	o.logger.Debug().Str("state", string(s)).Msg("run state")
}

func (o *Orchestrator) fail(err error) (*Report, error) {
	o.enter(StateFailed)
	return &Report{State: StateFailed}, err
}

// Run executes one extraction. Configuration problems and a failed
// messaging readiness check are returned as errors; per-patient failures
// only show up in the report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := o.now()
	o.enter(StateInitializing)
	if o.deps.Extraction == nil || o.deps.RunLog == nil {
		return o.fail(&ConfigError{Err: errors.New("extraction client and run log are required")})
	}
	if !o.cfg.TestExtraction && o.deps.Messaging == nil {
		return o.fail(&ConfigError{Err: errors.New("a messaging client is required unless running a test extraction")})
	}
	if !o.cfg.AllEntries {
		if err := o.deps.RunLog.Check(ctx); err != nil {
			return o.fail(&ConfigError{Err: err})
		}
	}
	if !o.cfg.TestExtraction {
		if err := dispatch.AssertReady(ctx, o.deps.Messaging); err != nil {
			return o.fail(err)
		}
	}

	o.enter(StateComputingWindow)
	report := &Report{DispatchSucceeded: true}
	if !o.cfg.AllEntries {
		from, err := runlog.EffectiveFromDate(ctx, o.deps.RunLog, o.cfg.Window.From, o.logger)
		if err != nil {
			return o.fail(&ConfigError{Err: err})
		}
		report.From = &from
		report.To = o.cfg.Window.To
	}

	o.enter(StateExtracting)
	pipeline := extraction.NewPipeline(o.logger, o.cfg.ExtractionWorkers)
	extracted := pipeline.Run(ctx, o.deps.PatientIDs, o.deps.Extraction, report.From, report.To)
	report.Extracted = len(extracted.Bundles)
	report.ExtractionSucceeded = extracted.AllSucceeded
	o.observePatients(len(o.deps.PatientIDs)-extracted.Skipped, len(extracted.Bundles))

	dispatchErrors := extraction.ErrorLog{}
	if o.cfg.TestExtraction {
		o.logger.Info().Msg("test extraction: skipping message submission")
	} else {
		o.enter(StateDispatching)
		opts := dispatch.Options{SkipEmptyBundles: o.cfg.SkipEmptyBundles, Archiver: o.deps.Archiver}
		if o.deps.Metrics != nil {
			opts.Observer = o.deps.Metrics
		}
		res := dispatch.NewDispatcher(o.logger, opts).
			PostReady(ctx, o.deps.Messaging, dispatch.Submissions(extracted.Bundles, extracted.Rows))
		report.DispatchSucceeded = res.AllSucceeded
		dispatchErrors = res.Errors
	}
	report.Errors = extraction.Zip(extracted.Errors, dispatchErrors)

	if !o.cfg.TestExtraction && o.deps.Notifier != nil {
		o.enter(StateNotifying)
		if err := o.deps.Notifier.Send(ctx, report.Errors, o.cfg.Debug); err != nil {
			o.logger.Error().Err(err).Msg("failed to send error notification")
		}
	}

	o.enter(StateCheckpointing)
	if o.shouldCheckpoint(report) {
		if err := o.deps.RunLog.AppendRun(ctx, *report.From, report.To); err != nil {
			return o.fail(fmt.Errorf("record run: %w", err))
		}
		report.Checkpointed = true
		if o.deps.Metrics != nil {
			o.deps.Metrics.Checkpointed()
		}
		o.logger.Info().Str("fromDate", runlog.FormatDate(*report.From)).Msg("recorded completed run")
	}

	if o.deps.Metrics != nil {
		if report.ExtractionSucceeded && report.DispatchSucceeded {
			o.deps.Metrics.RunSucceeded(o.now())
		}
		o.deps.Metrics.ObserveRun(o.now().Sub(start))
	}

	o.enter(StateDone)
	report.State = StateDone
	return report, nil
}

func (o *Orchestrator) shouldCheckpoint(r *Report) bool {
	return !o.cfg.TestExtraction &&
		!o.cfg.AllEntries &&
		r.From != nil &&
		r.ExtractionSucceeded &&
		r.DispatchSucceeded
}

func (o *Orchestrator) observePatients(total, extracted int) {
	if o.deps.Metrics == nil {
		return
	}
	for i := 0; i < extracted; i++ {
		o.deps.Metrics.PatientExtracted()
	}
	for i := extracted; i < total; i++ {
		o.deps.Metrics.PatientFailed()
	}
}
