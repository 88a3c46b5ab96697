package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/icaredata/icare-extract/internal/config"
	"github.com/icaredata/icare-extract/internal/extraction"
	"github.com/icaredata/icare-extract/internal/extraction/csvclient"
	"github.com/icaredata/icare-extract/internal/platform/archive"
	"github.com/icaredata/icare-extract/internal/platform/messaging"
	"github.com/icaredata/icare-extract/internal/platform/metrics"
	"github.com/icaredata/icare-extract/internal/platform/notification"
	"github.com/icaredata/icare-extract/internal/platform/runlog"
)

// runIDLayout names the archive prefix of a run.
const runIDLayout = "20060102T150405Z"

// Execute loads the configuration named by opts and performs a complete
// run. It is the body of the root command.
func Execute(ctx context.Context, opts Options, logger zerolog.Logger) error {
	window, err := CheckInput(opts)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(opts.TestExtraction); err != nil {
		return err
	}

	if opts.TestAWSAuth {
		if cfg.AWSConfig == nil {
			return &ConfigError{Err: fmt.Errorf("awsConfig is required in config file")}
		}
		if err := messaging.CheckAuthentication(ctx, *cfg.AWSConfig, logger); err != nil {
			return err
		}
		if !opts.TestExtraction {
			return nil
		}
	}

	deps, cleanup, err := Build(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	recorder := metrics.NewRecorder()
	deps.Metrics = recorder
	pusher := metrics.NewPusher(cfg.Metrics, logger)

	orch := NewOrchestrator(deps, RunConfig{
		Window:            window,
		AllEntries:        opts.AllEntries,
		TestExtraction:    opts.TestExtraction,
		Debug:             opts.Debug,
		SkipEmptyBundles:  cfg.SkipEmptyBundles,
		ExtractionWorkers: cfg.ExtractionWorkers,
	}, logger)
	report, runErr := orch.Run(ctx)

	if err := pusher.Push(ctx, recorder); err != nil {
		logger.Warn().Err(err).Msg("could not push run metrics")
	}
	if runErr != nil {
		return runErr
	}
	logger.Info().
		Int("extracted", report.Extracted).
		Int("errors", report.Errors.Total()).
		Bool("checkpointed", report.Checkpointed).
		Msg("extraction run complete")
	return nil
}

// Build assembles the collaborators of a run from the configuration. The
// returned cleanup releases database connections.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (Deps, func(), error) {
	cleanup := func() {}

	client, err := csvclient.New(csvclient.Config{
		Extractors:          cfg.Extractors,
		CommonExtractorArgs: cfg.CommonExtractorArgs,
	}, logger)
	if err != nil {
		return Deps{}, cleanup, err
	}
	if err := client.Init(ctx); err != nil {
		return Deps{}, cleanup, err
	}

	ids, err := extraction.ParsePatientIDs(cfg.PatientIDCSVPath)
	if err != nil {
		return Deps{}, cleanup, &ConfigError{Err: err}
	}
	deps := Deps{PatientIDs: ids, Extraction: client}

	if !opts.TestExtraction {
		mc, err := messaging.New(*cfg.AWSConfig, logger)
		if err != nil {
			return Deps{}, cleanup, err
		}
		deps.Messaging = mc
	}

	store, closeStore, err := openRunLog(ctx, cfg, opts)
	if err != nil {
		return Deps{}, cleanup, err
	}
	cleanup = closeStore
	deps.RunLog = store

	if cfg.NotificationInfo != nil {
		deps.Notifier = notification.NewNotifier(*cfg.NotificationInfo, notification.NewSMTPSender(*cfg.NotificationInfo), logger)
	}

	if cfg.Archive != nil && !opts.TestExtraction {
		bucket, err := archive.NewMinioStore(ctx, *cfg.Archive)
		if err != nil {
			logger.Warn().Err(err).Msg("bundle archive unavailable, continuing without it")
		} else {
			deps.Archiver = archive.NewArchiver(bucket, time.Now().UTC().Format(runIDLayout))
		}
	}
	return deps, cleanup, nil
}

func openRunLog(ctx context.Context, cfg *config.Config, opts Options) (runlog.Store, func(), error) {
	if cfg.UsesDatabaseRunLog() {
		pool, err := runlog.NewPool(ctx, cfg.RunLog.DatabaseURL)
		if err != nil {
			return nil, func() {}, &ConfigError{Err: err}
		}
		return runlog.NewPostgresStore(pool), pool.Close, nil
	}

	path := opts.RunLogPath
	if path == "" {
		path = cfg.RunLog.Path
	}
	if path == "" {
		path = runlog.DefaultPath
	}
	return runlog.NewFileStore(path), func() {}, nil
}
