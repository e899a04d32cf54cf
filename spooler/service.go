package spooler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gorm.io/gorm"

	"logvault/logging"
	"logvault/parser"
)

// Service wires every component from one configuration.
type Service struct {
	Config      *FileConfig
	DB          *gorm.DB
	Manifest    *Manifest
	Events      *EventStore
	Annotations *Annotations
	Alerts      *AlertEngine
	Retention   *Retention
	Quarantine  *Quarantine
	Gate        *IntakeGate
	Pipeline    *Pipeline

	logger *slog.Logger
}

// NewService opens the database and builds the components. The alert
// worker is started; Close stops it and closes the database.
func NewService(cfg *FileConfig, logger *slog.Logger) (*Service, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.Default(logger)

	sources := make([]Source, 0, len(cfg.Sources.Items))
	for _, sc := range cfg.Sources.Items {
		loc, err := sc.Location()
		if err != nil {
			return nil, err
		}
		name := sc.Name
		if name == "" {
			name = sc.Glob
		}
		sources = append(sources, Source{Name: name, Glob: sc.Glob, Format: sc.Format, Host: sc.Host, App: sc.App, Location: loc})
	}

	db, err := OpenDB(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return nil, err
	}
	storageSize := func(ctx context.Context) (int64, error) { return StorageBytes(ctx, db) }

	var forwarder AlertForwarder
	if cfg.Alerts.SyslogAddr != "" {
		forwarder = NewSyslogForwarder(NewSyslogClient(cfg.Alerts.SyslogAddr, cfg.Alerts.SyslogTimeout), "logvault", cfg.Alerts.Labels)
	}
	gate := NewIntakeGate()
	alerts := NewAlertEngine(db, AlertOptions{
		Cooldown:         cfg.Alerts.Cooldown,
		StorageThreshold: int64(cfg.Alerts.StorageThreshold),
		StorageSize:      storageSize,
		Intake:           gate,
		Forwarder:        forwarder,
		Logger:           logger,
	})
	manifest := NewManifest(db, ManifestOptions{
		StaleAfter: cfg.Ingest.StaleAfter,
		OnError:    func(e FileManifestEntry) { alerts.Notify(QuarantineNotice(e)) },
		Logger:     logger,
	})
	events := NewEventStore(db)
	quarantine := NewQuarantine(cfg.Quarantine.Dir, QuarantineOptions{
		MaxAge:   cfg.Quarantine.MaxAge,
		MaxBytes: int64(cfg.Quarantine.MaxBytes),
		Logger:   logger,
	})
	retention := NewRetention(db, RetentionOptions{
		ChunkSize:     cfg.Retention.ChunkSize,
		HighWatermark: int64(cfg.Retention.HighWatermark),
		LowWatermark:  int64(cfg.Retention.LowWatermark),
		MinAge:        cfg.Retention.MinAge,
		StorageSize:   storageSize,
		Alerts:        alerts,
		Logger:        logger,
	})

	in := cfg.Ingest
	pipeline, err := NewPipeline(PipelineConfig{
		Sources:      sources,
		Workers:      in.Workers,
		BatchSize:    in.BatchSize,
		BatchTimeout: in.BatchTimeout,
		Retry: RetryPolicy{
			Attempts: in.RetryAttempts,
			Initial:  in.RetryInitial,
			Max:      in.RetryMax,
		},
		PollInterval:      in.PollInterval,
		StableWait:        in.StableWait,
		IgnoreSuffixes:    in.IgnoreSuffixes,
		DeleteAfterCommit: in.DeleteAfterCommit,
		ArchiveDir:        in.ArchiveDir,
		SampleBytes:       in.SampleBytes,
		Tags:              cfg.Tags.Codes,
	}, PipelineDeps{
		DB:         db,
		Manifest:   manifest,
		Events:     events,
		Registry:   parser.Default(),
		Quarantine: quarantine,
		Alerts:     alerts,
		Gate:       gate,
		Policy:     StoragePolicy{HighWatermark: int64(cfg.Retention.HighWatermark), Size: storageSize},
		Logger:     logger,
	})
	if err != nil {
		_ = CloseDB(db)
		return nil, err
	}
	alerts.Start()

	return &Service{
		Config:      cfg,
		DB:          db,
		Manifest:    manifest,
		Events:      events,
		Annotations: NewAnnotations(db),
		Alerts:      alerts,
		Retention:   retention,
		Quarantine:  quarantine,
		Gate:        gate,
		Pipeline:    pipeline,
		logger:      logger.With("component", "service"),
	}, nil
}

// Run watches the sources and runs housekeeping on schedule until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.Quarantine.Dir(), 0o755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	sched, err := NewScheduler(s.logger)
	if err != nil {
		return err
	}
	if err := s.schedule(sched); err != nil {
		_ = sched.Stop()
		return err
	}
	sched.Start()
	s.logger.Info("service started", "db", s.Config.Database.Path)

	runErr := s.Pipeline.Run(ctx)
	stopErr := sched.Stop()
	s.logger.Info("service stopped")
	return errors.Join(runErr, stopErr)
}

func (s *Service) schedule(sched *Scheduler) error {
	cfg := s.Config
	if err := sched.AddJob("retention", cfg.Retention.Interval, func(ctx context.Context) error {
		return s.Retention.Run(ctx, cfg.Retention.MaxAge)
	}); err != nil {
		return err
	}
	if err := sched.AddJob("alerts-evaluate", cfg.Alerts.EvaluateEvery, s.Alerts.Evaluate); err != nil {
		return err
	}
	if cfg.Quarantine.MaxAge > 0 || cfg.Quarantine.MaxBytes > 0 {
		if err := sched.AddJob("quarantine-purge", cfg.Quarantine.PurgeEvery, func(ctx context.Context) error {
			_, err := s.Quarantine.Purge(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Housekeep runs every housekeeping job once.
func (s *Service) Housekeep(ctx context.Context) error {
	var errs []error
	if err := s.Retention.Run(ctx, s.Config.Retention.MaxAge); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	if _, err := s.Quarantine.Purge(ctx); err != nil {
		errs = append(errs, fmt.Errorf("quarantine purge: %w", err))
	}
	if err := s.Alerts.Evaluate(ctx); err != nil {
		errs = append(errs, fmt.Errorf("alerts: %w", err))
	}
	return errors.Join(errs...)
}

// Close drains pending alerts and closes the database.
func (s *Service) Close() error {
	s.Alerts.Stop()
	return CloseDB(s.DB)
}
