package spooler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"logvault/logging"
)

// JobInfo describes a registered housekeeping job.
type JobInfo struct {
	Name    string
	Every   time.Duration
	LastRun time.Time // zero if never run
	NextRun time.Time
}

// Scheduler runs the periodic housekeeping jobs. Jobs never overlap with
// themselves; a run that is still going when the next is due is skipped.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	every     map[string]time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		every:     make(map[string]time.Duration),
		logger:    logging.Default(logger).With("component", "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// AddJob registers fn to run every interval. Names must be unique. The
// context passed to fn is cancelled by Stop.
func (s *Scheduler) AddJob(name string, every time.Duration, fn func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}
	task := func() {
		start := time.Now()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("scheduled job failed", "name", name, "error", err)
			return
		}
		s.logger.Debug("scheduled job done", "name", name, "took", time.Since(start))
	}
	j, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}
	s.jobs[name] = j
	s.every[name] = every
	s.logger.Info("scheduled job added", "name", name, "every", every)
	return nil
}

// ListJobs returns the registered jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{Name: name, Every: s.every[name]}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	return infos
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
