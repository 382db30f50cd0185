// Package scheduler runs the time-driven maintenance jobs: scanner
// rotation, the daily report, store retention, and the master listing
// refresh.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler wraps cron with job naming, panic recovery, and a shared
// base context.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	logger *log.Logger
}

// New creates a scheduler evaluating specs in loc.
func New(ctx context.Context, loc *time.Location, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		ctx:    ctx,
		logger: logger,
	}
}

// Add registers a job under a six-field cron spec.
func (s *Scheduler) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Printf("job %s panicked: %v", job.Name(), r)
			}
		}()
		if err := job.Run(s.ctx); err != nil {
			s.logger.Printf("job %s failed: %v", job.Name(), err)
		}
	})
	return err
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
