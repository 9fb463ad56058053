// Package scheduler runs the overdue penalty sweep on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper charges penalties on every overdue instalment as of a point in time.
type Sweeper interface {
	SweepOverdue(ctx context.Context, asOf time.Time) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	log     logrus.FieldLogger
	now     func() time.Time
	timeout time.Duration
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTimeout bounds a single sweep run. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New registers the sweep under spec, a standard five-field cron expression or a
// descriptor such as "@daily". Runs that would overlap a still-running sweep are skipped.
func New(sweeper Sweeper, spec string, log logrus.FieldLogger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		sweeper: sweeper,
		log:     log,
		now:     time.Now,
		timeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := cronLogger{log: log}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid penalty sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.WithError(err).Error("Penalty sweep finished with errors")
	}
}

// RunOnce sweeps immediately, outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	asOf := s.now()
	s.log.WithField("as_of", asOf.Format(time.RFC3339)).Info("Running penalty sweep...")
	return s.sweeper.SweepOverdue(ctx, asOf)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("Stopped waiting for penalty sweep to finish")
	}
}

// Next reports when the sweep fires next; zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
