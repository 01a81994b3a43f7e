// Package scheduler drives the registered processors and the periodic
// broker maintenance of a worker process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"mingle/internal/broker"
	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/logger"
	"mingle/internal/processor"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/logging"
	"mingle/pkg/metrics"
)

type Scheduler struct {
	bindings []processor.Binding
	gateway  broker.Gateway
	cfg      config.SchedulerConfig
	logger   logger.Logger

	mu     sync.Mutex
	queues map[string]bool
}

func New(bindings []processor.Binding, gw broker.Gateway, cfg config.SchedulerConfig, log logger.Logger) *Scheduler {
	return &Scheduler{
		bindings: bindings,
		gateway:  gw,
		cfg:      cfg,
		logger:   log,
		queues:   make(map[string]bool),
	}
}

// Run starts the maintenance jobs and every processor instance and blocks
// until ctx is cancelled or a worker finds the broker unusable, in which
// case the others are stopped and the error is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	c, err := s.cron(ctx)
	if err != nil {
		return err
	}
	c.Start()
	defer s.stopCron(c)

	g, gCtx := errgroup.WithContext(ctx)
	for _, b := range s.bindings {
		b := b
		for i := 0; i < b.Instances; i++ {
			instance := i
			g.Go(func() error {
				return s.work(gCtx, b, instance)
			})
		}
	}

	s.logger.InfowCtx(ctx, "Scheduler started",
		"processors", len(s.bindings),
	)
	return g.Wait()
}

func (s *Scheduler) work(ctx context.Context, b processor.Binding, instance int) error {
	p := b.Processor
	ctx = logging.WithQueue(logging.WithProcessor(ctx, p.Name()), p.Queue())
	s.logger.DebugwCtx(ctx, "Worker started",
		"queue", p.Queue(),
		"instance", instance,
	)

	for {
		res, err := p.RunOnce(ctx, 0)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && brokerGone(err) {
			s.logger.ErrorwCtx(ctx, "Worker stopped on broker failure",
				"queue", p.Queue(),
				"instance", instance,
				"error", err,
			)
			return fmt.Errorf("processor %s: %w", p.Name(), err)
		}
		if err != nil {
			s.logger.WarnwCtx(ctx, "Batch failed, retrying after poll interval",
				"queue", p.Queue(),
				"instance", instance,
				"error", err,
			)
		} else if res.Received > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.PollInterval):
		}
	}
}

// brokerGone reports whether the gateway gave up reconnecting. Every other
// receive or commit failure is retried on the next poll.
func brokerGone(err error) bool {
	var appErr *apperrors.Error
	return errors.As(err, &appErr) && appErr.IsFatal() && errors.Is(err, apperrors.ErrServiceUnavailable)
}

func (s *Scheduler) cron(ctx context.Context) (*cron.Cron, error) {
	cl := cronLogger{logger: s.logger}
	c := cron.New(cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"lease_recovery", s.cfg.LeaseRecoverySpec, func(ctx context.Context) error {
			_, err := s.ReleaseExpiredLeases(ctx)
			return err
		}},
		{"queue_metrics", s.cfg.QueueMetricsSpec, s.RecordQueueDepths},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		_, err := c.AddFunc(job.spec, func() {
			if ctx.Err() != nil {
				return
			}
			if err := job.run(ctx); err != nil {
				s.logger.WarnwCtx(ctx, "Maintenance job failed",
					"job", job.name,
					"error", err,
				)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid schedule for %s: %w", job.name, err)
		}
	}
	return c, nil
}

func (s *Scheduler) stopCron(c *cron.Cron) {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = constants.ShutdownTimeout
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(timeout):
		s.logger.Warnw("Maintenance jobs still running at shutdown", "timeout", timeout)
	}
}

// ReleaseExpiredLeases makes messages whose consumer died visible again.
func (s *Scheduler) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	n, err := s.gateway.ReleaseExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LeasesReleasedTotal.Add(float64(n))
		s.logger.InfowCtx(ctx, "Released expired leases", "count", n)
	}
	return n, nil
}

// RecordQueueDepths updates the depth gauge of every known queue. Queues
// that drained since the last run are reported as zero.
func (s *Scheduler) RecordQueueDepths(ctx context.Context) error {
	queues, err := s.gateway.Queues(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool, len(queues))
	var errs []error
	for _, q := range queues {
		n, err := s.gateway.Size(ctx, q)
		if err != nil {
			errs = append(errs, fmt.Errorf("size of %s: %w", q, err))
			continue
		}
		metrics.SetQueueDepth(q, n)
		current[q] = true
	}
	for q := range s.queues {
		if !current[q] {
			metrics.SetQueueDepth(q, 0)
		}
	}
	s.queues = current
	return errors.Join(errs...)
}

// cronLogger routes cron's own messages into the service logger.
type cronLogger struct {
	logger logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
