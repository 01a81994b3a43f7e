package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/internal/broker"
	"mingle/internal/config"
	"mingle/internal/logger"
	"mingle/internal/processor"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
)

func binding(t *testing.T, gw broker.Gateway, queue string, instances int, h processor.Handler) processor.Binding {
	t.Helper()
	p, err := processor.New(processor.Config{Name: queue, Queue: queue, BatchSize: 2}, gw, h, logger.NopLogger())
	require.NoError(t, err)
	return processor.Binding{Processor: p, Instances: instances, PollInterval: 10 * time.Millisecond}
}

func send(t *testing.T, gw broker.Gateway, queue string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, gw.Send(context.Background(), queue, models.NewMessageBuilder().WithField("i", i).Build()))
	}
}

func TestScheduler_DrainsEveryProcessor(t *testing.T) {
	gw := broker.NewMemoryGateway()
	var a, b atomic.Int64
	count := func(c *atomic.Int64) processor.Handler {
		return processor.HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
			c.Add(1)
			return nil
		})
	}

	s := New([]processor.Binding{
		binding(t, gw, "test.a", 2, count(&a)),
		binding(t, gw, "test.b", 1, count(&b)),
	}, gw, config.SchedulerConfig{}, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	send(t, gw, "test.a", 7)
	send(t, gw, "test.b", 3)

	assert.Eventually(t, func() bool {
		return a.Load() == 7 && b.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	n, err := gw.Size(context.Background(), "test.a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type brokenGateway struct {
	broker.Gateway
}

func (g brokenGateway) ReceiveBatch(ctx context.Context, queue string, max int) ([]models.Message, error) {
	return nil, apperrors.ErrServiceUnavailable.
		WithCause(errors.New("connection attempts exhausted")).
		AsFatal()
}

// flakyGateway fails the first receive with a statement timeout.
type flakyGateway struct {
	broker.Gateway
	failed atomic.Bool
}

func (g *flakyGateway) ReceiveBatch(ctx context.Context, queue string, max int) ([]models.Message, error) {
	if g.failed.CompareAndSwap(false, true) {
		return nil, &pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"}
	}
	return g.Gateway.ReceiveBatch(ctx, queue, max)
}

func TestScheduler_BrokerFailureStopsWorkers(t *testing.T) {
	gw := brokenGateway{Gateway: broker.NewMemoryGateway()}
	noop := processor.HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error { return nil })

	s := New([]processor.Binding{binding(t, gw, "test.a", 2, noop)}, gw, config.SchedulerConfig{}, logger.NopLogger())

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection attempts exhausted")
}

func TestScheduler_TransientReceiveErrorKeepsWorking(t *testing.T) {
	gw := &flakyGateway{Gateway: broker.NewMemoryGateway()}
	var handled atomic.Int64
	h := processor.HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
		handled.Add(1)
		return nil
	})
	send(t, gw, "test.flaky", 3)

	s := New([]processor.Binding{binding(t, gw, "test.flaky", 1, h)}, gw, config.SchedulerConfig{}, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return handled.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, gw.failed.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestBrokerGone(t *testing.T) {
	assert.True(t, brokerGone(fmt.Errorf("receive: %w", apperrors.ErrServiceUnavailable.AsFatal())))
	assert.False(t, brokerGone(apperrors.ErrServiceUnavailable))
	assert.False(t, brokerGone(&pq.Error{Code: "55P03"}))
	assert.False(t, brokerGone(context.DeadlineExceeded))
}

func TestScheduler_InvalidSpec(t *testing.T) {
	gw := broker.NewMemoryGateway()
	s := New(nil, gw, config.SchedulerConfig{QueueMetricsSpec: "whenever"}, logger.NopLogger())

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue_metrics")
}

func TestScheduler_ReleaseExpiredLeases(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := broker.NewMemoryGateway(broker.WithMemoryClock(func() time.Time { return now }))
	s := New(nil, gw, config.SchedulerConfig{}, logger.NopLogger())

	send(t, gw, "test.a", 2)
	leased, err := gw.ReceiveBatch(ctx, "test.a", 2)
	require.NoError(t, err)
	require.Len(t, leased, 2)

	n, err := s.ReleaseExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(time.Hour)
	n, err = s.ReleaseExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	again, err := gw.ReceiveBatch(ctx, "test.a", 2)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestScheduler_RecordQueueDepths(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()
	s := New(nil, gw, config.SchedulerConfig{}, logger.NopLogger())

	send(t, gw, "depth.a", 3)
	send(t, gw, "depth.b", 1)
	require.NoError(t, s.RecordQueueDepths(ctx))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("depth.a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("depth.b")))

	_, err := broker.Drain(ctx, gw, "depth.b")
	require.NoError(t, err)
	require.NoError(t, s.RecordQueueDepths(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("depth.b")))
}
