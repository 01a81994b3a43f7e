package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/internal/broker"
	"mingle/internal/deadletter"
	"mingle/internal/logger"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
	"mingle/pkg/retry"
)

const testQueue = "test.work"

type recordingAcker struct {
	mu   sync.Mutex
	acks []models.Message
	err  error
}

func (a *recordingAcker) OnAcknowledge(ctx context.Context, tx broker.Tx, msg models.Message) error {
	if a.err != nil {
		return a.err
	}
	tx.OnCommit(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.acks = append(a.acks, msg)
	})
	return nil
}

func (a *recordingAcker) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks)
}

func newProcessor(t *testing.T, gw broker.Gateway, h Handler, opts ...Option) *Processor {
	t.Helper()
	p, err := New(Config{Name: "test", Queue: testQueue, BatchSize: 10}, gw, h, logger.NopLogger(), opts...)
	require.NoError(t, err)
	return p
}

func failWith(err error) Handler {
	return HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
		return err
	})
}

func sendA1(t *testing.T, gw broker.Gateway) {
	t.Helper()
	require.NoError(t, gw.Send(context.Background(), testQueue, models.NewMessageBuilder().WithField("a", 1).Build()))
}

func TestProcessor_NoLoss(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()

	var (
		mu   sync.Mutex
		seen = map[int]int{}
	)
	p := newProcessor(t, gw, HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.Body["n"].(int)]++
		return nil
	}))

	const n = 37
	for i := 0; i < n; i++ {
		require.NoError(t, gw.Send(ctx, testQueue, models.NewMessageBuilder().WithField("n", i).Build()))
	}

	total := 0
	for {
		res, err := p.RunOnce(ctx, 0)
		require.NoError(t, err)
		if res.Received == 0 {
			break
		}
		assert.Equal(t, res.Received, res.Committed)
		total += res.Committed
	}

	assert.Equal(t, n, total)
	assert.Len(t, seen, n)
	for k, v := range seen {
		assert.Equal(t, 1, v, "message %d handled more than once", k)
	}
}

func TestProcessor_PermanentFailureDiscardsMessage(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()
	archive := deadletter.NewMemoryArchive()
	acker := &recordingAcker{}
	p := newProcessor(t, gw, failWith(apperrors.ErrMalformedMessage), WithArchive(archive), WithAcknowledger(acker))

	sendA1(t, gw)

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)

	size, err := gw.Size(ctx, testQueue)
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Equal(t, 1, acker.count())

	entries, err := archive.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.ReasonPermanent, entries[0].Reason)
	assert.Equal(t, 1, entries[0].Body["a"])
}

func TestProcessor_TransientFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()
	acker := &recordingAcker{}
	p := newProcessor(t, gw, failWith(errors.New("lock wait timeout")), WithAcknowledger(acker))

	sendA1(t, gw)

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Zero(t, acker.count())

	got, err := broker.Drain(ctx, gw, testQueue)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]interface{}{"a": 1}, got[0].Body)
	assert.Equal(t, 2, got[0].DeliveryCount)
}

func TestProcessor_MissingReferentIsAcknowledgedQuietly(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()
	archive := deadletter.NewMemoryArchive()
	acker := &recordingAcker{}

	p := newProcessor(t, gw, HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
		require.NoError(t, tx.Send(ctx, "test.cascade", models.NewMessageBuilder().Build()))
		return apperrors.ErrReferentMissing.WithDetail("id", 1)
	}), WithArchive(archive), WithAcknowledger(acker))

	sendA1(t, gw)

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	size, err := gw.Size(ctx, testQueue)
	require.NoError(t, err)
	assert.Zero(t, size)

	cascaded, err := gw.Size(ctx, "test.cascade")
	require.NoError(t, err)
	assert.Zero(t, cascaded, "writes of a skipped handler are rolled back")

	entries, err := archive.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 1, acker.count())
}

func TestProcessor_SuccessCommitsCascadeWithAck(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()
	acker := &recordingAcker{}

	p := newProcessor(t, gw, HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
		return tx.Send(ctx, "test.cascade", models.NewMessageBuilder().WithField("from", msg.ID).Build())
	}), WithAcknowledger(acker))

	sendA1(t, gw)

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1, acker.count())

	cascaded, err := broker.Drain(ctx, gw, "test.cascade")
	require.NoError(t, err)
	assert.Len(t, cascaded, 1)
}

func TestProcessor_FailureRollsBackCascade(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()

	p := newProcessor(t, gw, HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
		if err := tx.Send(ctx, "test.cascade", models.NewMessageBuilder().Build()); err != nil {
			return err
		}
		return errors.New("connection reset")
	}))

	sendA1(t, gw)

	_, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)

	cascaded, err := gw.Size(ctx, "test.cascade")
	require.NoError(t, err)
	assert.Zero(t, cascaded)
}

func TestProcessor_AcknowledgerFailureRequeues(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()
	acker := &recordingAcker{err: errors.New("could not lock group")}

	p := newProcessor(t, gw, failWith(nil), WithAcknowledger(acker))
	sendA1(t, gw)

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	size, err := gw.Size(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestProcessor_PanicIsPermanent(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()

	p := newProcessor(t, gw, HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
		var m map[string]int
		m["boom"] = 1
		return nil
	}))
	sendA1(t, gw)

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)

	size, err := gw.Size(ctx, testQueue)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestProcessor_DeadLettersAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()
	archive := deadletter.NewMemoryArchive()
	acker := &recordingAcker{}

	p, err := New(Config{Name: "test", Queue: testQueue, MaxDeliveries: 2},
		gw, failWith(errors.New("still down")), logger.NopLogger(),
		WithArchive(archive), WithAcknowledger(acker))
	require.NoError(t, err)

	msg := models.NewMessageBuilder().WithField("a", 1).WithGroup("group-1").Build()
	require.NoError(t, gw.Send(ctx, testQueue, msg))

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	res, err = p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	size, err := gw.Size(ctx, testQueue)
	require.NoError(t, err)
	assert.Zero(t, size)

	dead, err := broker.Drain(ctx, gw, testQueue+".dead_letter")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Body["a"])
	assert.Empty(t, dead[0].GroupID(), "dead letters leave their group")
	assert.Equal(t, "group-1", dead[0].StringProperty(models.PropertyOriginalMessageGroupID))
	assert.Equal(t, "still down", dead[0].StringProperty(models.PropertyDeadLetterReason))
	assert.Equal(t, testQueue, dead[0].StringProperty(models.PropertyDeadLetterSourceQueue))

	require.Equal(t, 1, acker.count())
	assert.Equal(t, "group-1", acker.acks[0].GroupID())

	entries, err := archive.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.ReasonMaxDeliveries, entries[0].Reason)
}

func TestProcessor_RedeliveryDelay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	gw := broker.NewMemoryGateway(broker.WithMemoryClock(clock))

	p, err := New(Config{
		Name:       "test",
		Queue:      testQueue,
		Redelivery: retry.Policy{InitialInterval: time.Minute, Multiplier: 2, MaxInterval: time.Hour},
	}, gw, failWith(errors.New("down")), logger.NopLogger())
	require.NoError(t, err)

	sendA1(t, gw)

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.Requeued)

	res, err = p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Received, "message is delayed")

	now = now.Add(time.Minute)
	res, err = p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)
}

func TestProcessor_HandlerTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMemoryGateway()

	p, err := New(Config{Name: "test", Queue: testQueue, HandlerTimeout: 10 * time.Millisecond}, gw,
		HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
			<-ctx.Done()
			return ctx.Err()
		}), logger.NopLogger())
	require.NoError(t, err)

	sendA1(t, gw)

	res, err := p.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
}

func TestProcessor_CancellationReleasesRemainingMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := broker.NewMemoryGateway()

	handled := 0
	p := newProcessor(t, gw, HandlerFunc(func(ctx context.Context, tx broker.Tx, msg models.Message) error {
		handled++
		cancel()
		return nil
	}))

	for i := 0; i < 3; i++ {
		sendA1(t, gw)
	}

	res, err := p.RunOnce(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 1, handled)

	remaining, err := broker.Drain(context.Background(), gw, testQueue)
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "unhandled messages are visible again")
}

func TestProcessor_EmptyQueueReturnsImmediately(t *testing.T) {
	gw := broker.NewMemoryGateway()
	p := newProcessor(t, gw, failWith(nil))

	res, err := p.RunOnce(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestNew_Validation(t *testing.T) {
	gw := broker.NewMemoryGateway()

	_, err := New(Config{Queue: testQueue}, gw, failWith(nil), logger.NopLogger())
	assert.Error(t, err)

	_, err = New(Config{Name: "x", Queue: "Bad"}, gw, failWith(nil), logger.NopLogger())
	assert.Error(t, err)

	_, err = New(Config{Name: "x", Queue: testQueue}, gw, nil, logger.NopLogger())
	assert.Error(t, err)

	p, err := New(Config{Name: "x", Queue: testQueue}, gw, failWith(nil), logger.NopLogger())
	require.NoError(t, err)
	assert.Equal(t, "test.work.dead_letter", p.Config().DeadLetterQueue)
	assert.Equal(t, 5, p.Config().MaxDeliveries)
	assert.Equal(t, 20, p.Config().BatchSize)
}

func TestClassify(t *testing.T) {
	var syntaxErr error
	var v map[string]interface{}
	syntaxErr = json.Unmarshal([]byte("{"), &v)

	tests := []struct {
		name string
		err  error
		want apperrors.Class
	}{
		{"referent missing", apperrors.ErrReferentMissing, apperrors.ClassSkip},
		{"wrapped referent missing", fmt.Errorf("load card: %w", apperrors.ErrReferentMissing.WithDetail("id", 3)), apperrors.ClassSkip},
		{"malformed", apperrors.ErrMalformedMessage, apperrors.ClassPermanent},
		{"validation", apperrors.ErrValidation, apperrors.ClassPermanent},
		{"json syntax", syntaxErr, apperrors.ClassPermanent},
		{"fatal wrapper", retry.NewFatalError(errors.New("bad")), apperrors.ClassPermanent},
		{"models validation", &models.ValidationError{Field: "id", Message: "missing"}, apperrors.ClassPermanent},
		{"unique violation", &pq.Error{Code: "23505"}, apperrors.ClassPermanent},
		{"invalid text representation", &pq.Error{Code: "22P02"}, apperrors.ClassPermanent},
		{"undefined column", fmt.Errorf("query: %w", &pq.Error{Code: "42703"}), apperrors.ClassPermanent},
		{"serialization failure", &pq.Error{Code: "40001"}, apperrors.ClassTransient},
		{"deadlock", &pq.Error{Code: "40P01"}, apperrors.ClassTransient},
		{"lock not available", &pq.Error{Code: "55P03"}, apperrors.ClassTransient},
		{"connection failure", &pq.Error{Code: "08006"}, apperrors.ClassTransient},
		{"deadline", context.DeadlineExceeded, apperrors.ClassTransient},
		{"lease lost", apperrors.ErrLeaseLost, apperrors.ClassTransient},
		{"service unavailable", apperrors.ErrServiceUnavailable, apperrors.ClassTransient},
		{"unknown", errors.New("something"), apperrors.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_UnavailableBrokerIsNeverPoison(t *testing.T) {
	err := apperrors.ErrServiceUnavailable.WithCause(errors.New("dial tcp")).AsFatal()
	assert.Equal(t, apperrors.ClassTransient, Classify(err))
}
