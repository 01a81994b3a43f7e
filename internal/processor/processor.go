package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mingle/internal/broker"
	"mingle/internal/constants"
	"mingle/internal/deadletter"
	"mingle/internal/logger"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/logging"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
	"mingle/pkg/retry"
	"mingle/pkg/tracing"
)

// Handler performs the derived-state work for one message. Writes and
// cascade sends must go through tx so they commit together with the
// acknowledgement. Handlers return errors unclassified.
type Handler interface {
	Handle(ctx context.Context, tx broker.Tx, msg models.Message) error
}

type HandlerFunc func(ctx context.Context, tx broker.Tx, msg models.Message) error

func (f HandlerFunc) Handle(ctx context.Context, tx broker.Tx, msg models.Message) error {
	return f(ctx, tx, msg)
}

// Acknowledger is told about every message acknowledged by a processor,
// inside the acknowledging transaction.
type Acknowledger interface {
	OnAcknowledge(ctx context.Context, tx broker.Tx, msg models.Message) error
}

type Outcome string

const (
	OutcomeCommitted    Outcome = "committed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDiscarded    Outcome = "discarded"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeAbandoned means the outcome could not be recorded; the message
	// stays leased and is redelivered when the lease expires.
	OutcomeAbandoned Outcome = "abandoned"
)

type Config struct {
	Name            string
	Queue           string
	BatchSize       int
	MaxDeliveries   int
	Redelivery      retry.Policy
	DeadLetterQueue string
	HandlerTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultBatchSize
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = constants.DefaultMaxDeliveries
	}
	if c.Redelivery.Multiplier <= 0 {
		c.Redelivery.Multiplier = 2
	}
	if c.Redelivery.MaxInterval <= 0 {
		c.Redelivery.MaxInterval = constants.DefaultMaxRedelivery
	}
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = c.Queue + constants.DeadLetterSuffix
	}
	return c
}

// Result counts what happened to the messages of one batch.
type Result struct {
	Received     int
	Committed    int
	Skipped      int
	Requeued     int
	Discarded    int
	DeadLettered int
	Abandoned    int
}

func (r *Result) add(o Outcome) {
	switch o {
	case OutcomeCommitted:
		r.Committed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeRequeued:
		r.Requeued++
	case OutcomeDiscarded:
		r.Discarded++
	case OutcomeDeadLettered:
		r.DeadLettered++
	case OutcomeAbandoned:
		r.Abandoned++
	}
}

// Processor consumes one queue. Every message is handled in its own
// transaction: the handler's writes, its cascade sends and the
// acknowledgement commit or roll back together.
type Processor struct {
	cfg     Config
	gateway broker.Gateway
	handler Handler
	acker   Acknowledger
	archive deadletter.Archive
	logger  logger.Logger
}

type Option func(*Processor)

// WithAcknowledger registers group bookkeeping run inside every
// acknowledging transaction.
func WithAcknowledger(a Acknowledger) Option {
	return func(p *Processor) {
		p.acker = a
	}
}

func WithArchive(a deadletter.Archive) Option {
	return func(p *Processor) {
		p.archive = a
	}
}

func New(cfg Config, gw broker.Gateway, handler Handler, log logger.Logger, opts ...Option) (*Processor, error) {
	if cfg.Name == "" {
		return nil, apperrors.ErrValidation.WithMessage("processor name is required")
	}
	if err := models.ValidateQueueName(cfg.Queue); err != nil {
		return nil, apperrors.ErrValidation.WithCause(err)
	}
	if handler == nil {
		return nil, apperrors.ErrValidation.WithMessage("processor handler is required")
	}

	p := &Processor{
		cfg:     cfg.withDefaults(),
		gateway: gw,
		handler: handler,
		archive: deadletter.NopArchive{},
		logger:  log.With("processor", cfg.Name, "queue", cfg.Queue),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := models.ValidateQueueName(p.cfg.DeadLetterQueue); err != nil {
		return nil, apperrors.ErrValidation.WithCause(err)
	}
	return p, nil
}

func (p *Processor) Name() string {
	return p.cfg.Name
}

func (p *Processor) Queue() string {
	return p.cfg.Queue
}

func (p *Processor) Config() Config {
	return p.cfg
}

// RunOnce pulls up to batchSize messages and handles each of them. It
// returns after the pulled batch, immediately when the queue is empty.
// The returned error is an infrastructure failure; handler failures are
// absorbed into the Result. When ctx is cancelled, messages not yet
// handled are returned to the queue.
func (p *Processor) RunOnce(ctx context.Context, batchSize int) (Result, error) {
	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}

	var result Result
	msgs, err := p.gateway.ReceiveBatch(ctx, p.cfg.Queue, batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to receive from %s: %w", p.cfg.Queue, err)
	}
	result.Received = len(msgs)
	metrics.ObserveBatchSize(p.cfg.Name, len(msgs))

	for i, msg := range msgs {
		if ctx.Err() != nil {
			p.release(msgs[i:])
			return result, ctx.Err()
		}

		outcome, err := p.process(ctx, msg)
		result.add(outcome)
		if err != nil {
			p.release(msgs[i+1:])
			return result, err
		}
	}
	return result, nil
}

// release returns leased messages to the queue without counting a failure.
func (p *Processor) release(msgs []models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, msg := range msgs {
		if err := p.gateway.Nack(ctx, msg, 0); err != nil {
			p.logger.Warnw("Failed to release message, it is redelivered after the lease expires",
				"message_id", msg.ID, "error", err)
		}
	}
}

// process runs msg through the handler and records the outcome. A non-nil
// error is a broker failure; the rest of the batch is released to the queue.
func (p *Processor) process(ctx context.Context, msg models.Message) (Outcome, error) {
	start := time.Now()

	ctx, span := tracing.StartConsumerSpan(ctx, p.cfg.Name, msg)
	defer span.End()

	ctx = logging.WithTraceID(ctx, tracing.TraceID(ctx))
	ctx = logging.WithMessageID(ctx, msg.ID)
	ctx = logging.WithQueue(ctx, msg.Queue)
	ctx = logging.WithProcessor(ctx, p.cfg.Name)
	if group := msg.GroupID(); group != "" {
		ctx = logging.WithGroupID(ctx, group)
	}

	outcome, handlerErr, err := p.handle(ctx, msg)
	if err != nil {
		outcome = OutcomeAbandoned
	}

	span.SetAttributes(outcomeAttr(outcome))
	if handlerErr != nil {
		span.RecordError(handlerErr)
	}
	if err != nil || outcome == OutcomeDiscarded || outcome == OutcomeDeadLettered {
		span.SetStatus(codes.Error, string(outcome))
	}

	metrics.IncMessagesProcessed(p.cfg.Name, p.cfg.Queue, string(outcome))
	metrics.ObserveMessageProcessing(p.cfg.Name, string(outcome), time.Since(start))

	if err != nil && isFatal(err) {
		return outcome, err
	}
	if err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to record message outcome, message stays leased",
			"handler_error", handlerErr, "error", err)
	}
	return outcome, nil
}

func (p *Processor) handle(ctx context.Context, msg models.Message) (Outcome, error, error) {
	handlerErr, err := p.attempt(ctx, msg)
	if err != nil {
		return "", handlerErr, err
	}
	if handlerErr == nil {
		p.logger.DebugwCtx(ctx, "Message processed")
		return OutcomeCommitted, nil, nil
	}

	switch Classify(handlerErr) {
	case apperrors.ClassSkip:
		p.logger.DebugwCtx(ctx, "Referenced entity is gone, acknowledging without changes", "reason", handlerErr)
		return OutcomeSkipped, handlerErr, p.acknowledge(ctx, msg)

	case apperrors.ClassPermanent:
		p.logger.ErrorwCtx(ctx, "Discarding poison message",
			"error", handlerErr,
			"delivery_count", msg.DeliveryCount,
			"body", msg.Body,
		)
		metrics.IncDLQ(p.cfg.Name, p.cfg.Queue, deadletter.ReasonPermanent)
		p.archiveEntry(ctx, msg, deadletter.ReasonPermanent, handlerErr)
		return OutcomeDiscarded, handlerErr, p.acknowledge(ctx, msg)

	default:
		if apperrors.IsLeaseLost(handlerErr) {
			p.logger.WarnwCtx(ctx, "Lease lost before commit, another delivery owns the message", "error", handlerErr)
			return OutcomeRequeued, handlerErr, nil
		}

		if msg.DeliveryCount >= p.cfg.MaxDeliveries {
			p.logger.ErrorwCtx(ctx, "Message exhausted its deliveries, moving to dead letter queue",
				"error", handlerErr,
				"delivery_count", msg.DeliveryCount,
				"dead_letter_queue", p.cfg.DeadLetterQueue,
			)
			if err := p.deadLetter(ctx, msg, handlerErr); err != nil {
				return "", handlerErr, err
			}
			metrics.IncDLQ(p.cfg.Name, p.cfg.Queue, deadletter.ReasonMaxDeliveries)
			p.archiveEntry(ctx, msg, deadletter.ReasonMaxDeliveries, handlerErr)
			return OutcomeDeadLettered, handlerErr, nil
		}

		delay := retry.RedeliveryDelay(p.cfg.Redelivery, msg.DeliveryCount)
		p.logger.WarnwCtx(ctx, "Transient failure, message will be redelivered",
			"error", handlerErr,
			"delivery_count", msg.DeliveryCount,
			"max_deliveries", p.cfg.MaxDeliveries,
			"redelivery_delay", delay,
		)
		metrics.IncRedelivery(p.cfg.Name, p.cfg.Queue)
		if err := p.gateway.Nack(context.WithoutCancel(ctx), msg, delay); err != nil {
			return "", handlerErr, err
		}
		return OutcomeRequeued, handlerErr, nil
	}
}

// attempt runs the handler and, when it succeeds, acknowledges msg in the
// same transaction. The first return value is the handler (or commit)
// failure to classify; the second is a failure to open the transaction.
func (p *Processor) attempt(ctx context.Context, msg models.Message) (error, error) {
	tx, err := p.gateway.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := p.invoke(ctx, tx, msg); err != nil {
		return err, nil
	}
	if err := tx.Ack(ctx, msg); err != nil {
		return err, nil
	}
	if p.acker != nil {
		if err := p.acker.OnAcknowledge(ctx, tx, msg); err != nil {
			return err, nil
		}
	}
	return tx.Commit(), nil
}

// invoke calls the handler with the per-message timeout and converts a
// panic into a permanent failure.
func (p *Processor) invoke(ctx context.Context, tx broker.Tx, msg models.Message) (err error) {
	if p.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
		}
	}()

	return p.handler.Handle(ctx, tx, msg)
}

// acknowledge removes msg without any handler writes.
func (p *Processor) acknowledge(ctx context.Context, msg models.Message) error {
	tx, err := p.gateway.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Ack(ctx, msg); err != nil {
		return err
	}
	if p.acker != nil {
		if err := p.acker.OnAcknowledge(ctx, tx, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// deadLetter moves msg to the dead letter queue. The copy leaves its
// message group, so a poisoned member cannot keep a job open forever.
func (p *Processor) deadLetter(ctx context.Context, msg models.Message, cause error) error {
	tx, err := p.gateway.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	dead := msg.Clone()
	if group := dead.GroupID(); group != "" {
		dead = dead.WithoutProperty(models.PropertyMessageGroupID).
			WithProperty(models.PropertyOriginalMessageGroupID, group)
	}
	dead = dead.
		WithProperty(models.PropertyDeadLetterReason, truncate(cause.Error(), 512)).
		WithProperty(models.PropertyDeadLetterSourceQueue, msg.Queue)

	if err := tx.Send(ctx, p.cfg.DeadLetterQueue, dead); err != nil {
		return err
	}
	if err := tx.Ack(ctx, msg); err != nil {
		return err
	}
	if p.acker != nil {
		if err := p.acker.OnAcknowledge(ctx, tx, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Processor) archiveEntry(ctx context.Context, msg models.Message, reason string, cause error) {
	if err := p.archive.Store(ctx, deadletter.NewEntry(msg, p.cfg.Name, reason, cause)); err != nil {
		p.logger.WarnwCtx(ctx, "Failed to archive dead letter", "error", err)
	}
}

// isFatal reports whether err means the broker cannot be reached any more.
func isFatal(err error) bool {
	var appErr *apperrors.Error
	return errors.As(err, &appErr) && appErr.Code == apperrors.ErrServiceUnavailable.Code && appErr.IsFatal()
}

func outcomeAttr(o Outcome) attribute.KeyValue {
	return attribute.String("mingle.outcome", string(o))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
