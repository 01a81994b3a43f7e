package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/history"
	"mingle/internal/logger"
	"mingle/pkg/circuitbreaker"
	"mingle/pkg/tracing"
)

// Notification is what subscribers receive for one generated event.
type Notification struct {
	EventID    int64            `json:"event_id"`
	ProjectID  int64            `json:"project_id"`
	EntityType string           `json:"entity_type"`
	EntityID   int64            `json:"entity_id"`
	Version    int              `json:"version"`
	Changes    []history.Change `json:"changes"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func (n Notification) key() []byte {
	return []byte(strconv.FormatInt(n.EventID, 10))
}

type Sink interface {
	Name() string
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// NewSink builds the sink selected by cfg.Sink.
func NewSink(cfg config.NotificationsConfig, log logger.Logger) (Sink, error) {
	switch cfg.Sink {
	case "", constants.SinkLog:
		return NewLogSink(log), nil
	case constants.SinkKafka:
		return NewKafkaSink(cfg.Kafka), nil
	case constants.SinkNATS:
		sink, err := NewNATSSink(cfg.NATS)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case constants.SinkWebhook:
		return NewWebhookSink(cfg.Webhook), nil
	default:
		return nil, fmt.Errorf("unknown notification sink %q", cfg.Sink)
	}
}

// BreakerSink fails fast while the wrapped sink keeps failing.
type BreakerSink struct {
	sink Sink
	cb   *circuitbreaker.Wrapper
}

// WithBreaker wraps sink when the breaker is enabled in cfg.
func WithBreaker(sink Sink, cfg config.CircuitBreakerConfig) Sink {
	cb := circuitbreaker.FromConfig("notify-"+sink.Name(), cfg)
	if cb == nil {
		return sink
	}
	return &BreakerSink{sink: sink, cb: cb}
}

func (s *BreakerSink) Name() string { return s.sink.Name() }

func (s *BreakerSink) Publish(ctx context.Context, n Notification) error {
	_, err := s.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, s.sink.Publish(ctx, n)
	})
	s.cb.RecordRequest(err == nil)
	if err != nil && s.cb.IsOpen() {
		return fmt.Errorf("circuit breaker is open for %s: %w", s.cb.Name(), err)
	}
	return err
}

func (s *BreakerSink) Close() error {
	return s.sink.Close()
}

type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return constants.SinkKafka }

func (s *KafkaSink) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:     n.key(),
		Value:   body,
		Headers: tracing.InjectKafkaHeaders(ctx, nil),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSink(cfg config.NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("mingle-notifications"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSSink{conn: nc, subject: cfg.Subject}, nil
}

func (s *NATSSink) Name() string { return constants.SinkNATS }

func (s *NATSSink) Conn() *nats.Conn { return s.conn }

// Publish waits for the server to acknowledge the flush, so a nil error
// means the message left the process.
func (s *NATSSink) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = body
	msg.Header.Set("Mingle-Event-Id", string(n.key()))
	tracing.InjectNATSHeaders(ctx, msg)

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish nats message: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constants.KafkaWriteTimeout)
		defer cancel()
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush nats connection: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// LogSink writes notifications to the service log.
type LogSink struct {
	logger logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

func (s *LogSink) Name() string { return constants.SinkLog }

func (s *LogSink) Publish(ctx context.Context, n Notification) error {
	s.logger.InfowCtx(ctx, "Notification",
		"event_id", n.EventID,
		"project_id", n.ProjectID,
		"entity_type", n.EntityType,
		"entity_id", n.EntityID,
		"version", n.Version,
		"changes", len(n.Changes),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// MemorySink keeps published notifications. Setting Err makes every
// publish fail with it.
type MemorySink struct {
	mu        sync.Mutex
	published []Notification
	Err       error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Publish(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.published = append(s.published, n)
	return nil
}

func (s *MemorySink) Published() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.published))
	copy(out, s.published)
	return out
}

func (s *MemorySink) Close() error { return nil }
