package broker

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mingle/internal/constants"
	"mingle/internal/logger"
	"mingle/pkg/cel"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
	"mingle/pkg/retry"
)

// Opener opens and verifies a connection pool.
type Opener func(ctx context.Context) (*sql.DB, error)

// PostgresOpener returns an Opener for dsn using the lib/pq driver.
func PostgresOpener(dsn string, maxOpen, maxIdle int) Opener {
	return func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if maxOpen > 0 {
			db.SetMaxOpenConns(maxOpen)
		}
		if maxIdle > 0 {
			db.SetMaxIdleConns(maxIdle)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return db, nil
	}
}

type PostgresGatewayConfig struct {
	LeaseDuration time.Duration
	Reconnect     retry.Policy
}

// PostgresGateway keeps queues in the queue_messages table so that sends and
// acknowledgements commit atomically with the derived-state writes of the
// same transaction.
type PostgresGateway struct {
	cfg      PostgresGatewayConfig
	open     Opener
	logger   logger.Logger
	selector *cel.Evaluator

	mu       sync.RWMutex
	db       *sql.DB
	attempts atomic.Int64
}

// NewPostgresGateway connects through open, retrying with the reconnect
// policy. When every attempt fails the error is fatal.
func NewPostgresGateway(ctx context.Context, open Opener, cfg PostgresGatewayConfig, log logger.Logger) (*PostgresGateway, error) {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = constants.DefaultLeaseDuration
	}

	g := &PostgresGateway{
		cfg:      cfg,
		open:     open,
		logger:   log,
		selector: cel.NewEvaluator(),
	}

	db, err := g.connect(ctx)
	if err != nil {
		return nil, err
	}
	g.db = db
	return g, nil
}

func (g *PostgresGateway) connect(ctx context.Context) (*sql.DB, error) {
	var db *sql.DB
	err := retry.RetryWithCallback(ctx, g.cfg.Reconnect, func() error {
		g.attempts.Add(1)
		metrics.BrokerConnectionAttempts.Inc()

		opened, err := g.open(ctx)
		if err != nil {
			return err
		}
		db = opened
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		g.logger.WarnwCtx(ctx, "Broker connection failed, retrying",
			"attempt", attempt,
			"max_attempts", g.cfg.Reconnect.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	if err != nil {
		return nil, apperrors.ErrServiceUnavailable.
			WithCause(err).
			WithDetail("attempts", g.attempts.Load()).
			AsFatal()
	}

	g.logger.InfowCtx(ctx, "Broker connected", "attempts", g.attempts.Load())
	return db, nil
}

// reconnect replaces the pool unless another goroutine already replaced failed.
func (g *PostgresGateway) reconnect(ctx context.Context, failed *sql.DB) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.db != failed {
		return nil
	}

	db, err := g.connect(ctx)
	if err != nil {
		return err
	}
	if g.db != nil {
		g.db.Close()
	}
	g.db = db
	return nil
}

func (g *PostgresGateway) DB() *sql.DB {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.db
}

// withReconnect runs fn and, if it failed because the connection was lost,
// reconnects and runs it once more.
func (g *PostgresGateway) withReconnect(ctx context.Context, op string, fn func(db *sql.DB) error) error {
	db := g.DB()
	err := fn(db)
	if err == nil || !IsConnectionError(err) {
		return err
	}

	g.logger.WarnwCtx(ctx, "Broker connection lost, reconnecting", "operation", op, "error", err)
	if rerr := g.reconnect(ctx, db); rerr != nil {
		return rerr
	}
	return fn(g.DB())
}

func (g *PostgresGateway) Send(ctx context.Context, queue string, msgs ...models.Message) error {
	prepared, err := prepareBatch(queue, msgs, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}

	return g.withReconnect(ctx, "send", func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := insertMessages(ctx, tx, prepared); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func insertMessages(ctx context.Context, q DBTX, msgs []models.Message) error {
	const query = `
		INSERT INTO queue_messages (id, queue, body, properties, created_at, visible_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`
	for _, msg := range msgs {
		body, err := json.Marshal(msg.Body)
		if err != nil {
			return apperrors.ErrValidation.WithCause(fmt.Errorf("failed to marshal body: %w", err))
		}
		props, err := json.Marshal(msg.Properties)
		if err != nil {
			return apperrors.ErrValidation.WithCause(fmt.Errorf("failed to marshal properties: %w", err))
		}
		if _, err := q.ExecContext(ctx, query, msg.ID, msg.Queue, body, props); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}

func (g *PostgresGateway) ReceiveBatch(ctx context.Context, queue string, max int) ([]models.Message, error) {
	if max <= 0 {
		return nil, nil
	}

	const query = `
		WITH selected AS (
			SELECT id FROM queue_messages
			WHERE queue = $1
			AND visible_at <= NOW()
			AND (lease_until IS NULL OR lease_until <= NOW())
			ORDER BY seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages m
		SET lease_id = $3,
			lease_until = NOW() + make_interval(secs => $4),
			delivery_count = m.delivery_count + 1
		FROM selected s
		WHERE m.id = s.id
		RETURNING m.id, m.seq, m.queue, m.body, m.properties, m.delivery_count, m.created_at, m.lease_id
	`

	var out []models.Message
	err := g.withReconnect(ctx, "receive", func(db *sql.DB) error {
		leaseID := uuid.NewString()
		rows, err := db.QueryContext(ctx, query, queue, max, leaseID, g.cfg.LeaseDuration.Seconds())
		if err != nil {
			return err
		}
		defer rows.Close()

		msgs, err := scanMessages(rows, true)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	return out, err
}

type sequenced struct {
	seq int64
	msg models.Message
}

func scanMessages(rows *sql.Rows, leased bool) ([]models.Message, error) {
	var items []sequenced
	for rows.Next() {
		var (
			item        sequenced
			body, props []byte
			leaseID     sql.NullString
		)
		if err := rows.Scan(&item.msg.ID, &item.seq, &item.msg.Queue, &body, &props,
			&item.msg.DeliveryCount, &item.msg.Timestamp, &leaseID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &item.msg.Body); err != nil {
			return nil, fmt.Errorf("failed to decode body of message %s: %w", item.msg.ID, err)
		}
		if err := json.Unmarshal(props, &item.msg.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of message %s: %w", item.msg.ID, err)
		}
		if leased && leaseID.Valid {
			item.msg.LeaseID = leaseID.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE order.
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	out := make([]models.Message, len(items))
	for i, item := range items {
		out[i] = item.msg
	}
	return out, nil
}

func (g *PostgresGateway) Browse(ctx context.Context, queue, selector string) ([]models.Message, error) {
	compiled, err := g.selector.Compile(selector)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT id, seq, queue, body, properties, delivery_count, created_at, lease_id
		FROM queue_messages
		WHERE queue = $1
		ORDER BY seq
	`

	var all []models.Message
	err = g.withReconnect(ctx, "browse", func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, queue)
		if err != nil {
			return err
		}
		defer rows.Close()

		msgs, err := scanMessages(rows, false)
		if err != nil {
			return err
		}
		all = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(all))
	for _, msg := range all {
		ok, err := compiled.Matches(ctx, msg.Properties)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (g *PostgresGateway) Size(ctx context.Context, queue string) (int, error) {
	var n int
	err := g.withReconnect(ctx, "size", func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue = $1`, queue).Scan(&n)
	})
	return n, err
}

func (g *PostgresGateway) Ack(ctx context.Context, msg models.Message) error {
	return g.withReconnect(ctx, "ack", func(db *sql.DB) error {
		return ackMessage(ctx, db, msg)
	})
}

func ackMessage(ctx context.Context, q DBTX, msg models.Message) error {
	var (
		res sql.Result
		err error
	)
	if msg.LeaseID != "" {
		res, err = q.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = $1 AND lease_id = $2`, msg.ID, msg.LeaseID)
	} else {
		res, err = q.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = $1`, msg.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return leaseLost(msg)
	}
	return nil
}

func (g *PostgresGateway) Nack(ctx context.Context, msg models.Message, delay time.Duration) error {
	const query = `
		UPDATE queue_messages
		SET lease_id = NULL, lease_until = NULL, visible_at = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND (lease_id = $2 OR $2 = '')
	`
	return g.withReconnect(ctx, "nack", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, query, msg.ID, msg.LeaseID, delay.Seconds())
		return err
	})
}

func (g *PostgresGateway) CountByProperty(ctx context.Context, name, value string) (int, error) {
	var n int
	err := g.withReconnect(ctx, "count", func(db *sql.DB) error {
		var err error
		n, err = countByProperty(ctx, db, name, value)
		return err
	})
	return n, err
}

func countByProperty(ctx context.Context, q DBTX, name, value string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE properties ->> $1 = $2`, name, value).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (g *PostgresGateway) Begin(ctx context.Context) (Tx, error) {
	var tx *sql.Tx
	err := g.withReconnect(ctx, "begin", func(db *sql.DB) error {
		var err error
		tx, err = db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

func (g *PostgresGateway) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	var n int64
	err := g.withReconnect(ctx, "release_leases", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE queue_messages
			SET lease_id = NULL, lease_until = NULL
			WHERE lease_until IS NOT NULL AND lease_until <= NOW()
		`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (g *PostgresGateway) Queues(ctx context.Context) ([]string, error) {
	var names []string
	err := g.withReconnect(ctx, "queues", func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT DISTINCT queue FROM queue_messages ORDER BY queue`)
		if err != nil {
			return err
		}
		defer rows.Close()

		names = names[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	return names, err
}

func (g *PostgresGateway) ConnectionAttempts() int64 {
	return g.attempts.Load()
}

func (g *PostgresGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

type postgresTx struct {
	hooks
	tx   *sql.Tx
	done bool
}

func (t *postgresTx) Send(ctx context.Context, queue string, msgs ...models.Message) error {
	prepared, err := prepareBatch(queue, msgs, time.Now().UTC())
	if err != nil {
		return err
	}
	return insertMessages(ctx, t.tx, prepared)
}

func (t *postgresTx) Ack(ctx context.Context, msg models.Message) error {
	return ackMessage(ctx, t.tx, msg)
}

func (t *postgresTx) CountByProperty(ctx context.Context, name, value string) (int, error) {
	return countByProperty(ctx, t.tx, name, value)
}

func (t *postgresTx) SQL() DBTX {
	return t.tx
}

func (t *postgresTx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		t.runRollback()
		return err
	}
	t.runCommit()
	return nil
}

func (t *postgresTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	t.runRollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// IsConnectionError reports whether err means the connection itself is
// unusable, as opposed to a failed statement.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || code == "57P01" || code == "57P02" || code == "57P03"
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
