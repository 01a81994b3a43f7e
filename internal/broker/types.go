package broker

import (
	"context"
	"database/sql"
	"time"

	"mingle/pkg/models"
)

// DBTX is the subset of *sql.DB and *sql.Tx used by repositories.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLSource hands out the current connection pool. The pool may be replaced
// after a reconnect, so callers must not cache the result.
type SQLSource interface {
	DB() *sql.DB
}

// Producer enqueues messages. A batch is sent atomically: either every
// message is enqueued or none is.
type Producer interface {
	Send(ctx context.Context, queue string, msgs ...models.Message) error
}

// Tx is a unit of work spanning queue operations and, for the Postgres
// gateway, arbitrary SQL. Sends become visible and acks take effect only
// when Commit succeeds.
type Tx interface {
	Producer

	// Ack removes a leased message as part of the transaction.
	Ack(ctx context.Context, msg models.Message) error

	// CountByProperty counts un-acknowledged messages on any queue whose
	// property name equals value, as seen from inside the transaction.
	CountByProperty(ctx context.Context, name, value string) (int, error)

	// SQL returns the relational transaction, or nil when the gateway has none.
	SQL() DBTX

	// OnCommit and OnRollback register callbacks run after the transaction
	// ends. Callbacks run in reverse registration order.
	OnCommit(fn func())
	OnRollback(fn func())

	Commit() error
	Rollback() error
}

// Gateway is the contract between processors and the queue store.
type Gateway interface {
	Producer

	// ReceiveBatch leases up to max messages in FIFO order. Leased messages
	// are invisible to other receivers until acked, nacked or the lease expires.
	ReceiveBatch(ctx context.Context, queue string, max int) ([]models.Message, error)

	// Browse returns the messages on queue matching selector without leasing them.
	Browse(ctx context.Context, queue, selector string) ([]models.Message, error)

	Size(ctx context.Context, queue string) (int, error)
	Ack(ctx context.Context, msg models.Message) error

	// Nack releases the lease; the message becomes visible again after delay.
	Nack(ctx context.Context, msg models.Message, delay time.Duration) error

	CountByProperty(ctx context.Context, name, value string) (int, error)
	Begin(ctx context.Context) (Tx, error)

	// ReleaseExpiredLeases clears leases whose deadline has passed.
	ReleaseExpiredLeases(ctx context.Context) (int64, error)

	// Queues lists the queues that currently hold messages.
	Queues(ctx context.Context) ([]string, error)

	// ConnectionAttempts counts connection attempts since start.
	ConnectionAttempts() int64

	Close() error
}

// Conn picks the connection a repository should use: the transaction when
// one is given, the shared pool otherwise.
func Conn(src SQLSource, tx Tx) DBTX {
	if tx != nil {
		if q := tx.SQL(); q != nil {
			return q
		}
	}
	return src.DB()
}

// hooks collects commit and rollback callbacks for a transaction.
type hooks struct {
	onCommit   []func()
	onRollback []func()
}

func (h *hooks) OnCommit(fn func()) {
	h.onCommit = append(h.onCommit, fn)
}

func (h *hooks) OnRollback(fn func()) {
	h.onRollback = append(h.onRollback, fn)
}

func (h *hooks) runCommit() {
	for i := len(h.onCommit) - 1; i >= 0; i-- {
		h.onCommit[i]()
	}
}

func (h *hooks) runRollback() {
	for i := len(h.onRollback) - 1; i >= 0; i-- {
		h.onRollback[i]()
	}
}

// AsSQLSource returns the relational pool behind gw, looking through
// decorators that implement Unwrap() Gateway.
func AsSQLSource(gw Gateway) (SQLSource, bool) {
	for gw != nil {
		if src, ok := gw.(SQLSource); ok {
			return src, true
		}
		u, ok := gw.(interface{ Unwrap() Gateway })
		if !ok {
			return nil, false
		}
		gw = u.Unwrap()
	}
	return nil, false
}
