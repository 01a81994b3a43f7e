package broker

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"mingle/internal/constants"
	"mingle/pkg/cel"
	"mingle/pkg/models"
)

type memEntry struct {
	msg        models.Message
	seq        int64
	leaseID    string
	leaseUntil time.Time
	visibleAt  time.Time
}

func (e *memEntry) available(now time.Time) bool {
	if now.Before(e.visibleAt) {
		return false
	}
	return e.leaseID == "" || !now.Before(e.leaseUntil)
}

// MemoryGateway is an in-process Gateway with the same lease and
// transaction semantics as the Postgres gateway. Used by tests and by the
// "memory" broker type.
type MemoryGateway struct {
	mu       sync.Mutex
	queues   map[string][]*memEntry
	seq      int64
	lease    time.Duration
	now      func() time.Time
	selector *cel.Evaluator
	attempts atomic.Int64
}

type MemoryOption func(*MemoryGateway)

func WithMemoryLeaseDuration(d time.Duration) MemoryOption {
	return func(g *MemoryGateway) {
		if d > 0 {
			g.lease = d
		}
	}
}

// WithMemoryClock replaces time.Now, letting tests move past leases and delays.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGateway) {
		g.now = now
	}
}

func NewMemoryGateway(opts ...MemoryOption) *MemoryGateway {
	g := &MemoryGateway{
		queues:   make(map[string][]*memEntry),
		lease:    constants.DefaultLeaseDuration,
		now:      time.Now,
		selector: cel.NewEvaluator(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.attempts.Add(1)
	return g
}

func (g *MemoryGateway) Send(ctx context.Context, queue string, msgs ...models.Message) error {
	prepared, err := prepareBatch(queue, msgs, g.now())
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.appendLocked(prepared)
	return nil
}

func (g *MemoryGateway) appendLocked(msgs []models.Message) {
	for _, msg := range msgs {
		g.seq++
		g.queues[msg.Queue] = append(g.queues[msg.Queue], &memEntry{msg: msg, seq: g.seq})
	}
}

func (g *MemoryGateway) ReceiveBatch(ctx context.Context, queue string, max int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var out []models.Message
	for _, e := range g.queues[queue] {
		if len(out) >= max {
			break
		}
		if !e.available(now) {
			continue
		}
		e.leaseID = uuid.NewString()
		e.leaseUntil = now.Add(g.lease)
		e.msg.DeliveryCount++

		leased := e.msg.Clone()
		leased.LeaseID = e.leaseID
		out = append(out, leased)
	}
	return out, nil
}

func (g *MemoryGateway) Browse(ctx context.Context, queue, selector string) ([]models.Message, error) {
	compiled, err := g.selector.Compile(selector)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	snapshot := make([]models.Message, 0, len(g.queues[queue]))
	for _, e := range g.queues[queue] {
		snapshot = append(snapshot, e.msg.Clone())
	}
	g.mu.Unlock()

	out := make([]models.Message, 0, len(snapshot))
	for _, msg := range snapshot {
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

func (g *MemoryGateway) Size(ctx context.Context, queue string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues[queue]), nil
}

func (g *MemoryGateway) Ack(ctx context.Context, msg models.Message) error {
	tx, err := g.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Ack(ctx, msg); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (g *MemoryGateway) Nack(ctx context.Context, msg models.Message, delay time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, _ := g.findLocked(msg)
	if e == nil || (msg.LeaseID != "" && e.leaseID != msg.LeaseID) {
		// Already acked or leased to someone else, nothing to release.
		return nil
	}
	e.leaseID = ""
	e.leaseUntil = time.Time{}
	e.visibleAt = g.now().Add(delay)
	return nil
}

func (g *MemoryGateway) CountByProperty(ctx context.Context, name, value string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.countLocked(name, value), nil
}

func (g *MemoryGateway) countLocked(name, value string) int {
	n := 0
	for _, entries := range g.queues {
		for _, e := range entries {
			if propertyEquals(e.msg, name, value) {
				n++
			}
		}
	}
	return n
}

func (g *MemoryGateway) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{g: g}, nil
}

func (g *MemoryGateway) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var released int64
	for _, entries := range g.queues {
		for _, e := range entries {
			if e.leaseID != "" && !now.Before(e.leaseUntil) {
				e.leaseID = ""
				e.leaseUntil = time.Time{}
				released++
			}
		}
	}
	return released, nil
}

func (g *MemoryGateway) Queues(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.queues))
	for name, entries := range g.queues {
		if len(entries) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (g *MemoryGateway) ConnectionAttempts() int64 {
	return g.attempts.Load()
}

func (g *MemoryGateway) Close() error {
	return nil
}

func (g *MemoryGateway) findLocked(msg models.Message) (*memEntry, int) {
	search := func(entries []*memEntry) (*memEntry, int) {
		for i, e := range entries {
			if e.msg.ID == msg.ID {
				return e, i
			}
		}
		return nil, -1
	}

	if msg.Queue != "" {
		return search(g.queues[msg.Queue])
	}
	for _, entries := range g.queues {
		if e, i := search(entries); e != nil {
			return e, i
		}
	}
	return nil, -1
}

func (g *MemoryGateway) removeLocked(e *memEntry) {
	entries := g.queues[e.msg.Queue]
	for i, candidate := range entries {
		if candidate == e {
			g.queues[e.msg.Queue] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func propertyEquals(msg models.Message, name, value string) bool {
	v, ok := msg.Properties[name]
	return ok && v != nil && cast.ToString(v) == value
}

// memoryTx stages sends and acks and applies them under the gateway lock on
// Commit, so other receivers never observe half of a transaction.
type memoryTx struct {
	hooks
	g     *MemoryGateway
	sends []models.Message
	acks  []models.Message
	done  bool
}

func (t *memoryTx) Send(ctx context.Context, queue string, msgs ...models.Message) error {
	if t.done {
		return sql.ErrTxDone
	}
	prepared, err := prepareBatch(queue, msgs, t.g.now())
	if err != nil {
		return err
	}
	t.sends = append(t.sends, prepared...)
	return nil
}

func (t *memoryTx) Ack(ctx context.Context, msg models.Message) error {
	if t.done {
		return sql.ErrTxDone
	}

	for _, staged := range t.acks {
		if staged.ID == msg.ID {
			return nil
		}
	}

	t.g.mu.Lock()
	e, _ := t.g.findLocked(msg)
	valid := e != nil && (msg.LeaseID == "" || e.leaseID == msg.LeaseID)
	t.g.mu.Unlock()

	if !valid {
		return leaseLost(msg)
	}
	t.acks = append(t.acks, msg)
	return nil
}

func (t *memoryTx) CountByProperty(ctx context.Context, name, value string) (int, error) {
	if t.done {
		return 0, sql.ErrTxDone
	}

	t.g.mu.Lock()
	defer t.g.mu.Unlock()

	n := t.g.countLocked(name, value)
	for _, ack := range t.acks {
		if e, _ := t.g.findLocked(ack); e != nil && propertyEquals(e.msg, name, value) {
			n--
		}
	}
	for _, msg := range t.sends {
		if propertyEquals(msg, name, value) {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) SQL() DBTX {
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true

	t.g.mu.Lock()
	entries := make([]*memEntry, 0, len(t.acks))
	for _, ack := range t.acks {
		e, _ := t.g.findLocked(ack)
		if e == nil || (ack.LeaseID != "" && e.leaseID != ack.LeaseID) {
			t.g.mu.Unlock()
			t.runRollback()
			return leaseLost(ack)
		}
		entries = append(entries, e)
	}
	for _, e := range entries {
		t.g.removeLocked(e)
	}
	t.g.appendLocked(t.sends)
	t.g.mu.Unlock()

	t.runCommit()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.runRollback()
	return nil
}
