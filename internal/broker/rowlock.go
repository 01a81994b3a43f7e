package broker

import "sync"

// RowLocks emulates SELECT ... FOR UPDATE for in-memory repositories: a
// key stays locked until the transaction that took it ends.
type RowLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRowLocks() *RowLocks {
	return &RowLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until key is free and releases it on commit or rollback of
// tx. A nil tx takes no lock.
func (l *RowLocks) Lock(tx Tx, key string) {
	if tx == nil {
		return
	}

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	tx.OnCommit(m.Unlock)
	tx.OnRollback(m.Unlock)
}
