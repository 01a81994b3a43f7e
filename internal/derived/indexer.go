// Package derived maintains state computed from entity snapshots: the
// full-text search documents and per-project card aggregates.
package derived

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"mingle/internal/broker"
	"mingle/internal/history"
)

// Indexer refreshes the search documents of entities from their latest
// snapshot. Entities without a snapshot lose their document.
type Indexer interface {
	Index(ctx context.Context, tx broker.Tx, entityType string, ids []int64) error
}

// NewIndexer picks the Postgres indexer when gw is backed by a database.
func NewIndexer(gw broker.Gateway, snapshots history.Repository) Indexer {
	if src, ok := broker.AsSQLSource(gw); ok {
		return NewPostgresIndexer(src, snapshots)
	}
	return NewMemoryIndexer(snapshots)
}

// PostgresIndexer stores documents as tsvectors in search_documents.
type PostgresIndexer struct {
	src       broker.SQLSource
	snapshots history.Repository
}

func NewPostgresIndexer(src broker.SQLSource, snapshots history.Repository) *PostgresIndexer {
	return &PostgresIndexer{src: src, snapshots: snapshots}
}

func (i *PostgresIndexer) Index(ctx context.Context, tx broker.Tx, entityType string, ids []int64) error {
	conn := broker.Conn(i.src, tx)

	for _, id := range ids {
		s, err := i.snapshots.LatestSnapshot(ctx, tx, entityType, id)
		if err != nil {
			return err
		}

		if s == nil {
			if _, err := conn.ExecContext(ctx,
				`DELETE FROM search_documents WHERE entity_type = $1 AND entity_id = $2`, entityType, id,
			); err != nil {
				return fmt.Errorf("failed to remove search document: %w", err)
			}
			continue
		}

		query := `
			INSERT INTO search_documents (entity_type, entity_id, project_id, version, document, updated_at)
			VALUES ($1, $2, $3, $4, to_tsvector('simple', $5), NOW())
			ON CONFLICT (entity_type, entity_id)
			DO UPDATE SET project_id = EXCLUDED.project_id,
			              version = EXCLUDED.version,
			              document = EXCLUDED.document,
			              updated_at = NOW()
			WHERE search_documents.version <= EXCLUDED.version
		`
		if _, err := conn.ExecContext(ctx, query,
			entityType, id, s.ProjectID, s.Version, documentText(s.Fields),
		); err != nil {
			return fmt.Errorf("failed to upsert search document: %w", err)
		}
	}
	return nil
}

// Document is an indexed entity as kept by MemoryIndexer.
type Document struct {
	ProjectID int64
	Version   int
	Terms     []string
}

type documentKey struct {
	entityType string
	entityID   int64
}

type MemoryIndexer struct {
	mu        sync.Mutex
	snapshots history.Repository
	docs      map[documentKey]Document
}

func NewMemoryIndexer(snapshots history.Repository) *MemoryIndexer {
	return &MemoryIndexer{snapshots: snapshots, docs: make(map[documentKey]Document)}
}

func (i *MemoryIndexer) Index(ctx context.Context, tx broker.Tx, entityType string, ids []int64) error {
	for _, id := range ids {
		s, err := i.snapshots.LatestSnapshot(ctx, tx, entityType, id)
		if err != nil {
			return err
		}

		key := documentKey{entityType, id}
		i.mu.Lock()
		prev, existed := i.docs[key]
		if s == nil {
			delete(i.docs, key)
		} else {
			i.docs[key] = Document{ProjectID: s.ProjectID, Version: s.Version, Terms: terms(documentText(s.Fields))}
		}
		i.mu.Unlock()

		if tx != nil {
			tx.OnRollback(func() {
				i.mu.Lock()
				defer i.mu.Unlock()
				if existed {
					i.docs[key] = prev
				} else {
					delete(i.docs, key)
				}
			})
		}
	}
	return nil
}

func (i *MemoryIndexer) Document(entityType string, id int64) (Document, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	d, ok := i.docs[documentKey{entityType, id}]
	return d, ok
}

// Search returns the ids of entities whose document contains every term of query.
func (i *MemoryIndexer) Search(entityType, query string) []int64 {
	want := terms(query)

	i.mu.Lock()
	defer i.mu.Unlock()

	var ids []int64
	for key, doc := range i.docs {
		if key.entityType != entityType {
			continue
		}
		if containsAll(doc.Terms, want) {
			ids = append(ids, key.entityID)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// documentText joins field values in field order so equal snapshots index identically.
func documentText(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, 0, len(names))
	for _, name := range names {
		if v := strings.TrimSpace(fields[name]); v != "" {
			values = append(values, v)
		}
	}
	return strings.Join(values, " ")
}

func terms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	sort.Strings(words)

	out := words[:0]
	for idx, w := range words {
		if idx == 0 || w != words[idx-1] {
			out = append(out, w)
		}
	}
	return out
}

func containsAll(sorted, want []string) bool {
	for _, w := range want {
		n := sort.SearchStrings(sorted, w)
		if n == len(sorted) || sorted[n] != w {
			return false
		}
	}
	return true
}
