// Package deadletter keeps a queryable record of messages that were
// discarded as poison or exhausted their deliveries.
package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/pkg/models"
)

const (
	ReasonPermanent     = "permanent"
	ReasonMaxDeliveries = "max_deliveries"
)

type Entry struct {
	ID            string                 `bson:"_id" json:"id"`
	MessageID     string                 `bson:"message_id" json:"message_id"`
	Queue         string                 `bson:"queue" json:"queue"`
	Processor     string                 `bson:"processor" json:"processor"`
	Reason        string                 `bson:"reason" json:"reason"`
	Error         string                 `bson:"error" json:"error"`
	Body          map[string]interface{} `bson:"body" json:"body"`
	Properties    map[string]interface{} `bson:"properties" json:"properties"`
	DeliveryCount int                    `bson:"delivery_count" json:"delivery_count"`
	ArchivedAt    time.Time              `bson:"archived_at" json:"archived_at"`
}

func NewEntry(msg models.Message, processor, reason string, cause error) Entry {
	entry := Entry{
		ID:            uuid.NewString(),
		MessageID:     msg.ID,
		Queue:         msg.Queue,
		Processor:     processor,
		Reason:        reason,
		Body:          msg.Clone().Body,
		Properties:    msg.Clone().Properties,
		DeliveryCount: msg.DeliveryCount,
		ArchivedAt:    time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return entry
}

type Filter struct {
	Queue string
	Limit int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return constants.DefaultLimit
	case f.Limit > constants.MaxLimit:
		return constants.MaxLimit
	default:
		return f.Limit
	}
}

type Archive interface {
	Store(ctx context.Context, entry Entry) error
	// List returns entries newest first.
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// New builds the archive selected by cfg.Archive. db may be nil unless the
// archive is mongodb.
func New(cfg config.DeadLetterConfig, db *mongo.Database) (Archive, error) {
	switch cfg.Archive {
	case constants.ArchiveNone, "":
		return NopArchive{}, nil
	case constants.ArchiveMemory:
		return NewMemoryArchive(), nil
	case constants.ArchiveMongo:
		if db == nil {
			return nil, fmt.Errorf("dead letter archive %q requires a MongoDB connection", cfg.Archive)
		}
		return NewMongoArchive(db, cfg.Collection), nil
	default:
		return nil, fmt.Errorf("unsupported dead letter archive: %s", cfg.Archive)
	}
}

type MongoArchive struct {
	collection *mongo.Collection
}

func NewMongoArchive(db *mongo.Database, collection string) *MongoArchive {
	if collection == "" {
		collection = "dead_letters"
	}
	return &MongoArchive{collection: db.Collection(collection)}
}

func (a *MongoArchive) Store(ctx context.Context, entry Entry) error {
	if _, err := a.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to archive dead letter: %w", err)
	}
	return nil
}

func (a *MongoArchive) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := bson.M{}
	if filter.Queue != "" {
		query["queue"] = filter.Queue
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "archived_at", Value: -1}}).
		SetLimit(int64(filter.limit()))

	cursor, err := a.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	entries := []Entry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode dead letters: %w", err)
	}
	return entries, nil
}

type MemoryArchive struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

func (a *MemoryArchive) Store(ctx context.Context, entry Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *MemoryArchive) List(ctx context.Context, filter Filter) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Entry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0 && len(out) < filter.limit(); i-- {
		if filter.Queue == "" || a.entries[i].Queue == filter.Queue {
			out = append(out, a.entries[i])
		}
	}
	return out, nil
}

// NopArchive drops entries; the processor log line is the only record.
type NopArchive struct{}

func (NopArchive) Store(ctx context.Context, entry Entry) error {
	return nil
}

func (NopArchive) List(ctx context.Context, filter Filter) ([]Entry, error) {
	return []Entry{}, nil
}
