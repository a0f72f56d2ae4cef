// Package mongostore provides MongoDB-backed implementations of every
// storage.* contract: simple find/updateMany with status codes, because
// exactly one poller is expected to run per outbox/scheduler (enforced
// by internal/common/leader election). Two stores go further: the queue
// store claims each message with FindOneAndUpdate, and the saga
// repository updates with UpdateOne filtered on the expected version
// because saga writers are not serialized by leader election.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/koalafacts/heromessaging-go/internal/common/tsid"
	"github.com/koalafacts/heromessaging-go/storage"
)

// OutboxStore is a storage.OutboxStore backed by a MongoDB collection.
type OutboxStore struct {
	collection *mongo.Collection
}

// NewOutboxStore wraps the given collection as a storage.OutboxStore.
func NewOutboxStore(db *mongo.Database, collectionName string) *OutboxStore {
	if collectionName == "" {
		collectionName = "outbox"
	}
	return &OutboxStore{collection: db.Collection(collectionName)}
}

// CreateIndexes creates the indexes FetchPending/FetchStuck/FetchRecoverable
// rely on.
func (s *OutboxStore) CreateIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "messageGroup", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().
				SetName("idx_pending").
				SetPartialFilterExpression(bson.M{"status": int(storage.OutboxPending)}),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updatedAt", Value: 1},
			},
			Options: options.Index().SetName("idx_recoverable"),
		},
	})
	if err != nil {
		return fmt.Errorf("create outbox indexes: %w", err)
	}
	return nil
}

func (s *OutboxStore) Insert(ctx context.Context, entry *storage.OutboxEntry) error {
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	now := time.Now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now

	doc := bson.M{
		"_id":          entry.ID,
		"messageType":  entry.MessageType,
		"messageGroup": entry.MessageGroup,
		"payload":      entry.Payload,
		"status":       int(entry.Status),
		"retryCount":   entry.RetryCount,
		"createdAt":    entry.CreatedAt,
		"updatedAt":    entry.UpdatedAt,
		"errorMessage": entry.ErrorMessage,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*storage.OutboxEntry, error) {
	filter := bson.M{"status": int(storage.OutboxPending)}
	opts := options.Find().
		SetSort(bson.D{{Key: "messageGroup", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox entries: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeOutboxCursor(ctx, cursor)
}

func (s *OutboxStore) FetchFailed(ctx context.Context, limit int) ([]*storage.OutboxEntry, error) {
	filter := bson.M{"status": int(storage.OutboxPermanent)}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch failed outbox entries: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeOutboxCursor(ctx, cursor)
}

func (s *OutboxStore) MarkInProgress(ctx context.Context, ids []string) error {
	return s.setStatus(ctx, ids, storage.OutboxInProgress, "")
}

func (s *OutboxStore) MarkStatus(ctx context.Context, ids []string, status storage.OutboxStatus, errMsg string) error {
	return s.setStatus(ctx, ids, status, errMsg)
}

func (s *OutboxStore) setStatus(ctx context.Context, ids []string, status storage.OutboxStatus, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	set := bson.M{"status": int(status), "updatedAt": time.Now().UTC()}
	if errMsg != "" {
		set["errorMessage"] = errMsg
	}
	if _, err := s.collection.UpdateMany(ctx, filter, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("mark outbox status %d: %w", status, err)
	}
	return nil
}

func (s *OutboxStore) FetchStuck(ctx context.Context) ([]*storage.OutboxEntry, error) {
	filter := bson.M{"status": int(storage.OutboxInProgress)}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck outbox entries: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeOutboxCursor(ctx, cursor)
}

func (s *OutboxStore) ResetStuck(ctx context.Context, ids []string) error {
	return s.setStatus(ctx, ids, storage.OutboxPending, "")
}

func (s *OutboxStore) IncrementRetry(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	update := bson.M{
		"$set": bson.M{"status": int(storage.OutboxPending), "updatedAt": time.Now().UTC()},
		"$inc": bson.M{"retryCount": 1},
	}
	if _, err := s.collection.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("increment outbox retry count: %w", err)
	}
	return nil
}

func (s *OutboxStore) FetchRecoverable(ctx context.Context, olderThan time.Duration, limit int) ([]*storage.OutboxEntry, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	filter := bson.M{
		"status":    bson.M{"$nin": []int{int(storage.OutboxSuccess), int(storage.OutboxPermanent)}},
		"updatedAt": bson.M{"$lt": cutoff},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch recoverable outbox entries: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeOutboxCursor(ctx, cursor)
}

func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": int(storage.OutboxPending)})
	if err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	return count, nil
}

func decodeOutboxCursor(ctx context.Context, cursor *mongo.Cursor) ([]*storage.OutboxEntry, error) {
	var entries []*storage.OutboxEntry
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode outbox document: %w", err)
		}
		entries = append(entries, outboxFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}

func outboxFromDoc(doc bson.M) *storage.OutboxEntry {
	e := &storage.OutboxEntry{}
	if v, ok := doc["_id"].(string); ok {
		e.ID = v
	}
	if v, ok := doc["messageType"].(string); ok {
		e.MessageType = v
	}
	if v, ok := doc["messageGroup"].(string); ok {
		e.MessageGroup = v
	}
	if v, ok := doc["payload"].(primitive.Binary); ok {
		e.Payload = v.Data
	} else if v, ok := doc["payload"].(string); ok {
		e.Payload = []byte(v)
	}
	e.Status = storage.OutboxStatus(toInt(doc["status"]))
	e.RetryCount = toInt(doc["retryCount"])
	if v, ok := doc["createdAt"].(time.Time); ok {
		e.CreatedAt = v
	}
	if v, ok := doc["updatedAt"].(time.Time); ok {
		e.UpdatedAt = v
	}
	if v, ok := doc["errorMessage"].(string); ok {
		e.ErrorMessage = v
	}
	return e
}

func toInt(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
