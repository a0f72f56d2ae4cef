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

// DeadLetterStore is a storage.DeadLetterStore backed by MongoDB.
type DeadLetterStore struct {
	collection *mongo.Collection
}

// NewDeadLetterStore wraps the given collection.
func NewDeadLetterStore(db *mongo.Database, collectionName string) *DeadLetterStore {
	if collectionName == "" {
		collectionName = "dead_letters"
	}
	return &DeadLetterStore{collection: db.Collection(collectionName)}
}

func (s *DeadLetterStore) Insert(ctx context.Context, entry *storage.DeadLetterEntry) error {
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	doc := bson.M{
		"_id":         entry.ID,
		"sourceId":    entry.SourceID,
		"messageType": entry.MessageType,
		"payload":     entry.Payload,
		"reason":      entry.Reason,
		"failedAt":    entry.FailedAt,
		"retryCount":  entry.RetryCount,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert dead letter entry: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "failedAt", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list dead letter entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*storage.DeadLetterEntry
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode dead letter entry: %w", err)
		}
		out = append(out, deadLetterFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter entries: %w", err)
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*storage.DeadLetterEntry, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter entry: %w", err)
	}
	return deadLetterFromDoc(doc), nil
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count dead letter entries: %w", err)
	}
	return count, nil
}

func (s *DeadLetterStore) Statistics(ctx context.Context) (*storage.DeadLetterStatistics, error) {
	stats := &storage.DeadLetterStatistics{
		ByReason:      make(map[string]int64),
		ByMessageType: make(map[string]int64),
	}
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("dead letter statistics: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode dead letter entry: %w", err)
		}
		e := deadLetterFromDoc(doc)
		stats.Total++
		stats.ByReason[e.Reason]++
		stats.ByMessageType[e.MessageType]++
		if stats.OldestFailedAt.IsZero() || e.FailedAt.Before(stats.OldestFailedAt) {
			stats.OldestFailedAt = e.FailedAt
		}
		if e.FailedAt.After(stats.NewestFailedAt) {
			stats.NewestFailedAt = e.FailedAt
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter entries: %w", err)
	}
	return stats, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete dead letter entry: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func deadLetterFromDoc(doc bson.M) *storage.DeadLetterEntry {
	e := &storage.DeadLetterEntry{}
	if v, ok := doc["_id"].(string); ok {
		e.ID = v
	}
	if v, ok := doc["sourceId"].(string); ok {
		e.SourceID = v
	}
	if v, ok := doc["messageType"].(string); ok {
		e.MessageType = v
	}
	if v, ok := doc["payload"].(primitive.Binary); ok {
		e.Payload = v.Data
	} else if v, ok := doc["payload"].(string); ok {
		e.Payload = []byte(v)
	}
	if v, ok := doc["reason"].(string); ok {
		e.Reason = v
	}
	if v, ok := doc["failedAt"].(time.Time); ok {
		e.FailedAt = v
	}
	e.RetryCount = toInt(doc["retryCount"])
	return e
}
