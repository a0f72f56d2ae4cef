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

// QueueStore is a storage.QueueStore backed by two MongoDB collections:
// one registry of queue names and one entry collection keyed by
// (queueName, id). Dequeue claims with a single FindOneAndUpdate that
// stamps the lease, the same atomic claim idiom the leader election
// uses, so two consumers can never hold the same entry.
type QueueStore struct {
	queues  *mongo.Collection
	entries *mongo.Collection
	lease   time.Duration
}

// NewQueueStore wraps the given database. Dequeued entries become
// redeliverable after lease; a non-positive lease defaults to 30s.
func NewQueueStore(db *mongo.Database, lease time.Duration) *QueueStore {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &QueueStore{
		queues:  db.Collection("queues"),
		entries: db.Collection("queue_entries"),
		lease:   lease,
	}
}

func (s *QueueStore) CreateQueue(ctx context.Context, queueName string) error {
	_, err := s.queues.InsertOne(ctx, bson.M{"_id": queueName, "createdAt": time.Now().UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

func (s *QueueStore) DeleteQueue(ctx context.Context, queueName string) error {
	result, err := s.queues.DeleteOne(ctx, bson.M{"_id": queueName})
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	if _, err := s.entries.DeleteMany(ctx, bson.M{"queueName": queueName}); err != nil {
		return fmt.Errorf("delete queue entries: %w", err)
	}
	return nil
}

func (s *QueueStore) ListQueues(ctx context.Context) ([]string, error) {
	cursor, err := s.queues.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer cursor.Close(ctx)

	var names []string
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode queue: %w", err)
		}
		if v, ok := doc["_id"].(string); ok {
			names = append(names, v)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}
	return names, nil
}

func (s *QueueStore) QueueExists(ctx context.Context, queueName string) (bool, error) {
	count, err := s.queues.CountDocuments(ctx, bson.M{"_id": queueName}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("queue exists: %w", err)
	}
	return count > 0, nil
}

func (s *QueueStore) Enqueue(ctx context.Context, queueName string, entry *storage.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = tsid.Generate()
	}
	enqueuedAt := entry.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	doc := bson.M{
		"_id":          entry.ID,
		"queueName":    queueName,
		"messageType":  entry.MessageType,
		"payload":      entry.Payload,
		"priority":     entry.Priority,
		"enqueuedAt":   enqueuedAt,
		"visibleAt":    entry.VisibleAt,
		"dequeueCount": entry.DequeueCount,
		"leaseExpiry":  time.Time{},
	}
	if _, err := s.entries.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *QueueStore) Dequeue(ctx context.Context, queueName string) (*storage.QueueEntry, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"queueName":   queueName,
		"visibleAt":   bson.M{"$lte": now},
		"leaseExpiry": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{"leaseExpiry": now.Add(s.lease)},
		"$inc": bson.M{"dequeueCount": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "enqueuedAt", Value: 1}}).
		SetReturnDocument(options.After)

	var doc bson.M
	err := s.entries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return queueEntryFromDoc(doc), nil
}

func (s *QueueStore) Peek(ctx context.Context, queueName string, count int) ([]*storage.QueueEntry, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"queueName":   queueName,
		"visibleAt":   bson.M{"$lte": now},
		"leaseExpiry": bson.M{"$lte": now},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "enqueuedAt", Value: 1}}).
		SetLimit(int64(count))
	cursor, err := s.entries.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*storage.QueueEntry
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		out = append(out, queueEntryFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return out, nil
}

func (s *QueueStore) Acknowledge(ctx context.Context, queueName string, entryID string) error {
	result, err := s.entries.DeleteOne(ctx, bson.M{"_id": entryID, "queueName": queueName})
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *QueueStore) Reject(ctx context.Context, queueName string, entryID string, requeue bool) error {
	if !requeue {
		return s.Acknowledge(ctx, queueName, entryID)
	}
	result, err := s.entries.UpdateOne(ctx,
		bson.M{"_id": entryID, "queueName": queueName},
		bson.M{"$set": bson.M{"leaseExpiry": time.Time{}, "visibleAt": time.Time{}}})
	if err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *QueueStore) Depth(ctx context.Context, queueName string) (int64, error) {
	now := time.Now().UTC()
	count, err := s.entries.CountDocuments(ctx, bson.M{
		"queueName":   queueName,
		"leaseExpiry": bson.M{"$lte": now},
	})
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return count, nil
}

func queueEntryFromDoc(doc bson.M) *storage.QueueEntry {
	e := &storage.QueueEntry{}
	if v, ok := doc["_id"].(string); ok {
		e.ID = v
	}
	if v, ok := doc["queueName"].(string); ok {
		e.QueueName = v
	}
	if v, ok := doc["messageType"].(string); ok {
		e.MessageType = v
	}
	if v, ok := doc["payload"].(primitive.Binary); ok {
		e.Payload = v.Data
	} else if v, ok := doc["payload"].(string); ok {
		e.Payload = []byte(v)
	}
	e.Priority = toInt(doc["priority"])
	e.DequeueCount = toInt(doc["dequeueCount"])
	if v, ok := doc["enqueuedAt"].(time.Time); ok {
		e.EnqueuedAt = v
	}
	if v, ok := doc["visibleAt"].(time.Time); ok {
		e.VisibleAt = v
	}
	if v, ok := doc["leaseExpiry"].(time.Time); ok {
		e.LeaseExpiry = v
	}
	return e
}
