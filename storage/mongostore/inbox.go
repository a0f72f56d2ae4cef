package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/koalafacts/heromessaging-go/storage"
)

// InboxStore is a storage.InboxStore backed by a MongoDB collection.
// Deduplication relies on _id being the message's stable MessageID: the
// claim insert fails with a duplicate-key error if an entry already
// exists, which this adapter turns into (false, nil) per the contract.
type InboxStore struct {
	collection *mongo.Collection
}

// NewInboxStore wraps the given collection as a storage.InboxStore.
func NewInboxStore(db *mongo.Database, collectionName string) *InboxStore {
	if collectionName == "" {
		collectionName = "inbox"
	}
	return &InboxStore{collection: db.Collection(collectionName)}
}

func (s *InboxStore) TryClaim(ctx context.Context, entry *storage.InboxEntry) (bool, error) {
	doc := bson.M{
		"_id":         entry.MessageID,
		"source":      entry.Source,
		"messageType": entry.MessageType,
		"status":      int(storage.InboxPending),
		"receivedAt":  time.Now().UTC(),
	}
	_, err := s.collection.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim inbox entry: %w", err)
	}
	return true, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string) error {
	return s.setStatus(ctx, messageID, storage.InboxProcessed, "")
}

func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, errMsg string) error {
	return s.setStatus(ctx, messageID, storage.InboxFailed, errMsg)
}

func (s *InboxStore) setStatus(ctx context.Context, messageID string, status storage.InboxStatus, errMsg string) error {
	set := bson.M{"status": int(status), "processedAt": time.Now().UTC()}
	if errMsg != "" {
		set["errorMessage"] = errMsg
	}
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mark inbox entry status %d: %w", status, err)
	}
	return nil
}

func (s *InboxStore) Get(ctx context.Context, messageID string) (*storage.InboxEntry, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox entry: %w", err)
	}
	return inboxFromDoc(doc), nil
}

func (s *InboxStore) FetchUnprocessed(ctx context.Context, limit int) ([]*storage.InboxEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, bson.M{"status": int(storage.InboxPending)}, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch unprocessed inbox entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*storage.InboxEntry
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode inbox entry: %w", err)
		}
		out = append(out, inboxFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox entries: %w", err)
	}
	return out, nil
}

func (s *InboxStore) CountUnprocessed(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": int(storage.InboxPending)})
	if err != nil {
		return 0, fmt.Errorf("count unprocessed inbox entries: %w", err)
	}
	return count, nil
}

func (s *InboxStore) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{
		"status":     int(storage.InboxProcessed),
		"receivedAt": bson.M{"$lt": before},
	}, options.Delete())
	if err != nil {
		return 0, fmt.Errorf("cleanup old inbox entries: %w", err)
	}
	return result.DeletedCount, nil
}

func inboxFromDoc(doc bson.M) *storage.InboxEntry {
	e := &storage.InboxEntry{}
	if v, ok := doc["_id"].(string); ok {
		e.MessageID = v
	}
	if v, ok := doc["source"].(string); ok {
		e.Source = v
	}
	if v, ok := doc["messageType"].(string); ok {
		e.MessageType = v
	}
	e.Status = storage.InboxStatus(toInt(doc["status"]))
	if v, ok := doc["receivedAt"].(time.Time); ok {
		e.ReceivedAt = v
	}
	if v, ok := doc["processedAt"].(time.Time); ok {
		e.ProcessedAt = v
	}
	if v, ok := doc["errorMessage"].(string); ok {
		e.ErrorMessage = v
	}
	return e
}
