package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/koalafacts/heromessaging-go/storage"
)

// MessageStore is a storage.MessageStore backed by MongoDB, an optional
// log of every dispatched envelope used for audit and replay.
type MessageStore struct {
	collection *mongo.Collection
}

// NewMessageStore wraps the given collection.
func NewMessageStore(db *mongo.Database, collectionName string) *MessageStore {
	if collectionName == "" {
		collectionName = "messages"
	}
	return &MessageStore{collection: db.Collection(collectionName)}
}

func (s *MessageStore) Append(ctx context.Context, rec *storage.MessageRecord) error {
	storedAt := rec.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	doc := bson.M{
		"_id":         rec.MessageID,
		"messageType": rec.MessageType,
		"payload":     rec.Payload,
		"storedAt":    storedAt,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *MessageStore) Get(ctx context.Context, messageID string) (*storage.MessageRecord, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return messageFromDoc(doc), nil
}

func (s *MessageStore) Update(ctx context.Context, messageID string, payload []byte) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": messageID},
		bson.M{"$set": bson.M{"payload": payload}})
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *MessageStore) Delete(ctx context.Context, messageID string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": messageID})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *MessageStore) Exists(ctx context.Context, messageID string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"_id": messageID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return count > 0, nil
}

func (s *MessageStore) Query(ctx context.Context, filter storage.MessageFilter) ([]*storage.MessageRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "storedAt", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := s.collection.Find(ctx, messageFilterDoc(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*storage.MessageRecord
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, messageFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *MessageStore) Count(ctx context.Context, filter storage.MessageFilter) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, messageFilterDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *MessageStore) Clear(ctx context.Context) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func messageFilterDoc(filter storage.MessageFilter) bson.M {
	doc := bson.M{}
	if filter.MessageType != "" {
		doc["messageType"] = filter.MessageType
	}
	storedAt := bson.M{}
	if !filter.After.IsZero() {
		storedAt["$gt"] = filter.After
	}
	if !filter.Before.IsZero() {
		storedAt["$lt"] = filter.Before
	}
	if len(storedAt) > 0 {
		doc["storedAt"] = storedAt
	}
	return doc
}

func messageFromDoc(doc bson.M) *storage.MessageRecord {
	rec := &storage.MessageRecord{}
	if v, ok := doc["_id"].(string); ok {
		rec.MessageID = v
	}
	if v, ok := doc["messageType"].(string); ok {
		rec.MessageType = v
	}
	if v, ok := doc["payload"].(primitive.Binary); ok {
		rec.Payload = v.Data
	} else if v, ok := doc["payload"].(string); ok {
		rec.Payload = []byte(v)
	}
	if v, ok := doc["storedAt"].(time.Time); ok {
		rec.StoredAt = v
	}
	return rec
}
