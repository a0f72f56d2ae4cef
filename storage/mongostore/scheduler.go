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

// ScheduledMessageStore is a storage.ScheduledMessageStore backed by
// MongoDB, polled by status and dispatch time.
type ScheduledMessageStore struct {
	collection *mongo.Collection
}

// NewScheduledMessageStore wraps the given collection.
func NewScheduledMessageStore(db *mongo.Database, collectionName string) *ScheduledMessageStore {
	if collectionName == "" {
		collectionName = "scheduled_messages"
	}
	return &ScheduledMessageStore{collection: db.Collection(collectionName)}
}

func (s *ScheduledMessageStore) Insert(ctx context.Context, msg *storage.ScheduledMessage) error {
	if msg.ID == "" {
		msg.ID = tsid.Generate()
	}
	msg.CreatedAt = time.Now().UTC()
	if msg.Status == "" {
		msg.Status = "pending"
	}
	doc := bson.M{
		"_id":          msg.ID,
		"messageType":  msg.MessageType,
		"messageGroup": msg.MessageGroup,
		"payload":      msg.Payload,
		"dispatchAt":   msg.DispatchAt,
		"status":       msg.Status,
		"createdAt":    msg.CreatedAt,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

func (s *ScheduledMessageStore) FetchDue(ctx context.Context, asOf time.Time, limit int) ([]*storage.ScheduledMessage, error) {
	filter := bson.M{"status": "pending", "dispatchAt": bson.M{"$lte": asOf}}
	update := bson.M{"$set": bson.M{"status": "delivering", "claimedAt": time.Now().UTC()}}
	opts := options.Find().SetSort(bson.D{{Key: "dispatchAt", Value: 1}}).SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch due scheduled messages: %w", err)
	}
	defer cursor.Close(ctx)

	var due []*storage.ScheduledMessage
	var ids []string
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode scheduled message: %w", err)
		}
		m := scheduledFromDoc(doc)
		due = append(due, m)
		ids = append(ids, m.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled messages: %w", err)
	}

	if len(ids) > 0 {
		if _, err := s.collection.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, update); err != nil {
			return nil, fmt.Errorf("claim due scheduled messages: %w", err)
		}
	}
	return due, nil
}

func (s *ScheduledMessageStore) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	update := bson.M{"$set": bson.M{"status": "dispatched"}, "$unset": bson.M{"claimedAt": ""}}
	if _, err := s.collection.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("mark scheduled messages dispatched: %w", err)
	}
	return nil
}

func (s *ScheduledMessageStore) Cancel(ctx context.Context, id string) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": "cancelled"}})
	if err != nil {
		return fmt.Errorf("cancel scheduled message: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *ScheduledMessageStore) FetchStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*storage.ScheduledMessage, error) {
	filter := bson.M{"status": "delivering", "claimedAt": bson.M{"$lt": claimedBefore}}
	opts := options.Find().SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch stale scheduled messages: %w", err)
	}
	defer cursor.Close(ctx)

	var stale []*storage.ScheduledMessage
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode scheduled message: %w", err)
		}
		stale = append(stale, scheduledFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale scheduled messages: %w", err)
	}
	return stale, nil
}

func (s *ScheduledMessageStore) ResetStale(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	update := bson.M{"$set": bson.M{"status": "pending"}, "$unset": bson.M{"claimedAt": ""}}
	if _, err := s.collection.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("reset stale scheduled messages: %w", err)
	}
	return nil
}

func scheduledFromDoc(doc bson.M) *storage.ScheduledMessage {
	m := &storage.ScheduledMessage{}
	if v, ok := doc["_id"].(string); ok {
		m.ID = v
	}
	if v, ok := doc["messageType"].(string); ok {
		m.MessageType = v
	}
	if v, ok := doc["messageGroup"].(string); ok {
		m.MessageGroup = v
	}
	if v, ok := doc["payload"].(primitive.Binary); ok {
		m.Payload = v.Data
	} else if v, ok := doc["payload"].(string); ok {
		m.Payload = []byte(v)
	}
	if v, ok := doc["dispatchAt"].(time.Time); ok {
		m.DispatchAt = v
	}
	if v, ok := doc["status"].(string); ok {
		m.Status = v
	}
	if v, ok := doc["createdAt"].(time.Time); ok {
		m.CreatedAt = v
	}
	return m
}
