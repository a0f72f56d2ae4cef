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

// SagaRepository is a storage.SagaRepository backed by MongoDB.
// Update uses UpdateOne filtered on the expected version: a
// zero-match update means someone else already advanced the document.
type SagaRepository struct {
	collection *mongo.Collection
}

// NewSagaRepository wraps the given collection as a storage.SagaRepository.
func NewSagaRepository(db *mongo.Database, collectionName string) *SagaRepository {
	if collectionName == "" {
		collectionName = "sagas"
	}
	return &SagaRepository{collection: db.Collection(collectionName)}
}

func (s *SagaRepository) Create(ctx context.Context, instance *storage.SagaInstance) error {
	now := time.Now().UTC()
	instance.CreatedAt, instance.UpdatedAt = now, now
	instance.Version = 1

	doc := sagaToDoc(instance)
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("create saga instance: %w", err)
	}
	return nil
}

func (s *SagaRepository) Get(ctx context.Context, id string) (*storage.SagaInstance, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga instance: %w", err)
	}
	return sagaFromDoc(doc), nil
}

func (s *SagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*storage.SagaInstance, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.M{"correlationId": correlationID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga instance by correlation id: %w", err)
	}
	return sagaFromDoc(doc), nil
}

func (s *SagaRepository) Update(ctx context.Context, instance *storage.SagaInstance, expectedVersion int64) error {
	instance.UpdatedAt = time.Now().UTC()
	newVersion := expectedVersion + 1

	filter := bson.M{"_id": instance.ID, "version": expectedVersion}
	update := bson.M{"$set": bson.M{
		"sagaType":      instance.SagaType,
		"correlationId": instance.CorrelationID,
		"state":         instance.State,
		"data":          instance.Data,
		"version":       newVersion,
		"isCompleted":   instance.IsCompleted,
		"updatedAt":     instance.UpdatedAt,
		"timeoutAt":     instance.TimeoutAt,
	}}

	result, err := s.collection.UpdateOne(ctx, filter, update, options.Update())
	if err != nil {
		return fmt.Errorf("update saga instance: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrOptimisticLock
	}
	instance.Version = newVersion
	return nil
}

func (s *SagaRepository) FetchTimedOut(ctx context.Context, asOf time.Time, limit int) ([]*storage.SagaInstance, error) {
	filter := bson.M{
		"isCompleted": false,
		"timeoutAt":   bson.M{"$gt": time.Time{}, "$lte": asOf},
	}
	opts := options.Find().SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch timed-out saga instances: %w", err)
	}
	defer cursor.Close(ctx)

	var instances []*storage.SagaInstance
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode saga document: %w", err)
		}
		instances = append(instances, sagaFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga instances: %w", err)
	}
	return instances, nil
}

func sagaToDoc(instance *storage.SagaInstance) bson.M {
	return bson.M{
		"_id":           instance.ID,
		"sagaType":      instance.SagaType,
		"correlationId": instance.CorrelationID,
		"state":         instance.State,
		"data":          instance.Data,
		"version":       instance.Version,
		"isCompleted":   instance.IsCompleted,
		"createdAt":     instance.CreatedAt,
		"updatedAt":     instance.UpdatedAt,
		"timeoutAt":     instance.TimeoutAt,
	}
}

func sagaFromDoc(doc bson.M) *storage.SagaInstance {
	i := &storage.SagaInstance{}
	if v, ok := doc["_id"].(string); ok {
		i.ID = v
	}
	if v, ok := doc["sagaType"].(string); ok {
		i.SagaType = v
	}
	if v, ok := doc["correlationId"].(string); ok {
		i.CorrelationID = v
	}
	if v, ok := doc["state"].(string); ok {
		i.State = v
	}
	if v, ok := doc["data"].(primitive.Binary); ok {
		i.Data = v.Data
	} else if v, ok := doc["data"].(string); ok {
		i.Data = []byte(v)
	}
	switch v := doc["version"].(type) {
	case int64:
		i.Version = v
	case int32:
		i.Version = int64(v)
	case int:
		i.Version = int64(v)
	}
	if v, ok := doc["isCompleted"].(bool); ok {
		i.IsCompleted = v
	}
	if v, ok := doc["createdAt"].(time.Time); ok {
		i.CreatedAt = v
	}
	if v, ok := doc["updatedAt"].(time.Time); ok {
		i.UpdatedAt = v
	}
	if v, ok := doc["timeoutAt"].(time.Time); ok {
		i.TimeoutAt = v
	}
	return i
}
