package leader

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// lockDocument is the leader_locks collection's document shape.
type lockDocument struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// MongoStore implements Store using a FindOneAndUpdate-with-upsert
// CAS.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore wraps db's leader_locks collection, ensuring its TTL
// index exists.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	collection := db.Collection("leader_locks")
	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("ttl_expiresAt"),
	}
	_, _ = collection.Indexes().CreateOne(ctx, indexModel)
	return &MongoStore{collection: collection}, nil
}

func (s *MongoStore) TryAcquire(ctx context.Context, lockName, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	filter := bson.M{
		"_id": lockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": instanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": instanceID,
			"acquiredAt": now,
			"expiresAt":  expiresAt,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var result lockDocument
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err == mongo.ErrNoDocuments {
			doc := lockDocument{ID: lockName, InstanceID: instanceID, AcquiredAt: now, ExpiresAt: expiresAt}
			if _, insertErr := s.collection.InsertOne(ctx, doc); insertErr != nil {
				if mongo.IsDuplicateKeyError(insertErr) {
					return false, nil
				}
				return false, insertErr
			}
			return true, nil
		}
		return false, err
	}

	return result.InstanceID == instanceID, nil
}

func (s *MongoStore) Release(ctx context.Context, lockName, instanceID string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": lockName, "instanceId": instanceID})
	return err
}

func (s *MongoStore) CurrentHolder(ctx context.Context, lockName string) (string, error) {
	var doc lockDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": lockName, "expiresAt": bson.M{"$gt": time.Now()}}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}
	return doc.InstanceID, nil
}
