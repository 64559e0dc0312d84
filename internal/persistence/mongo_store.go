package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxoml/pkg/api"
)

// MongoInstanceStore is an InstanceStore backed by a MongoDB collection.
// Documents are instanceRecords keyed by instance ID.
type MongoInstanceStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Ensure it implements InstanceStore.
var _ InstanceStore = (*MongoInstanceStore)(nil)

// NewMongoInstanceStore creates a Mongo-backed instance store.
// dbName defaults to "fluxoml" if empty, collName defaults to "instances".
func NewMongoInstanceStore(client *mongo.Client, dbName, collName string) *MongoInstanceStore {
	if dbName == "" {
		dbName = "fluxoml"
	}
	if collName == "" {
		collName = "instances"
	}
	return &MongoInstanceStore{
		coll:    client.Database(dbName).Collection(collName),
		timeout: 5 * time.Second,
	}
}

func (s *MongoInstanceStore) SaveInstance(inst *api.WorkflowInstance) error {
	rec, err := toRecord(inst)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err = s.coll.InsertOne(ctx, rec)
	return err
}

func (s *MongoInstanceStore) UpdateInstance(inst *api.WorkflowInstance) error {
	rec, err := toRecord(inst)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": inst.ID}, rec)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var rec instanceRecord
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return rec.instance()
}

func (s *MongoInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.timeout)
	defer cancel()

	bfilter := bson.M{}
	if filter.WorkflowName != "" {
		bfilter["workflow_name"] = filter.WorkflowName
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.WorkflowInstance
	for cur.Next(ctx) {
		var rec instanceRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		inst, err := rec.instance()
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
