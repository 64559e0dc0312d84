package taskqueue

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue is a Queue backed by a MongoDB collection:
//
//	{_id: task id, payload: gob task, not_before: time, created_at: time}
//
// FindOneAndDelete hands each task to exactly one consumer.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

var _ Queue = (*MongoQueue)(nil)

// NewMongoQueue creates a MongoQueue. dbName defaults to "fluxoml" and
// collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "fluxoml"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

type mongoTaskDoc struct {
	ID        string    `bson:"_id"`
	Payload   []byte    `bson:"payload"`
	NotBefore time.Time `bson:"not_before"`
	CreatedAt time.Time `bson:"created_at"`
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	// Redeliveries reuse the task id, so replace rather than insert.
	_, err = q.coll.ReplaceOne(ctx, bson.M{"_id": t.ID}, mongoTaskDoc{
		ID:        t.ID,
		Payload:   data,
		NotBefore: t.NotBefore.UTC(),
		CreatedAt: t.EnqueuedAt.UTC(),
	}, options.Replace().SetUpsert(true))
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()

	for {
		var doc mongoTaskDoc
		err := q.coll.FindOneAndDelete(ctx,
			bson.M{"not_before": bson.M{"$lte": time.Now().UTC()}},
			options.FindOneAndDelete().SetSort(bson.D{
				{Key: "not_before", Value: 1},
				{Key: "created_at", Value: 1},
			}),
		).Decode(&doc)
		if err == nil {
			return DecodeTask(doc.Payload)
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
