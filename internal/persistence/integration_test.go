package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxoml/internal/testutil"
)

func TestPostgresInstanceStore(t *testing.T) {
	dsn := testutil.StartPostgres(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresInstanceStore(db)
	require.NoError(t, err)
	testInstanceStore(t, store)
}

func TestRedisInstanceStore(t *testing.T) {
	addr := testutil.StartRedis(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	testInstanceStore(t, NewRedisInstanceStore(client, "test:"))
}

func TestMongoInstanceStore(t *testing.T) {
	uri := testutil.StartMongo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	testInstanceStore(t, NewMongoInstanceStore(client, "fluxoml_test", ""))
}
