package fluxoml

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v2"
	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxoml/internal/persistence"
	"github.com/petrijr/fluxoml/internal/taskqueue"
	"github.com/petrijr/fluxoml/pkg/worker"
)

// ConfigEnv names the environment variable consulted when no config file
// path is given.
const ConfigEnv = "FLUXOML_CONFIG"

const defaultRedeliveryBackoff = 100 * time.Millisecond

// Backend and queue types.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("fluxoml: invalid config")

// Config describes where remote executions run. It is usually loaded from
// a YAML file:
//
//	project: iris
//	domain: development
//	backend:
//	  type: sqlite
//	  dsn: file:fluxoml.db
//	queue:
//	  type: sqlite
//	worker:
//	  concurrency: 2
//	  max_attempts: 3
//	  backoff: 200ms
type Config struct {
	Project string        `yaml:"project"`
	Domain  string        `yaml:"domain"`
	Backend BackendConfig `yaml:"backend"`
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
}

// BackendConfig selects the instance store.
type BackendConfig struct {
	Type string `yaml:"type"`

	// DSN is used by sqlite and postgres.
	DSN string `yaml:"dsn"`

	// Address, Password and DB are used by redis.
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// URI and Database are used by mongo.
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`

	// Prefix namespaces redis keys.
	Prefix string `yaml:"prefix"`
}

// QueueConfig selects the task queue. sqlite, redis and mongo queues reuse
// the backend connection when the backend has the same type and no separate
// DSN, Address or URI is given.
type QueueConfig struct {
	Type     string `yaml:"type"`
	DSN      string `yaml:"dsn"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// WorkerConfig controls the workers started for remote executions.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfig reads a YAML config file. An empty path falls back to the
// FLUXOML_CONFIG environment variable, and then to DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fluxoml: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML config data. Unknown keys are
// rejected.
func ParseConfig(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Project == "" {
		c.Project = "fluxoml"
	}
	if c.Domain == "" {
		c.Domain = "development"
	}
	if c.Backend.Type == "" {
		c.Backend.Type = BackendMemory
	}
	if c.Queue.Type == "" {
		switch c.Backend.Type {
		case BackendSQLite, BackendRedis, BackendMongo:
			c.Queue.Type = c.Backend.Type
		default:
			c.Queue.Type = BackendMemory
		}
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Worker.Backoff <= 0 {
		c.Worker.Backoff = defaultRedeliveryBackoff
	}
}

// queueRedisOptions returns the options of a dedicated redis queue client,
// or nil when the queue shares the backend client.
func (c *Config) queueRedisOptions() *redis.Options {
	if c.Queue.Address == "" {
		return nil
	}
	if c.Backend.Type == BackendRedis &&
		c.Queue.Address == c.Backend.Address &&
		c.Queue.Password == c.Backend.Password &&
		c.Queue.DB == c.Backend.DB {
		return nil
	}
	return &redis.Options{
		Addr:     c.Queue.Address,
		Password: c.Queue.Password,
		DB:       c.Queue.DB,
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.Backend.DSN == "" {
			fail("backend %s requires dsn", c.Backend.Type)
		}
	case BackendRedis:
		if c.Backend.Address == "" {
			fail("backend redis requires address")
		}
	case BackendMongo:
		if c.Backend.URI == "" {
			fail("backend mongo requires uri")
		}
	default:
		fail("unknown backend type %q", c.Backend.Type)
	}

	switch c.Queue.Type {
	case BackendMemory:
	case BackendSQLite:
		if c.Queue.DSN == "" && c.Backend.Type != BackendSQLite {
			fail("sqlite queue requires dsn unless the backend is sqlite")
		}
	case BackendRedis:
		if c.Queue.Address == "" && c.Backend.Type != BackendRedis {
			fail("redis queue requires address unless the backend is redis")
		}
	case BackendMongo:
		if c.Queue.URI == "" && c.Backend.Type != BackendMongo {
			fail("mongo queue requires uri unless the backend is mongo")
		}
	default:
		fail("unknown queue type %q", c.Queue.Type)
	}

	return result.ErrorOrNil()
}

// QualifiedName returns the remote name of a workflow,
// "<project>.<domain>.<workflow>".
func (c *Config) QualifiedName(workflow string) string {
	return c.Project + "." + c.Domain + "." + workflow
}

// OpenRunner connects to the configured backend and queue. The returned
// Runner owns the connections; Close releases them.
func (c *Config) OpenRunner(ctx context.Context) (_ *Runner, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	var (
		store       persistence.InstanceStore
		sqliteDB    *sql.DB
		redisClient *redis.Client
		mongoClient *mongo.Client
	)

	switch c.Backend.Type {
	case BackendMemory:
		store = persistence.NewInMemoryStore()

	case BackendSQLite:
		if sqliteDB, err = openSQLite(c.Backend.DSN); err != nil {
			return nil, err
		}
		closers = append(closers, sqliteDB.Close)
		if store, err = persistence.NewSQLiteInstanceStore(sqliteDB); err != nil {
			return nil, err
		}

	case BackendPostgres:
		db, err := sql.Open("pgx", c.Backend.DSN)
		if err != nil {
			return nil, fmt.Errorf("fluxoml: open postgres: %w", err)
		}
		closers = append(closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("fluxoml: ping postgres: %w", err)
		}
		if store, err = persistence.NewPostgresInstanceStore(db); err != nil {
			return nil, err
		}

	case BackendRedis:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     c.Backend.Address,
			Password: c.Backend.Password,
			DB:       c.Backend.DB,
		})
		closers = append(closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("fluxoml: ping redis: %w", err)
		}
		store = persistence.NewRedisInstanceStore(redisClient, c.Backend.Prefix)

	case BackendMongo:
		if mongoClient, err = connectMongo(ctx, c.Backend.URI, &closers); err != nil {
			return nil, err
		}
		store = persistence.NewMongoInstanceStore(mongoClient, c.Backend.Database, "")

	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, c.Backend.Type)
	}

	var q taskqueue.Queue
	switch c.Queue.Type {
	case BackendMemory:
		mq := taskqueue.NewInMemoryQueue(1024)
		closers = append(closers, func() error {
			mq.Close()
			return nil
		})
		q = mq

	case BackendSQLite:
		db := sqliteDB
		if c.Queue.DSN != "" && (db == nil || c.Queue.DSN != c.Backend.DSN) {
			if db, err = openSQLite(c.Queue.DSN); err != nil {
				return nil, err
			}
			closers = append(closers, db.Close)
		}
		if q, err = taskqueue.NewSQLiteQueue(db); err != nil {
			return nil, err
		}

	case BackendRedis:
		client := redisClient
		if opts := c.queueRedisOptions(); opts != nil {
			client = redis.NewClient(opts)
			closers = append(closers, client.Close)
		}
		q = taskqueue.NewRedisQueue(client, c.Queue.Prefix)

	case BackendMongo:
		client := mongoClient
		if c.Queue.URI != "" && (client == nil || c.Queue.URI != c.Backend.URI) {
			if client, err = connectMongo(ctx, c.Queue.URI, &closers); err != nil {
				return nil, err
			}
		}
		database := c.Queue.Database
		if database == "" {
			database = c.Backend.Database
		}
		q = taskqueue.NewMongoQueue(client, database, "")

	default:
		return nil, fmt.Errorf("%w: unknown queue type %q", ErrInvalidConfig, c.Queue.Type)
	}

	r := newRunner(store, q, worker.Config{
		MaxAttempts: c.Worker.MaxAttempts,
		Backoff:     c.Worker.Backoff,
		MaxBackoff:  c.Worker.MaxBackoff,
	})
	for _, fn := range closers {
		r.onClose(fn)
	}
	return r, nil
}

func connectMongo(ctx context.Context, uri string, closers *[]func() error) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("fluxoml: connect mongo: %w", err)
	}
	*closers = append(*closers, func() error { return client.Disconnect(context.Background()) })
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("fluxoml: ping mongo: %w", err)
	}
	return client, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("fluxoml: open sqlite: %w", err)
	}
	// The instance store and the queue share the database; a single
	// connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)
	return db, nil
}
