package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxoml/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>          => gob-encoded instanceRecord
//	<prefix>idx:all            => ZSET of all instance IDs scored by creation time
//	<prefix>idx:wf:<workflow>  => ZSET of instance IDs for a given workflow
//
// Status filtering happens after loading, since status changes on every
// transition and would otherwise need index maintenance on each update.
type RedisInstanceStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "fluxoml:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "fluxoml:"
	}
	return &RedisInstanceStore{
		client:  client,
		prefix:  prefix,
		timeout: 5 * time.Second,
	}
}

func (s *RedisInstanceStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisInstanceStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisInstanceStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func encodeRedisRecord(inst *api.WorkflowInstance) ([]byte, error) {
	rec, err := toRecord(inst)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisRecord(data []byte) (*api.WorkflowInstance, error) {
	var rec instanceRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return rec.instance()
}

func (s *RedisInstanceStore) SaveInstance(inst *api.WorkflowInstance) error {
	data, err := encodeRedisRecord(inst)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	score := float64(inst.CreatedAt.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyInstance(inst.ID), data, 0)
		pipe.ZAdd(ctx, s.keyAll(), redis.Z{Score: score, Member: inst.ID})
		pipe.ZAdd(ctx, s.keyWorkflow(inst.Name), redis.Z{Score: score, Member: inst.ID})
		return nil
	})
	return err
}

func (s *RedisInstanceStore) UpdateInstance(inst *api.WorkflowInstance) error {
	data, err := encodeRedisRecord(inst)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// SET XX only writes when the key already exists.
	ok, err := s.client.SetXX(ctx, s.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *RedisInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisRecord(data)
}

func (s *RedisInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.timeout)
	defer cancel()

	index := s.keyAll()
	if filter.WorkflowName != "" {
		index = s.keyWorkflow(filter.WorkflowName)
	}

	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyInstance(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var result []*api.WorkflowInstance
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry without a record; skip it.
			continue
		}
		inst, err := decodeRedisRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		if filter.matches(inst) {
			result = append(result, inst)
		}
	}
	return result, nil
}
