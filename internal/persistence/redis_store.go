package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepchain/pkg/api"
)

// DefaultRedisPrefix is used when no key prefix is configured.
const DefaultRedisPrefix = "stepchain:"

// RedisStore keeps executions and their events in Redis.
// It uses a simple key structure:
//
//	<prefix>exec:<id>             => gob-encoded executionRecord
//	<prefix>events:<id>           => LIST of gob-encoded events
//	<prefix>idx:all               => ZSET of execution IDs scored by start time
//	<prefix>idx:wf:<workflow>     => SET of execution IDs for a given workflow
//	<prefix>idx:status:<status>   => SET of execution IDs for a given status
//
// The indexes are maintained on Save/Update; ListExecutions intersects
// them and orders the result by the start-time score.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ ExecutionStore = (*RedisStore)(nil)
	_ EventStore     = (*RedisStore)(nil)
)

var allStatuses = []api.Status{
	api.StatusRunning,
	api.StatusSuspended,
	api.StatusCompleted,
	api.StatusErrored,
}

// NewRedisStore creates a RedisStore. prefix is optional.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyExecution(id string) string {
	return s.prefix + "exec:" + id
}

func (s *RedisStore) keyEvents(id string) string {
	return s.prefix + "events:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyWorkflow(id string) string {
	return s.prefix + "idx:wf:" + id
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func encodeRedisRecord(exec *api.Execution) ([]byte, error) {
	rec, err := toRecord(exec)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisRecord(data []byte) (*api.Execution, error) {
	if len(data) == 0 {
		return nil, ErrExecutionNotFound
	}
	var rec executionRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

func (s *RedisStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	data, err := encodeRedisRecord(exec)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.keyExecution(exec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrExecutionExists
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.keyAll(), redis.Z{
		Score:  float64(exec.StartAt.UnixNano()),
		Member: exec.ID,
	})
	pipe.SAdd(ctx, s.keyWorkflow(exec.WorkflowID), exec.ID)
	pipe.SAdd(ctx, s.keyStatus(exec.Status), exec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	key := s.keyExecution(exec.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrExecutionNotFound
	}

	data, err := encodeRedisRecord(exec)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	s.writeExecution(ctx, pipe, exec, data)
	_, err = pipe.Exec(ctx)
	return err
}

// TransitionExecution watches the execution key so that a concurrent
// writer between the status check and the write aborts the transaction.
func (s *RedisStore) TransitionExecution(ctx context.Context, exec *api.Execution, from api.Status) error {
	key := s.keyExecution(exec.ID)

	data, err := encodeRedisRecord(exec)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeRedisRecord(raw)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return ErrStatusConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeExecution(ctx, pipe, exec, data)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStatusConflict
	}
	return err
}

func (s *RedisStore) writeExecution(ctx context.Context, pipe redis.Pipeliner, exec *api.Execution, data []byte) {
	pipe.Set(ctx, s.keyExecution(exec.ID), data, 0)
	for _, st := range allStatuses {
		if st != exec.Status {
			pipe.SRem(ctx, s.keyStatus(st), exec.ID)
		}
	}
	pipe.SAdd(ctx, s.keyStatus(exec.Status), exec.ID)
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	data, err := s.client.Get(ctx, s.keyExecution(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisRecord(data)
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	ordered, err := s.client.ZRange(ctx, s.keyAll(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var sets []string
	if filter.WorkflowID != "" {
		sets = append(sets, s.keyWorkflow(filter.WorkflowID))
	}
	if filter.Status != "" {
		sets = append(sets, s.keyStatus(filter.Status))
	}

	ids := ordered
	if len(sets) > 0 {
		members, err := s.client.SInter(ctx, sets...).Result()
		if err != nil {
			return nil, err
		}
		ids = slices.DeleteFunc(ordered, func(id string) bool {
			return !slices.Contains(members, id)
		})
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyExecution(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*api.Execution, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// Index entry without a record; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		exec, err := decodeRedisRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev api.Event) error {
	body, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keyEvents(ev.ExecutionID), body).Err()
}

func (s *RedisStore) ListEvents(ctx context.Context, executionID string) ([]api.Event, error) {
	raw, err := s.client.LRange(ctx, s.keyEvents(executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Event, 0, len(raw))
	for _, body := range raw {
		ev, err := decodeEvent([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
