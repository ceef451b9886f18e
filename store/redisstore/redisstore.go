// Package redisstore implements core.Store on Redis.
//
// Executions and servers are hashes, the messages of an execution form a
// list in write order, and each server's invocation feed is a Redis Stream.
// Timestamps come from the Redis server clock (TIME).
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/logging"
)

// createExecutionScript writes the execution hash only if it does not exist.
// KEYS[1] = execution key, ARGV = field/value pairs.
var createExecutionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// completeExecutionScript updates status and finished_at of an existing
// execution. KEYS[1] = execution key, ARGV[1] = status, ARGV[2] = finished_at.
var completeExecutionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "finished_at", ARGV[2])
return 1
`)

// ErrExecutionExists is returned when creating an execution id twice.
var ErrExecutionExists = errors.New("execution already exists")

// Options configures a Store.
type Options struct {
	// Prefix namespaces every key.
	Prefix string
	// Block bounds each XREAD wait of invocation subscribers.
	Block time.Duration
	// Logging services.
	Logger logging.Logger
}

// Store is a core.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	keys   keys
	block  time.Duration
	logger logging.Logger
}

var _ core.Store = (*Store)(nil)

// New wraps client.
func New(client redis.UniversalClient, optFns ...func(o *Options)) *Store {
	opts := Options{
		Prefix: "execmesh",
		Block:  time.Second,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{
		client: client,
		keys:   keys{prefix: opts.Prefix},
		block:  opts.Block,
		logger: opts.Logger,
	}
}

// NewClient creates a client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis time: %w", err)
	}
	return t, nil
}

// PutServer registers or replaces a server identity.
func (s *Store) PutServer(ctx context.Context, server core.Server) error {
	if err := s.client.HSet(ctx, s.keys.server(server.ID),
		"id", server.ID, "name", server.Name, "hardware_type", server.HardwareType).Err(); err != nil {
		return fmt.Errorf("put server %s: %w", server.ID, err)
	}
	return nil
}

// GetServer implements core.ServerRegistry.
func (s *Store) GetServer(ctx context.Context, serverID string) (*core.Server, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.server(serverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", serverID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("server %s: %w", serverID, core.ErrNotFound)
	}
	return &core.Server{ID: fields["id"], Name: fields["name"], HardwareType: fields["hardware_type"]}, nil
}

// CreateExecution implements core.ExecutionStore.
func (s *Store) CreateExecution(ctx context.Context, execution core.Execution) error {
	startedAt, err := s.now(ctx)
	if err != nil {
		return err
	}
	execution.StartedAt = startedAt

	args, err := encodeExecution(execution)
	if err != nil {
		return err
	}

	created, err := createExecutionScript.Run(ctx, s.client, []string{s.keys.execution(execution.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("create execution %s: %w", execution.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("execution %s: %w", execution.ID, ErrExecutionExists)
	}
	return nil
}

// CompleteExecution implements core.ExecutionStore.
func (s *Store) CompleteExecution(ctx context.Context, executionID string, status core.ExecutionStatus) error {
	finishedAt, err := s.now(ctx)
	if err != nil {
		return err
	}

	updated, err := completeExecutionScript.Run(ctx, s.client, []string{s.keys.execution(executionID)},
		string(status), formatTime(finishedAt)).Int()
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", executionID, err)
	}
	if updated == 0 {
		return fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
	}
	return nil
}

// GetExecution implements core.ExecutionStore.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.execution(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
	}
	return decodeExecution(fields)
}

// AppendMessage implements core.MessageStore.
func (s *Store) AppendMessage(ctx context.Context, executionID string, msg core.ExecutionMessage) (core.ExecutionMessage, error) {
	ts, err := s.now(ctx)
	if err != nil {
		return core.ExecutionMessage{}, err
	}
	msg.Timestamp = ts

	data, err := json.Marshal(msg)
	if err != nil {
		return core.ExecutionMessage{}, fmt.Errorf("encode message: %w", err)
	}

	if err := s.client.RPush(ctx, s.keys.messages(executionID), data).Err(); err != nil {
		return core.ExecutionMessage{}, fmt.Errorf("append message to %s: %w", executionID, err)
	}
	return msg, nil
}

// ListMessages implements core.MessageStore.
func (s *Store) ListMessages(ctx context.Context, executionID string) ([]core.ExecutionMessage, error) {
	raw, err := s.client.LRange(ctx, s.keys.messages(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", executionID, err)
	}

	msgs := make([]core.ExecutionMessage, 0, len(raw))
	for i, r := range raw {
		var m core.ExecutionMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode message %d of %s: %w", i, executionID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

type keys struct{ prefix string }

func (k keys) server(id string) string      { return k.prefix + ":server:" + id }
func (k keys) execution(id string) string   { return k.prefix + ":execution:" + id }
func (k keys) messages(id string) string    { return k.prefix + ":messages:" + id }
func (k keys) invocations(id string) string { return k.prefix + ":invocations:" + id }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// encodeExecution flattens execution into HSET field/value arguments.
func encodeExecution(execution core.Execution) ([]any, error) {
	lab, err := json.Marshal(execution.Lab)
	if err != nil {
		return nil, fmt.Errorf("encode lab: %w", err)
	}

	return []any{
		"id", execution.ID,
		"cache_hash", execution.CacheHash,
		"lab", string(lab),
		"server_info", execution.ServerInfo,
		"hardware_type", execution.HardwareType,
		"server_id", execution.ServerID,
		"user_id", execution.UserID,
		"status", string(execution.Status),
		"started_at", formatTime(execution.StartedAt),
	}, nil
}

func decodeExecution(fields map[string]string) (*core.Execution, error) {
	execution := &core.Execution{
		ID:           fields["id"],
		CacheHash:    fields["cache_hash"],
		ServerInfo:   fields["server_info"],
		HardwareType: fields["hardware_type"],
		ServerID:     fields["server_id"],
		UserID:       fields["user_id"],
		Status:       core.ExecutionStatus(fields["status"]),
	}

	if lab := fields["lab"]; lab != "" && lab != "null" {
		if err := json.Unmarshal([]byte(lab), &execution.Lab); err != nil {
			return nil, fmt.Errorf("decode lab of %s: %w", execution.ID, err)
		}
	}

	startedAt, err := time.Parse(time.RFC3339Nano, fields["started_at"])
	if err != nil {
		return nil, fmt.Errorf("parse started_at of %s: %w", execution.ID, err)
	}
	execution.StartedAt = startedAt

	if v, ok := fields["finished_at"]; ok && v != "" {
		finishedAt, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at of %s: %w", execution.ID, err)
		}
		execution.FinishedAt = &finishedAt
	}

	return execution, nil
}
