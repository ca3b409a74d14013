package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "watchparty"

var errRedisClosed = errors.New("store: redis store closed")

// RedisConfig configures a Redis backed store.
type RedisConfig struct {
	Client     *redis.Client
	KeyPrefix  string
	BufferSize int
	Logger     *zap.Logger
}

// Redis shares the tree across server instances. Every write is published
// on one channel, received over a single subscription per Redis value and
// fanned out to local subscribers by path. Each node is also indexed under
// every ancestor so listing never scans the keyspace.
type Redis struct {
	client *redis.Client
	prefix string
	events *fanout
	logger *zap.Logger

	listenMu sync.Mutex
	pubsub   *redis.PubSub
	closed   bool
}

type redisEvent struct {
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// removeScript deletes a node, drops it from its ancestor indexes and
// publishes the deletion in one step. KEYS[i] pairs with ARGV[i+1].
var removeScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
  return 0
end
for i = 2, #KEYS do
  redis.call('ZREM', KEYS[i], ARGV[i + 1])
end
redis.call('PUBLISH', ARGV[1], ARGV[2])
return 1
`)

// NewRedis wraps an existing client.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("store: redis client required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: cfg.Client,
		prefix: prefix,
		events: newFanout(cfg.BufferSize, logger),
		logger: logger,
	}, nil
}

func (r *Redis) nodeKey(path string) string {
	return r.prefix + ":node:" + path
}

func (r *Redis) eventsChannel() string {
	return r.prefix + ":events"
}

func (r *Redis) indexKey(parent string) string {
	return r.prefix + ":index:" + parent
}

type ancestorEntry struct {
	indexKey string
	member   string
}

// ancestors lists, for every proper ancestor of path, its index key and
// the member naming path relative to it.
func (r *Redis) ancestors(path string) []ancestorEntry {
	segments := strings.Split(path, pathSeparator)
	entries := make([]ancestorEntry, 0, len(segments)-1)
	for depth := 1; depth < len(segments); depth++ {
		entries = append(entries, ancestorEntry{
			indexKey: r.indexKey(strings.Join(segments[:depth], pathSeparator)),
			member:   strings.Join(segments[depth:], pathSeparator),
		})
	}
	return entries
}

func (r *Redis) cleanupKey(connectionID string) string {
	return r.prefix + ":disconnect:" + connectionID
}

func (r *Redis) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	value, err := r.client.Get(ctx, r.nodeKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %s: %w", path, err)
	}
	return json.RawMessage(value), nil
}

func (r *Redis) Set(ctx context.Context, path string, value any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	message, err := json.Marshal(redisEvent{Path: path, Value: encoded})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.nodeKey(path), []byte(encoded), 0)
		for _, ancestor := range r.ancestors(path) {
			pipe.ZAdd(ctx, ancestor.indexKey, redis.Z{Score: 0, Member: ancestor.member})
		}
		pipe.Publish(ctx, r.eventsChannel(), message)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: redis set %s: %w", path, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	message, err := json.Marshal(redisEvent{Path: path, Deleted: true})
	if err != nil {
		return err
	}
	keys := []string{r.nodeKey(path)}
	args := []any{r.eventsChannel(), message}
	for _, ancestor := range r.ancestors(path) {
		keys = append(keys, ancestor.indexKey)
		args = append(args, ancestor.member)
	}
	if err := removeScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("store: redis del %s: %w", path, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, err
	}
	keys, err := r.client.ZRange(ctx, r.indexKey(prefix), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis index %s: %w", prefix, err)
	}
	return r.fetchChildren(ctx, prefix, keys)
}

// ListLast returns the children of prefix with the limit greatest keys.
func (r *Redis) ListLast(ctx context.Context, prefix string, limit int) (map[string]json.RawMessage, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return r.List(ctx, prefix)
	}
	keys, err := r.client.ZRevRange(ctx, r.indexKey(prefix), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis index %s: %w", prefix, err)
	}
	return r.fetchChildren(ctx, prefix, keys)
}

func (r *Redis) fetchChildren(ctx context.Context, prefix string, keys []string) (map[string]json.RawMessage, error) {
	children := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return children, nil
	}
	nodeKeys := make([]string, len(keys))
	for index, key := range keys {
		nodeKeys[index] = r.nodeKey(prefix + pathSeparator + key)
	}
	values, err := r.client.MGet(ctx, nodeKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis mget %s: %w", prefix, err)
	}
	for index, raw := range values {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		children[keys[index]] = json.RawMessage(text)
	}
	return children, nil
}

// Subscribe streams changes to path and its descendants until ctx ends or
// the returned cancel func runs. Slow consumers drop events.
func (r *Redis) Subscribe(ctx context.Context, path string) (<-chan Event, func(), error) {
	if path != "" {
		if err := ValidatePath(path); err != nil {
			return nil, nil, err
		}
	}
	if err := r.listen(ctx); err != nil {
		return nil, nil, err
	}
	stream, cancel := r.events.add(ctx, path)
	return stream, cancel, nil
}

// listen opens the shared event subscription on first use.
func (r *Redis) listen(ctx context.Context) error {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	if r.closed {
		return errRedisClosed
	}
	if r.pubsub != nil {
		return nil
	}
	pubsub := r.client.Subscribe(context.WithoutCancel(ctx), r.eventsChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("store: redis subscribe: %w", err)
	}
	r.pubsub = pubsub
	go r.dispatch(pubsub.Channel())
	return nil
}

func (r *Redis) dispatch(messages <-chan *redis.Message) {
	defer r.events.closeAll()
	for message := range messages {
		var payload redisEvent
		if err := json.Unmarshal([]byte(message.Payload), &payload); err != nil {
			r.logger.Warn("store event decode failed", zap.Error(err))
			continue
		}
		r.events.publish(Event{Path: payload.Path, Value: payload.Value, Deleted: payload.Deleted})
	}
}

// Close ends the shared subscription and every stream fed by it. The
// client stays open.
func (r *Redis) Close() error {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	r.closed = true
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	r.pubsub = nil
	return err
}

func (r *Redis) ServerTime(ctx context.Context) (time.Time, error) {
	serverTime, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("store: redis time: %w", err)
	}
	return serverTime.UTC(), nil
}

func (r *Redis) RemoveOnDisconnect(ctx context.Context, connectionID, path string) error {
	if connectionID == "" {
		return ErrMissingConnectionID
	}
	if err := ValidatePath(path); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.cleanupKey(connectionID), path).Err()
}

func (r *Redis) CancelOnDisconnect(ctx context.Context, connectionID, path string) error {
	if connectionID == "" {
		return ErrMissingConnectionID
	}
	return r.client.SRem(ctx, r.cleanupKey(connectionID), path).Err()
}

func (r *Redis) Disconnect(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return ErrMissingConnectionID
	}
	paths, err := r.client.SMembers(ctx, r.cleanupKey(connectionID)).Result()
	if err != nil {
		return fmt.Errorf("store: redis cleanup lookup: %w", err)
	}
	for _, path := range paths {
		if err := r.Remove(ctx, path); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, r.cleanupKey(connectionID)).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
