package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RedisClient defines the Redis operations the store needs.
// This interface is compatible with github.com/redis/go-redis/v9.
type RedisClient interface {
	Get(ctx context.Context, key string) RedisStringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd
	Del(ctx context.Context, keys ...string) RedisIntCmd
	Keys(ctx context.Context, pattern string) RedisStringSliceCmd
	Publish(ctx context.Context, channel string, message interface{}) RedisIntCmd
	Subscribe(ctx context.Context, channels ...string) RedisPubSub
	Close() error
}

// RedisStringCmd represents a Redis string command result.
type RedisStringCmd interface {
	Result() (string, error)
	Err() error
}

// RedisStatusCmd represents a Redis status command result.
type RedisStatusCmd interface {
	Err() error
}

// RedisIntCmd represents a Redis int command result.
type RedisIntCmd interface {
	Err() error
}

// RedisStringSliceCmd represents a Redis string-slice command result.
type RedisStringSliceCmd interface {
	Result() ([]string, error)
}

// RedisPubSub represents a Redis pub/sub subscription.
type RedisPubSub interface {
	Channel() <-chan *RedisMessage
	Close() error
}

// RedisMessage is a message received over Redis pub/sub.
type RedisMessage struct {
	Channel string
	Payload string
}

// ErrRedisNil is returned when a key doesn't exist in Redis.
// This should match redis.Nil from go-redis.
var ErrRedisNil = errors.New("redis: nil")

// RedisStore is a Redis-backed Store.
// Entries live under a key prefix; change events fan out to all processes
// through a pub/sub channel carrying the writer's origin, so the origin
// asymmetry survives across process boundaries.
type RedisStore struct {
	client  RedisClient
	prefix  string
	channel string
	log     *slog.Logger

	disp *dispatcher

	mu     sync.Mutex
	pubsub RedisPubSub
	closed bool
	done   chan struct{}
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix  string
	channel string
	logger  *slog.Logger
}

// WithRedisPrefix sets the key prefix for stored entries.
// Default: "tabsync:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// WithRedisChannel sets the pub/sub channel for change events.
// Default: "tabsync:events".
func WithRedisChannel(channel string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.channel = channel
	}
}

// WithRedisLogger sets the logger. Default: slog.Default().
func WithRedisLogger(l *slog.Logger) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.logger = l
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{
		prefix:  "tabsync:",
		channel: "tabsync:events",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := &RedisStore{
		client:  client,
		prefix:  cfg.prefix,
		channel: cfg.channel,
		log:     cfg.logger,
		disp:    newDispatcher(),
		done:    make(chan struct{}),
	}

	r.pubsub = client.Subscribe(context.Background(), cfg.channel)
	go r.receiveLoop()

	return r
}

// key returns the Redis key for a store key.
func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

// Get returns the value for key and whether it exists.
func (r *RedisStore) Get(key string) (string, bool) {
	v, err := r.client.Get(context.Background(), r.key(key)).Result()
	if err != nil {
		if err.Error() == ErrRedisNil.Error() {
			return "", false
		}
		r.log.Error("redis get failed", "key", key, "error", err)
		return "", false
	}
	return v, true
}

// Set writes value under key and publishes a change event.
func (r *RedisStore) Set(key, value, origin string) error {
	if r.isClosed() {
		return ErrClosed
	}

	ctx := context.Background()
	old, oldOK := r.Get(key)
	if oldOK && old == value {
		return nil
	}

	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return err
	}

	return r.publish(Event{
		Key:    key,
		Old:    old,
		OldOK:  oldOK,
		New:    value,
		NewOK:  true,
		Origin: origin,
	})
}

// Delete removes key and publishes a change event.
func (r *RedisStore) Delete(key, origin string) error {
	if r.isClosed() {
		return ErrClosed
	}

	old, oldOK := r.Get(key)
	if !oldOK {
		return nil
	}

	if err := r.client.Del(context.Background(), r.key(key)).Err(); err != nil {
		return err
	}

	return r.publish(Event{
		Key:    key,
		Old:    old,
		OldOK:  true,
		Origin: origin,
	})
}

// Keys returns all keys with the given prefix.
func (r *RedisStore) Keys(prefix string) []string {
	full, err := r.client.Keys(context.Background(), r.key(prefix)+"*").Result()
	if err != nil {
		r.log.Error("redis keys failed", "prefix", prefix, "error", err)
		return nil
	}

	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, r.prefix))
	}
	return keys
}

// Subscribe registers an observer for changes produced by other origins.
func (r *RedisStore) Subscribe(origin string, fn func(Event)) func() {
	return r.disp.subscribe(origin, fn)
}

// Close detaches the pub/sub subscription and all observers.
// The underlying Redis client is not closed, as it may be shared.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	err := r.pubsub.Close()
	r.disp.close()
	return err
}

func (r *RedisStore) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// publish broadcasts the event over pub/sub. Local delivery happens when the
// message comes back through receiveLoop, the same path remote processes use.
func (r *RedisStore) publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(context.Background(), r.channel, string(payload)).Err()
}

// receiveLoop dispatches pub/sub messages to local subscribers.
func (r *RedisStore) receiveLoop() {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("dropping malformed change event", "error", err)
				continue
			}
			r.disp.dispatch(ev)
		}
	}
}
