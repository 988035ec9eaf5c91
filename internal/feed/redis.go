package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"qstream/internal/config"
	"qstream/internal/logger"
	"qstream/internal/topic"
)

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisSource is a topic.Producer backed by Redis pub/sub. A topic key
// maps to the channel <prefix><route>:<v1>:<v2>..., e.g. qstream:orders:acct123.
type RedisSource struct {
	client *redis.Client
	prefix string
	decode Decoder
	log    logger.Logger
}

// NewRedisSource builds a source that decodes each message with decode.
func NewRedisSource(client *redis.Client, prefix string, decode Decoder, log logger.Logger) *RedisSource {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &RedisSource{client: client, prefix: prefix, decode: decode, log: log}
}

// Channel returns the Redis channel for key.
func (s *RedisSource) Channel(key topic.Key) string {
	return s.prefix + key.String()
}

// Publish JSON-encodes v onto the channel of key. It returns the number of
// Redis subscribers that received it.
func (s *RedisSource) Publish(ctx context.Context, key topic.Key, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}
	n, err := s.client.Publish(ctx, s.Channel(key), data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish message to Redis: %w", err)
	}
	return n, nil
}

// Open subscribes to the key's channel and returns once Redis confirmed the
// subscription.
func (s *RedisSource) Open(ctx context.Context, key topic.Key) (topic.Stream, error) {
	channel := s.Channel(key)
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	s.log.Debug("Redis channel subscribed", "channel", channel)
	return &redisStream{
		channel: channel,
		ps:      ps,
		msgs:    ps.Channel(),
		decode:  s.decode,
		log:     s.log,
	}, nil
}

type redisStream struct {
	channel string
	ps      *redis.PubSub
	msgs    <-chan *redis.Message
	decode  Decoder
	log     logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Next skips messages that fail to decode.
func (r *redisStream) Next(ctx context.Context) (any, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-r.msgs:
			if !ok {
				return nil, io.EOF
			}
			v, err := r.decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("Dropping malformed message", "channel", r.channel, "error", err)
				continue
			}
			return v, nil
		}
	}
}

func (r *redisStream) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.ps.Close()
		r.log.Debug("Redis channel unsubscribed", "channel", r.channel)
	})
	return r.closeErr
}
