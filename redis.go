package porygon

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-redis/redis"
)

type RedisConfig struct {
	RedisOptions        *redis.Options
	RedisClusterOptions *redis.ClusterOptions
}

// RedisPubSub is the production broker endpoint. A single underlying
// subscription is shared by all subscribed channels; the pump goroutine
// preserves per-channel publish order.
type RedisPubSub struct {
	client redis.UniversalClient
	ch     chan *PubSubMessage

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisPubSubFromConnStr(connStr string) (*RedisPubSub, error) {
	parts := strings.Split(connStr, ",")
	var client redis.UniversalClient
	if len(parts) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: parts})
	} else {
		client = redis.NewClient(&redis.Options{Addr: parts[0]})
	}
	if err := client.Ping().Err(); err != nil {
		return nil, err
	}
	return &RedisPubSub{
		client: client,
		ch:     make(chan *PubSubMessage, 1024),
	}, nil
}

func NewRedisPubSub(cfg *RedisConfig) (*RedisPubSub, error) {
	r := &RedisPubSub{ch: make(chan *PubSubMessage, 1024)}
	if cfg.RedisOptions != nil {
		r.client = redis.NewClient(cfg.RedisOptions)
	} else if cfg.RedisClusterOptions != nil {
		r.client = redis.NewClusterClient(cfg.RedisClusterOptions)
	} else {
		return nil, errors.New("at least one redis options must be provided")
	}
	return r, nil
}

func (r *RedisPubSub) Subscribe(channels ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return r.pubsub.Subscribe(channels...)
	}

	r.pubsub = r.client.Subscribe(channels...)
	go func(ps *redis.PubSub) {
		defer func() {
			_ = ps.Close()
		}()
		for msg := range ps.Channel() {
			r.ch <- &PubSubMessage{
				Channel: msg.Channel,
				Data:    msg.Payload,
			}
		}
	}(r.pubsub)
	return nil
}

func (r *RedisPubSub) Unsubscribe(channels ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return nil
	}
	return r.pubsub.Unsubscribe(channels...)
}

func (r *RedisPubSub) Channel() <-chan *PubSubMessage {
	return r.ch
}

func (r *RedisPubSub) Publish(channel string, data interface{}) error {
	_, err := r.client.Publish(channel, data).Result()
	return err
}

func (r *RedisPubSub) Close() error {
	return r.client.Close()
}
