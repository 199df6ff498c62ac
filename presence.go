package porygon

import (
	"strings"
	"sync"

	"github.com/go-redis/redis"
)

const presenceKey = "pushConnections"

// Presence is the cluster-wide membership set of connection ids, so any
// instance can tell whether an endpoint is connected somewhere without
// asking its peers.
type Presence interface {
	Add(key string, item string) error
	Remove(key string, item string) error
	Exists(key string, item string) (bool, error)
}

type RedisPresence struct {
	client redis.UniversalClient
}

func NewRedisPresenceFromConnStr(connStr string) *RedisPresence {
	parts := strings.Split(connStr, ",")
	var client redis.UniversalClient
	if len(parts) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: parts})
	} else {
		client = redis.NewClient(&redis.Options{Addr: parts[0]})
	}
	return &RedisPresence{client: client}
}

func (r *RedisPresence) Add(key string, item string) error {
	return r.client.SAdd(key, item).Err()
}

func (r *RedisPresence) Remove(key string, item string) error {
	return r.client.SRem(key, item).Err()
}

func (r *RedisPresence) Exists(key string, item string) (bool, error) {
	return r.client.SIsMember(key, item).Result()
}

// MemoryPresence for development purpose
type MemoryPresence struct {
	mu sync.Mutex
	db map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{db: make(map[string]struct{})}
}

func (m *MemoryPresence) Add(key string, item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db[key+item] = struct{}{}
	return nil
}

func (m *MemoryPresence) Remove(key string, item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.db, key+item)
	return nil
}

func (m *MemoryPresence) Exists(key string, item string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.db[key+item]
	return found, nil
}
