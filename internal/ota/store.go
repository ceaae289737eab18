package ota

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore owns the per-node session table. memoryStore (the default)
// and RedisSessionStore both implement it so Manager can run restart-durable
// across process restarts or multiple Hub instances when Redis is
// configured.
type SessionStore interface {
	get(nodeID string) (*Session, bool)
	set(nodeID string, s *Session)
	delete(nodeID string)
	all() map[string]*Session
}

// memoryStore is the default in-process table, guarded by its own mutex so
// Manager's lock only ever protects its own invariants, not storage.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]*Session)}
}

func (m *memoryStore) get(nodeID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[nodeID]
	return s, ok
}

func (m *memoryStore) set(nodeID string, s *Session) {
	m.mu.Lock()
	m.sessions[nodeID] = s
	m.mu.Unlock()
}

func (m *memoryStore) delete(nodeID string) {
	m.mu.Lock()
	delete(m.sessions, nodeID)
	m.mu.Unlock()
}

func (m *memoryStore) all() map[string]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out
}

// RedisSessionStore persists OTA sessions to Redis so a restarted Manager
// resumes tracking in-flight transfers instead of losing them, storing one
// key-prefixed JSON blob per node's session.
type RedisSessionStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisSessionStore dials addr and verifies connectivity before use.
func NewRedisSessionStore(addr string) (*RedisSessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisSessionStore{client: client, keyPrefix: "meshhub:ota:"}, nil
}

func (r *RedisSessionStore) key(nodeID string) string {
	return r.keyPrefix + nodeID
}

func (r *RedisSessionStore) get(nodeID string) (*Session, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, r.key(nodeID)).Bytes()
	if err != nil {
		return nil, false
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	return &s, true
}

func (r *RedisSessionStore) set(nodeID string, s *Session) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.client.Set(ctx, r.key(nodeID), data, 0)
}

func (r *RedisSessionStore) delete(nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.client.Del(ctx, r.key(nodeID))
}

func (r *RedisSessionStore) all() map[string]*Session {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(map[string]*Session)
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		nodeID := iter.Val()[len(r.keyPrefix):]
		out[nodeID] = &s
	}
	return out
}

// Close releases the underlying Redis connection pool.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}
