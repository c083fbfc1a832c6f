package federation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "auth:federation:state:"

// RedisStateStore keeps AuthState in Redis so any replica can finish a flow.
type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Put(ctx context.Context, state string, v AuthState, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, stateKeyPrefix+state, raw, ttl).Err()
}

// Take reads and deletes the state atomically. Unknown or expired state is (nil, nil).
func (s *RedisStateStore) Take(ctx context.Context, state string) (*AuthState, error) {
	raw, err := s.client.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out AuthState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MemoryStateStore is a single-process StateStore used when Redis is not
// configured. Flows started on one replica cannot finish on another.
type MemoryStateStore struct {
	mu   sync.Mutex
	rows map[string]memoryState
	now  func() time.Time
}

type memoryState struct {
	v       AuthState
	expires time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{rows: map[string]memoryState{}, now: time.Now}
}

func (s *MemoryStateStore) Put(_ context.Context, state string, v AuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, row := range s.rows {
		if !now.Before(row.expires) {
			delete(s.rows, k)
		}
	}
	s.rows[state] = memoryState{v: v, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Take(_ context.Context, state string) (*AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[state]
	delete(s.rows, state)
	if !ok || !s.now().Before(row.expires) {
		return nil, nil
	}
	v := row.v
	return &v, nil
}
