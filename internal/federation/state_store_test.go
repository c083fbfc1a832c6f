package federation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStateStoreIsSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStateStore(client)
	ctx := context.Background()

	in := AuthState{Nonce: "n-1", CodeVerifier: "v-1", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := store.Put(ctx, "s-1", in, 10*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr.TTL(stateKeyPrefix + "s-1"); ttl != 10*time.Minute {
		t.Fatalf("expected 10m ttl, got %s", ttl)
	}

	got, err := store.Take(ctx, "s-1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got == nil || got.Nonce != in.Nonce || got.CodeVerifier != in.CodeVerifier || !got.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("unexpected state %+v", got)
	}
	again, err := store.Take(ctx, "s-1")
	if err != nil || again != nil {
		t.Fatalf("second take must be empty, got %+v err=%v", again, err)
	}
}

func TestRedisStateStoreExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStateStore(client)
	ctx := context.Background()

	if err := store.Put(ctx, "s-2", AuthState{Nonce: "n"}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(time.Minute + time.Second)
	got, err := store.Take(ctx, "s-2")
	if err != nil || got != nil {
		t.Fatalf("expired state must be gone, got %+v err=%v", got, err)
	}
}

func TestMemoryStateStore(t *testing.T) {
	t.Parallel()
	s := NewMemoryStateStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Put(ctx, "a", AuthState{Nonce: "1"}, time.Minute)
	_ = s.Put(ctx, "b", AuthState{Nonce: "2"}, time.Minute)
	if got, _ := s.Take(ctx, "a"); got == nil || got.Nonce != "1" {
		t.Fatalf("expected state a, got %+v", got)
	}
	if got, _ := s.Take(ctx, "a"); got != nil {
		t.Fatalf("state a must be consumed")
	}
	now = now.Add(time.Minute)
	if got, _ := s.Take(ctx, "b"); got != nil {
		t.Fatalf("state b must be expired")
	}
}
