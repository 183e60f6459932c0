package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newRedisClient connects to REDIS_ADDR (default localhost:6379) and skips
// the test when no server answers.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisState(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	state := NewRedisState(client)
	if err := state.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	t.Cleanup(func() { _ = state.Reset(context.Background()) })

	if _, ok, err := state.LastRun(ctx, TaskDailyScan); err != nil || ok {
		t.Fatalf("LastRun() on empty state = ok %v, err %v", ok, err)
	}

	at := time.Date(2026, 10, 1, 9, 30, 0, 123, time.UTC)
	if err := state.MarkRun(ctx, TaskDailyScan, at); err != nil {
		t.Fatalf("MarkRun() error = %v", err)
	}
	got, ok, err := state.LastRun(ctx, TaskDailyScan)
	if err != nil || !ok {
		t.Fatalf("LastRun() = ok %v, err %v", ok, err)
	}
	if !got.Equal(at) {
		t.Errorf("LastRun() = %v, want %v", got, at)
	}

	if err := state.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := state.LastRun(ctx, TaskDailyScan); ok {
		t.Error("Reset() did not clear the last run")
	}
}

func TestRedisState_SharedAcrossSchedulers(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	state := NewRedisState(client)
	if err := state.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = state.Reset(context.Background()) })

	engine := &fakeEngine{}
	first, _ := newTestScheduler(t, Config{Engine: engine, State: state})
	second, _ := newTestScheduler(t, Config{Engine: engine, State: NewRedisState(client)})

	first.Tick(ctx)
	second.Tick(ctx)
	if n, _, _ := engine.counts(); n != 1 {
		t.Errorf("system scans = %d, want 1", n)
	}
}

func TestRedisLock(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	key := "offboard:test:lock"
	t.Cleanup(func() { client.Del(context.Background(), key) })

	a := NewRedisLock(client, key, time.Minute)
	b := NewRedisLock(client, key, time.Minute)

	ok, err := a.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("a.TryLock() = %v, %v", ok, err)
	}
	if ok, _ := b.TryLock(ctx); ok {
		t.Fatal("b acquired a lock held by a")
	}
	// b cannot release a's lock.
	if err := b.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.TryLock(ctx); ok {
		t.Fatal("b's unlock released a's lock")
	}
	if err := a.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, err := b.TryLock(ctx); err != nil || !ok {
		t.Errorf("b.TryLock() after release = %v, %v", ok, err)
	}
	_ = b.Unlock(ctx)
}
