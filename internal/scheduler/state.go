package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State records when each task last ran.
type State interface {
	// LastRun returns the last run time, or ok=false if the task never ran.
	LastRun(ctx context.Context, task Task) (at time.Time, ok bool, err error)
	MarkRun(ctx context.Context, task Task, at time.Time) error
	// Reset forgets every task's last run.
	Reset(ctx context.Context) error
}

// InMemoryState is a process-local State.
type InMemoryState struct {
	mu   sync.RWMutex
	last map[Task]time.Time
}

// NewInMemoryState creates an empty state.
func NewInMemoryState() *InMemoryState {
	return &InMemoryState{last: make(map[Task]time.Time)}
}

func (s *InMemoryState) LastRun(_ context.Context, task Task) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.last[task]
	return at, ok, nil
}

func (s *InMemoryState) MarkRun(_ context.Context, task Task, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[task] = at
	return nil
}

func (s *InMemoryState) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = make(map[Task]time.Time)
	return nil
}

// RedisKeyPrefix prefixes every last-run key.
const RedisKeyPrefix = "offboard:scheduler:last_run:"

// RedisState stores last-run times in Redis so several instances share them.
type RedisState struct {
	client redis.UniversalClient
}

// NewRedisState creates a Redis-backed state.
func NewRedisState(client redis.UniversalClient) *RedisState {
	return &RedisState{client: client}
}

func redisKey(task Task) string {
	return RedisKeyPrefix + string(task)
}

func (s *RedisState) LastRun(ctx context.Context, task Task) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, redisKey(task)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last run for %s: %w", task, err)
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid last run for %s: %w", task, err)
	}
	return at, true, nil
}

func (s *RedisState) MarkRun(ctx context.Context, task Task, at time.Time) error {
	if err := s.client.Set(ctx, redisKey(task), at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to record last run for %s: %w", task, err)
	}
	return nil
}

func (s *RedisState) Reset(ctx context.Context) error {
	keys := make([]string, len(Tasks))
	for i, t := range Tasks {
		keys[i] = redisKey(t)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset scheduler state: %w", err)
	}
	return nil
}
