package resolution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultJournalTTL bounds how long completed steps are remembered.
const DefaultJournalTTL = 7 * 24 * time.Hour

// Journal records the completed steps of a composite admin action so a
// retry resumes after the last completed step instead of repeating it.
type Journal interface {
	// Lookup returns the value stored for a completed step.
	Lookup(ctx context.Context, saga, step string) (value string, done bool, err error)
	Record(ctx context.Context, saga, step, value string) error
}

// MemoryJournal is a process-local Journal for demo mode and tests.
type MemoryJournal struct {
	mu    sync.Mutex
	steps map[string]string
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{steps: make(map[string]string)}
}

func (m *MemoryJournal) Lookup(_ context.Context, saga, step string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.steps[saga+"/"+step]
	return v, ok, nil
}

func (m *MemoryJournal) Record(_ context.Context, saga, step, value string) error {
	m.mu.Lock()
	m.steps[saga+"/"+step] = value
	m.mu.Unlock()
	return nil
}

// RedisJournal keeps step records in Redis so every replica sees them.
type RedisJournal struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisJournal creates a journal storing keys under prefix.
func NewRedisJournal(client redis.Cmdable, prefix string, ttl time.Duration) *RedisJournal {
	if ttl <= 0 {
		ttl = DefaultJournalTTL
	}
	return &RedisJournal{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisJournal) key(saga, step string) string {
	return r.prefix + saga + ":" + step
}

func (r *RedisJournal) Lookup(ctx context.Context, saga, step string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(saga, step)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisJournal) Record(ctx context.Context, saga, step, value string) error {
	return r.client.Set(ctx, r.key(saga, step), value, r.ttl).Err()
}

var (
	_ Journal = (*MemoryJournal)(nil)
	_ Journal = (*RedisJournal)(nil)
)
