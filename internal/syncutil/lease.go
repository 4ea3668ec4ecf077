// Package syncutil provides leased locks for work that must run on only one
// replica at a time, such as the escrow auto-release sweep.
package syncutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/reuni/disputes/internal/idgen"
)

// Locker hands out expiring, non-blocking locks. TryLock returns
// acquired=false when someone else holds key. The returned unlock func is
// nil unless the lock was acquired.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), acquired bool, err error)
}

// LocalLocker is an in-process Locker for single-replica deployments.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]lease), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	token := idgen.New()
	l.leases[key] = lease{token: token, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.token == token {
			delete(l.leases, key)
		}
	}, true, nil
}

// releaseScript deletes the key only when it still holds our token, so an
// expired lease re-acquired by another replica is never released by us.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	token  func() string
}

// NewRedisLocker creates a Redis-backed locker. Keys are namespaced with prefix.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, token: idgen.New}
}

func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := r.prefix + key
	token := r.token()

	ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		// Detached from the caller's context: the sweep may have been
		// cancelled but the lease should still be released.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := r.client.Eval(releaseCtx, releaseScript, []string{fullKey}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return
		}
	}, true, nil
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
