// Package locker serializes work per key, either inside one process or across
// replicas through redis.
package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker serializes work on a key.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, key string) (func(), error)
}

// VaultKey guards every mutation of one campaign vault.
func VaultKey(campaignId string) string {
	return fmt.Sprintf("vault:%s", campaignId)
}

// ClaimKey guards the settlement of one claim.
func ClaimKey(claimId string) string {
	return fmt.Sprintf("claim:%s", claimId)
}

// PayoutKey guards payouts for one subject, such as a viewer or publisher wallet.
func PayoutKey(subject string) string {
	return fmt.Sprintf("payout:%s", subject)
}

type keyedMutex struct {
	held    chan struct{}
	waiters int
}

// LocalLocker is a keyed mutex for a single process. Entries are dropped once
// nobody holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedMutex
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyedMutex)}
}

func (ll *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	ll.mu.Lock()
	m, ok := ll.locks[key]
	if !ok {
		m = &keyedMutex{held: make(chan struct{}, 1)}
		ll.locks[key] = m
	}
	m.waiters++
	ll.mu.Unlock()

	select {
	case m.held <- struct{}{}:
	case <-ctx.Done():
		ll.release(key, m, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { ll.release(key, m, true) })
	}, nil
}

func (ll *LocalLocker) release(key string, m *keyedMutex, held bool) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	if held {
		<-m.held
	}
	m.waiters--
	if m.waiters == 0 {
		delete(ll.locks, key)
	}
}

// RedisLocker holds locks in redis with redsync so several replicas can share
// one vault. The expiry bounds how long a crashed holder blocks others.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger *zap.Logger
}

// NewRedisLocker builds a RedisLocker on client. A non positive expiry means one minute.
func NewRedisLocker(client redis.UniversalClient, expiry time.Duration, l *zap.Logger) *RedisLocker {
	if expiry <= 0 {
		expiry = time.Minute
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		logger: l,
	}
}

func (rl *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := rl.rs.NewMutex("sovads:lock:"+key,
		redsync.WithExpiry(rl.expiry),
		redsync.WithTries(64),
		redsync.WithRetryDelay(50*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock '%s': %w", key, err)
	}
	return func() {
		if _, err := mutex.Unlock(); err != nil {
			rl.logger.Sugar().Warnw("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// LockAll acquires keys in order and releases them in reverse.
func LockAll(ctx context.Context, l Locker, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}
