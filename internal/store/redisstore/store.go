package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

const (
	DefaultLockTTL  = 45 * time.Second
	lockPollEvery   = 50 * time.Millisecond
	chatLockPrefix  = "chatproxy:lock:"
	unlockOpTimeout = 2 * time.Second
)

// releases the key only while it still holds our token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ChatLocker is a chat.Locker shared by every server process that talks to
// the same Redis.
type ChatLocker struct {
	store *Store
	ttl   time.Duration
}

func (s *Store) ChatLocker(ttl time.Duration) *ChatLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &ChatLocker{store: s, ttl: ttl}
}

// Lock polls SET NX until it wins or ctx is done. The lease expires after the
// TTL even if the holder never unlocks.
func (l *ChatLocker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := chatLockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollEvery)
	defer ticker.Stop()
	for {
		ok, err := l.store.rdb.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire %s: %w", rkey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), unlockOpTimeout)
			defer cancel()
			_ = unlockScript.Run(uctx, l.store.rdb, []string{rkey}, token).Err()
		})
	}, nil
}

// Holder returns the token currently holding key, or "" when it is free.
func (l *ChatLocker) Holder(ctx context.Context, key string) (string, error) {
	v, err := l.store.rdb.Get(ctx, chatLockPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
