package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-and-act scripts keep a session from touching a lease it lost.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLeases implements LeaseStore with one expiring key per document.
type RedisLeases struct {
	client *redis.Client
	prefix string
}

// NewRedisLeases connects to Redis and checks the connection.
func NewRedisLeases(redisURL string) (*RedisLeases, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLeasesWithClient(client), nil
}

func NewRedisLeasesWithClient(client *redis.Client) *RedisLeases {
	return &RedisLeases{
		client: client,
		prefix: "markup:lease:",
	}
}

func (s *RedisLeases) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisLeases) Acquire(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	key := s.key(lease.DocumentID)
	ok, err := s.client.SetNX(ctx, key, leaseValue(lease), ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		lease.ExpiresAt = time.Now().Add(ttl)
		return lease, nil
	}

	renewed, err := s.Renew(ctx, lease, ttl)
	if err == nil {
		return renewed, nil
	}
	if !errors.Is(err, ErrLeaseLost) {
		return Lease{}, err
	}
	holder, found, err := s.Holder(ctx, lease.DocumentID)
	if err != nil {
		return Lease{}, err
	}
	if !found {
		// The other lease expired between the two calls.
		return s.Acquire(ctx, lease, ttl)
	}
	return Lease{}, &HeldError{Holder: holder}
}

func (s *RedisLeases) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	n, err := renewScript.Run(ctx, s.client, []string{s.key(lease.DocumentID)}, leaseValue(lease), ttl.Milliseconds()).Int()
	if err != nil {
		return Lease{}, fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return Lease{}, ErrLeaseLost
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return lease, nil
}

func (s *RedisLeases) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(lease.DocumentID)}, leaseValue(lease)).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *RedisLeases) Holder(ctx context.Context, documentID string) (Lease, bool, error) {
	key := s.key(documentID)
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("lookup lease: %w", err)
	}
	lease := parseLeaseValue(documentID, value)
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		lease.ExpiresAt = time.Now().Add(ttl)
	}
	return lease, true, nil
}

func (s *RedisLeases) Close() error {
	return s.client.Close()
}

func (s *RedisLeases) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
