package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the sorted set holding reservations. Members are uids,
// scores are expiry times in unix milliseconds.
const DefaultRedisKey = "ltm:reservations"

// noExpiry is the score of a reservation that never expires.
const noExpiry = float64(1 << 53)

// Redis is a Store shared by every server replica pointing at the same
// Redis instance.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time
}

var _ Store = (*Redis)(nil)

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("reservation: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("reservation: connect to redis: %w", err)
	}
	return &Redis{client: client, key: DefaultRedisKey, ttl: ttl, now: time.Now}, nil
}

func member(uid int64) string { return strconv.FormatInt(uid, 10) }

func (r *Redis) expiry(now time.Time) float64 {
	if r.ttl <= 0 {
		return noExpiry
	}
	return float64(now.Add(r.ttl).UnixMilli())
}

// prune drops expired reservations.
func (r *Redis) prune(ctx context.Context, now time.Time) error {
	upTo := strconv.FormatInt(now.UnixMilli(), 10)
	if err := r.client.ZRemRangeByScore(ctx, r.key, "-inf", upTo).Err(); err != nil {
		return fmt.Errorf("reservation: prune: %w", err)
	}
	return nil
}

func (r *Redis) Reserve(ctx context.Context, uid int64) (bool, error) {
	now := r.now()
	if err := r.prune(ctx, now); err != nil {
		return false, err
	}
	added, err := r.client.ZAddNX(ctx, r.key, redis.Z{Score: r.expiry(now), Member: member(uid)}).Result()
	if err != nil {
		return false, fmt.Errorf("reservation: reserve %d: %w", uid, err)
	}
	return added == 1, nil
}

func (r *Redis) Release(ctx context.Context, uids ...int64) error {
	if len(uids) == 0 {
		return nil
	}
	members := make([]any, len(uids))
	for i, uid := range uids {
		members[i] = member(uid)
	}
	if err := r.client.ZRem(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("reservation: release: %w", err)
	}
	return nil
}

func (r *Redis) IsReserved(ctx context.Context, uid int64) (bool, error) {
	score, err := r.client.ZScore(ctx, r.key, member(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reservation: lookup %d: %w", uid, err)
	}
	return score > float64(r.now().UnixMilli()), nil
}

func (r *Redis) Count(ctx context.Context) (int64, error) {
	if err := r.prune(ctx, r.now()); err != nil {
		return 0, err
	}
	n, err := r.client.ZCard(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("reservation: count: %w", err)
	}
	return n, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("reservation: clear: %w", err)
	}
	return nil
}

func (r *Redis) Backend() string { return "redis" }

// Ping checks connectivity to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
