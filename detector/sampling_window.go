package failuredetector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Scorer interface {
	ID() string
	Score() int64
}

// SamplingWindow keeps the newest size entries of type T in Redis. Entries
// also expire ttl after they were added.
//
// Layout under key:
//   - key:main_set     sorted set ordered by Score()
//   - key:expired_set  sorted set ordered by expiry (unix millis)
//   - key:item:<id>    JSON body of the entry
type SamplingWindow[T Scorer] struct {
	key  string
	size int
	ttl  time.Duration
	rdb  *redis.Client
}

// NewSamplingWindow connects to Redis and returns a window. A non-positive
// size defaults to 10 and a non-positive ttl to one second.
func NewSamplingWindow[T Scorer](
	key string, size int, ttl time.Duration, opts *redis.Options) (*SamplingWindow[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newWindow[T](key, size, ttl, client), nil
}

func newWindow[T Scorer](key string, size int, ttl time.Duration, client *redis.Client) *SamplingWindow[T] {
	if size <= 0 {
		size = 10
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return &SamplingWindow[T]{key: key, size: size, ttl: ttl, rdb: client}
}

func (sw *SamplingWindow[T]) mainKey() string    { return sw.key + ":main_set" }
func (sw *SamplingWindow[T]) expiredKey() string { return sw.key + ":expired_set" }
func (sw *SamplingWindow[T]) itemKey(id string) string {
	return sw.key + ":item:" + id
}

func (sw *SamplingWindow[T]) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	p := sw.rdb.Pipeline()
	for _, id := range ids {
		p.ZRem(ctx, sw.mainKey(), id)
		p.ZRem(ctx, sw.expiredKey(), id)
		p.Del(ctx, sw.itemKey(id))
	}
	_, err := p.Exec(ctx)
	return err
}

// clean drops expired entries, then the oldest ones beyond size.
func (sw *SamplingWindow[T]) clean(ctx context.Context) error {
	query := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", time.Now().UnixMilli())}
	expired, err := sw.rdb.ZRangeByScore(ctx, sw.expiredKey(), query).Result()
	if err != nil {
		return fmt.Errorf("failed to query expired entries: %w", err)
	}
	if err := sw.remove(ctx, expired); err != nil {
		return fmt.Errorf("failed to remove expired entries: %w", err)
	}
	return sw.trim(ctx)
}

func (sw *SamplingWindow[T]) trim(ctx context.Context) error {
	card, err := sw.rdb.ZCard(ctx, sw.mainKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to get window size: %w", err)
	}
	if card <= int64(sw.size) {
		return nil
	}

	oldest, err := sw.rdb.ZRange(ctx, sw.mainKey(), 0, card-int64(sw.size)-1).Result()
	if err != nil {
		return fmt.Errorf("failed to query oldest entries: %w", err)
	}
	if err := sw.remove(ctx, oldest); err != nil {
		return fmt.Errorf("failed to enforce size limit: %w", err)
	}
	return nil
}

// Add inserts entry, cleaning expired entries first and trimming after.
func (sw *SamplingWindow[T]) Add(ctx context.Context, entry T) error {
	if err := sw.clean(ctx); err != nil {
		return err
	}

	jsn, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	member := entry.ID()
	expScore := float64(time.Now().Add(sw.ttl).UnixMilli())

	p := sw.rdb.Pipeline()
	p.Set(ctx, sw.itemKey(member), jsn, 0)
	p.ZAdd(ctx, sw.mainKey(), redis.Z{Score: float64(entry.Score()), Member: member})
	p.ZAdd(ctx, sw.expiredKey(), redis.Z{Score: expScore, Member: member})
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add entry: %w", err)
	}
	return sw.trim(ctx)
}

// Get returns the live entries, newest first.
func (sw *SamplingWindow[T]) Get(ctx context.Context) ([]T, error) {
	if err := sw.clean(ctx); err != nil {
		return nil, err
	}

	members, err := sw.rdb.ZRevRange(ctx, sw.mainKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get window members: %w", err)
	}
	if len(members) == 0 {
		return []T{}, nil
	}

	keys := make([]string, len(members))
	for i, member := range members {
		keys[i] = sw.itemKey(member)
	}
	values, err := sw.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entry data: %w", err)
	}

	result := make([]T, 0, len(members))
	for _, val := range values {
		jsStr, ok := val.(string)
		if !ok {
			continue
		}
		var entry T
		if err := json.Unmarshal([]byte(jsStr), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		result = append(result, entry)
	}
	return result, nil
}

func (sw *SamplingWindow[T]) Close() error {
	if sw.rdb != nil {
		return sw.rdb.Close()
	}
	return nil
}
