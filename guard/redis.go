package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
)

// releaseLease deletes the lease only while it still carries the caller's token
var releaseLease = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var _ Deduper = &RedisDeduper{}

// RedisOptions configures a RedisDeduper
type RedisOptions struct {
	Redis redis.UniversalClient
	// Prefix is prepended to every key
	Prefix string
	// Window is how long a processed event id is remembered
	Window time.Duration
	// Lease bounds how long a crashed worker can block redelivery of the same event
	Lease time.Duration
}

// RedisDeduper shares processed event ids across replicas
type RedisDeduper struct {
	RedisOptions
}

// NewRedisDeduper returns a Deduper backed by Redis
func NewRedisDeduper(option RedisOptions) (*RedisDeduper, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Prefix == "" {
		option.Prefix = "billsync:event:"
	}
	if option.Window <= 0 {
		option.Window = DefaultWindow
	}
	if option.Lease <= 0 {
		option.Lease = time.Minute
	}
	return &RedisDeduper{
		RedisOptions: option,
	}, nil
}

func (r *RedisDeduper) doneKey(id string) string {
	return r.Prefix + id + ":done"
}

func (r *RedisDeduper) leaseKey(id string) string {
	return r.Prefix + id + ":lease"
}

func (r *RedisDeduper) client(ctx context.Context) redis.Cmdable {
	switch c := r.Redis.(type) {
	case *redis.Client:
		return c.WithContext(ctx)
	case *redis.ClusterClient:
		return c.WithContext(ctx)
	case *redis.Ring:
		return c.WithContext(ctx)
	}
	return r.Redis
}

// Do implements Deduper
func (r *RedisDeduper) Do(ctx context.Context, eventID string, fn func(ctx context.Context) error) (bool, error) {
	rdb := r.client(ctx)

	n, err := rdb.Exists(r.doneKey(eventID)).Result()
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot check processed marker")
	}
	if n > 0 {
		return true, nil
	}

	token := uuid.New().String()
	acquired, err := rdb.SetNX(r.leaseKey(eventID), token, r.Lease).Result()
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot acquire processing lease")
	}
	if !acquired {
		return false, ErrInFlight
	}

	// bookkeeping after fn must survive a cancelled delivery
	after := r.client(context.WithoutCancel(ctx))
	defer releaseLease.Run(after, []string{r.leaseKey(eventID)}, token)

	if err := fn(ctx); err != nil {
		return false, err
	}

	if err := after.Set(r.doneKey(eventID), time.Now().Unix(), r.Window).Err(); err != nil {
		return false, extErrors.Wrap(err, "Cannot set processed marker")
	}
	return false, nil
}
