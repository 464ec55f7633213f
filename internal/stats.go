package internal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records per-connection presence and message counters.
type Tracker interface {
	Join(ctx context.Context, id string) error
	Received(ctx context.Context, id string) error
	Sent(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	Leave(ctx context.Context, id string) error
}

type NopTracker struct{}

func (NopTracker) Join(context.Context, string) error     { return nil }
func (NopTracker) Received(context.Context, string) error { return nil }
func (NopTracker) Sent(context.Context, string) error     { return nil }
func (NopTracker) Touch(context.Context, string) error    { return nil }
func (NopTracker) Leave(context.Context, string) error    { return nil }

const (
	joinTTL  = 90 * time.Second
	touchTTL = 60 * time.Second
)

type RedisTracker struct {
	rdb        *redis.Client
	instanceID string
}

func NewRedisTracker(rdb *redis.Client, instanceID string) *RedisTracker {
	return &RedisTracker{rdb: rdb, instanceID: instanceID}
}

func ConnectionKey(id string) string {
	return fmt.Sprintf("relay:conn:%v", id)
}

func (t *RedisTracker) Join(ctx context.Context, id string) error {
	rid := ConnectionKey(id)
	data := map[string]string{
		"inst": t.instanceID,
		"join": strconv.Itoa(int(time.Now().Unix())),
		"recv": "0",
		"sent": "0",
	}

	if err := t.rdb.HSet(ctx, rid, data).Err(); err != nil {
		return err
	}

	return t.rdb.Expire(ctx, rid, joinTTL).Err()
}

func (t *RedisTracker) Received(ctx context.Context, id string) error {
	return t.rdb.HIncrBy(ctx, ConnectionKey(id), "recv", 1).Err()
}

func (t *RedisTracker) Sent(ctx context.Context, id string) error {
	return t.rdb.HIncrBy(ctx, ConnectionKey(id), "sent", 1).Err()
}

func (t *RedisTracker) Touch(ctx context.Context, id string) error {
	return t.rdb.Expire(ctx, ConnectionKey(id), touchTTL).Err()
}

func (t *RedisTracker) Leave(ctx context.Context, id string) error {
	return t.rdb.Del(ctx, ConnectionKey(id)).Err()
}
