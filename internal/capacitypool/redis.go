package capacitypool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/headroomhq/headroom/pkg/models"
)

// key layout:
//   headroom:res:{id}               reservation JSON, TTL = expiry + grace
//   headroom:pool:{region}/{kind}   sorted set of reservation ids scored by amount

const (
	resKeyPrefix  = "headroom:res:"
	poolKeyPrefix = "headroom:pool:"

	// ledgerGrace keeps reservation keys slightly past expiry so the
	// sweeper and the TTL never race on who removes state first.
	ledgerGrace = 15 * time.Minute
)

// RedisLedger mirrors reservation state into Redis so peer regions can
// read pool pressure cheaply. The ledger is advisory; the relational
// store stays authoritative.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger creates a ledger on the given client.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// Ping verifies connectivity.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func poolKey(region string, kind models.ResourceKind) string {
	return poolKeyPrefix + region + "/" + string(kind)
}

// RecordReservation writes the reservation and indexes it under its pool
// in one transaction.
func (l *RedisLedger) RecordReservation(ctx context.Context, res *models.Reservation) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}
	ttl := time.Until(res.ExpiresAt) + ledgerGrace
	if ttl <= 0 {
		return nil
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resKeyPrefix+res.ID, body, ttl)
		pipe.ZAdd(ctx, poolKey(res.Region, res.Kind), redis.Z{Score: res.Amount, Member: res.ID})
		return nil
	})
	return err
}

// RemoveReservation drops the reservation and its pool index entry.
func (l *RedisLedger) RemoveReservation(ctx context.Context, res *models.Reservation) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, resKeyPrefix+res.ID)
		pipe.ZRem(ctx, poolKey(res.Region, res.Kind), res.ID)
		return nil
	})
	return err
}

// PoolPressure sums the outstanding reserved amounts mirrored for a pool.
// Stale index members whose reservation key already expired are pruned as
// a side effect.
func (l *RedisLedger) PoolPressure(ctx context.Context, region string, kind models.ResourceKind) (float64, error) {
	key := poolKey(region, kind)
	entries, err := l.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	var total float64
	var stale []interface{}
	for _, entry := range entries {
		id, ok := entry.Member.(string)
		if !ok {
			continue
		}
		exists, err := l.client.Exists(ctx, resKeyPrefix+id).Result()
		if err != nil {
			return 0, err
		}
		if exists == 0 {
			stale = append(stale, id)
			continue
		}
		total += entry.Score
	}
	if len(stale) > 0 {
		l.client.ZRem(ctx, key, stale...)
	}
	return total, nil
}
