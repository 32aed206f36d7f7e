package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, olderThan time.Duration, maxPerLane int64) (int64, error)
}

type Lane struct {
	QueueKey      string
	ProcessingKey string
}

// LanesFor derives the three lane key pairs from a base queue key and a base processing key.
func LanesFor(queueKey, processingKey string) (low, normal, high Lane) {
	mk := func(suffix string) Lane {
		return Lane{QueueKey: queueKey + ":" + suffix, ProcessingKey: processingKey + ":" + suffix}
	}
	return mk("low"), mk("normal"), mk("high")
}

// redisPriorityQueue is a reliable queue with priorities on Redis lists.
// Lanes: high/normal/low.
// Claim: BRPOPLPUSH lane.queue -> lane.processing, remember the lane in a hash
// and the claim time in a sorted set.
// Ack:   LREM from the lane's processing list, drop both markers.
// Reap:  claims older than a threshold go back to the head of their lane.
type redisPriorityQueue struct {
	rdb              *redis.Client
	processingMapKey string
	claimedAtKey     string

	low    Lane
	normal Lane
	high   Lane
}

func NewRedisPriorityQueue(rdb *redis.Client, processingMapKey string, low, normal, high Lane) Queue {
	return &redisPriorityQueue{
		rdb:              rdb,
		processingMapKey: processingMapKey,
		claimedAtKey:     processingMapKey + ":claimed_at",
		low:              low,
		normal:           normal,
		high:             high,
	}
}

func clampPriority(p int) int {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityHigh {
		return PriorityHigh
	}
	return p
}

func (q *redisPriorityQueue) laneByPriority(p int) Lane {
	switch clampPriority(p) {
	case PriorityHigh:
		return q.high
	case PriorityNormal:
		return q.normal
	default:
		return q.low
	}
}

func (q *redisPriorityQueue) lanes() []Lane {
	return []Lane{q.high, q.normal, q.low}
}

func (q *redisPriorityQueue) Enqueue(ctx context.Context, jobID string, priority int) error {
	ln := q.laneByPriority(priority)
	return q.rdb.LPush(ctx, ln.QueueKey, jobID).Err()
}

// ClaimBlocking tries high->normal->low with small blocking slots,
// so it is "mostly blocking" but still respects priority.
func (q *redisPriorityQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	// timeout <= 0 loops until ctx is done
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !forever && time.Now().After(deadline) {
			return "", redis.Nil
		}

		for _, ln := range q.lanes() {
			wait := slot
			if !forever {
				remain := time.Until(deadline)
				if remain <= 0 {
					return "", redis.Nil
				}
				if remain < wait {
					wait = remain
				}
			}

			id, err := q.rdb.BRPopLPush(ctx, ln.QueueKey, ln.ProcessingKey, wait).Result()
			if err == nil {
				if err := q.markClaimed(ctx, id, ln); err != nil {
					return "", err
				}
				return id, nil
			}

			if errors.Is(err, redis.Nil) {
				continue
			}
			return "", err
		}
	}
}

func (q *redisPriorityQueue) markClaimed(ctx context.Context, id string, ln Lane) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.processingMapKey, id, ln.ProcessingKey)
		p.ZAdd(ctx, q.claimedAtKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
		return nil
	})
	return err
}

func (q *redisPriorityQueue) Ack(ctx context.Context, jobID string) error {
	processingKey, err := q.rdb.HGet(ctx, q.processingMapKey, jobID).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return err
		}
		// no lane marker (reaped or claimed by an older build): clear every processing list
		for _, ln := range q.lanes() {
			_ = q.rdb.LRem(ctx, ln.ProcessingKey, 1, jobID).Err()
		}
		_ = q.rdb.ZRem(ctx, q.claimedAtKey, jobID).Err()
		return nil
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, processingKey, 1, jobID)
		p.HDel(ctx, q.processingMapKey, jobID)
		p.ZRem(ctx, q.claimedAtKey, jobID)
		return nil
	})
	return err
}

// RequeueStale moves claims older than olderThan back to their lane.
// Delivery is at-least-once; the orchestrator refuses to re-run a started attempt.
func (q *redisPriorityQueue) RequeueStale(ctx context.Context, olderThan time.Duration, maxPerLane int64) (int64, error) {
	now := time.Now()
	if err := q.adoptOrphans(ctx, now); err != nil {
		return 0, err
	}

	cutoff := now.Add(-olderThan).UnixMilli()
	limit := maxPerLane * int64(len(q.lanes()))

	ids, err := q.rdb.ZRangeByScore(ctx, q.claimedAtKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}

	byProcessing := map[string]Lane{}
	for _, ln := range q.lanes() {
		byProcessing[ln.ProcessingKey] = ln
	}

	var moved int64
	perLane := map[string]int64{}
	for _, id := range ids {
		processingKey, err := q.rdb.HGet(ctx, q.processingMapKey, id).Result()
		if errors.Is(err, redis.Nil) {
			// acked between the range read and now
			_ = q.rdb.ZRem(ctx, q.claimedAtKey, id).Err()
			continue
		}
		if err != nil {
			return moved, err
		}
		ln, ok := byProcessing[processingKey]
		if !ok || perLane[processingKey] >= maxPerLane {
			continue
		}

		removed := q.rdb.LRem(ctx, ln.ProcessingKey, 1, id)
		if err := removed.Err(); err != nil {
			return moved, err
		}
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if removed.Val() > 0 {
				// RPUSH puts it where the next BRPOPLPUSH reads
				p.RPush(ctx, ln.QueueKey, id)
			}
			p.HDel(ctx, q.processingMapKey, id)
			p.ZRem(ctx, q.claimedAtKey, id)
			return nil
		})
		if err != nil {
			return moved, err
		}
		if removed.Val() > 0 {
			moved++
			perLane[processingKey]++
		}
	}
	return moved, nil
}

// adoptOrphans gives markers to ids sitting in a processing list without any,
// left by a worker that stopped between BRPOPLPUSH and markClaimed. They are
// dated now, so they go back to their lane once they are older than the
// stale threshold. NX keeps a live worker's own marker if it lands first.
func (q *redisPriorityQueue) adoptOrphans(ctx context.Context, now time.Time) error {
	for _, ln := range q.lanes() {
		ids, err := q.rdb.LRange(ctx, ln.ProcessingKey, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSetNX(ctx, q.processingMapKey, id, ln.ProcessingKey)
				p.ZAddNX(ctx, q.claimedAtKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
