package redis

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	rd "github.com/go-redis/redis/v9"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/persistence"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// WorkQueue spreads serialized work items across partitioned redis lists.
// The push side hashes the caller's key so items for the same process
// instance land in the same partition; the pop side round-robins. Pop moves
// items into a per-partition in-flight list, Ack removes them and Recover
// pushes stranded in-flight items back, giving at-least-once delivery.
type WorkQueue struct {
	baseDao
	partitions   int
	popPartition uint64
}

var _ persistence.WorkQueue = (*WorkQueue)(nil)

func NewWorkQueue(conf Config) *WorkQueue {
	partitions := conf.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	return &WorkQueue{
		baseDao:    *newBaseDao(conf),
		partitions: partitions,
	}
}

func (q *WorkQueue) Push(ctx context.Context, key string, message []byte) error {
	partition := int(murmur3.Sum32([]byte(key))) % q.partitions
	queueKey := q.queueKey(partition)
	if err := q.redisClient.LPush(ctx, queueKey, message).Err(); err != nil {
		logger.Error("error while push to redis list", zap.String("queue", queueKey), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (q *WorkQueue) Pop(ctx context.Context, batchSize int) ([][]byte, error) {
	result := make([][]byte, 0, batchSize)
	for i := 0; i < q.partitions && len(result) < batchSize; i++ {
		partition := int(atomic.AddUint64(&q.popPartition, 1) % uint64(q.partitions))
		items, err := q.pop(ctx, partition, batchSize-len(result))
		if err != nil {
			return nil, err
		}
		result = append(result, items...)
	}
	return result, nil
}

func (q *WorkQueue) pop(ctx context.Context, partition int, count int) ([][]byte, error) {
	queueKey := q.queueKey(partition)
	inFlightKey := q.inFlightKey(partition)
	items := make([][]byte, 0, count)
	for len(items) < count {
		item, err := q.redisClient.LMove(ctx, queueKey, inFlightKey, "RIGHT", "LEFT").Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				break
			}
			logger.Error("error while pop from redis list", zap.String("queue", queueKey), zap.Error(err))
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		items = append(items, []byte(item))
	}
	return items, nil
}

// Ack drops a handled item from its in-flight list.
func (q *WorkQueue) Ack(ctx context.Context, message []byte) error {
	for partition := 0; partition < q.partitions; partition++ {
		removed, err := q.redisClient.LRem(ctx, q.inFlightKey(partition), 1, message).Result()
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		if removed > 0 {
			return nil
		}
	}
	return nil
}

// Recover returns every in-flight item to its source list, to be called once
// before consuming. Items a crashed consumer never acked get redelivered.
func (q *WorkQueue) Recover(ctx context.Context) error {
	for partition := 0; partition < q.partitions; partition++ {
		for {
			_, err := q.redisClient.LMove(ctx, q.inFlightKey(partition), q.queueKey(partition), "RIGHT", "LEFT").Result()
			if errors.Is(err, rd.Nil) {
				break
			}
			if err != nil {
				return persistence.StorageLayerError{Message: err.Error()}
			}
		}
	}
	return nil
}

func (q *WorkQueue) queueKey(partition int) string {
	return q.getNamespaceKey("workqueue", strconv.Itoa(partition))
}

func (q *WorkQueue) inFlightKey(partition int) string {
	return q.getNamespaceKey("workqueue-inflight", strconv.Itoa(partition))
}
