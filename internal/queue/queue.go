// Package queue is the durable work queue between the ingestion gateway and
// the worker pool, carried on a redis list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agrisense-io/agrisense/internal/models"
)

const (
	jobsKey = "telemetry:jobs"

	// popTimeout bounds how long a dequeue blocks, so worker shutdown is
	// observed within one interval.
	popTimeout = 1 * time.Second
)

// Enqueuer is the gateway's view of the queue: fire-and-forget.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.MeasurementJob) error
}

// Dequeuer is the worker's view of the queue.  Dequeue returns (nil, nil)
// when no job arrives within the poll interval.
type Dequeuer interface {
	Dequeue(ctx context.Context) (*models.MeasurementJob, error)
}

type RedisQueue struct {
	logger *zap.SugaredLogger
	client *redis.Client
}

func NewRedisQueue(logger *zap.SugaredLogger, client *redis.Client) *RedisQueue {
	return &RedisQueue{
		logger: logger,
		client: client,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *models.MeasurementJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.client.LPush(ctx, jobsKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.logger.Debugf("enqueued job for device %s", job.DeviceID)
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*models.MeasurementJob, error) {
	res, err := q.client.BRPop(ctx, popTimeout, jobsKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	var job models.MeasurementJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}
