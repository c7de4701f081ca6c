// Package worker consumes measurement jobs from the queue, persists them
// exactly once, and republishes accepted readings on the broadcast bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agrisense-io/agrisense/internal/bus"
	"github.com/agrisense-io/agrisense/internal/database"
	"github.com/agrisense-io/agrisense/internal/models"
	"github.com/agrisense-io/agrisense/internal/queue"
	"github.com/agrisense-io/agrisense/internal/util"
)

// ErrDuplicate marks a job whose dedupe token already has a persisted row.
// It is a benign outcome, not a failure.
var ErrDuplicate = errors.New("duplicate measurement")

// Publisher is the bus surface the worker publishes accepted readings on.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload string) error
}

// Outcome classifies how a job resolved.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Result reports how one job resolved, for operational telemetry.  The
// original HTTP caller has already received its 202 and never sees this.
type Result struct {
	Outcome       Outcome
	MeasurementID uint64
}

type Worker struct {
	logger    *zap.SugaredLogger
	db        *gorm.DB
	queue     queue.Dequeuer
	publisher Publisher

	consumers  int
	maxRetries uint64
	retryWait  time.Duration
}

type Option func(*Worker)

// WithConsumers sets how many concurrent consumers pull from the queue.
func WithConsumers(n int) Option {
	return func(w *Worker) { w.consumers = n }
}

// WithRetry bounds how often a transiently failing persist is retried and
// the initial backoff between attempts.
func WithRetry(maxRetries uint64, initialWait time.Duration) Option {
	return func(w *Worker) {
		w.maxRetries = maxRetries
		w.retryWait = initialWait
	}
}

func New(logger *zap.SugaredLogger, db *gorm.DB, q queue.Dequeuer, publisher Publisher, opts ...Option) *Worker {
	w := &Worker{
		logger:     logger,
		db:         db,
		queue:      q,
		publisher:  publisher,
		consumers:  1,
		maxRetries: 3,
		retryWait:  1 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts the consumer goroutines.  They exit once ctx is canceled and
// the job they are processing has resolved.
func (w *Worker) Run(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < w.consumers; i++ {
		util.GoWithWaitGroup(wg, func() {
			w.consume(ctx)
		})
	}
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Errorf("failed to dequeue job: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryWait):
			}
			continue
		}
		if job == nil {
			continue
		}
		// finish the claimed job even when shutdown starts mid-processing
		result, err := w.Process(context.WithoutCancel(ctx), job)
		switch result.Outcome {
		case OutcomeOK:
			w.logger.Debugw("measurement persisted", "job_id", job.JobID, "device_id", job.DeviceID, "measurement_id", result.MeasurementID)
		case OutcomeDuplicate:
			w.logger.Infow("duplicate measurement dropped", "job_id", job.JobID, "device_id", job.DeviceID, "message_id", job.MessageID)
		case OutcomeFailed:
			w.logger.Errorw("job abandoned", "job_id", job.JobID, "device_id", job.DeviceID, "error", err)
		}
	}
}

// Process resolves one job: persist the measurement, then publish it on the
// device-scoped and global channels.  A dedupe-token collision resolves to
// OutcomeDuplicate with no publish; the storage uniqueness constraint is
// the single source of truth even when workers race on the same token.
func (w *Worker) Process(ctx context.Context, job *models.MeasurementJob) (Result, error) {
	deviceID, err := uuid.Parse(job.DeviceID)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("invalid device id %q: %w", job.DeviceID, err)
	}
	if job.Timestamp.IsZero() {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("job for device %s has no timestamp", job.DeviceID)
	}

	m := models.Measurement{
		Time:                job.Timestamp,
		DeviceID:            deviceID,
		MessageID:           job.MessageID,
		TemperatureC:        job.Measurements.TemperatureC,
		RelativeHumidityPct: job.Measurements.RelativeHumidityPct,
		SolarRadianceWM2:    job.Measurements.SolarRadianceWM2,
		WindSpeedMS:         job.Measurements.WindSpeedMS,
		WindDirectionDeg:    job.Measurements.WindDirectionDeg,
		BatteryV:            job.Measurements.BatteryV,
		Meta:                job.Meta,
	}

	err = w.persist(ctx, &m)
	if errors.Is(err, ErrDuplicate) {
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}

	w.publish(ctx, &m)
	return Result{Outcome: OutcomeOK, MeasurementID: m.ID}, nil
}

// persist inserts the row, retrying transient storage failures with bounded
// exponential backoff.  A duplicate key is terminal and reported as
// ErrDuplicate.
func (w *Worker) persist(ctx context.Context, m *models.Measurement) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.retryWait
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, w.maxRetries), ctx)

	return backoff.Retry(func() error {
		err := w.db.WithContext(ctx).Create(m).Error
		if err == nil {
			return nil
		}
		if database.IsDuplicateError(err) {
			return backoff.Permanent(ErrDuplicate)
		}
		w.logger.Warnf("measurement insert failed, will retry: %v", err)
		return err
	}, policy)
}

// publish sends the accepted reading on its device channel and the global
// channel.  Delivery to live viewers is best effort; a publish failure does
// not fail the job since the row is already durable.
func (w *Worker) publish(ctx context.Context, m *models.Measurement) {
	event := models.NewMeasurementEvent(m)
	payload, err := json.Marshal(event)
	if err != nil {
		w.logger.Errorf("failed to encode event for measurement %d: %v", m.ID, err)
		return
	}
	for _, channel := range []string{bus.DeviceChannel(event.DeviceID), bus.ChannelAll} {
		if err := w.publisher.Publish(ctx, channel, string(payload)); err != nil {
			w.logger.Warnf("failed to publish measurement %d on %s: %v", m.ID, channel, err)
		}
	}
}
