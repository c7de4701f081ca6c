// Package bridge runs the long-lived task that forwards events from the
// broadcast bus into the in-process connection registry.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agrisense-io/agrisense/internal/bus"
	"github.com/agrisense-io/agrisense/internal/models"
)

// Consumer is an open bus subscription the bridge reads from.
type Consumer interface {
	Receive(ctx context.Context, timeout time.Duration) (*bus.Message, error)
	Close() error
}

// SubscribeFunc opens a new subscription; it is called again on every
// reconnect attempt.
type SubscribeFunc func(ctx context.Context) (Consumer, error)

// Broadcaster is the registry surface the bridge forwards into.
type Broadcaster interface {
	Broadcast(deviceID string, payload []byte)
}

// Bridge subscribes to the telemetry channel pattern and forwards each
// decoded event to the registry.  Exactly one bridge runs per API process;
// Start and Stop are idempotent.
type Bridge struct {
	logger    *zap.SugaredLogger
	subscribe SubscribeFunc
	registry  Broadcaster

	pollInterval   time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Bridge)

// WithPollInterval bounds how long one receive blocks; shutdown is observed
// within this interval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) { b.pollInterval = d }
}

// WithBackoff sets the reconnect backoff range.
func WithBackoff(initial, max time.Duration) Option {
	return func(b *Bridge) {
		b.initialBackoff = initial
		b.maxBackoff = max
	}
}

func New(logger *zap.SugaredLogger, subscribe SubscribeFunc, registry Broadcaster, opts ...Option) *Bridge {
	b := &Bridge{
		logger:         logger,
		subscribe:      subscribe,
		registry:       registry,
		pollInterval:   1 * time.Second,
		initialBackoff: 1 * time.Second,
		maxBackoff:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the background task.  Starting a running bridge is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	done := make(chan struct{})
	b.done = done
	go func() {
		defer close(done)
		b.run(ctx)
	}()
}

// Stop cancels the task and awaits its cleanup.  Stopping a stopped bridge
// is a no-op.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run reconnects indefinitely with capped exponential backoff.  A realtime
// bridge that gives up after N failures silently breaks every live
// dashboard, so retry exhaustion is never terminal.
func (b *Bridge) run(ctx context.Context) {
	wait := b.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := b.subscribe(ctx)
		if err != nil {
			b.logger.Errorf("bus subscription failed, retrying in %s: %v", wait, err)
			if !sleepCtx(ctx, wait) {
				return
			}
			wait = nextBackoff(wait, b.maxBackoff)
			continue
		}
		b.logger.Info("subscribed to broadcast bus")
		wait = b.initialBackoff

		err = b.consume(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Errorf("bus subscription lost, reconnecting in %s: %v", wait, err)
		if !sleepCtx(ctx, wait) {
			return
		}
		wait = nextBackoff(wait, b.maxBackoff)
	}
}

func (b *Bridge) consume(ctx context.Context, sub Consumer) error {
	for {
		msg, err := sub.Receive(ctx, b.pollInterval)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if msg == nil {
			continue
		}
		b.handle(msg)
	}
}

func (b *Bridge) handle(msg *bus.Message) {
	var event models.TelemetryEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		// a malformed message must never take the bridge down
		b.logger.Warnf("dropping malformed bus message on channel %s: %v", msg.Channel, err)
		return
	}

	if msg.Channel == bus.ChannelAll {
		// Every event also arrives on its device-scoped channel, and that
		// delivery reaches the wildcard subscribers too.  Forwarding the
		// global copy as well would deliver it twice.
		return
	}
	if deviceID, ok := bus.DeviceFromChannel(msg.Channel); ok {
		b.registry.Broadcast(deviceID, []byte(msg.Payload))
		return
	}
	b.registry.Broadcast("", []byte(msg.Payload))
}

// sleepCtx waits for d and reports false when ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
