// Package bus is the broadcast transport between workers (publishers) and
// API processes (subscribers), carried over redis pub/sub.
package bus

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// channelPrefix scopes every telemetry channel.
	channelPrefix = "telemetry:"

	// ChannelAll carries a copy of every event regardless of device.
	ChannelAll = channelPrefix + "all"

	// ChannelPattern matches the whole telemetry namespace.
	ChannelPattern = channelPrefix + "*"
)

// DeviceChannel returns the channel scoped to one device.
func DeviceChannel(deviceID string) string {
	return channelPrefix + deviceID
}

// DeviceFromChannel extracts the device id from a device-scoped channel
// name.  It returns false for ChannelAll and for names outside the
// telemetry namespace.
func DeviceFromChannel(channel string) (string, bool) {
	if channel == ChannelAll || !strings.HasPrefix(channel, channelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, channelPrefix), true
}

// Message is one raw payload received from the bus.
type Message struct {
	Channel string
	Payload string
}

type Bus struct {
	logger *zap.SugaredLogger
	client *redis.Client
}

func New(logger *zap.SugaredLogger, client *redis.Client) *Bus {
	return &Bus{
		logger: logger,
		client: client,
	}
}

// Ready reports whether the transport answers a ping.
func (b *Bus) Ready(ctx context.Context) bool {
	if _, err := b.client.Ping(ctx).Result(); err != nil {
		b.logger.Errorf("broadcast bus unreachable: %v", err)
		return false
	}
	return true
}

func (b *Bus) Publish(ctx context.Context, channel string, payload string) error {
	b.logger.Debugf("publishing on channel [%s]", channel)
	return b.client.Publish(ctx, channel, payload).Err()
}

// PSubscribe opens a pattern subscription and confirms it with the server
// before returning, so a broken transport fails here instead of on the
// first receive.
func (b *Bus) PSubscribe(ctx context.Context, pattern string) (*Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return &Subscription{pubsub: pubsub}, nil
}

// Subscription is a live pattern subscription on the bus.
type Subscription struct {
	pubsub *redis.PubSub
}

// Receive waits up to timeout for the next message.  It returns (nil, nil)
// when the timeout elapses without one, so callers can poll with a bounded
// interval and observe cancellation promptly.
func (s *Subscription) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	raw, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	switch m := raw.(type) {
	case *redis.Message:
		return &Message{Channel: m.Channel, Payload: m.Payload}, nil
	default:
		// subscription confirmations, pongs
		return nil, nil
	}
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
