// Package notify fans out Postgres LISTEN/NOTIFY messages about committed
// event-log appends. Every node's appends are visible to every other node,
// so operators and caches can follow saga progress without polling.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRetryDelay    = 100 * time.Millisecond
	defaultMaxRetryDelay = 5 * time.Second
	defaultMaxFailures   = 10
)

// Source is the LISTEN/NOTIFY connection. storage.DB implements it.
type Source interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Notification reports that an aggregate reached Version.
type Notification struct {
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	Version       int64  `json:"version"`
}

func (n Notification) String() string {
	return fmt.Sprintf("%s/%s:%d", n.AggregateType, n.AggregateID, n.Version)
}

// Parse decodes a "type/id:version" payload. The id may contain "/" or ":";
// the type may contain neither.
func Parse(payload string) (Notification, error) {
	i := strings.LastIndex(payload, ":")
	if i < 0 {
		return Notification{}, fmt.Errorf("notify: malformed payload %q", payload)
	}
	key, version := payload[:i], payload[i+1:]
	aggType, aggID, ok := strings.Cut(key, "/")
	if !ok || aggType == "" || aggID == "" {
		return Notification{}, fmt.Errorf("notify: malformed payload %q", payload)
	}
	v, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return Notification{}, fmt.Errorf("notify: malformed version in %q: %w", payload, err)
	}
	return Notification{AggregateType: aggType, AggregateID: aggID, Version: v}, nil
}

// Broker runs a loop that waits on the notify connection and sends each
// parsed notification to every subscriber.
type Broker struct {
	source  Source
	channel string
	logger  *slog.Logger

	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxFailures   int

	mu          sync.RWMutex
	subscribers map[chan Notification]struct{}
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBackoff sets the wait after a failed WaitForNotification. The delay
// starts at base, doubles up to maxDelay, and Start gives up after maxFailures
// consecutive failures.
func WithBackoff(base, maxDelay time.Duration, maxFailures int) BrokerOption {
	return func(b *Broker) {
		b.retryDelay, b.maxRetryDelay, b.maxFailures = base, maxDelay, maxFailures
	}
}

// NewBroker creates a broker for channel. Call Start to begin listening.
func NewBroker(source Source, channel string, logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		source:        source,
		channel:       channel,
		logger:        logger,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
		maxFailures:   defaultMaxFailures,
		subscribers:   make(map[chan Notification]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start listens and broadcasts until ctx is cancelled. It blocks, so call it
// in a goroutine. A failed LISTEN is returned, as is the last error once
// WaitForNotification has failed maxFailures times in a row.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.source.Listen(ctx, b.channel); err != nil {
		return err
	}
	b.logger.Info("notify: listening", "channel", b.channel)

	failures := 0
	delay := b.retryDelay
	for {
		_, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= b.maxFailures {
				return fmt.Errorf("notify: giving up after %d consecutive errors: %w", failures, err)
			}
			b.logger.Warn("notify: notification error, retrying",
				"error", err,
				"attempt", failures,
				"delay", delay,
			)
			jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay + jitter):
			}
			delay = min(delay*2, b.maxRetryDelay)
			continue
		}
		failures = 0
		delay = b.retryDelay
		n, err := Parse(payload)
		if err != nil {
			b.logger.Warn("notify: dropping notification", "error", err)
			continue
		}
		b.broadcast(n)
	}
}

// Subscribe returns a channel that receives notifications. The caller must
// call Unsubscribe when done.
func (b *Broker) Subscribe() chan Notification {
	ch := make(chan Notification, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan Notification) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast skips subscribers whose buffer is full so one slow reader
// cannot stall the rest.
func (b *Broker) broadcast(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			b.logger.Debug("notify: subscriber buffer full, dropping", "notification", n.String())
		}
	}
}
