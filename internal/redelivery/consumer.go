package redelivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/domain"
)

const (
	maxReconnectDelay  = 30 * time.Second
	baseReconnectDelay = 1 * time.Second
)

// ProcessFunc runs a redelivered event back through the dedup pipeline. The
// pipeline's own lock discipline makes double delivery safe, so the consumer
// never needs to coordinate with the HTTP path.
type ProcessFunc func(ctx context.Context, evt *domain.InboundEvent) error

// Consumer drains the redeliveries queue once the wait queue's TTL fires.
type Consumer struct {
	url     string
	conn    *amqplib.Connection
	channel *amqplib.Channel
	logger  *zap.Logger
	process ProcessFunc

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewConsumer creates a consumer for the redeliveries queue.
func NewConsumer(url string, process ProcessFunc, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		url:     url,
		logger:  logger,
		process: process,
		closeCh: make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqplib.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	// Queue declaration is idempotent and shared with the publisher.
	if _, err := ch.QueueDeclare(readyQueue, true, false, false, false, amqplib.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp queue declare: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	return nil
}

// Start consumes until the context is cancelled, reconnecting with
// exponential backoff on connection loss.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-c.closeCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		c.logger.Warn("Redelivery consumer lost connection, reconnecting...", zap.Error(err))

		for attempt := 0; ; attempt++ {
			select {
			case <-c.closeCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			delay := time.Duration(math.Min(
				float64(baseReconnectDelay)*math.Pow(2, float64(attempt)),
				float64(maxReconnectDelay),
			))
			time.Sleep(delay)

			if err := c.connect(); err != nil {
				c.logger.Error("Reconnect failed", zap.Error(err))
				continue
			}

			c.logger.Info("Redelivery consumer reconnected")
			break
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	deliveries, err := ch.Consume(
		readyQueue,
		"",    // auto-generated consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	c.logger.Info("Redelivery consumer started", zap.String("queue", readyQueue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			var evt domain.InboundEvent
			if err := json.Unmarshal(delivery.Body, &evt); err != nil {
				c.logger.Error("Failed to unmarshal redelivered event",
					zap.Error(err),
					zap.String("body", string(delivery.Body)),
				)
				delivery.Nack(false, false)
				continue
			}

			err := c.process(ctx, &evt)
			if errors.Is(err, domain.ErrStoreUnavailable) {
				// Lock state unknown; requeue and try again later.
				c.logger.Warn("Redelivery deferred, store unavailable",
					zap.String("event_id", evt.ID),
				)
				delivery.Nack(false, true)
				continue
			}
			if err != nil {
				// Recorded as FAILED by the pipeline; the pipeline also
				// decides whether another retry gets scheduled.
				c.logger.Info("Redelivered event failed",
					zap.String("event_id", evt.ID),
					zap.Error(err),
				)
			}
			delivery.Ack(false)
		}
	}
}

// Close gracefully shuts down the consumer.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
