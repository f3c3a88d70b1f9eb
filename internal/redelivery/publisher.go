// Package redelivery implements the optional retry topic: webhook deliveries
// whose handler failed while the record is still retryable are republished
// through a TTL'd wait queue, giving the system a redelivery schedule
// independent of the external sender's.
package redelivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/domain"
)

const (
	exchangeName = "hooklock.direct"
	exchangeType = "direct"

	// Deliveries land in the wait queue first; its per-queue TTL dead-letters
	// them into the redeliveries queue the consumer reads.
	waitQueue      = "webhook_retry_wait"
	readyQueue     = "webhook_redeliveries"
	retryKey       = "retry"
	redeliverKey   = "redeliver"
	reconnectDelay = 2 * time.Second
	maxReconnDelay = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// Publisher enqueues failed-but-retryable deliveries for a later attempt.
type Publisher interface {
	Publish(ctx context.Context, evt *domain.InboundEvent) error
	Close() error
}

type rabbitPublisher struct {
	url    string
	delay  time.Duration
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRabbitMQPublisher creates a publisher and declares the retry topology.
// delay is how long a delivery sits in the wait queue before redelivery.
func NewRabbitMQPublisher(url string, delay time.Duration, logger *zap.Logger) (Publisher, error) {
	p := &rabbitPublisher{
		url:    url,
		delay:  delay,
		logger: logger,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	go p.watchConnection()

	return p, nil
}

func (p *rabbitPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq: channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}

	if err := declareTopology(ch, p.delay); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()

	p.logger.Info("Retry topic publisher initialized",
		zap.String("exchange", exchangeName),
		zap.Duration("retry_delay", p.delay),
	)

	return nil
}

func declareTopology(ch *amqp.Channel, delay time.Duration) error {
	if err := ch.ExchangeDeclare(exchangeName, exchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}

	waitArgs := amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    exchangeName,
		"x-dead-letter-routing-key": redeliverKey,
	}
	if _, err := ch.QueueDeclare(waitQueue, true, false, false, false, waitArgs); err != nil {
		return fmt.Errorf("rabbitmq: declare wait queue: %w", err)
	}
	if err := ch.QueueBind(waitQueue, retryKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind wait queue: %w", err)
	}

	if _, err := ch.QueueDeclare(readyQueue, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return fmt.Errorf("rabbitmq: declare redeliveries queue: %w", err)
	}
	if err := ch.QueueBind(readyQueue, redeliverKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind redeliveries queue: %w", err)
	}

	return nil
}

// watchConnection monitors the connection and reconnects on failure.
func (p *rabbitPublisher) watchConnection() {
	for {
		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return
		}
		conn := p.conn
		p.mu.RUnlock()

		if conn == nil {
			time.Sleep(reconnectDelay)
			continue
		}

		reason, ok := <-conn.NotifyClose(make(chan *amqp.Error))
		if !ok {
			return
		}

		p.logger.Warn("RabbitMQ connection lost, reconnecting...",
			zap.String("reason", reason.Error()),
		)

		delay := reconnectDelay
		for {
			p.mu.RLock()
			if p.closed {
				p.mu.RUnlock()
				return
			}
			p.mu.RUnlock()

			time.Sleep(delay)

			if err := p.connect(); err != nil {
				p.logger.Warn("RabbitMQ reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
				delay = delay * 2
				if delay > maxReconnDelay {
					delay = maxReconnDelay
				}
				continue
			}

			p.logger.Info("RabbitMQ reconnected successfully")
			break
		}
	}
}

func (p *rabbitPublisher) Publish(ctx context.Context, evt *domain.InboundEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event: %w", err)
	}

	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("rabbitmq: channel not available (reconnecting)")
	}

	confirm := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(publishCtx,
		exchangeName,
		retryKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}

	select {
	case ack := <-confirm:
		if !ack.Ack {
			return fmt.Errorf("rabbitmq: broker nacked message (event_id=%s)", evt.ID)
		}
	case <-publishCtx.Done():
		return fmt.Errorf("rabbitmq: publish confirmation timeout (event_id=%s)", evt.ID)
	}

	p.logger.Debug("Scheduled event redelivery",
		zap.String("event_id", evt.ID),
		zap.Duration("delay", p.delay),
	)
	return nil
}

func (p *rabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
