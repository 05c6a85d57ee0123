package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config configures the consumer.
type Config struct {
	URL           string
	Queue         string
	PrefetchCount int
	// RetryBackoff is the pause before the first requeue of a failed
	// message. It doubles with each consecutive failure up to
	// MaxRetryBackoff and resets once a message settles otherwise.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Backoff is an exponential delay over consecutive failures.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	failures int
}

// Next returns the delay for the next failure and records it.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.failures && (b.Max <= 0 || d < b.Max); i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	b.failures++
	return d
}

// Reset clears the failure streak.
func (b *Backoff) Reset() {
	b.failures = 0
}

// HandlerFunc processes one message body.
type HandlerFunc func(ctx context.Context, body []byte) error

// permanentError marks a message that will never succeed.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer drops the message instead of
// requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Consumer reads messages from a durable RabbitMQ queue with manual ack.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  Config
	logger  *slog.Logger
	backoff Backoff
	wait    func(ctx context.Context, d time.Duration)
}

// NewConsumer connects to the broker.
func NewConsumer(cfg Config) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.Qos(cfg.PrefetchCount, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		config:  cfg,
		logger:  slog.Default().With(slog.String("queue", cfg.Queue)),
		backoff: Backoff{Base: cfg.RetryBackoff, Max: cfg.MaxRetryBackoff},
		wait:    sleepContext,
	}, nil
}

// Close closes the channel and connection.
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// Consume processes deliveries until ctx is cancelled or the channel closes.
// Successful messages are acked and permanent failures are rejected without
// requeue. Anything else is nacked for redelivery after a backoff, which
// also pauses consumption while the failures continue.
func (c *Consumer) Consume(ctx context.Context, handler HandlerFunc) error {
	_, err := c.channel.QueueDeclare(
		c.config.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	msgs, err := c.channel.Consume(
		c.config.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("started consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.settle(ctx, msg, handler(ctx, msg.Body))
		}
	}
}

func (c *Consumer) settle(ctx context.Context, msg amqp.Delivery, err error) {
	var ackErr error
	switch ack, requeue := Disposition(err); {
	case ack:
		c.backoff.Reset()
		ackErr = msg.Ack(false)
	case requeue:
		delay := c.backoff.Next()
		c.logger.Warn("message failed, requeueing",
			slog.Duration("backoff", delay), slog.Any("error", err))
		c.wait(ctx, delay)
		ackErr = msg.Nack(false, true)
	default:
		c.backoff.Reset()
		c.logger.Error("dropping message", slog.Any("error", err))
		ackErr = msg.Reject(false)
	}
	if ackErr != nil {
		c.logger.Error("failed to settle message", slog.Any("error", ackErr))
	}
}

// Disposition decides how a handler result settles a delivery.
func Disposition(err error) (ack, requeue bool) {
	if err == nil {
		return true, false
	}
	if IsPermanent(err) {
		return false, false
	}
	return false, true
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
