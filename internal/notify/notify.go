// Package notify tells affiliates about new commissions. Delivery is fire and
// forget: it hangs off the event manager and never affects attribution.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"affiliate-ledger-api/internal/events"
)

// Notification is the payload handed to the mailer.
type Notification struct {
	AffiliateEmail   string `json:"affiliate_email"`
	OrderRef         string `json:"order_ref"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	CommissionAmount string `json:"commission_amount"`
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// FromAttribution builds the notification for a new conversion.
func FromAttribution(data events.ConversionAttributedData) Notification {
	return Notification{
		AffiliateEmail:   data.AffiliateEmail,
		OrderRef:         data.Conversion.OrderID,
		Amount:           data.Conversion.Amount.StringFixed(2),
		Currency:         data.Conversion.Currency,
		CommissionAmount: data.Conversion.CommissionAmount.StringFixed(2),
	}
}

// Subscribe sends a notification for every attributed conversion.
func Subscribe(m *events.Manager, n Notifier) {
	m.Subscribe(events.EventConversionAttributed, func(ctx context.Context, e events.Event) error {
		data, ok := e.Data.(events.ConversionAttributedData)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", e.Data, e.Type)
		}
		if data.AffiliateEmail == "" {
			return nil
		}
		return n.Notify(ctx, FromAttribution(data))
	})
}

// KafkaNotifier publishes notifications to a Kafka topic keyed by order ref,
// where the mail service picks them up.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka notifier requires a topic")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

// Notify publishes one notification.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.OrderRef),
		Value: payload,
		Time:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// LogNotifier only logs notifications. It is used when no broker is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the notification.
func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "commission notification",
		slog.String("affiliate_email", n.AffiliateEmail),
		slog.String("order_ref", n.OrderRef),
		slog.String("commission_amount", n.CommissionAmount),
		slog.String("currency", n.Currency))
	return nil
}
