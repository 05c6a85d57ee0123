package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/events"
	"affiliate-ledger-api/internal/models"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func TestSubscribe_SendsPayloadForAttributedConversion(t *testing.T) {
	m := events.NewManager(true)
	rec := &recordingNotifier{}
	Subscribe(m, rec)

	conv := models.ConversionEvent{
		OrderID:          "ORD-1",
		Amount:           decimal.RequireFromString("100"),
		Currency:         "USD",
		CommissionAmount: decimal.RequireFromString("10"),
	}
	m.PublishConversionAttributed(context.Background(), conv, "a@x.com")
	m.Wait()

	if len(rec.sent) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(rec.sent))
	}
	want := Notification{
		AffiliateEmail:   "a@x.com",
		OrderRef:         "ORD-1",
		Amount:           "100.00",
		Currency:         "USD",
		CommissionAmount: "10.00",
	}
	if rec.sent[0] != want {
		t.Errorf("Expected %+v, got %+v", want, rec.sent[0])
	}
}

func TestSubscribe_SkipsMissingEmail(t *testing.T) {
	m := events.NewManager(true)
	rec := &recordingNotifier{}
	Subscribe(m, rec)

	m.PublishConversionAttributed(context.Background(), models.ConversionEvent{OrderID: "ORD-2"}, "")
	m.Wait()

	if len(rec.sent) != 0 {
		t.Errorf("Expected no notification without an email, got %d", len(rec.sent))
	}
}

func TestNewKafkaNotifier_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaNotifier(nil, "topic"); err == nil {
		t.Error("Expected error without brokers")
	}
	if _, err := NewKafkaNotifier([]string{"localhost:9092"}, ""); err == nil {
		t.Error("Expected error without topic")
	}
}
