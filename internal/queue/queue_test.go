package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/validation"
)

type stubAttributor struct {
	result models.AttributionResult
	err    error
	got    models.OrderEvent
}

func (s *stubAttributor) AttributeConversion(ctx context.Context, evt models.OrderEvent) (models.AttributionResult, error) {
	s.got = evt
	return s.result, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOrderEventHandler_DuplicateIsAcked(t *testing.T) {
	stub := &stubAttributor{result: models.AttributionResult{Inserted: false, Reason: models.ReasonDuplicate}}
	h := OrderEventHandler(stub, discardLogger())

	err := h(context.Background(), []byte(`{"short_code":"ABC123","order_id":"ORD-1","amount":"100.00","currency":"USD"}`))
	if ack, _ := Disposition(err); !ack {
		t.Errorf("Expected duplicate to be acked, got err %v", err)
	}
	if stub.got.OrderID != "ORD-1" || stub.got.Amount.String() != "100" {
		t.Errorf("Unexpected decoded event: %+v", stub.got)
	}
}

func TestOrderEventHandler_MalformedIsDropped(t *testing.T) {
	h := OrderEventHandler(&stubAttributor{}, discardLogger())

	err := h(context.Background(), []byte(`{not json`))
	ack, requeue := Disposition(err)
	if ack || requeue {
		t.Errorf("Expected malformed payload to be rejected without requeue, got ack=%v requeue=%v", ack, requeue)
	}
}

func TestOrderEventHandler_ValidationErrorIsDropped(t *testing.T) {
	stub := &stubAttributor{err: &validation.ValidationError{Field: "amount", Message: "must be non-negative"}}
	h := OrderEventHandler(stub, discardLogger())

	err := h(context.Background(), []byte(`{"order_id":"ORD-1"}`))
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestOrderEventHandler_StorageErrorIsRequeued(t *testing.T) {
	stub := &stubAttributor{err: errors.New("database is locked")}
	h := OrderEventHandler(stub, discardLogger())

	err := h(context.Background(), []byte(`{"order_id":"ORD-1"}`))
	ack, requeue := Disposition(err)
	if ack || !requeue {
		t.Errorf("Expected storage failure to be requeued, got ack=%v requeue=%v", ack, requeue)
	}
}

type recordingAcker struct {
	acks, nacks, rejects int
	requeued             bool
}

func (a *recordingAcker) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *recordingAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	a.rejects++
	return nil
}

func TestBackoff_DoublesUpToMax(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Errorf("failure %d: expected %v, got %v", i+1, w*time.Millisecond, got)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Expected reset to start over, got %v", got)
	}
}

func TestConsumerSettle_BacksOffBeforeRequeue(t *testing.T) {
	var waits []time.Duration
	c := &Consumer{
		logger:  discardLogger(),
		backoff: Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
		wait:    func(ctx context.Context, d time.Duration) { waits = append(waits, d) },
	}
	acker := &recordingAcker{}
	msg := amqp.Delivery{Acknowledger: acker, DeliveryTag: 1}
	ctx := context.Background()
	outage := errors.New("database is locked")

	for i := 0; i < 4; i++ {
		c.settle(ctx, msg, outage)
	}
	if acker.nacks != 4 || !acker.requeued {
		t.Fatalf("Expected 4 requeues, got %d (requeue=%v)", acker.nacks, acker.requeued)
	}

	c.settle(ctx, msg, nil)
	c.settle(ctx, msg, outage)

	want := []time.Duration{10, 20, 40, 40, 10}
	if len(waits) != len(want) {
		t.Fatalf("Expected %d waits, got %v", len(want), waits)
	}
	for i, w := range want {
		if waits[i] != w*time.Millisecond {
			t.Errorf("wait %d: expected %v, got %v", i, w*time.Millisecond, waits[i])
		}
	}
	if acker.acks != 1 {
		t.Errorf("Expected success to be acked, got %d", acker.acks)
	}
}

func TestConsumerSettle_PermanentFailureSkipsBackoff(t *testing.T) {
	waited := false
	c := &Consumer{
		logger: discardLogger(),
		wait:   func(ctx context.Context, d time.Duration) { waited = true },
	}
	acker := &recordingAcker{}

	c.settle(context.Background(), amqp.Delivery{Acknowledger: acker}, Permanent(errors.New("bad payload")))
	if acker.rejects != 1 || waited {
		t.Errorf("Expected immediate reject, got rejects=%d waited=%v", acker.rejects, waited)
	}
}
