package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventConversionAttributed is emitted after a new conversion is recorded
	// for a resolved affiliate.
	EventConversionAttributed EventType = "conversion.attributed"
	// EventConversionStatusChanged is emitted after a ledger transition.
	EventConversionStatusChanged EventType = "conversion.status_changed"
	// EventConversionDeleted is emitted after a conversion is removed.
	EventConversionDeleted EventType = "conversion.deleted"
	// EventLinkRotated is emitted when an affiliate gets a new active link.
	EventLinkRotated EventType = "link.rotated"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// ConversionAttributedData contains data for conversion attributed events.
type ConversionAttributedData struct {
	Conversion     models.ConversionEvent
	AffiliateEmail string
}

// ConversionStatusChangedData contains data for status change events.
type ConversionStatusChangedData struct {
	Conversion   models.ConversionEvent // carries the new status
	From         models.ConversionStatus
	PendingDelta decimal.Decimal
	PaidDelta    decimal.Decimal
}

// ConversionDeletedData contains data for conversion deleted events.
type ConversionDeletedData struct {
	Conversion   models.ConversionEvent
	PendingDelta decimal.Decimal
	PaidDelta    decimal.Decimal
}

// LinkRotatedData contains data for link rotated events.
type LinkRotatedData struct {
	AffiliateID string
	ShortCode   string
	LinkVersion int64
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	inflight sync.WaitGroup
	logger   *slog.Logger
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   slog.Default(),
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish hands an event to every subscribed handler. Handlers run
// asynchronously on a context detached from the caller's cancellation; their
// failures are logged and never reach the publisher.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	// handlers are registered with the wait group under the read lock, so
	// Shutdown either waits for them or they are never started
	m.mu.RLock()
	handlers := m.handlers[eventType]
	if !m.enabled || len(handlers) == 0 {
		m.mu.RUnlock()
		return
	}
	m.inflight.Add(len(handlers))
	m.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	hctx := context.WithoutCancel(ctx)

	for _, handler := range handlers {
		go func(h Handler) {
			defer m.inflight.Done()
			if err := h(hctx, event); err != nil {
				m.logger.Error("event handler failed",
					slog.String("event_type", string(eventType)),
					slog.Any("error", err))
			}
		}(handler)
	}
}

// PublishConversionAttributed publishes a conversion attributed event.
func (m *Manager) PublishConversionAttributed(ctx context.Context, conversion models.ConversionEvent, affiliateEmail string) {
	m.Publish(ctx, EventConversionAttributed, ConversionAttributedData{
		Conversion:     conversion,
		AffiliateEmail: affiliateEmail,
	})
}

// PublishConversionStatusChanged publishes a status change event.
func (m *Manager) PublishConversionStatusChanged(ctx context.Context, data ConversionStatusChangedData) {
	m.Publish(ctx, EventConversionStatusChanged, data)
}

// PublishConversionDeleted publishes a conversion deleted event.
func (m *Manager) PublishConversionDeleted(ctx context.Context, data ConversionDeletedData) {
	m.Publish(ctx, EventConversionDeleted, data)
}

// PublishLinkRotated publishes a link rotated event.
func (m *Manager) PublishLinkRotated(ctx context.Context, affiliateID, shortCode string, version int64) {
	m.Publish(ctx, EventLinkRotated, LinkRotatedData{
		AffiliateID: affiliateID,
		ShortCode:   shortCode,
		LinkVersion: version,
	})
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.inflight.Wait()
}
