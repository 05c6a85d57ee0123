package clickhouse

import (
	"context"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/events"
	"affiliate-ledger-api/internal/features"
	"affiliate-ledger-api/internal/models"
)

// DeltaFromEvent maps a ledger event to its delta row. Events that do not
// move money or counters, and conversions without an affiliate, report false.
func DeltaFromEvent(e events.Event) (DeltaRow, bool) {
	var (
		row  DeltaRow
		conv models.ConversionEvent
	)

	switch data := e.Data.(type) {
	case events.ConversionAttributedData:
		conv = data.Conversion
		row.DeltaPending = conv.CommissionAmount
		row.DeltaPaid = decimal.Zero
		row.DeltaConversions = 1
		row.DeltaRevenue = conv.Amount
	case events.ConversionStatusChangedData:
		conv = data.Conversion
		row.DeltaPending = data.PendingDelta
		row.DeltaPaid = data.PaidDelta
		row.DeltaRevenue = decimal.Zero
	case events.ConversionDeletedData:
		conv = data.Conversion
		row.DeltaPending = data.PendingDelta
		row.DeltaPaid = data.PaidDelta
		row.DeltaConversions = -1
		row.DeltaRevenue = conv.Amount.Neg()
	default:
		return DeltaRow{}, false
	}

	if conv.AffiliateID == nil {
		return DeltaRow{}, false
	}

	row.AffiliateID = *conv.AffiliateID
	row.ConversionID = conv.ID
	row.OrderID = conv.OrderID
	row.EventType = string(e.Type)
	row.Currency = conv.Currency
	row.EventTime = e.Timestamp.UTC()
	return row, true
}

// Subscribe forwards ledger events to w while the ledger_sink flag is on.
func Subscribe(m *events.Manager, w DeltaWriter, flags *features.Manager) {
	handler := func(ctx context.Context, e events.Event) error {
		if !flags.IsEnabled(features.FeatureLedgerSink) {
			return nil
		}
		row, ok := DeltaFromEvent(e)
		if !ok {
			return nil
		}
		return w.InsertDelta(ctx, row)
	}

	m.Subscribe(events.EventConversionAttributed, handler)
	m.Subscribe(events.EventConversionStatusChanged, handler)
	m.Subscribe(events.EventConversionDeleted, handler)
}
