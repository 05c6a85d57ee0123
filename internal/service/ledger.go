package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/database"
	"affiliate-ledger-api/internal/events"
	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/tracing"
	"affiliate-ledger-api/internal/validation"
)

type statusPair struct {
	from, to models.ConversionStatus
}

// bucketSigns gives the pending and paid multipliers of the commission for
// each status change. rejected -> pending credits the paid bucket; existing
// ledgers depend on that, so it is kept as is.
var bucketSigns = map[statusPair][2]int64{
	{models.ConversionPending, models.ConversionPaid}:     {-1, +1},
	{models.ConversionPaid, models.ConversionPending}:     {+1, -1},
	{models.ConversionPending, models.ConversionRejected}: {-1, 0},
	{models.ConversionRejected, models.ConversionPending}: {0, +1},
	{models.ConversionPaid, models.ConversionRejected}:    {0, -1},
	{models.ConversionRejected, models.ConversionPaid}:    {0, +1},
}

// TransitionDelta returns the bucket change for moving a conversion with the
// given commission from one status to another. Same-status moves are zero.
func TransitionDelta(from, to models.ConversionStatus, commission decimal.Decimal) database.LedgerDelta {
	signs, ok := bucketSigns[statusPair{from, to}]
	if !ok {
		return database.LedgerDelta{}
	}
	return database.LedgerDelta{
		Pending: commission.Mul(decimal.NewFromInt(signs[0])),
		Paid:    commission.Mul(decimal.NewFromInt(signs[1])),
	}
}

// holdingDelta is what a conversion in status holds in the buckets.
func holdingDelta(status models.ConversionStatus, commission decimal.Decimal) database.LedgerDelta {
	switch status {
	case models.ConversionPending:
		return database.LedgerDelta{Pending: commission}
	case models.ConversionPaid:
		return database.LedgerDelta{Paid: commission}
	}
	return database.LedgerDelta{}
}

// ledgerDelta is the bucket change for moving conv to status to. Rows that
// are not ledger counted move nothing.
func ledgerDelta(conv models.ConversionEvent, to models.ConversionStatus) database.LedgerDelta {
	if !conv.LedgerCounted {
		return database.LedgerDelta{}
	}
	return TransitionDelta(conv.Status, to, conv.CommissionAmount)
}

// deletionDelta debits whichever bucket holds the conversion's commission.
func deletionDelta(conv models.ConversionEvent) database.LedgerDelta {
	if !conv.LedgerCounted {
		return database.LedgerDelta{}
	}
	return holdingDelta(conv.Status, conv.CommissionAmount).Neg()
}

// TransitionStatus moves a conversion to a new status and applies the
// matching delta to its affiliate's buckets, using the commission snapshotted
// on the conversion. It returns false without writing when the conversion is
// already in that status.
func (s *Service) TransitionStatus(ctx context.Context, conversionID string, to models.ConversionStatus) (bool, error) {
	ctx, span := tracing.Start(ctx, "service.TransitionStatus",
		"conversion_id", conversionID, "status", string(to))
	defer span.End()

	if err := validation.ValidateStatus(to); err != nil {
		return false, err
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		conv, err := s.db.GetConversion(ctx, conversionID)
		if isNotFound(err) {
			return false, ErrConversionNotFound
		}
		if err != nil {
			tracing.RecordError(span, err)
			return false, err
		}

		if conv.Status == to {
			return false, nil
		}

		from := conv.Status
		delta := ledgerDelta(conv, to)
		err = s.db.TransitionConversion(ctx, conv, to, delta, s.now())
		if errors.Is(err, database.ErrStatusConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("ledger transition failed",
				slog.String("conversion_id", conv.ID),
				slog.String("affiliate_id", derefString(conv.AffiliateID)),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
				slog.Any("error", err))
			tracing.RecordError(span, err)
			return false, err
		}

		conv.Status = to
		s.logger.Info("conversion status changed",
			slog.String("conversion_id", conv.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)))

		s.invalidateAnalytics(ctx, derefString(conv.AffiliateID))
		s.events.PublishConversionStatusChanged(ctx, events.ConversionStatusChangedData{
			Conversion:   conv,
			From:         from,
			PendingDelta: delta.Pending,
			PaidDelta:    delta.Paid,
		})
		return true, nil
	}

	return false, ErrConcurrentUpdate
}

// BulkTransitionStatus applies TransitionStatus to each id independently and
// returns how many conversions changed. Failures are logged and skipped.
func (s *Service) BulkTransitionStatus(ctx context.Context, conversionIDs []string, to models.ConversionStatus) (int, error) {
	ctx, span := tracing.Start(ctx, "service.BulkTransitionStatus", "status", string(to))
	defer span.End()

	if err := validation.ValidateStatus(to); err != nil {
		return 0, err
	}
	if len(conversionIDs) > 1000 {
		return 0, &validation.ValidationError{
			Field:   "conversion_ids",
			Message: "cannot process more than 1000 conversions per request",
		}
	}

	updated := 0
	for _, id := range conversionIDs {
		changed, err := s.TransitionStatus(ctx, id, to)
		if err != nil {
			s.logger.Error("bulk transition skipped conversion",
				slog.String("conversion_id", id),
				slog.String("to", string(to)),
				slog.Any("error", err))
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

// DeleteConversion removes a conversion as an administrative reversal. Its
// contribution to link and affiliate counters is reversed and the bucket
// holding its commission is debited. The order id is released.
func (s *Service) DeleteConversion(ctx context.Context, conversionID string) error {
	ctx, span := tracing.Start(ctx, "service.DeleteConversion", "conversion_id", conversionID)
	defer span.End()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		conv, err := s.db.GetConversion(ctx, conversionID)
		if isNotFound(err) {
			return ErrConversionNotFound
		}
		if err != nil {
			tracing.RecordError(span, err)
			return err
		}

		delta := deletionDelta(conv)
		err = s.db.DeleteConversion(ctx, conv, delta)
		if errors.Is(err, database.ErrStatusConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("conversion deletion failed",
				slog.String("conversion_id", conv.ID),
				slog.String("affiliate_id", derefString(conv.AffiliateID)),
				slog.Any("error", err))
			tracing.RecordError(span, err)
			return err
		}

		s.logger.Info("conversion deleted",
			slog.String("conversion_id", conv.ID),
			slog.String("order_id", conv.OrderID),
			slog.String("status", string(conv.Status)))

		s.invalidateAnalytics(ctx, derefString(conv.AffiliateID))
		s.events.PublishConversionDeleted(ctx, events.ConversionDeletedData{
			Conversion:   conv,
			PendingDelta: delta.Pending,
			PaidDelta:    delta.Paid,
		})
		return nil
	}

	return ErrConcurrentUpdate
}

// GetConversion returns a conversion by id.
func (s *Service) GetConversion(ctx context.Context, conversionID string) (models.ConversionEvent, error) {
	conv, err := s.db.GetConversion(ctx, conversionID)
	if isNotFound(err) {
		return models.ConversionEvent{}, ErrConversionNotFound
	}
	return conv, err
}

// GetLedgerSnapshot returns the affiliate's pending and paid buckets.
func (s *Service) GetLedgerSnapshot(ctx context.Context, affiliateID string) (models.LedgerSnapshot, error) {
	snap, err := s.db.GetLedger(ctx, affiliateID)
	if isNotFound(err) {
		return models.LedgerSnapshot{}, ErrAffiliateNotFound
	}
	if err != nil {
		return models.LedgerSnapshot{}, fmt.Errorf("failed to read ledger: %w", err)
	}
	return snap, nil
}
