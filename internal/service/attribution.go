package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"affiliate-ledger-api/internal/database"
	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/tracing"
	"affiliate-ledger-api/internal/validation"
)

// AttributeConversion records an order against a short code exactly once.
//
// Redelivery of the same order id is a no-op reported as reason "duplicate".
// Orders placed by the owning affiliate are dropped before anything is
// written. Orders for codes with no live affiliate are recorded for audit
// without touching counters. When the counter and earnings update fails after
// the conversion was inserted, the error is logged, StatsDeferred is set and
// no error is returned: the conversion stays, and reconciliation catches the
// counters up.
func (s *Service) AttributeConversion(ctx context.Context, evt models.OrderEvent) (models.AttributionResult, error) {
	evt = normalizeOrderEvent(evt)
	ctx, span := tracing.Start(ctx, "service.AttributeConversion",
		"order_id", evt.OrderID, "short_code", evt.ShortCode)
	defer span.End()

	if err := validation.ValidateOrderEvent(evt); err != nil {
		return models.AttributionResult{}, err
	}

	aff, err := s.resolveAffiliate(ctx, evt.ShortCode)
	if err != nil {
		tracing.RecordError(span, err)
		return models.AttributionResult{}, err
	}

	if aff != nil && evt.PurchaserEmail != "" &&
		validation.NormalizeEmail(evt.PurchaserEmail) == validation.NormalizeEmail(aff.Email) {
		s.logger.Info("self-referral dropped",
			slog.String("order_id", evt.OrderID), slog.String("affiliate_id", aff.ID))
		return models.AttributionResult{Inserted: false, Reason: models.ReasonSelfReferral}, nil
	}

	storeID := evt.StoreID
	if storeID == "" && aff != nil {
		storeID = aff.StoreID
	}
	rate, source := s.resolveCommissionRate(ctx, evt.CommissionRate, aff, storeID)
	commission := computeCommission(evt.Amount, rate)

	now := s.now().UTC()
	conv := models.ConversionEvent{
		ID:               uuid.New().String(),
		OrderID:          evt.OrderID,
		ShortCode:        evt.ShortCode,
		Amount:           evt.Amount,
		Currency:         evt.Currency,
		CommissionRate:   rate,
		CommissionAmount: commission,
		Status:           models.ConversionPending,
		Purchaser: models.PurchaserInfo{
			Name:  evt.PurchaserName,
			Email: evt.PurchaserEmail,
			Phone: evt.PurchaserPhone,
		},
		ProductNames: evt.ProductNames,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if aff != nil {
		conv.AffiliateID = &aff.ID
	}
	if evt.VisitID != "" {
		conv.ClickID = s.lookupClick(ctx, evt.VisitID)
	}

	inserted, err := s.db.InsertConversionIfAbsent(ctx, conv)
	if err != nil {
		tracing.RecordError(span, err)
		return models.AttributionResult{}, err
	}
	if !inserted {
		s.logger.Info("duplicate order event ignored", slog.String("order_id", evt.OrderID))
		return models.AttributionResult{Inserted: false, Reason: models.ReasonDuplicate}, nil
	}

	result := models.AttributionResult{
		Inserted:         true,
		Conversion:       &conv,
		CommissionAmount: &commission,
	}

	if aff == nil {
		s.logger.Warn("conversion recorded for unresolved short code",
			slog.String("order_id", conv.OrderID),
			slog.String("short_code", conv.ShortCode),
			slog.String("conversion_id", conv.ID))
		return result, nil
	}

	err = s.db.ApplyAttribution(ctx, database.AttributionDelta{
		AffiliateID: aff.ID,
		ShortCode:   conv.ShortCode,
		Amount:      conv.Amount,
		Commission:  commission,
	})
	if err != nil {
		s.logger.Error("conversion recorded but stats and earnings not updated",
			slog.String("order_id", conv.OrderID),
			slog.String("conversion_id", conv.ID),
			slog.String("affiliate_id", aff.ID),
			slog.Any("error", err))
		tracing.RecordError(span, err)
		result.StatsDeferred = true
	} else {
		aff.Stats.TotalConversions++
		aff.Stats.TotalRevenue = aff.Stats.TotalRevenue.Add(conv.Amount)
		aff.Earnings.Pending = aff.Earnings.Pending.Add(commission)
	}
	result.Affiliate = aff

	s.logger.Info("conversion attributed",
		slog.String("order_id", conv.OrderID),
		slog.String("conversion_id", conv.ID),
		slog.String("affiliate_id", aff.ID),
		slog.String("commission", commission.StringFixed(2)),
		slog.String("rate_source", source))

	s.invalidateAnalytics(ctx, aff.ID)
	s.events.PublishConversionAttributed(ctx, conv, aff.Email)

	return result, nil
}

// lookupClick returns the visit id when it refers to a logged click.
// Click-to-conversion linking is best effort.
func (s *Service) lookupClick(ctx context.Context, visitID string) *string {
	ok, err := s.db.ClickExists(ctx, visitID)
	if err != nil {
		s.logger.Warn("click lookup failed", slog.String("visit_id", visitID), slog.Any("error", err))
		return nil
	}
	if !ok {
		return nil
	}
	return &visitID
}

func normalizeOrderEvent(evt models.OrderEvent) models.OrderEvent {
	evt.ShortCode = validation.SanitizeString(evt.ShortCode)
	evt.OrderID = validation.SanitizeString(evt.OrderID)
	evt.Currency = validation.NormalizeCurrency(evt.Currency)
	evt.PurchaserEmail = validation.SanitizeString(evt.PurchaserEmail)
	evt.PurchaserName = validation.SanitizeString(evt.PurchaserName)
	evt.PurchaserPhone = validation.SanitizeString(evt.PurchaserPhone)
	evt.VisitID = validation.SanitizeString(evt.VisitID)
	evt.StoreID = validation.SanitizeString(evt.StoreID)
	if len(evt.ProductNames) > 0 {
		names := make([]string, len(evt.ProductNames))
		for i, name := range evt.ProductNames {
			names[i] = validation.SanitizeString(name)
		}
		evt.ProductNames = names
	}
	return evt
}

// isNotFound reports whether err is a storage miss.
func isNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
