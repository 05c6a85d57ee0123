package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/validation"
)

// ImportLegacyConversions loads conversions recorded before order ids were
// unique. Rows are written as given, duplicates included, and flagged legacy.
// The first row imported for an order id is ledger counted: it bumps the
// counters and credits the bucket its status holds. Later rows for the same
// order are kept for audit only. It returns the number of rows imported and
// the joined errors of the rows it skipped.
func (s *Service) ImportLegacyConversions(ctx context.Context, rows []models.ConversionEvent) (int, error) {
	imported, duplicates := 0, 0
	var errs []error
	touched := make(map[string]struct{})

	for i, c := range rows {
		c.OrderID = validation.SanitizeString(c.OrderID)
		c.ShortCode = validation.SanitizeString(c.ShortCode)
		c.Currency = validation.NormalizeCurrency(c.Currency)
		if c.Status == "" {
			c.Status = models.ConversionPending
		}

		if err := validateLegacyRow(c); err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))
			continue
		}

		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now().UTC()
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = c.CreatedAt
		}
		if c.CommissionAmount.IsZero() && !c.CommissionRate.IsZero() {
			c.CommissionAmount = computeCommission(c.Amount, c.CommissionRate)
		}

		if c.AffiliateID == nil {
			aff, err := s.resolveAffiliate(ctx, c.ShortCode)
			if err != nil {
				errs = append(errs, fmt.Errorf("row %d: %w", i, err))
				continue
			}
			if aff != nil {
				c.AffiliateID = &aff.ID
			}
		}

		counted, err := s.db.InsertLegacyConversion(ctx, c, holdingDelta(c.Status, c.CommissionAmount))
		if err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))
			continue
		}
		imported++
		if !counted {
			duplicates++
		}
		if c.AffiliateID != nil {
			touched[*c.AffiliateID] = struct{}{}
		}
	}

	for id := range touched {
		s.invalidateAnalytics(ctx, id)
	}

	s.logger.Info("legacy conversions imported",
		slog.Int("imported", imported), slog.Int("duplicates", duplicates))
	if len(errs) > 0 {
		s.logger.Warn("legacy import skipped rows",
			slog.Int("imported", imported), slog.Int("skipped", len(errs)))
	}
	return imported, errors.Join(errs...)
}

func validateLegacyRow(c models.ConversionEvent) error {
	if err := validation.ValidateRequired(c.OrderID, "order_id"); err != nil {
		return err
	}
	if err := validation.ValidateRequired(c.ShortCode, "short_code"); err != nil {
		return err
	}
	if err := validation.ValidateCurrency(c.Currency); err != nil {
		return err
	}
	if err := validation.ValidateStatus(c.Status); err != nil {
		return err
	}
	if c.Amount.IsNegative() {
		return &validation.ValidationError{Field: "amount", Message: "must be non-negative"}
	}
	return validation.ValidateRate(c.CommissionRate, "commission_rate")
}
