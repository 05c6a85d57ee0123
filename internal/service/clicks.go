package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/google/uuid"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/tracing"
	"affiliate-ledger-api/internal/validation"
)

// RecordClick logs a storefront visit for a short code and returns the visit
// id the storefront carries through checkout. Unknown codes are still
// logged with no affiliate. Codes of deleted affiliates are logged against
// their owner but move no counters. The counter increments after the insert
// are advisory: a failure there is logged and left for reconciliation.
func (s *Service) RecordClick(ctx context.Context, code string, meta models.ClickMetadata) (string, error) {
	code = validation.SanitizeString(code)
	ctx, span := tracing.Start(ctx, "service.RecordClick", "short_code", code)
	defer span.End()

	if err := validation.ValidateRequired(code, "short_code"); err != nil {
		return "", err
	}

	ownerID, aff, err := s.resolveOwner(ctx, code)
	if err != nil {
		tracing.RecordError(span, err)
		return "", err
	}

	click := models.ClickEvent{
		ID:          uuid.New().String(),
		ShortCode:   code,
		Referrer:    validation.SanitizeString(meta.Referrer),
		LandingPath: validation.SanitizeString(meta.LandingPath),
		UserAgent:   validation.SanitizeString(meta.UserAgent),
		IPHash:      hashIP(meta.ClientIP),
		CreatedAt:   s.now().UTC(),
	}
	if ownerID != "" {
		click.AffiliateID = &ownerID
	}

	if err := s.db.InsertClick(ctx, click); err != nil {
		tracing.RecordError(span, err)
		return "", err
	}

	if aff == nil {
		s.logger.Info("click recorded without a live affiliate", slog.String("short_code", code))
		return click.ID, nil
	}

	if err := s.db.IncrementLinkClicks(ctx, code); err != nil {
		s.logger.Error("click recorded but link counter not updated",
			slog.String("short_code", code), slog.String("visit_id", click.ID), slog.Any("error", err))
	}
	if err := s.db.IncrementAffiliateClicks(ctx, aff.ID); err != nil {
		s.logger.Error("click recorded but affiliate counter not updated",
			slog.String("affiliate_id", aff.ID), slog.String("visit_id", click.ID), slog.Any("error", err))
	}

	s.invalidateAnalytics(ctx, aff.ID)
	return click.ID, nil
}

func hashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
