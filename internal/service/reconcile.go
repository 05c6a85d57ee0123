package service

import (
	"context"
	"log/slog"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/tracing"
)

// ReconcileOptions controls a reconciliation pass.
type ReconcileOptions struct {
	// RepairEarnings overwrites the pending and paid buckets with the sums
	// derived from conversion statuses. Off by default, because buckets
	// touched by a rejected -> pending move legitimately differ from those
	// sums.
	RepairEarnings bool
}

// ReconcileAffiliate rebuilds the affiliate's click, conversion and revenue
// counters from the event logs and reports earnings drift.
func (s *Service) ReconcileAffiliate(ctx context.Context, affiliateID string, opts ReconcileOptions) (models.ReconcileResult, error) {
	ctx, span := tracing.Start(ctx, "service.ReconcileAffiliate", "affiliate_id", affiliateID)
	defer span.End()

	out, err := s.db.ReconcileAffiliate(ctx, affiliateID, opts.RepairEarnings)
	if isNotFound(err) {
		return models.ReconcileResult{}, ErrAffiliateNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return models.ReconcileResult{}, err
	}

	result := models.ReconcileResult{
		AffiliateID:       affiliateID,
		ClicksBefore:      out.Before.TotalClicks,
		ClicksAfter:       out.After.TotalClicks,
		ConversionsBefore: out.Before.TotalConversions,
		ConversionsAfter:  out.After.TotalConversions,
		RevenueBefore:     out.Before.TotalRevenue,
		RevenueAfter:      out.After.TotalRevenue,
		PendingDrift:      out.StoredEarnings.Pending.Sub(out.DerivedEarnings.Pending),
		PaidDrift:         out.StoredEarnings.Paid.Sub(out.DerivedEarnings.Paid),
		EarningsRepaired:  out.EarningsWritten,
	}

	if result.ClicksBefore != result.ClicksAfter ||
		result.ConversionsBefore != result.ConversionsAfter ||
		!result.RevenueBefore.Equal(result.RevenueAfter) {
		s.logger.Warn("affiliate counters drifted from event log",
			slog.String("affiliate_id", affiliateID),
			slog.Int64("clicks_before", result.ClicksBefore),
			slog.Int64("clicks_after", result.ClicksAfter),
			slog.Int64("conversions_before", result.ConversionsBefore),
			slog.Int64("conversions_after", result.ConversionsAfter))
	}
	if !result.PendingDrift.IsZero() || !result.PaidDrift.IsZero() {
		s.logger.Warn("affiliate earnings differ from conversion statuses",
			slog.String("affiliate_id", affiliateID),
			slog.String("pending_drift", result.PendingDrift.StringFixed(2)),
			slog.String("paid_drift", result.PaidDrift.StringFixed(2)),
			slog.Bool("repaired", result.EarningsRepaired))
	}

	s.invalidateAnalytics(ctx, affiliateID)
	return result, nil
}

// ReconcileAll reconciles every live affiliate. A failure on one affiliate
// is logged and does not stop the others.
func (s *Service) ReconcileAll(ctx context.Context, opts ReconcileOptions) ([]models.ReconcileResult, error) {
	ids, err := s.db.ListAffiliateIDs(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]models.ReconcileResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.ReconcileAffiliate(ctx, id, opts)
		if err != nil {
			s.logger.Error("reconciliation failed",
				slog.String("affiliate_id", id), slog.Any("error", err))
			continue
		}
		results = append(results, res)
	}

	s.logger.Info("reconciliation finished",
		slog.Int("affiliates", len(ids)), slog.Int("reconciled", len(results)))
	return results, nil
}
