package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/cache"
	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/tracing"
)

// GetAnalytics reports clicks, conversions, revenue and conversion rate over
// every short code the affiliate has ever held. Conversions are counted once
// per order id, whatever their status, so duplicated historical rows never
// inflate the numbers.
func (s *Service) GetAnalytics(ctx context.Context, affiliateID string) (models.AnalyticsSummary, error) {
	ctx, span := tracing.Start(ctx, "service.GetAnalytics", "affiliate_id", affiliateID)
	defer span.End()

	useCache := s.analyticsCacheEnabled()
	key := cache.AnalyticsKey(affiliateID)
	if useCache {
		var cached models.AnalyticsSummary
		if err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil {
			return cached, nil
		}
	}

	aff, err := s.db.GetAffiliate(ctx, affiliateID, false)
	if isNotFound(err) {
		return models.AnalyticsSummary{}, ErrAffiliateNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return models.AnalyticsSummary{}, err
	}

	codes, err := s.db.ListShortCodes(ctx, affiliateID)
	if err != nil {
		tracing.RecordError(span, err)
		return models.AnalyticsSummary{}, err
	}
	clicks, err := s.db.CountClicksByShortCode(ctx, codes)
	if err != nil {
		tracing.RecordError(span, err)
		return models.AnalyticsSummary{}, err
	}
	conversions, err := s.db.ListConversionsByShortCodes(ctx, codes)
	if err != nil {
		tracing.RecordError(span, err)
		return models.AnalyticsSummary{}, err
	}

	summary := aggregateAnalytics(affiliateID, codes, aff.ReferralLinks, clicks, conversions, s.now().UTC())

	if useCache {
		if err := cache.SetJSON(ctx, s.cache, key, summary, s.cfg.AnalyticsTTL); err != nil {
			s.logger.Warn("failed to cache analytics",
				slog.String("affiliate_id", affiliateID), slog.Any("error", err))
		}
	}
	return summary, nil
}

// aggregateAnalytics builds a summary from raw counts. codes is oldest first;
// conversions are in insertion order. Each order id is represented by its
// ledger counted row, or by its earliest row when none is counted. Per-link
// rows are returned newest first.
func aggregateAnalytics(
	affiliateID string,
	codes []string,
	links []models.ReferralLink,
	clicks map[string]int64,
	conversions []models.ConversionEvent,
	now time.Time,
) models.AnalyticsSummary {
	status := make(map[string]models.LinkStatus, len(links))
	for _, l := range links {
		status[l.ShortCode] = l.Status
	}

	type linkTotals struct {
		conversions int64
		revenue     decimal.Decimal
	}
	perCode := make(map[string]*linkTotals, len(codes))
	for _, code := range codes {
		perCode[code] = &linkTotals{}
	}

	summary := models.AnalyticsSummary{
		AffiliateID:  affiliateID,
		TotalRevenue: decimal.Zero,
		PerLinkStats: make([]models.LinkAnalytics, 0, len(codes)),
		GeneratedAt:  now,
	}

	chosen := make(map[string]int, len(conversions))
	for i, c := range conversions {
		j, seen := chosen[c.OrderID]
		if !seen || (c.LedgerCounted && !conversions[j].LedgerCounted) {
			chosen[c.OrderID] = i
		}
	}

	for i, c := range conversions {
		if chosen[c.OrderID] != i {
			continue
		}

		summary.TotalConversions++
		summary.TotalRevenue = summary.TotalRevenue.Add(c.Amount)
		if t, ok := perCode[c.ShortCode]; ok {
			t.conversions++
			t.revenue = t.revenue.Add(c.Amount)
		}
	}

	for i := len(codes) - 1; i >= 0; i-- {
		code := codes[i]
		st, ok := status[code]
		if !ok {
			st = models.LinkPruned
		}
		summary.TotalClicks += clicks[code]
		summary.PerLinkStats = append(summary.PerLinkStats, models.LinkAnalytics{
			ShortCode:   code,
			Status:      st,
			Clicks:      clicks[code],
			Conversions: perCode[code].conversions,
			Revenue:     perCode[code].revenue,
		})
	}

	summary.ConversionRate = conversionRate(summary.TotalConversions, summary.TotalClicks)
	return summary
}

// conversionRate returns conversions/clicks as a percentage rounded to two
// decimals, or zero without clicks.
func conversionRate(conversions, clicks int64) float64 {
	if clicks == 0 {
		return 0
	}
	return decimal.NewFromInt(conversions).
		Div(decimal.NewFromInt(clicks)).
		Mul(decimal.NewFromInt(100)).
		Round(2).
		InexactFloat64()
}
