package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/database"
	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/validation"
)

// Commission rate sources, in priority order.
const (
	RateSourceOverride  = "override"
	RateSourceAffiliate = "affiliate"
	RateSourceStore     = "store_default"
	RateSourceFallback  = "fallback"
)

type rateCandidate struct {
	source string
	lookup func() *decimal.Decimal
}

// resolveCommissionRate walks override, affiliate setting, store default and
// the configured fallback, returning the first rate in [0, 1]. Later
// candidates are only looked up when earlier ones are missing or out of
// range. This runs on the untrusted order-event path, so bad candidates are
// skipped rather than rejected.
func (s *Service) resolveCommissionRate(ctx context.Context, override *decimal.Decimal, aff *models.Affiliate, storeID string) (decimal.Decimal, string) {
	candidates := []rateCandidate{
		{RateSourceOverride, func() *decimal.Decimal { return override }},
		{RateSourceAffiliate, func() *decimal.Decimal {
			if aff == nil {
				return nil
			}
			return aff.Settings.CommissionRate
		}},
		{RateSourceStore, func() *decimal.Decimal { return s.storeDefaultRate(ctx, storeID) }},
	}

	for _, c := range candidates {
		rate := c.lookup()
		if rate == nil {
			continue
		}
		if !validation.InRateRange(*rate) {
			s.logger.Warn("skipping out-of-range commission rate",
				slog.String("source", c.source), slog.String("rate", rate.String()))
			continue
		}
		return *rate, c.source
	}
	return s.cfg.FallbackRate, RateSourceFallback
}

func (s *Service) storeDefaultRate(ctx context.Context, storeID string) *decimal.Decimal {
	if storeID == "" {
		return nil
	}
	settings, err := s.db.GetStoreSettings(ctx, storeID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("store settings unavailable, using fallback rate",
			slog.String("store_id", storeID), slog.Any("error", err))
		return nil
	}
	return settings.DefaultCommissionRate
}

// computeCommission returns amount*rate rounded half away from zero to cents.
func computeCommission(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(2)
}
