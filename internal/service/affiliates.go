package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"affiliate-ledger-api/internal/database"
	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/tracing"
	"affiliate-ledger-api/internal/validation"
)

// allowedAffiliateMoves lists the permitted affiliate status transitions.
var allowedAffiliateMoves = map[models.AffiliateStatus][]models.AffiliateStatus{
	models.AffiliatePending:   {models.AffiliateActive},
	models.AffiliateActive:    {models.AffiliateSuspended, models.AffiliateDeactivated},
	models.AffiliateSuspended: {models.AffiliateActive, models.AffiliateDeactivated},
}

// SetStoreSettings stores a store's default commission rate and currency.
func (s *Service) SetStoreSettings(ctx context.Context, storeID string, req models.StoreSettingsRequest) (models.StoreSettings, error) {
	storeID = validation.SanitizeString(storeID)
	if err := validation.ValidateRequired(storeID, "store_id"); err != nil {
		return models.StoreSettings{}, err
	}

	req.Currency = validation.NormalizeCurrency(req.Currency)
	if err := validation.Struct(req); err != nil {
		return models.StoreSettings{}, err
	}
	if req.DefaultCommissionRate != nil {
		if err := validation.ValidateRate(*req.DefaultCommissionRate, "default_commission_rate"); err != nil {
			return models.StoreSettings{}, err
		}
	}

	settings := models.StoreSettings{
		StoreID:               storeID,
		DefaultCommissionRate: req.DefaultCommissionRate,
		Currency:              req.Currency,
	}
	if settings.Currency == "" {
		settings.Currency = s.cfg.DefaultCurrency
		if existing, err := s.db.GetStoreSettings(ctx, storeID); err == nil {
			settings.Currency = existing.Currency
		}
	}

	if err := s.db.UpsertStoreSettings(ctx, settings); err != nil {
		return models.StoreSettings{}, err
	}
	return settings, nil
}

// EnrollAffiliate creates a pending affiliate. Its earnings currency comes
// from the store settings, or the configured default.
func (s *Service) EnrollAffiliate(ctx context.Context, req models.EnrollAffiliateRequest) (models.Affiliate, error) {
	ctx, span := tracing.Start(ctx, "service.EnrollAffiliate", "store_id", req.StoreID)
	defer span.End()

	req.StoreID = validation.SanitizeString(req.StoreID)
	req.CustomerRef = validation.SanitizeString(req.CustomerRef)
	req.Email = validation.SanitizeString(req.Email)
	req.Name = validation.SanitizeString(req.Name)
	if err := validation.Struct(req); err != nil {
		return models.Affiliate{}, err
	}

	currency := s.cfg.DefaultCurrency
	store, err := s.db.GetStoreSettings(ctx, req.StoreID)
	switch {
	case err == nil:
		currency = store.Currency
	case !errors.Is(err, database.ErrNotFound):
		tracing.RecordError(span, err)
		return models.Affiliate{}, err
	}

	now := s.now().UTC()
	aff := models.Affiliate{
		ID:          uuid.New().String(),
		StoreID:     req.StoreID,
		CustomerRef: req.CustomerRef,
		Email:       req.Email,
		Name:        req.Name,
		Status:      models.AffiliatePending,
		Earnings:    models.Earnings{Currency: currency},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.CreateAffiliate(ctx, aff, validation.NormalizeEmail(req.Email))
	if errors.Is(err, database.ErrAlreadyExists) {
		return models.Affiliate{}, ErrAffiliateExists
	}
	if err != nil {
		tracing.RecordError(span, err)
		return models.Affiliate{}, err
	}

	s.logger.Info("affiliate enrolled",
		slog.String("affiliate_id", aff.ID), slog.String("store_id", aff.StoreID))
	return aff, nil
}

// GetAffiliate returns a live affiliate with its links.
func (s *Service) GetAffiliate(ctx context.Context, affiliateID string) (models.Affiliate, error) {
	aff, err := s.db.GetAffiliate(ctx, affiliateID, false)
	if errors.Is(err, database.ErrNotFound) {
		return models.Affiliate{}, ErrAffiliateNotFound
	}
	if err != nil {
		return models.Affiliate{}, err
	}
	return s.withURLs(aff), nil
}

// ApproveAffiliate activates a pending affiliate and issues its first link.
func (s *Service) ApproveAffiliate(ctx context.Context, affiliateID string) (models.Affiliate, error) {
	if err := s.changeAffiliateStatus(ctx, affiliateID, models.AffiliateActive); err != nil {
		return models.Affiliate{}, err
	}
	if _, err := s.IssueLink(ctx, affiliateID, nil); err != nil {
		return models.Affiliate{}, fmt.Errorf("failed to issue link: %w", err)
	}
	return s.GetAffiliate(ctx, affiliateID)
}

// SuspendAffiliate suspends an active affiliate.
func (s *Service) SuspendAffiliate(ctx context.Context, affiliateID string) (models.Affiliate, error) {
	if err := s.changeAffiliateStatus(ctx, affiliateID, models.AffiliateSuspended); err != nil {
		return models.Affiliate{}, err
	}
	return s.GetAffiliate(ctx, affiliateID)
}

// DeactivateAffiliate deactivates an active or suspended affiliate.
func (s *Service) DeactivateAffiliate(ctx context.Context, affiliateID string) (models.Affiliate, error) {
	if err := s.changeAffiliateStatus(ctx, affiliateID, models.AffiliateDeactivated); err != nil {
		return models.Affiliate{}, err
	}
	return s.GetAffiliate(ctx, affiliateID)
}

func (s *Service) changeAffiliateStatus(ctx context.Context, affiliateID string, to models.AffiliateStatus) error {
	aff, err := s.db.GetAffiliate(ctx, affiliateID, false)
	if errors.Is(err, database.ErrNotFound) {
		return ErrAffiliateNotFound
	}
	if err != nil {
		return err
	}

	allowed := false
	for _, next := range allowedAffiliateMoves[aff.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, aff.Status, to)
	}

	err = s.db.UpdateAffiliateStatus(ctx, affiliateID, aff.Status, to)
	if errors.Is(err, database.ErrStatusConflict) {
		return ErrConcurrentUpdate
	}
	if err != nil {
		return err
	}

	s.logger.Info("affiliate status changed",
		slog.String("affiliate_id", affiliateID),
		slog.String("from", string(aff.Status)),
		slog.String("to", string(to)))
	return nil
}

// DeleteAffiliate soft-deletes an affiliate, or removes it entirely when hard
// is set. Either way its short codes stop resolving and stay reserved.
func (s *Service) DeleteAffiliate(ctx context.Context, affiliateID string, hard bool) error {
	var err error
	if hard {
		err = s.db.HardDeleteAffiliate(ctx, affiliateID)
	} else {
		err = s.db.SoftDeleteAffiliate(ctx, affiliateID, s.now())
	}
	if errors.Is(err, database.ErrNotFound) {
		return ErrAffiliateNotFound
	}
	if err != nil {
		return err
	}

	s.invalidateAnalytics(ctx, affiliateID)
	s.logger.Info("affiliate deleted", slog.String("affiliate_id", affiliateID), slog.Bool("hard", hard))
	return nil
}

// UpdateAffiliateSettings replaces an affiliate's commission override and
// cart-share discount. Already recorded conversions keep their snapshot rate.
func (s *Service) UpdateAffiliateSettings(ctx context.Context, affiliateID string, req models.UpdateSettingsRequest) (models.Affiliate, error) {
	aff, err := s.db.GetAffiliate(ctx, affiliateID, false)
	if errors.Is(err, database.ErrNotFound) {
		return models.Affiliate{}, ErrAffiliateNotFound
	}
	if err != nil {
		return models.Affiliate{}, err
	}

	settings := aff.Settings
	switch {
	case req.ClearCommissionRate:
		settings.CommissionRate = nil
	case req.CommissionRate != nil:
		if err := validation.ValidateRate(*req.CommissionRate, "commission_rate"); err != nil {
			return models.Affiliate{}, err
		}
		settings.CommissionRate = req.CommissionRate
	}

	if err := validation.ValidateDiscountPercent(req.CartDiscountPercent); err != nil {
		return models.Affiliate{}, err
	}
	settings.CartShareDiscount = models.CartShareDiscount{
		Enabled: req.CartDiscountEnabled,
		Percent: req.CartDiscountPercent,
	}

	err = s.db.UpdateAffiliateSettings(ctx, affiliateID, settings)
	if errors.Is(err, database.ErrNotFound) {
		return models.Affiliate{}, ErrAffiliateNotFound
	}
	if err != nil {
		return models.Affiliate{}, err
	}
	return s.GetAffiliate(ctx, affiliateID)
}
