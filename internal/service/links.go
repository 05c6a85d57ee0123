package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"affiliate-ledger-api/internal/database"
	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/tracing"
	"affiliate-ledger-api/internal/validation"
)

// RotateOptions controls a link rotation.
type RotateOptions struct {
	// ExpectedVersion is the link version the caller last saw. When nil the
	// current version is read first, which still rejects a concurrent
	// rotation that commits in between.
	ExpectedVersion *int64
	Metadata        map[string]string
}

// IssueLink returns the affiliate's active link, creating one when the
// affiliate has none. Repeated calls return the same link.
func (s *Service) IssueLink(ctx context.Context, affiliateID string, metadata map[string]string) (models.LinkResponse, error) {
	ctx, span := tracing.Start(ctx, "service.IssueLink", "affiliate_id", affiliateID)
	defer span.End()

	if err := validation.ValidateLinkMetadata(metadata); err != nil {
		return models.LinkResponse{}, err
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		aff, err := s.db.GetAffiliate(ctx, affiliateID, false)
		if errors.Is(err, database.ErrNotFound) {
			return models.LinkResponse{}, ErrAffiliateNotFound
		}
		if err != nil {
			tracing.RecordError(span, err)
			return models.LinkResponse{}, err
		}

		for _, link := range aff.ReferralLinks {
			if link.Status == models.LinkActive {
				return models.LinkResponse{
					ShortCode:   link.ShortCode,
					URL:         s.linkURL(link.ShortCode),
					LinkVersion: aff.LinkVersion,
				}, nil
			}
		}

		resp, err := s.rotate(ctx, affiliateID, aff.LinkVersion, metadata)
		if errors.Is(err, ErrRotationConflict) {
			// someone else issued or rotated; the next read sees their link
			continue
		}
		if err != nil {
			tracing.RecordError(span, err)
		}
		return resp, err
	}
	return models.LinkResponse{}, ErrRotationConflict
}

// RotateLink replaces the affiliate's active link with a new one. The old
// link becomes replaced and keeps its stats. Rotation is not idempotent: a
// caller that lost the race gets ErrRotationConflict and must re-read before
// deciding to rotate again.
func (s *Service) RotateLink(ctx context.Context, affiliateID string, opts RotateOptions) (models.LinkResponse, error) {
	ctx, span := tracing.Start(ctx, "service.RotateLink", "affiliate_id", affiliateID)
	defer span.End()

	if err := validation.ValidateLinkMetadata(opts.Metadata); err != nil {
		return models.LinkResponse{}, err
	}

	expected := int64(0)
	if opts.ExpectedVersion != nil {
		expected = *opts.ExpectedVersion
	} else {
		aff, err := s.db.GetAffiliate(ctx, affiliateID, false)
		if errors.Is(err, database.ErrNotFound) {
			return models.LinkResponse{}, ErrAffiliateNotFound
		}
		if err != nil {
			tracing.RecordError(span, err)
			return models.LinkResponse{}, err
		}
		expected = aff.LinkVersion
	}

	resp, err := s.rotate(ctx, affiliateID, expected, opts.Metadata)
	if err != nil && !errors.Is(err, ErrRotationConflict) {
		tracing.RecordError(span, err)
	}
	return resp, err
}

func (s *Service) rotate(ctx context.Context, affiliateID string, expected int64, metadata map[string]string) (models.LinkResponse, error) {
	link, version, err := s.db.RotateLink(ctx, database.RotateParams{
		AffiliateID:     affiliateID,
		ExpectedVersion: expected,
		Metadata:        metadata,
		Generator:       s.codes,
		MaxAttempts:     s.cfg.CodeAttempts,
		HistoryCap:      s.cfg.LinkHistoryCap,
		Now:             s.now(),
	})
	if errors.Is(err, database.ErrVersionConflict) {
		if _, getErr := s.db.GetAffiliate(ctx, affiliateID, false); errors.Is(getErr, database.ErrNotFound) {
			return models.LinkResponse{}, ErrAffiliateNotFound
		}
		return models.LinkResponse{}, ErrRotationConflict
	}
	if err != nil {
		return models.LinkResponse{}, fmt.Errorf("failed to rotate link: %w", err)
	}

	s.logger.Info("referral link issued",
		slog.String("affiliate_id", affiliateID),
		slog.String("short_code", link.ShortCode),
		slog.Int64("link_version", version))

	s.invalidateAnalytics(ctx, affiliateID)
	s.events.PublishLinkRotated(ctx, affiliateID, link.ShortCode, version)

	return models.LinkResponse{
		ShortCode:   link.ShortCode,
		URL:         s.linkURL(link.ShortCode),
		LinkVersion: version,
	}, nil
}
