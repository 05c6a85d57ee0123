package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/cache"
	"affiliate-ledger-api/internal/database"
	"affiliate-ledger-api/internal/events"
	"affiliate-ledger-api/internal/features"
	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/shortcode"
)

var (
	ErrAffiliateNotFound  = errors.New("affiliate not found")
	ErrAffiliateExists    = errors.New("affiliate already enrolled for this store")
	ErrConversionNotFound = errors.New("conversion not found")
	// ErrInvalidStatus is returned for a disallowed affiliate status move.
	ErrInvalidStatus = errors.New("invalid status transition")
	// ErrRotationConflict means another rotation won the link-version
	// compare-and-swap. Callers must re-read before retrying.
	ErrRotationConflict = errors.New("link rotation conflict")
	// ErrConcurrentUpdate is returned when a row kept changing underneath a
	// conditional update.
	ErrConcurrentUpdate = errors.New("concurrent update, retry later")
)

// maxCASRetries bounds re-reads after losing a status compare-and-swap.
const maxCASRetries = 3

// Config holds the service's tunables.
type Config struct {
	BaseURL         string
	QueryParam      string
	CodeAttempts    int
	LinkHistoryCap  int
	FallbackRate    decimal.Decimal
	DefaultCurrency string
	AnalyticsTTL    time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://shop.example.com/",
		QueryParam:      "ref",
		CodeAttempts:    5,
		LinkHistoryCap:  10,
		FallbackRate:    decimal.RequireFromString("0.10"),
		DefaultCurrency: "USD",
		AnalyticsTTL:    time.Minute,
	}
}

// Option customizes a Service.
type Option func(*Service)

// WithCodeGenerator replaces the random short-code generator.
func WithCodeGenerator(g shortcode.Generator) Option {
	return func(s *Service) { s.codes = g }
}

// WithEvents attaches the event manager used for side effects.
func WithEvents(m *events.Manager) Option {
	return func(s *Service) { s.events = m }
}

// WithCache enables analytics caching, gated by the analytics_cache flag.
func WithCache(c cache.Cache, flags *features.Manager) Option {
	return func(s *Service) {
		s.cache = c
		s.features = flags
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements link issuance, click recording, conversion attribution,
// the earnings ledger and analytics on top of the database.
type Service struct {
	db       *database.DB
	cfg      Config
	codes    shortcode.Generator
	events   *events.Manager
	cache    cache.Cache
	features *features.Manager
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new service instance.
func NewService(db *database.DB, cfg Config, opts ...Option) *Service {
	s := &Service{
		db:     db,
		cfg:    cfg,
		codes:  shortcode.NewRandomGenerator(shortcode.DefaultLength),
		events: events.NewManager(false),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// linkURL builds the shareable URL for a short code.
func (s *Service) linkURL(code string) string {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return s.cfg.BaseURL + "?" + url.QueryEscape(s.cfg.QueryParam) + "=" + url.QueryEscape(code)
	}
	q := u.Query()
	q.Set(s.cfg.QueryParam, code)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Service) withURLs(a models.Affiliate) models.Affiliate {
	for i := range a.ReferralLinks {
		a.ReferralLinks[i].URL = s.linkURL(a.ReferralLinks[i].ShortCode)
	}
	return a
}

// resolveAffiliate returns the live affiliate owning code, or nil when the
// code is unknown or its affiliate was deleted.
func (s *Service) resolveAffiliate(ctx context.Context, code string) (*models.Affiliate, error) {
	_, aff, err := s.resolveOwner(ctx, code)
	return aff, err
}

// resolveOwner returns the id the code was issued to, empty when the code is
// unknown, and the affiliate when it is still live.
func (s *Service) resolveOwner(ctx context.Context, code string) (string, *models.Affiliate, error) {
	affiliateID, err := s.db.ResolveShortCode(ctx, code)
	if errors.Is(err, database.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	aff, err := s.db.GetAffiliate(ctx, affiliateID, false)
	if errors.Is(err, database.ErrNotFound) {
		return affiliateID, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return affiliateID, &aff, nil
}

func (s *Service) analyticsCacheEnabled() bool {
	return s.cache != nil && s.features.IsEnabled(features.FeatureAnalyticsCache)
}

// invalidateAnalytics drops the cached summary for an affiliate. Failures
// only delay freshness, so they are logged.
func (s *Service) invalidateAnalytics(ctx context.Context, affiliateID string) {
	if !s.analyticsCacheEnabled() || affiliateID == "" {
		return
	}
	if err := s.cache.Delete(ctx, cache.AnalyticsKey(affiliateID)); err != nil {
		s.logger.Warn("failed to invalidate analytics cache",
			slog.String("affiliate_id", affiliateID), slog.Any("error", err))
	}
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
