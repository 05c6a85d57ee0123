package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AffiliateStatus is the enrollment state of an affiliate.
type AffiliateStatus string

const (
	AffiliatePending     AffiliateStatus = "pending"
	AffiliateActive      AffiliateStatus = "active"
	AffiliateSuspended   AffiliateStatus = "suspended"
	AffiliateDeactivated AffiliateStatus = "deactivated"
)

// LinkStatus is the state of a referral link.
type LinkStatus string

const (
	LinkActive   LinkStatus = "active"
	LinkReplaced LinkStatus = "replaced"
	// LinkPruned is reported by analytics for codes whose link record was
	// evicted from the bounded history. It is never stored.
	LinkPruned LinkStatus = "pruned"
)

// ConversionStatus is the earnings state of a conversion.
type ConversionStatus string

const (
	ConversionPending  ConversionStatus = "pending"
	ConversionPaid     ConversionStatus = "paid"
	ConversionRejected ConversionStatus = "rejected"
)

// Valid reports whether s is one of the three ledger states.
func (s ConversionStatus) Valid() bool {
	switch s {
	case ConversionPending, ConversionPaid, ConversionRejected:
		return true
	}
	return false
}

// Attribution outcome reasons.
const (
	ReasonDuplicate    = "duplicate"
	ReasonSelfReferral = "self_referral"
)

// StoreSettings holds store-level defaults.
type StoreSettings struct {
	StoreID               string           `json:"store_id"`
	DefaultCommissionRate *decimal.Decimal `json:"default_commission_rate,omitempty"` // 0..1
	Currency              string           `json:"currency"`                          // ISO 4217
}

// Earnings are the affiliate's money buckets.
type Earnings struct {
	Pending  decimal.Decimal `json:"pending"`
	Paid     decimal.Decimal `json:"paid"`
	Currency string          `json:"currency"`
}

// AffiliateStats are counters derived from the click and conversion logs.
type AffiliateStats struct {
	TotalClicks      int64           `json:"total_clicks"`
	TotalConversions int64           `json:"total_conversions"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
}

// CartShareDiscount configures the discount shared with referred shoppers.
type CartShareDiscount struct {
	Enabled bool            `json:"enabled"`
	Percent decimal.Decimal `json:"percent"` // 0..100
}

// AffiliateSettings are per-affiliate overrides.
type AffiliateSettings struct {
	CommissionRate    *decimal.Decimal  `json:"commission_rate,omitempty"` // 0..1
	CartShareDiscount CartShareDiscount `json:"cart_share_discount"`
}

// Affiliate is one enrolled partner of one store.
type Affiliate struct {
	ID            string            `json:"id"`
	StoreID       string            `json:"store_id"`
	CustomerRef   string            `json:"customer_ref"` // commerce platform customer id
	Email         string            `json:"email"`
	Name          string            `json:"name"`
	Status        AffiliateStatus   `json:"status"`
	ReferralLinks []ReferralLink    `json:"referral_links"` // newest first
	Earnings      Earnings          `json:"earnings"`
	Stats         AffiliateStats    `json:"stats"`
	Settings      AffiliateSettings `json:"settings"`
	LinkVersion   int64             `json:"link_version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	DeletedAt     *time.Time        `json:"deleted_at,omitempty"`
}

// LinkStats are per-link counters.
type LinkStats struct {
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// ReferralLink identifies one attribution channel.
type ReferralLink struct {
	ShortCode   string            `json:"short_code"`
	AffiliateID string            `json:"affiliate_id"`
	URL         string            `json:"url"`
	Status      LinkStatus        `json:"status"`
	Stats       LinkStats         `json:"stats"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ReplacedAt  *time.Time        `json:"replaced_at,omitempty"`
}

// ClickMetadata describes a storefront visit.
type ClickMetadata struct {
	Referrer    string `json:"referrer"`
	LandingPath string `json:"landing_path"`
	UserAgent   string `json:"user_agent"`
	ClientIP    string `json:"client_ip"`
}

// ClickEvent is an immutable record of one visit.
type ClickEvent struct {
	ID          string    `json:"id"` // visit id
	ShortCode   string    `json:"short_code"`
	AffiliateID *string   `json:"affiliate_id,omitempty"`
	Referrer    string    `json:"referrer"`
	LandingPath string    `json:"landing_path"`
	UserAgent   string    `json:"user_agent"`
	IPHash      string    `json:"ip_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// PurchaserInfo is kept for display only.
type PurchaserInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// ConversionEvent is the single record of one attributed order.
type ConversionEvent struct {
	ID               string           `json:"id"`
	OrderID          string           `json:"order_id"`
	ShortCode        string           `json:"short_code"`
	AffiliateID      *string          `json:"affiliate_id,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	CommissionRate   decimal.Decimal  `json:"commission_rate"`   // snapshot
	CommissionAmount decimal.Decimal  `json:"commission_amount"` // snapshot
	Status           ConversionStatus `json:"status"`
	ClickID          *string          `json:"click_id,omitempty"`
	Purchaser        PurchaserInfo    `json:"purchaser"`
	ProductNames     []string         `json:"product_names,omitempty"`
	Legacy           bool             `json:"legacy,omitempty"`
	// LedgerCounted is set on the one row per order id that holds the order
	// claim. Only that row moves counters and earnings.
	LedgerCounted    bool             `json:"ledger_counted"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// AttributionResult is the outcome of one attribution attempt.
type AttributionResult struct {
	Inserted         bool             `json:"inserted"`
	Reason           string           `json:"reason,omitempty"`
	Affiliate        *Affiliate       `json:"affiliate,omitempty"`
	Conversion       *ConversionEvent `json:"conversion,omitempty"`
	CommissionAmount *decimal.Decimal `json:"commission_amount,omitempty"`
	// StatsDeferred is set when the conversion was recorded but the counter
	// and earnings update failed. Reconciliation repairs it.
	StatsDeferred bool `json:"stats_deferred,omitempty"`
}

// LedgerSnapshot is the affiliate's current money buckets.
type LedgerSnapshot struct {
	AffiliateID string          `json:"affiliate_id"`
	Pending     decimal.Decimal `json:"pending"`
	Paid        decimal.Decimal `json:"paid"`
	Currency    string          `json:"currency"`
}

// LinkAnalytics is the de-duplicated breakdown for one short code.
type LinkAnalytics struct {
	ShortCode   string          `json:"short_code"`
	Status      LinkStatus      `json:"status"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// AnalyticsSummary is the affiliate-facing report.
type AnalyticsSummary struct {
	AffiliateID      string          `json:"affiliate_id"`
	TotalClicks      int64           `json:"total_clicks"`
	TotalConversions int64           `json:"total_conversions"`
	ConversionRate   float64         `json:"conversion_rate"` // percent
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	PerLinkStats     []LinkAnalytics `json:"per_link_stats"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

// EnrollAffiliateRequest is the request body for enrolling an affiliate.
type EnrollAffiliateRequest struct {
	StoreID     string `json:"store_id" validate:"required,max=128"`
	CustomerRef string `json:"customer_ref" validate:"max=128"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Name        string `json:"name" validate:"max=256"`
}

// UpdateSettingsRequest is the request body for affiliate settings.
type UpdateSettingsRequest struct {
	CommissionRate      *decimal.Decimal `json:"commission_rate"`
	ClearCommissionRate bool             `json:"clear_commission_rate"`
	CartDiscountEnabled bool             `json:"cart_discount_enabled"`
	CartDiscountPercent decimal.Decimal  `json:"cart_discount_percent"`
}

// StoreSettingsRequest is the request body for store settings.
type StoreSettingsRequest struct {
	DefaultCommissionRate *decimal.Decimal `json:"default_commission_rate"`
	Currency              string           `json:"currency" validate:"omitempty,len=3,alpha"`
}

// LinkRequest is the request body for issuing or rotating a link.
type LinkRequest struct {
	Metadata        map[string]string `json:"metadata"`
	ExpectedVersion *int64            `json:"expected_version,omitempty"`
}

// LinkResponse is returned by link issuance and rotation.
type LinkResponse struct {
	ShortCode   string `json:"short_code"`
	URL         string `json:"url"`
	LinkVersion int64  `json:"link_version"`
}

// RecordClickRequest is the request body for recording a visit.
type RecordClickRequest struct {
	ShortCode   string `json:"short_code" validate:"required,max=64"`
	Referrer    string `json:"referrer" validate:"max=2048"`
	LandingPath string `json:"landing_path" validate:"max=2048"`
}

// RecordClickResponse carries the visit id back to the storefront.
type RecordClickResponse struct {
	VisitID string `json:"visit_id"`
}

// OrderEvent is an order delivered by the order-event source.
type OrderEvent struct {
	ShortCode      string           `json:"short_code" validate:"required,max=64"`
	OrderID        string           `json:"order_id" validate:"required,max=255"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency" validate:"required,len=3,alpha"`
	CommissionRate *decimal.Decimal `json:"commission_rate,omitempty"`
	PurchaserEmail string           `json:"purchaser_email" validate:"omitempty,max=254"`
	PurchaserName  string           `json:"purchaser_name" validate:"max=256"`
	PurchaserPhone string           `json:"purchaser_phone" validate:"max=64"`
	ProductNames   []string         `json:"product_names" validate:"max=500"`
	VisitID        string           `json:"visit_id" validate:"max=64"`
	StoreID        string           `json:"store_id" validate:"max=128"`
}

// TransitionRequest is the request body for a single status change.
type TransitionRequest struct {
	Status ConversionStatus `json:"status"`
}

// TransitionResponse reports whether the status changed.
type TransitionResponse struct {
	Updated bool `json:"updated"`
}

// BulkTransitionRequest is the request body for bulk status changes.
type BulkTransitionRequest struct {
	ConversionIDs []string         `json:"conversion_ids" validate:"required,min=1,max=1000"`
	Status        ConversionStatus `json:"status"`
}

// BulkTransitionResponse reports how many conversions changed.
type BulkTransitionResponse struct {
	Updated int `json:"updated"`
}

// ReconcileResult reports what a reconciliation pass found and fixed.
type ReconcileResult struct {
	AffiliateID       string          `json:"affiliate_id"`
	ClicksBefore      int64           `json:"clicks_before"`
	ClicksAfter       int64           `json:"clicks_after"`
	ConversionsBefore int64           `json:"conversions_before"`
	ConversionsAfter  int64           `json:"conversions_after"`
	RevenueBefore     decimal.Decimal `json:"revenue_before"`
	RevenueAfter      decimal.Decimal `json:"revenue_after"`
	PendingDrift      decimal.Decimal `json:"pending_drift"` // stored - derived
	PaidDrift         decimal.Decimal `json:"paid_drift"`
	EarningsRepaired  bool            `json:"earnings_repaired"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
