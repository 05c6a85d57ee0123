package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/models"
)

// UpsertStoreSettings stores store-level defaults.
func (db *DB) UpsertStoreSettings(ctx context.Context, s models.StoreSettings) error {
	query := `
		INSERT INTO store_settings (store_id, default_commission_rate, currency, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(store_id) DO UPDATE SET
			default_commission_rate = excluded.default_commission_rate,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		s.StoreID, nullDecimal(s.DefaultCommissionRate), s.Currency, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert store settings: %w", err)
	}
	return nil
}

// GetStoreSettings retrieves store-level defaults.
func (db *DB) GetStoreSettings(ctx context.Context, storeID string) (models.StoreSettings, error) {
	query := `SELECT store_id, default_commission_rate, currency FROM store_settings WHERE store_id = ?`

	var s models.StoreSettings
	var rate sql.NullString
	err := db.conn.QueryRowContext(ctx, query, storeID).Scan(&s.StoreID, &rate, &s.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StoreSettings{}, ErrNotFound
	}
	if err != nil {
		return models.StoreSettings{}, fmt.Errorf("failed to get store settings: %w", err)
	}

	if s.DefaultCommissionRate, err = parseNullDecimal(rate); err != nil {
		return models.StoreSettings{}, err
	}
	return s, nil
}

// CreateAffiliate inserts a new affiliate. Only one live affiliate may hold a
// given normalized email per store.
func (db *DB) CreateAffiliate(ctx context.Context, a models.Affiliate, normalizedEmail string) error {
	query := `
		INSERT INTO affiliates (
			id, store_id, customer_ref, email, email_normalized, name, status,
			commission_rate, cart_discount_enabled, cart_discount_percent,
			currency, link_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.conn.ExecContext(ctx, query,
		a.ID, a.StoreID, a.CustomerRef, a.Email, normalizedEmail, a.Name, string(a.Status),
		nullDecimal(a.Settings.CommissionRate), a.Settings.CartShareDiscount.Enabled,
		a.Settings.CartShareDiscount.Percent.String(),
		a.Earnings.Currency, a.LinkVersion, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create affiliate: %w", err)
	}
	return nil
}

const affiliateColumns = `
	id, store_id, customer_ref, email, name, status,
	commission_rate, cart_discount_enabled, cart_discount_percent,
	pending_cents, paid_cents, currency,
	total_clicks, total_conversions, total_revenue_cents,
	link_version, created_at, updated_at, deleted_at
`

func scanAffiliate(row interface{ Scan(...interface{}) error }) (models.Affiliate, error) {
	var a models.Affiliate
	var status, discountPercent, createdAt, updatedAt string
	var rate, deletedAt sql.NullString
	var pendingCents, paidCents, revenueCents int64

	err := row.Scan(
		&a.ID, &a.StoreID, &a.CustomerRef, &a.Email, &a.Name, &status,
		&rate, &a.Settings.CartShareDiscount.Enabled, &discountPercent,
		&pendingCents, &paidCents, &a.Earnings.Currency,
		&a.Stats.TotalClicks, &a.Stats.TotalConversions, &revenueCents,
		&a.LinkVersion, &createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return models.Affiliate{}, err
	}

	a.Status = models.AffiliateStatus(status)
	a.Earnings.Pending = FromCents(pendingCents)
	a.Earnings.Paid = FromCents(paidCents)
	a.Stats.TotalRevenue = FromCents(revenueCents)

	if a.Settings.CommissionRate, err = parseNullDecimal(rate); err != nil {
		return models.Affiliate{}, err
	}
	if a.Settings.CartShareDiscount.Percent, err = decimal.NewFromString(discountPercent); err != nil {
		return models.Affiliate{}, fmt.Errorf("failed to parse discount percent: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Affiliate{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Affiliate{}, err
	}
	if a.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return models.Affiliate{}, err
	}
	return a, nil
}

// GetAffiliate retrieves an affiliate and its referral links, newest first.
// Soft-deleted affiliates are returned only when includeDeleted is set.
func (db *DB) GetAffiliate(ctx context.Context, id string, includeDeleted bool) (models.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	a, err := scanAffiliate(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Affiliate{}, ErrNotFound
	}
	if err != nil {
		return models.Affiliate{}, fmt.Errorf("failed to get affiliate: %w", err)
	}

	links, err := db.ListLinks(ctx, id)
	if err != nil {
		return models.Affiliate{}, err
	}
	a.ReferralLinks = links
	return a, nil
}

// ListAffiliateIDs returns the ids of every live affiliate.
func (db *DB) ListAffiliateIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM affiliates WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list affiliates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan affiliate id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateAffiliateStatus moves an affiliate from one status to another. It
// returns ErrStatusConflict when the stored status is no longer from.
func (db *DB) UpdateAffiliateStatus(ctx context.Context, id string, from, to models.AffiliateStatus) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE affiliates SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND deleted_at IS NULL
	`, string(to), formatTime(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update affiliate status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// UpdateAffiliateSettings replaces an affiliate's overrides.
func (db *DB) UpdateAffiliateSettings(ctx context.Context, id string, s models.AffiliateSettings) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE affiliates
		SET commission_rate = ?, cart_discount_enabled = ?, cart_discount_percent = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, nullDecimal(s.CommissionRate), s.CartShareDiscount.Enabled,
		s.CartShareDiscount.Percent.String(), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update affiliate settings: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteAffiliate marks an affiliate deleted. Its codes stop resolving
// but its history is kept.
func (db *DB) SoftDeleteAffiliate(ctx context.Context, id string, at time.Time) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE affiliates SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to delete affiliate: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteAffiliate removes the affiliate row and its link records.
// Short codes stay registered so they are never reissued, and click and
// conversion history is left in place.
func (db *DB) HardDeleteAffiliate(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM affiliates WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete affiliate: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM referral_links WHERE affiliate_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete referral links: %w", err)
		}
		return nil
	})
}

// GetLedger returns the affiliate's money buckets.
func (db *DB) GetLedger(ctx context.Context, id string) (models.LedgerSnapshot, error) {
	var pendingCents, paidCents int64
	snap := models.LedgerSnapshot{AffiliateID: id}

	err := db.conn.QueryRowContext(ctx,
		`SELECT pending_cents, paid_cents, currency FROM affiliates WHERE id = ?`, id,
	).Scan(&pendingCents, &paidCents, &snap.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.LedgerSnapshot{}, fmt.Errorf("failed to get ledger: %w", err)
	}

	snap.Pending = FromCents(pendingCents)
	snap.Paid = FromCents(paidCents)
	return snap, nil
}
