package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"affiliate-ledger-api/internal/models"
)

// ReconcileOutcome compares stored projections with values derived from the
// event logs.
type ReconcileOutcome struct {
	Before         models.AffiliateStats
	After          models.AffiliateStats
	StoredEarnings models.LedgerSnapshot
	// DerivedEarnings sums commission per status over the affiliate's
	// counted conversions. It differs from the stored buckets when the
	// rejected-to-pending transition has been used.
	DerivedEarnings models.LedgerSnapshot
	EarningsWritten bool
}

// ReconcileAffiliate recomputes the affiliate's link and total counters from
// the click and conversion logs. Conversions are derived from the ledger
// counted rows only, so each order id contributes once however many legacy
// duplicates it has. When repairEarnings is set the pending and paid buckets
// are also overwritten with the derived sums.
func (db *DB) ReconcileAffiliate(ctx context.Context, affiliateID string, repairEarnings bool) (ReconcileOutcome, error) {
	var out ReconcileOutcome

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var revenueBefore, pendingStored, paidStored int64
		var currency string
		err := tx.QueryRowContext(ctx, `
			SELECT total_clicks, total_conversions, total_revenue_cents, pending_cents, paid_cents, currency
			FROM affiliates WHERE id = ?
		`, affiliateID).Scan(&out.Before.TotalClicks, &out.Before.TotalConversions, &revenueBefore,
			&pendingStored, &paidStored, &currency)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read affiliate counters: %w", err)
		}
		out.Before.TotalRevenue = FromCents(revenueBefore)

		if _, err := tx.ExecContext(ctx, `
			UPDATE referral_links SET
				clicks = (SELECT COUNT(*) FROM click_events c WHERE c.short_code = referral_links.short_code),
				conversions = (SELECT COUNT(*) FROM conversion_events e
					WHERE e.short_code = referral_links.short_code AND e.ledger_counted = 1),
				revenue_cents = (SELECT COALESCE(SUM(e.amount_cents), 0) FROM conversion_events e
					WHERE e.short_code = referral_links.short_code AND e.ledger_counted = 1)
			WHERE affiliate_id = ?
		`, affiliateID); err != nil {
			return fmt.Errorf("failed to recompute link stats: %w", err)
		}

		var revenueAfter, pendingDerived, paidDerived int64
		err = tx.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM click_events WHERE affiliate_id = ?),
				(SELECT COUNT(*) FROM conversion_events WHERE affiliate_id = ? AND ledger_counted = 1),
				(SELECT COALESCE(SUM(amount_cents), 0) FROM conversion_events WHERE affiliate_id = ? AND ledger_counted = 1),
				(SELECT COALESCE(SUM(commission_cents), 0) FROM conversion_events
					WHERE affiliate_id = ? AND ledger_counted = 1 AND status = ?),
				(SELECT COALESCE(SUM(commission_cents), 0) FROM conversion_events
					WHERE affiliate_id = ? AND ledger_counted = 1 AND status = ?)
		`, affiliateID, affiliateID, affiliateID,
			affiliateID, string(models.ConversionPending),
			affiliateID, string(models.ConversionPaid),
		).Scan(&out.After.TotalClicks, &out.After.TotalConversions, &revenueAfter, &pendingDerived, &paidDerived)
		if err != nil {
			return fmt.Errorf("failed to derive affiliate counters: %w", err)
		}
		out.After.TotalRevenue = FromCents(revenueAfter)

		if _, err := tx.ExecContext(ctx, `
			UPDATE affiliates SET total_clicks = ?, total_conversions = ?, total_revenue_cents = ?
			WHERE id = ?
		`, out.After.TotalClicks, out.After.TotalConversions, revenueAfter, affiliateID); err != nil {
			return fmt.Errorf("failed to write affiliate counters: %w", err)
		}

		out.StoredEarnings = models.LedgerSnapshot{
			AffiliateID: affiliateID, Pending: FromCents(pendingStored), Paid: FromCents(paidStored), Currency: currency,
		}
		out.DerivedEarnings = models.LedgerSnapshot{
			AffiliateID: affiliateID, Pending: FromCents(pendingDerived), Paid: FromCents(paidDerived), Currency: currency,
		}

		if repairEarnings && (pendingStored != pendingDerived || paidStored != paidDerived) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE affiliates SET pending_cents = ?, paid_cents = ? WHERE id = ?`,
				pendingDerived, paidDerived, affiliateID); err != nil {
				return fmt.Errorf("failed to repair earnings: %w", err)
			}
			out.EarningsWritten = true
		}
		return nil
	})
	if err != nil {
		return ReconcileOutcome{}, err
	}
	return out, nil
}
