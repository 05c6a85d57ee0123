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

// InsertConversionIfAbsent records a conversion unless one already exists for
// the same order id. The order id is claimed and the event written in one
// transaction, so concurrent deliveries of the same order insert exactly
// once. It reports whether this call inserted the row.
func (db *DB) InsertConversionIfAbsent(ctx context.Context, c models.ConversionEvent) (bool, error) {
	inserted := false

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO conversion_orders (order_id, conversion_id) VALUES (?, ?)
			ON CONFLICT(order_id) DO NOTHING
		`, c.OrderID, c.ID)
		if err != nil {
			return fmt.Errorf("failed to claim order id: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}

		c.LedgerCounted = true
		if err := insertConversion(ctx, tx, c); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// InsertLegacyConversion writes an imported conversion without the duplicate
// check. Histories recorded before order ids were unique can hold several
// events for one order; the first one imported takes the claim and is the
// only one counted. For that row the link and affiliate counters are bumped
// and credit is added to the buckets. It reports whether the row was counted.
func (db *DB) InsertLegacyConversion(ctx context.Context, c models.ConversionEvent, credit LedgerDelta) (bool, error) {
	c.Legacy = true

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversion_orders (order_id, conversion_id) VALUES (?, ?)
		`, c.OrderID, c.ID)
		if err != nil {
			return fmt.Errorf("failed to claim order id: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		c.LedgerCounted = rows > 0

		if err := insertConversion(ctx, tx, c); err != nil {
			return err
		}
		if !c.LedgerCounted || c.AffiliateID == nil {
			return nil
		}

		if err := adjustConversionCounters(ctx, tx, *c.AffiliateID, c.ShortCode, ToCents(c.Amount), 1); err != nil {
			return err
		}
		if credit.IsZero() {
			return nil
		}
		return applyLedgerDelta(ctx, tx, *c.AffiliateID, credit)
	})
	if err != nil {
		return false, err
	}
	return c.LedgerCounted, nil
}

func insertConversion(ctx context.Context, tx *sql.Tx, c models.ConversionEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversion_events (
			id, order_id, short_code, affiliate_id, amount_cents, currency,
			commission_rate, commission_cents, status, click_id,
			purchaser_name, purchaser_email, purchaser_phone, product_names,
			legacy, ledger_counted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.OrderID, c.ShortCode, nullString(c.AffiliateID), ToCents(c.Amount), c.Currency,
		c.CommissionRate.String(), ToCents(c.CommissionAmount), string(c.Status), nullString(c.ClickID),
		c.Purchaser.Name, c.Purchaser.Email, c.Purchaser.Phone, serializeStrings(c.ProductNames),
		c.Legacy, c.LedgerCounted, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert conversion: %w", err)
	}
	return nil
}

// AttributionDelta is the counter and earnings change for one new conversion.
type AttributionDelta struct {
	AffiliateID string
	ShortCode   string
	Amount      decimal.Decimal
	Commission  decimal.Decimal
}

// ApplyAttribution updates the link counters, the affiliate counters and the
// pending bucket for a newly inserted conversion, all in one transaction.
func (db *DB) ApplyAttribution(ctx context.Context, d AttributionDelta) error {
	amount := ToCents(d.Amount)
	commission := ToCents(d.Commission)

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE referral_links
			SET conversions = conversions + 1, revenue_cents = revenue_cents + ?
			WHERE short_code = ?
		`, amount, d.ShortCode); err != nil {
			return fmt.Errorf("failed to update link stats: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE affiliates
			SET total_conversions = total_conversions + 1,
				total_revenue_cents = total_revenue_cents + ?,
				pending_cents = pending_cents + ?
			WHERE id = ?
		`, amount, commission, d.AffiliateID)
		if err != nil {
			return fmt.Errorf("failed to update affiliate stats: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const conversionColumns = `
	id, order_id, short_code, affiliate_id, amount_cents, currency,
	commission_rate, commission_cents, status, click_id,
	purchaser_name, purchaser_email, purchaser_phone, product_names,
	legacy, ledger_counted, created_at, updated_at
`

func scanConversion(row interface{ Scan(...interface{}) error }) (models.ConversionEvent, error) {
	var c models.ConversionEvent
	var affiliateID, clickID sql.NullString
	var amountCents, commissionCents int64
	var rate, status, productNames, createdAt, updatedAt string

	err := row.Scan(
		&c.ID, &c.OrderID, &c.ShortCode, &affiliateID, &amountCents, &c.Currency,
		&rate, &commissionCents, &status, &clickID,
		&c.Purchaser.Name, &c.Purchaser.Email, &c.Purchaser.Phone, &productNames,
		&c.Legacy, &c.LedgerCounted, &createdAt, &updatedAt,
	)
	if err != nil {
		return models.ConversionEvent{}, err
	}

	c.AffiliateID = stringPtr(affiliateID)
	c.ClickID = stringPtr(clickID)
	c.Amount = FromCents(amountCents)
	c.CommissionAmount = FromCents(commissionCents)
	c.Status = models.ConversionStatus(status)
	c.ProductNames = deserializeStrings(productNames)

	if c.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return models.ConversionEvent{}, fmt.Errorf("failed to parse commission rate: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.ConversionEvent{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.ConversionEvent{}, err
	}
	return c, nil
}

// GetConversion retrieves a conversion by id.
func (db *DB) GetConversion(ctx context.Context, id string) (models.ConversionEvent, error) {
	c, err := scanConversion(db.conn.QueryRowContext(ctx,
		`SELECT `+conversionColumns+` FROM conversion_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversionEvent{}, ErrNotFound
	}
	if err != nil {
		return models.ConversionEvent{}, fmt.Errorf("failed to get conversion: %w", err)
	}
	return c, nil
}

// ListConversionsByShortCodes returns every conversion recorded against the
// given codes in insertion order.
func (db *DB) ListConversionsByShortCodes(ctx context.Context, codes []string) ([]models.ConversionEvent, error) {
	if len(codes) == 0 {
		return nil, nil
	}

	query := `SELECT ` + conversionColumns + ` FROM conversion_events WHERE short_code IN (` +
		placeholders(len(codes)) + `) ORDER BY created_at, rowid`

	rows, err := db.conn.QueryContext(ctx, query, stringArgs(codes)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var conversions []models.ConversionEvent
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		conversions = append(conversions, c)
	}
	return conversions, rows.Err()
}

// LedgerDelta is the change applied to the affiliate's buckets alongside a
// conversion update.
type LedgerDelta struct {
	Pending decimal.Decimal
	Paid    decimal.Decimal
}

// IsZero reports whether the delta moves no money.
func (d LedgerDelta) IsZero() bool {
	return d.Pending.IsZero() && d.Paid.IsZero()
}

// Neg returns the opposite delta.
func (d LedgerDelta) Neg() LedgerDelta {
	return LedgerDelta{Pending: d.Pending.Neg(), Paid: d.Paid.Neg()}
}

// TransitionConversion changes a conversion's status and applies delta to its
// affiliate's buckets in one transaction. The update only matches while the
// stored status still equals c.Status; otherwise ErrStatusConflict is
// returned and nothing is written. Rows that are not ledger counted never
// move the buckets.
func (db *DB) TransitionConversion(ctx context.Context, c models.ConversionEvent, to models.ConversionStatus, delta LedgerDelta, now time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE conversion_events SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(to), formatTime(now), c.ID, string(c.Status))
		if err != nil {
			return fmt.Errorf("failed to update conversion status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrStatusConflict
		}

		if c.AffiliateID == nil || !c.LedgerCounted || delta.IsZero() {
			return nil
		}
		return applyLedgerDelta(ctx, tx, *c.AffiliateID, delta)
	})
}

// DeleteConversion removes a conversion, releases its order id, reverses its
// contribution to the counters and applies delta to the buckets, all in one
// transaction. Rows that are not ledger counted only remove the row.
func (db *DB) DeleteConversion(ctx context.Context, c models.ConversionEvent, delta LedgerDelta) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM conversion_events WHERE id = ? AND status = ?`, c.ID, string(c.Status))
		if err != nil {
			return fmt.Errorf("failed to delete conversion: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrStatusConflict
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversion_orders WHERE order_id = ? AND conversion_id = ?`, c.OrderID, c.ID); err != nil {
			return fmt.Errorf("failed to release order id: %w", err)
		}

		if c.AffiliateID == nil || !c.LedgerCounted {
			return nil
		}

		if err := adjustConversionCounters(ctx, tx, *c.AffiliateID, c.ShortCode, ToCents(c.Amount), -1); err != nil {
			return err
		}

		if delta.IsZero() {
			return nil
		}
		return applyLedgerDelta(ctx, tx, *c.AffiliateID, delta)
	})
}

// adjustConversionCounters adds sign conversions and sign*amountCents revenue
// to the link and affiliate counters. Counts never drop below zero.
func adjustConversionCounters(ctx context.Context, tx *sql.Tx, affiliateID, shortCode string, amountCents, sign int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE referral_links
		SET conversions = MAX(conversions + ?, 0), revenue_cents = revenue_cents + ?
		WHERE short_code = ?
	`, sign, sign*amountCents, shortCode); err != nil {
		return fmt.Errorf("failed to update link stats: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE affiliates
		SET total_conversions = MAX(total_conversions + ?, 0),
			total_revenue_cents = total_revenue_cents + ?
		WHERE id = ?
	`, sign, sign*amountCents, affiliateID); err != nil {
		return fmt.Errorf("failed to update affiliate stats: %w", err)
	}
	return nil
}

func applyLedgerDelta(ctx context.Context, tx *sql.Tx, affiliateID string, delta LedgerDelta) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE affiliates
		SET pending_cents = pending_cents + ?, paid_cents = paid_cents + ?, updated_at = ?
		WHERE id = ?
	`, ToCents(delta.Pending), ToCents(delta.Paid), formatTime(time.Now()), affiliateID)
	if err != nil {
		return fmt.Errorf("failed to update earnings: %w", err)
	}
	return nil
}
