package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/shortcode"
)

// RotateParams describes a link rotation.
type RotateParams struct {
	AffiliateID     string
	ExpectedVersion int64
	Metadata        map[string]string
	Generator       shortcode.Generator
	MaxAttempts     int
	// HistoryCap bounds the number of link records kept per affiliate,
	// including the active one. Zero disables pruning.
	HistoryCap int
	Now        time.Time
}

// RotateLink replaces the affiliate's active link with a freshly generated
// one. The affiliate's link_version is used as a compare-and-swap token so
// concurrent rotations cannot both succeed; the loser gets
// ErrVersionConflict. Codes are claimed in the short_codes registry, which is
// never pruned, so a code is never issued twice.
func (db *DB) RotateLink(ctx context.Context, p RotateParams) (models.ReferralLink, int64, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	now := formatTime(p.Now)
	var link models.ReferralLink

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE affiliates SET link_version = link_version + 1, updated_at = ?
			WHERE id = ? AND link_version = ? AND deleted_at IS NULL
		`, now, p.AffiliateID, p.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("failed to bump link version: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrVersionConflict
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE referral_links SET status = ?, replaced_at = ?
			WHERE affiliate_id = ? AND status = ?
		`, string(models.LinkReplaced), now, p.AffiliateID, string(models.LinkActive)); err != nil {
			return fmt.Errorf("failed to replace active link: %w", err)
		}

		code, err := claimShortCode(ctx, tx, p.Generator, attempts, p.AffiliateID, now)
		if err != nil {
			return err
		}

		metadata := serializeMetadata(p.Metadata)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO referral_links (short_code, affiliate_id, status, metadata, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, code, p.AffiliateID, string(models.LinkActive), metadata, now); err != nil {
			return fmt.Errorf("failed to insert referral link: %w", err)
		}

		if p.HistoryCap > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM referral_links
				WHERE affiliate_id = ? AND status = ? AND seq NOT IN (
					SELECT seq FROM referral_links WHERE affiliate_id = ?
					ORDER BY seq DESC LIMIT ?
				)
			`, p.AffiliateID, string(models.LinkReplaced), p.AffiliateID, p.HistoryCap); err != nil {
				return fmt.Errorf("failed to prune link history: %w", err)
			}
		}

		link = models.ReferralLink{
			ShortCode:   code,
			AffiliateID: p.AffiliateID,
			Status:      models.LinkActive,
			Metadata:    deserializeMetadata(metadata),
			CreatedAt:   p.Now.UTC(),
		}
		return nil
	})
	if err != nil {
		return models.ReferralLink{}, 0, err
	}

	return link, p.ExpectedVersion + 1, nil
}

func claimShortCode(ctx context.Context, tx *sql.Tx, gen shortcode.Generator, attempts int, affiliateID, now string) (string, error) {
	for i := 0; i < attempts; i++ {
		code, err := gen.Generate()
		if err != nil {
			return "", fmt.Errorf("failed to generate short code: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO short_codes (short_code, affiliate_id, created_at) VALUES (?, ?, ?)
		`, code, affiliateID, now)
		if err != nil {
			return "", fmt.Errorf("failed to register short code: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 1 {
			return code, nil
		}
	}
	return "", ErrShortCodeExhausted
}

const linkColumns = `short_code, affiliate_id, status, metadata, clicks, conversions, revenue_cents, created_at, replaced_at`

func scanLink(row interface{ Scan(...interface{}) error }) (models.ReferralLink, error) {
	var l models.ReferralLink
	var status, metadata, createdAt string
	var replacedAt sql.NullString
	var revenueCents int64

	if err := row.Scan(&l.ShortCode, &l.AffiliateID, &status, &metadata,
		&l.Stats.Clicks, &l.Stats.Conversions, &revenueCents, &createdAt, &replacedAt); err != nil {
		return models.ReferralLink{}, err
	}

	l.Status = models.LinkStatus(status)
	l.Metadata = deserializeMetadata(metadata)
	l.Stats.Revenue = FromCents(revenueCents)

	var err error
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.ReferralLink{}, err
	}
	if l.ReplacedAt, err = parseNullTime(replacedAt); err != nil {
		return models.ReferralLink{}, err
	}
	return l, nil
}

// ListLinks returns the affiliate's retained link records, newest first.
func (db *DB) ListLinks(ctx context.Context, affiliateID string) ([]models.ReferralLink, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM referral_links WHERE affiliate_id = ? ORDER BY seq DESC`, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list referral links: %w", err)
	}
	defer rows.Close()

	var links []models.ReferralLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// GetActiveLink returns the affiliate's active link.
func (db *DB) GetActiveLink(ctx context.Context, affiliateID string) (models.ReferralLink, error) {
	l, err := scanLink(db.conn.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM referral_links WHERE affiliate_id = ? AND status = ?`,
		affiliateID, string(models.LinkActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReferralLink{}, ErrNotFound
	}
	if err != nil {
		return models.ReferralLink{}, fmt.Errorf("failed to get active link: %w", err)
	}
	return l, nil
}

// ResolveShortCode returns the id of the affiliate a code was issued to.
// Codes resolve for as long as the registry holds them, including codes whose
// link record was pruned.
func (db *DB) ResolveShortCode(ctx context.Context, code string) (string, error) {
	var affiliateID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT affiliate_id FROM short_codes WHERE short_code = ?`, code).Scan(&affiliateID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve short code: %w", err)
	}
	return affiliateID, nil
}

// ListShortCodes returns every code ever issued to the affiliate, oldest first.
func (db *DB) ListShortCodes(ctx context.Context, affiliateID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT short_code FROM short_codes WHERE affiliate_id = ? ORDER BY created_at, rowid`, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list short codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan short code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}
