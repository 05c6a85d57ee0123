package database

import (
	"context"
	"fmt"

	"affiliate-ledger-api/internal/models"
)

// InsertClick appends a click to the event log.
func (db *DB) InsertClick(ctx context.Context, c models.ClickEvent) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO click_events (id, short_code, affiliate_id, referrer, landing_path, user_agent, ip_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ShortCode, nullString(c.AffiliateID), c.Referrer, c.LandingPath,
		c.UserAgent, c.IPHash, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert click: %w", err)
	}
	return nil
}

// IncrementLinkClicks bumps the click counter of the link holding code. It is
// a no-op when the link record was pruned.
func (db *DB) IncrementLinkClicks(ctx context.Context, code string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE referral_links SET clicks = clicks + 1 WHERE short_code = ?`, code)
	if err != nil {
		return fmt.Errorf("failed to increment link clicks: %w", err)
	}
	return nil
}

// IncrementAffiliateClicks bumps the affiliate's total click counter.
func (db *DB) IncrementAffiliateClicks(ctx context.Context, affiliateID string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE affiliates SET total_clicks = total_clicks + 1 WHERE id = ?`, affiliateID)
	if err != nil {
		return fmt.Errorf("failed to increment affiliate clicks: %w", err)
	}
	return nil
}

// ClickExists reports whether a visit id is in the click log.
func (db *DB) ClickExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM click_events WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up click: %w", err)
	}
	return n > 0, nil
}

// CountClicksByShortCode counts logged clicks per code.
func (db *DB) CountClicksByShortCode(ctx context.Context, codes []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(codes))
	if len(codes) == 0 {
		return counts, nil
	}

	query := `SELECT short_code, COUNT(*) FROM click_events WHERE short_code IN (` +
		placeholders(len(codes)) + `) GROUP BY short_code`

	rows, err := db.conn.QueryContext(ctx, query, stringArgs(codes)...)
	if err != nil {
		return nil, fmt.Errorf("failed to count clicks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("failed to scan click count: %w", err)
		}
		counts[code] = n
	}
	return counts, rows.Err()
}
