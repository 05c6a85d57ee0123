package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when a unique key is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrVersionConflict is returned when a compare-and-swap update loses.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStatusConflict is returned when a row's status changed under us.
	ErrStatusConflict = errors.New("status changed concurrently")
	// ErrShortCodeExhausted is returned when every generated code collided.
	ErrShortCodeExhausted = errors.New("could not allocate a unique short code")
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite has a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY under concurrent requests.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS store_settings (
			store_id TEXT PRIMARY KEY,
			default_commission_rate TEXT,
			currency TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS affiliates (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			customer_ref TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL,
			email_normalized TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			commission_rate TEXT,
			cart_discount_enabled INTEGER NOT NULL DEFAULT 0,
			cart_discount_percent TEXT NOT NULL DEFAULT '0',
			pending_cents INTEGER NOT NULL DEFAULT 0,
			paid_cents INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL,
			total_clicks INTEGER NOT NULL DEFAULT 0,
			total_conversions INTEGER NOT NULL DEFAULT 0,
			total_revenue_cents INTEGER NOT NULL DEFAULT 0,
			link_version INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_affiliates_store_email
			ON affiliates(store_id, email_normalized) WHERE deleted_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS short_codes (
			short_code TEXT PRIMARY KEY,
			affiliate_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_short_codes_affiliate ON short_codes(affiliate_id)`,
		`CREATE TABLE IF NOT EXISTS referral_links (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			short_code TEXT NOT NULL UNIQUE,
			affiliate_id TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			clicks INTEGER NOT NULL DEFAULT 0,
			conversions INTEGER NOT NULL DEFAULT 0,
			revenue_cents INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			replaced_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referral_links_affiliate ON referral_links(affiliate_id, status)`,
		`CREATE TABLE IF NOT EXISTS click_events (
			id TEXT PRIMARY KEY,
			short_code TEXT NOT NULL,
			affiliate_id TEXT,
			referrer TEXT NOT NULL DEFAULT '',
			landing_path TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			ip_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_click_events_short_code ON click_events(short_code)`,
		`CREATE INDEX IF NOT EXISTS idx_click_events_affiliate ON click_events(affiliate_id)`,
		`CREATE TABLE IF NOT EXISTS conversion_orders (
			order_id TEXT PRIMARY KEY,
			conversion_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversion_events (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			short_code TEXT NOT NULL,
			affiliate_id TEXT,
			amount_cents INTEGER NOT NULL,
			currency TEXT NOT NULL,
			commission_rate TEXT NOT NULL,
			commission_cents INTEGER NOT NULL,
			status TEXT NOT NULL,
			click_id TEXT,
			purchaser_name TEXT NOT NULL DEFAULT '',
			purchaser_email TEXT NOT NULL DEFAULT '',
			purchaser_phone TEXT NOT NULL DEFAULT '',
			product_names TEXT NOT NULL DEFAULT '[]',
			legacy INTEGER NOT NULL DEFAULT 0,
			ledger_counted INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversion_events_order ON conversion_events(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversion_events_short_code ON conversion_events(short_code)`,
		`CREATE INDEX IF NOT EXISTS idx_conversion_events_affiliate ON conversion_events(affiliate_id, status)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ToCents converts a decimal amount to integer minor units.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromCents converts integer minor units back to a decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse decimal %q: %w", ns.String, err)
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// serializeMetadata converts link metadata to a JSON string.
func serializeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// deserializeMetadata converts serialized metadata back to a map.
func deserializeMetadata(serialized string) map[string]string {
	if serialized == "" || serialized == "{}" {
		return nil
	}
	var result map[string]string
	if err := json.Unmarshal([]byte(serialized), &result); err != nil {
		return nil
	}
	return result
}

func serializeStrings(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func deserializeStrings(serialized string) []string {
	if serialized == "" || serialized == "[]" {
		return nil
	}
	var result []string
	if err := json.Unmarshal([]byte(serialized), &result); err != nil {
		return nil
	}
	return result
}
