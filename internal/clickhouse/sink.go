package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/config"
)

// DeltaRow is one signed movement of an affiliate's ledger and counters.
type DeltaRow struct {
	AffiliateID      string
	ConversionID     string
	OrderID          string
	EventType        string
	DeltaPending     decimal.Decimal
	DeltaPaid        decimal.Decimal
	DeltaConversions int32
	DeltaRevenue     decimal.Decimal
	Currency         string
	EventTime        time.Time
}

// DeltaWriter stores ledger deltas.
type DeltaWriter interface {
	InsertDelta(ctx context.Context, row DeltaRow) error
}

// Sink writes ledger deltas to ClickHouse for reporting.
type Sink struct {
	conn     driver.Conn
	database string
}

// NewSink opens and pings a ClickHouse connection.
func NewSink(cfg config.ClickHouseConfig) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		DialTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, database: cfg.Database}, nil
}

// Close closes the connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the delta table if it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.affiliate_ledger_delta (
			affiliate_id String,
			conversion_id String,
			order_id String,
			event_type LowCardinality(String),
			delta_pending Decimal(18, 2),
			delta_paid Decimal(18, 2),
			delta_conversions Int32,
			delta_revenue Decimal(18, 2),
			currency LowCardinality(String),
			event_time DateTime64(3, 'UTC')
		) ENGINE = MergeTree
		ORDER BY (affiliate_id, event_time)
	`, s.database)

	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create delta table: %w", err)
	}
	return nil
}

// InsertDelta inserts one delta row.
func (s *Sink) InsertDelta(ctx context.Context, row DeltaRow) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.affiliate_ledger_delta (
			affiliate_id, conversion_id, order_id, event_type,
			delta_pending, delta_paid, delta_conversions, delta_revenue,
			currency, event_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.database)

	if err := s.conn.Exec(ctx, query,
		row.AffiliateID,
		row.ConversionID,
		row.OrderID,
		row.EventType,
		row.DeltaPending,
		row.DeltaPaid,
		row.DeltaConversions,
		row.DeltaRevenue,
		row.Currency,
		row.EventTime,
	); err != nil {
		return fmt.Errorf("failed to insert ledger delta: %w", err)
	}
	return nil
}
