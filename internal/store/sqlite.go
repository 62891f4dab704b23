package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
	"neo-trader/pkg/utils"
)

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

var _ Ledger = (*SQLiteLedger)(nil)

// NewSQLiteLedger opens (creating if needed) the ledger at dbPath.
func NewSQLiteLedger(dbPath string, logger zerolog.Logger) (*SQLiteLedger, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	l := &SQLiteLedger{
		db:     db,
		logger: logging.WithComponent(logger, "ledger"),
		now:    time.Now,
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l.logger.Info().Str("path", dbPath).Msg("Order ledger opened")
	return l, nil
}

// initSchema creates the order table and its indexes. order_ts is the
// parsed order_datetime in unix seconds and drives range queries.
func (l *SQLiteLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS order_history (
		order_id TEXT PRIMARY KEY,
		trading_symbol TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL,
		order_type TEXT,
		transaction_type TEXT,
		product TEXT,
		status TEXT,
		exchange TEXT,
		order_datetime TEXT NOT NULL,
		order_ts INTEGER NOT NULL,
		kotak_response TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_ts ON order_history(order_ts);
	CREATE INDEX IF NOT EXISTS idx_trading_symbol ON order_history(trading_symbol);
	CREATE INDEX IF NOT EXISTS idx_status ON order_history(status);
	`

	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// orderTimestamp parses the broker's order time in IST, falling back to
// fallback when the text does not parse.
func orderTimestamp(datetime string, fallback time.Time) time.Time {
	if t, err := time.ParseInLocation(models.OrderDatetimeLayout, strings.TrimSpace(datetime), utils.IndiaLocation); err == nil {
		return t
	}
	return fallback
}

// Save inserts or updates a record. created_at survives updates.
func (l *SQLiteLedger) Save(ctx context.Context, rec models.OrderRecord) error {
	if rec.OrderID == "" {
		return errors.NewValidationError("order_id", rec.OrderID, "order id is required")
	}

	now := l.now()
	if rec.Status == "" {
		rec.Status = DefaultStatus
	}
	if rec.OrderDatetime == "" {
		rec.OrderDatetime = now.In(utils.IndiaLocation).Format(models.OrderDatetimeLayout)
	}
	ts := orderTimestamp(rec.OrderDatetime, now)

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO order_history (order_id, trading_symbol, quantity, price, order_type, transaction_type, product, status, exchange, order_datetime, order_ts, kotak_response, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			trading_symbol = excluded.trading_symbol,
			quantity = excluded.quantity,
			price = excluded.price,
			order_type = excluded.order_type,
			transaction_type = excluded.transaction_type,
			product = excluded.product,
			status = excluded.status,
			exchange = excluded.exchange,
			order_datetime = excluded.order_datetime,
			order_ts = excluded.order_ts,
			kotak_response = excluded.kotak_response,
			updated_at = excluded.updated_at
	`, rec.OrderID, rec.TradingSymbol, rec.Quantity, rec.Price, rec.OrderType, rec.Side, rec.Product, rec.Status, rec.Exchange, rec.OrderDatetime, ts.Unix(), rec.BrokerResponse, now, now)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	l.logger.Info().Str("order_id", rec.OrderID).Str("status", rec.Status).Msg("Order saved to ledger")
	return nil
}

const selectColumns = "order_id, trading_symbol, quantity, price, order_type, transaction_type, product, status, exchange, order_datetime, kotak_response, created_at, updated_at"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (models.OrderRecord, error) {
	var rec models.OrderRecord
	var price sql.NullFloat64
	var orderType, side, product, status, exchange, response sql.NullString

	if err := row.Scan(&rec.OrderID, &rec.TradingSymbol, &rec.Quantity, &price, &orderType, &side, &product, &status, &exchange, &rec.OrderDatetime, &response, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.Price = price.Float64
	rec.OrderType = orderType.String
	rec.Side = side.String
	rec.Product = product.String
	rec.Status = status.String
	rec.Exchange = exchange.String
	rec.BrokerResponse = response.String
	return rec, nil
}

// GetByID returns one record.
func (l *SQLiteLedger) GetByID(ctx context.Context, orderID string) (*models.OrderRecord, error) {
	row := l.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM order_history WHERE order_id = ?", orderID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "order %s", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &rec, nil
}

// GetByDateRange returns orders whose order time falls within [start, end].
func (l *SQLiteLedger) GetByDateRange(ctx context.Context, start, end time.Time) ([]models.OrderRecord, error) {
	records, err := l.query(ctx,
		"SELECT "+selectColumns+" FROM order_history WHERE order_ts >= ? AND order_ts <= ? ORDER BY order_ts DESC, order_id",
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by date range: %w", err)
	}
	l.logger.Debug().
		Int("count", len(records)).
		Time("start", start).
		Time("end", end).
		Msg("Orders retrieved from ledger")
	return records, nil
}

// UpdateStatus sets the status of a known order.
func (l *SQLiteLedger) UpdateStatus(ctx context.Context, orderID, status string) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE order_history SET status = ?, updated_at = ? WHERE order_id = ?",
		status, l.now(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "order %s", orderID)
	}
	l.logger.Debug().Str("order_id", orderID).Str("status", status).Msg("Order status updated")
	return nil
}

// GetAll returns the newest limit orders.
func (l *SQLiteLedger) GetAll(ctx context.Context, limit int) ([]models.OrderRecord, error) {
	query := "SELECT " + selectColumns + " FROM order_history ORDER BY order_ts DESC, order_id"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	records, err := l.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return records, nil
}

func (l *SQLiteLedger) query(ctx context.Context, query string, args ...interface{}) ([]models.OrderRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.OrderRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
