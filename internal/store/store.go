// Package store provides the local order ledger.
package store

import (
	"context"
	"time"

	"neo-trader/internal/models"
)

// Ledger persists every order the process submits so history survives the
// broker's same-day order-book window. Rows are inserted or updated, never
// deleted.
type Ledger interface {
	// Save inserts or replaces a record keyed by OrderID.
	Save(ctx context.Context, rec models.OrderRecord) error
	// GetByID returns errors.ErrNotFound when the order is unknown.
	GetByID(ctx context.Context, orderID string) (*models.OrderRecord, error)
	// GetByDateRange returns orders placed within [start, end], newest first.
	GetByDateRange(ctx context.Context, start, end time.Time) ([]models.OrderRecord, error)
	// UpdateStatus returns errors.ErrNotFound when the order is unknown.
	UpdateStatus(ctx context.Context, orderID, status string) error
	// GetAll returns up to limit orders, newest first. limit <= 0 means all.
	GetAll(ctx context.Context, limit int) ([]models.OrderRecord, error)

	Close() error
}

// DefaultStatus is stored when a record is saved without a status.
const DefaultStatus = "PENDING"
