package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"giftmarket/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// CreateListing persists a new listing in draft status.
func (s *Store) CreateListing(ctx context.Context, l *models.Listing) error {
	query := `
		INSERT INTO listings (id, company_id, name, denominations, discount_pct,
			seller_fee_pct, seller_fee_fixed, currency, status, total_stock,
			sold_count, auto_fulfill)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		l.ID, l.CompanyID, l.Name, l.Denominations, l.DiscountPct,
		l.SellerFeePct, l.SellerFeeFixed, l.Currency, l.Status, l.TotalStock,
		l.SoldCount, l.AutoFulfill)
	return row.Scan(&l.CreatedAt, &l.UpdatedAt)
}

// GetListing retrieves a listing scoped to its owning company.
func (s *Store) GetListing(ctx context.Context, companyID, listingID string) (*models.Listing, error) {
	var l models.Listing
	err := s.db.GetContext(ctx, &l,
		"SELECT * FROM listings WHERE id = $1 AND company_id = $2", listingID, companyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetListingByID retrieves a listing without tenant scoping. Used internally
// by webhook and worker paths where the tenant is derived from the order.
func (s *Store) GetListingByID(ctx context.Context, listingID string) (*models.Listing, error) {
	var l models.Listing
	err := s.db.GetContext(ctx, &l, "SELECT * FROM listings WHERE id = $1", listingID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateListingStatus sets a listing's lifecycle status. Status changes are
// always explicit catalog operations; stock movements never change status.
func (s *Store) UpdateListingStatus(ctx context.Context, companyID, listingID, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE listings SET status = $1, updated_at = NOW() WHERE id = $2 AND company_id = $3",
		status, listingID, companyID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("listing not found: %s", listingID)
	}
	return nil
}

// AdjustListingStock applies atomic deltas to the stock counters so that
// concurrent fulfillments never lose updates.
func (s *Store) AdjustListingStock(ctx context.Context, listingID string, stockDelta, soldDelta int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE listings SET total_stock = total_stock + $1, sold_count = sold_count + $2, updated_at = NOW() WHERE id = $3",
		stockDelta, soldDelta, listingID)
	return err
}
