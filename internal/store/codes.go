package store

import (
	"context"
	"database/sql"
	"fmt"

	"giftmarket/internal/models"

	"github.com/shopspring/decimal"
)

// InsertCodes bulk-inserts uploaded codes as available.
func (s *Store) InsertCodes(ctx context.Context, codes []models.InventoryCode) error {
	if len(codes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO inventory_codes (id, company_id, listing_id, denomination,
			code, pin, serial_number, status, expires_at)
		VALUES (:id, :company_id, :listing_id, :denomination,
			:code, :pin, :serial_number, :status, :expires_at)`

	for i := range codes {
		if _, err := tx.NamedExecContext(ctx, query, &codes[i]); err != nil {
			return fmt.Errorf("failed to insert code: %w", err)
		}
	}

	return tx.Commit()
}

// CountAvailableCodes counts codes purchasable at a denomination.
func (s *Store) CountAvailableCodes(ctx context.Context, listingID string, denomination decimal.Decimal) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM inventory_codes WHERE listing_id = $1 AND denomination = $2 AND status = $3",
		listingID, denomination, models.CodeStatusAvailable)
	return count, err
}

// ClaimAvailableCode atomically selects one available code at the given
// denomination and flips it to reserved, stamping the claiming order. The
// match-and-flip is a single statement; SKIP LOCKED keeps concurrent claimants
// off each other's rows, so no two callers ever receive the same code.
// Returns (nil, nil) when the pool is exhausted, which is an expected outcome.
func (s *Store) ClaimAvailableCode(ctx context.Context, listingID string, denomination decimal.Decimal, orderID string) (*models.InventoryCode, error) {
	query := `
		UPDATE inventory_codes
		SET status = $4, reserved_order_id = $3, updated_at = NOW()
		WHERE id = (
			SELECT id FROM inventory_codes
			WHERE listing_id = $1 AND denomination = $2 AND status = $5
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`

	var code models.InventoryCode
	err := s.db.GetContext(ctx, &code, query,
		listingID, denomination, orderID, models.CodeStatusReserved, models.CodeStatusAvailable)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim code: %w", err)
	}
	return &code, nil
}

// ReleaseCode rolls a reserved code back to available.
func (s *Store) ReleaseCode(ctx context.Context, codeID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE inventory_codes SET status = $1, reserved_order_id = NULL, updated_at = NOW() WHERE id = $2 AND status = $3",
		models.CodeStatusAvailable, codeID, models.CodeStatusReserved)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("code not reserved: %s", codeID)
	}
	return nil
}

// ReleaseCodesForOrder rolls back every code still reserved for an order.
// Used by the expiry sweeper and by payment-failure compensation. Returns the
// number of codes released.
func (s *Store) ReleaseCodesForOrder(ctx context.Context, orderID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE inventory_codes SET status = $1, reserved_order_id = NULL, updated_at = NOW() WHERE reserved_order_id = $2 AND status = $3",
		models.CodeStatusAvailable, orderID, models.CodeStatusReserved)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

// FinalizeCode permanently transitions a reserved code to sold, stamping the
// order and buyer. Sold codes are immutable and undeletable from here on.
func (s *Store) FinalizeCode(ctx context.Context, codeID, orderID, buyer string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_codes
		SET status = $1, sold_order_id = $2, sold_to = $3, sold_at = NOW(),
			reserved_order_id = NULL, updated_at = NOW()
		WHERE id = $4 AND status = $5 AND reserved_order_id = $2`,
		models.CodeStatusSold, orderID, buyer, codeID, models.CodeStatusReserved)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("code not reserved for order %s: %s", orderID, codeID)
	}
	return nil
}

// GetReservedCodesForOrder loads the codes held by an order's reservation.
func (s *Store) GetReservedCodesForOrder(ctx context.Context, orderID string) ([]models.InventoryCode, error) {
	var codes []models.InventoryCode
	err := s.db.SelectContext(ctx, &codes,
		"SELECT * FROM inventory_codes WHERE reserved_order_id = $1 AND status = $2 ORDER BY created_at",
		orderID, models.CodeStatusReserved)
	return codes, err
}

// DeleteAvailableCode removes a code that has never been reserved or sold.
// Deletion of reserved or sold codes is refused; those calls return (nil, nil)
// so callers can distinguish "refused" from a database failure.
func (s *Store) DeleteAvailableCode(ctx context.Context, companyID, codeID string) (*models.InventoryCode, error) {
	var code models.InventoryCode
	err := s.db.GetContext(ctx, &code,
		"DELETE FROM inventory_codes WHERE id = $1 AND company_id = $2 AND status = $3 RETURNING *",
		codeID, companyID, models.CodeStatusAvailable)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}
