package store

import (
	"context"
	"database/sql"
	"time"

	"giftmarket/internal/models"
)

// CreateOrder persists a new order in pending/pending.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, company_id, listing_id, denomination, quantity,
			price_per_unit, subtotal, discount, seller_fee, total, currency,
			buyer_name, buyer_email, delivery_email, payment_method,
			payment_status, fulfillment_status, delivered_codes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		order.ID, order.CompanyID, order.ListingID, order.Denomination,
		order.Quantity, order.PricePerUnit, order.Subtotal, order.Discount,
		order.SellerFee, order.Total, order.Currency, order.BuyerName,
		order.BuyerEmail, order.DeliveryEmail, order.PaymentMethod,
		order.PaymentStatus, order.FulfillmentStatus, order.DeliveredCodes,
		order.ExpiresAt)
	return row.Scan(&order.CreatedAt, &order.UpdatedAt)
}

// GetOrder retrieves an order scoped to its owning company.
func (s *Store) GetOrder(ctx context.Context, companyID, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE id = $1 AND company_id = $2", orderID, companyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByID retrieves an order without tenant scoping (webhook path).
func (s *Store) GetOrderByID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkPaymentProcessing moves a pending payment into processing once the
// buyer has approved it and capture is underway.
func (s *Store) MarkPaymentProcessing(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2 AND payment_status = $3",
		models.PaymentStatusProcessing, orderID, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// MarkPaymentCompleted advances payment status to completed. The transition
// is state-conditioned so webhook redelivery is a no-op; the bool reports
// whether this call performed the transition.
func (s *Store) MarkPaymentCompleted(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2 AND payment_status IN ($3, $4)",
		models.PaymentStatusCompleted, orderID,
		models.PaymentStatusPending, models.PaymentStatusProcessing)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// MarkPaymentFailed marks payment as failed from a non-terminal state.
func (s *Store) MarkPaymentFailed(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2 AND payment_status IN ($3, $4)",
		models.PaymentStatusFailed, orderID,
		models.PaymentStatusPending, models.PaymentStatusProcessing)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// MarkPaymentRefunded sets refunded; only valid from completed, so a second
// refund attempt affects zero rows.
func (s *Store) MarkPaymentRefunded(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2 AND payment_status = $3",
		models.PaymentStatusRefunded, orderID, models.PaymentStatusCompleted)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// MarkOrderFulfilled attaches the delivered codes and stamps fulfillment.
// Conditioned on fulfillment still being pending so a racing second
// fulfillment attempt loses cleanly.
func (s *Store) MarkOrderFulfilled(ctx context.Context, orderID string, codes models.DeliveredCodes, actorID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET fulfillment_status = $1, delivered_codes = $2, fulfilled_at = NOW(),
			fulfilled_by = $3, updated_at = NOW()
		WHERE id = $4 AND fulfillment_status = $5`,
		models.FulfillmentStatusFulfilled, codes, actorID, orderID,
		models.FulfillmentStatusPending)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// MarkFulfillmentFailed records a failed fulfillment attempt.
func (s *Store) MarkFulfillmentFailed(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET fulfillment_status = $1, updated_at = NOW() WHERE id = $2 AND fulfillment_status = $3",
		models.FulfillmentStatusFailed, orderID, models.FulfillmentStatusPending)
	return err
}

// MarkOrderDelivered stamps the delivery timestamp after a successful send.
func (s *Store) MarkOrderDelivered(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET delivered_at = NOW(), updated_at = NOW() WHERE id = $1",
		orderID)
	return err
}

// ListExpiredPendingOrders returns unpaid orders whose reservation window has
// lapsed. The sweeper releases their codes and marks them failed.
func (s *Store) ListExpiredPendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE payment_status = $1 AND expires_at < $2 ORDER BY expires_at LIMIT $3",
		models.PaymentStatusPending, cutoff, limit)
	return orders, err
}

// CreatePaymentIntent persists a new payment intent in pending.
func (s *Store) CreatePaymentIntent(ctx context.Context, pi *models.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (id, order_id, provider, provider_ref,
			amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		pi.ID, pi.OrderID, pi.Provider, pi.ProviderRef, pi.Amount, pi.Currency, pi.Status)
	return row.Scan(&pi.CreatedAt, &pi.UpdatedAt)
}

// GetIntentByProviderRef looks up an intent by the provider's external id.
func (s *Store) GetIntentByProviderRef(ctx context.Context, provider, providerRef string) (*models.PaymentIntent, error) {
	var pi models.PaymentIntent
	err := s.db.GetContext(ctx, &pi,
		"SELECT * FROM payment_intents WHERE provider = $1 AND provider_ref = $2",
		provider, providerRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pi, nil
}

// GetSucceededIntentForOrder returns the order's succeeded intent, if any.
// Used by refunds to recover the provider reference.
func (s *Store) GetSucceededIntentForOrder(ctx context.Context, orderID string) (*models.PaymentIntent, error) {
	var pi models.PaymentIntent
	err := s.db.GetContext(ctx, &pi,
		"SELECT * FROM payment_intents WHERE order_id = $1 AND status = $2",
		orderID, models.IntentStatusSucceeded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pi, nil
}

// MarkIntentSucceeded moves a pending intent to succeeded. A partial unique
// index on (order_id) WHERE status = 'succeeded' backs the at-most-one
// succeeded intent per order invariant.
func (s *Store) MarkIntentSucceeded(ctx context.Context, intentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_intents SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		models.IntentStatusSucceeded, intentID, models.IntentStatusPending)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// MarkIntentFailed moves a pending intent to failed with a reason.
func (s *Store) MarkIntentFailed(ctx context.Context, intentID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_intents SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3 AND status = $4",
		models.IntentStatusFailed, reason, intentID, models.IntentStatusPending)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// CancelPendingIntentsForOrder cancels any intent still pending for an
// order. Called when the reservation window lapses; a webhook for a canceled
// intent can no longer complete the order.
func (s *Store) CancelPendingIntentsForOrder(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_intents SET status = $1, updated_at = NOW() WHERE order_id = $2 AND status = $3",
		models.IntentStatusCanceled, orderID, models.IntentStatusPending)
	return err
}

// IsEventProcessed checks if a webhook event has been processed.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks a webhook event as processed.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
