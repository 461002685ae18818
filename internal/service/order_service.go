package service

import (
	"context"
	"fmt"
	"time"

	"giftmarket/internal/audit"
	"giftmarket/internal/models"
	"giftmarket/internal/notify"
	"giftmarket/internal/payment"
	"giftmarket/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService drives the order lifecycle: checkout with inventory
// reservation, webhook-driven payment transitions, fulfillment, delivery and
// refunds.
type OrderService struct {
	store     Store
	cache     AvailabilityCache
	inventory *InventoryService
	providers payment.Registry
	publisher Publisher
	auditor   audit.Recorder
	sender    notify.Sender
	logger    *zap.Logger

	reservationWindow   time.Duration
	deliveryMaxAttempts int
}

// NewOrderService creates a new order service
func NewOrderService(
	store Store,
	cache AvailabilityCache,
	inventory *InventoryService,
	providers payment.Registry,
	publisher Publisher,
	auditor audit.Recorder,
	sender notify.Sender,
	logger *zap.Logger,
	reservationWindow time.Duration,
	deliveryMaxAttempts int,
) *OrderService {
	return &OrderService{
		store:               store,
		cache:               cache,
		inventory:           inventory,
		providers:           providers,
		publisher:           publisher,
		auditor:             auditor,
		sender:              sender,
		logger:              logger,
		reservationWindow:   reservationWindow,
		deliveryMaxAttempts: deliveryMaxAttempts,
	}
}

// CheckoutInput is a buyer's checkout request.
type CheckoutInput struct {
	CompanyID     string
	ListingID     string
	Denomination  decimal.Decimal
	Quantity      int
	BuyerName     string
	BuyerEmail    string
	DeliveryEmail string
	PaymentMethod string
}

// CheckoutResult is the order plus the provider-side handle the buyer needs
// to complete payment.
type CheckoutResult struct {
	Order   *models.Order
	Payment *payment.Initiation
}

// Checkout validates the request, prices it, persists a pending order,
// reserves inventory all-or-nothing and initiates payment with the selected
// provider. A provider failure releases the reservation and fails the order;
// the buyer can retry with a fresh checkout.
func (s *OrderService) Checkout(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Checkout")
	defer span.End()

	if input.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	listing, err := s.store.GetListing(ctx, input.CompanyID, input.ListingID)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	if listing == nil {
		return nil, ErrListingNotFound
	}
	if listing.Status != models.ListingStatusActive {
		return nil, ErrListingNotActive
	}
	if !listing.Denominations.Contains(input.Denomination) {
		return nil, ErrInvalidDenomination
	}

	provider, ok := s.providers.Lookup(input.PaymentMethod)
	if !ok {
		return nil, ErrUnsupportedPaymentMethod
	}

	// Fast pre-check against the cached counter. The claim loop below is
	// the authoritative gate; this only rejects obviously hopeless orders
	// before a row is written.
	available, err := s.inventory.Available(ctx, listing.ID, input.Denomination)
	if err == nil && available < input.Quantity {
		util.OrdersFailedTotal.WithLabelValues("insufficient_inventory").Inc()
		return nil, ErrInsufficientInventory
	}

	quote := PriceOrder(listing, input.Denomination, input.Quantity)

	order := &models.Order{
		ID:                uuid.New().String(),
		CompanyID:         input.CompanyID,
		ListingID:         listing.ID,
		Denomination:      input.Denomination,
		Quantity:          input.Quantity,
		PricePerUnit:      quote.PricePerUnit,
		Subtotal:          quote.Subtotal,
		Discount:          quote.Discount,
		SellerFee:         quote.SellerFee,
		Total:             quote.Total,
		Currency:          listing.Currency,
		BuyerName:         input.BuyerName,
		BuyerEmail:        input.BuyerEmail,
		DeliveryEmail:     input.DeliveryEmail,
		PaymentMethod:     input.PaymentMethod,
		PaymentStatus:     models.PaymentStatusPending,
		FulfillmentStatus: models.FulfillmentStatusPending,
		ExpiresAt:         time.Now().UTC().Add(s.reservationWindow),
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if _, err := s.inventory.ClaimBatch(ctx, listing.ID, input.Denomination, input.Quantity, order.ID); err != nil {
		if _, markErr := s.store.MarkPaymentFailed(ctx, order.ID); markErr != nil {
			s.logger.Error("Failed to fail order after reservation shortfall",
				zap.String("order_id", order.ID), zap.Error(markErr))
		}
		util.OrdersFailedTotal.WithLabelValues("insufficient_inventory").Inc()
		return nil, err
	}

	initiation, err := provider.CreateIntent(ctx, order)
	if err != nil {
		s.rollbackCheckout(ctx, order)
		util.OrdersFailedTotal.WithLabelValues("payment_initiation").Inc()
		s.logger.Error("Payment initiation failed",
			zap.String("order_id", order.ID),
			zap.String("provider", provider.Name()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPaymentInitiation, err)
	}

	intent := &models.PaymentIntent{
		ID:          uuid.New().String(),
		OrderID:     order.ID,
		Provider:    provider.Name(),
		ProviderRef: initiation.ProviderRef,
		Amount:      order.Total,
		Currency:    order.Currency,
		Status:      models.IntentStatusPending,
	}
	if err := s.store.CreatePaymentIntent(ctx, intent); err != nil {
		s.rollbackCheckout(ctx, order)
		util.OrdersFailedTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	util.PaymentIntentsTotal.WithLabelValues(provider.Name()).Inc()

	s.auditor.Record(ctx, order.CompanyID, order.BuyerEmail, "order.created", "order", order.ID,
		map[string]string{"listing_id": order.ListingID, "total": order.Total.String()})

	event := &models.OrderCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderCreated),
		OrderID:       order.ID,
		CompanyID:     order.CompanyID,
		ListingID:     order.ListingID,
		Denomination:  order.Denomination,
		Quantity:      order.Quantity,
		Total:         order.Total,
		Currency:      order.Currency,
		PaymentMethod: order.PaymentMethod,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Warn("Failed to publish order created event",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	return &CheckoutResult{Order: order, Payment: initiation}, nil
}

// rollbackCheckout compensates a checkout that reserved inventory but could
// not reach a payable state.
func (s *OrderService) rollbackCheckout(ctx context.Context, order *models.Order) {
	if _, err := s.inventory.ReleaseForOrder(ctx, order); err != nil {
		s.logger.Error("Failed to release reservation during checkout rollback",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	if _, err := s.store.MarkPaymentFailed(ctx, order.ID); err != nil {
		s.logger.Error("Failed to fail order during checkout rollback",
			zap.String("order_id", order.ID), zap.Error(err))
	}
}

// GetOrder returns an order scoped to its owning company.
func (s *OrderService) GetOrder(ctx context.Context, companyID, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, companyID, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// Refund refunds a completed order with its payment provider and marks it
// refunded. Only completed orders qualify; a second attempt finds the order
// already refunded and fails with ErrOrderNotRefundable.
func (s *OrderService) Refund(ctx context.Context, companyID, orderID, actorID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Refund")
	defer span.End()

	order, err := s.store.GetOrder(ctx, companyID, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.PaymentStatus != models.PaymentStatusCompleted {
		return nil, ErrOrderNotRefundable
	}

	intent, err := s.store.GetSucceededIntentForOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, ErrOrderNotRefundable
	}

	provider, ok := s.providers.Lookup(intent.Provider)
	if !ok {
		return nil, ErrUnsupportedPaymentMethod
	}
	if err := provider.Refund(ctx, intent.ProviderRef, order.Total, order.Currency, reason); err != nil {
		return nil, fmt.Errorf("provider refund: %w", err)
	}

	moved, err := s.store.MarkPaymentRefunded(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if !moved {
		// A concurrent refund won the conditional update after the
		// provider call. The money moved once either way.
		return nil, ErrOrderNotRefundable
	}

	util.OrdersRefundedTotal.Inc()
	s.auditor.Record(ctx, companyID, actorID, "order.refunded", "order", order.ID,
		map[string]string{"amount": order.Total.String(), "reason": reason})

	event := &models.OrderRefundedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderRefunded),
		OrderID:   order.ID,
		CompanyID: order.CompanyID,
		Amount:    order.Total,
		Currency:  order.Currency,
		Reason:    reason,
	}
	if err := s.publisher.PublishOrderRefunded(ctx, event); err != nil {
		s.logger.Warn("Failed to publish order refunded event",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	order.PaymentStatus = models.PaymentStatusRefunded
	return order, nil
}

// ReleaseExpiredOrders fails pending orders whose reservation window lapsed
// and returns their codes to the pool. Called by the expiry sweeper. Returns
// the number of orders released.
func (s *OrderService) ReleaseExpiredOrders(ctx context.Context, limit int) (int, error) {
	orders, err := s.store.ListExpiredPendingOrders(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired orders: %w", err)
	}

	released := 0
	for i := range orders {
		order := &orders[i]

		// The conditional update loses to a concurrent payment webhook,
		// in which case the order is no longer abandoned.
		moved, err := s.store.MarkPaymentFailed(ctx, order.ID)
		if err != nil {
			s.logger.Error("Failed to expire order",
				zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		if !moved {
			continue
		}

		if _, err := s.inventory.ReleaseForOrder(ctx, order); err != nil {
			s.logger.Error("Failed to release codes for expired order",
				zap.String("order_id", order.ID), zap.Error(err))
		}
		if err := s.store.CancelPendingIntentsForOrder(ctx, order.ID); err != nil {
			s.logger.Error("Failed to cancel pending intents for expired order",
				zap.String("order_id", order.ID), zap.Error(err))
		}

		util.OrdersExpiredTotal.Inc()
		s.auditor.Record(ctx, order.CompanyID, "system", "order.expired", "order", order.ID, nil)
		released++
	}
	return released, nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
