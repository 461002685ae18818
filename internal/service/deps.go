package service

import (
	"context"
	"time"

	"giftmarket/internal/models"

	"github.com/shopspring/decimal"
)

// Store is the persistence surface the order workflow depends on. The
// Postgres store satisfies it; tests substitute an in-memory fake.
type Store interface {
	CreateListing(ctx context.Context, l *models.Listing) error
	GetListing(ctx context.Context, companyID, listingID string) (*models.Listing, error)
	GetListingByID(ctx context.Context, listingID string) (*models.Listing, error)
	UpdateListingStatus(ctx context.Context, companyID, listingID, status string) error
	AdjustListingStock(ctx context.Context, listingID string, stockDelta, soldDelta int) error

	InsertCodes(ctx context.Context, codes []models.InventoryCode) error
	CountAvailableCodes(ctx context.Context, listingID string, denomination decimal.Decimal) (int, error)
	ClaimAvailableCode(ctx context.Context, listingID string, denomination decimal.Decimal, orderID string) (*models.InventoryCode, error)
	ReleaseCode(ctx context.Context, codeID string) error
	ReleaseCodesForOrder(ctx context.Context, orderID string) (int, error)
	FinalizeCode(ctx context.Context, codeID, orderID, buyer string) error
	GetReservedCodesForOrder(ctx context.Context, orderID string) ([]models.InventoryCode, error)
	DeleteAvailableCode(ctx context.Context, companyID, codeID string) (*models.InventoryCode, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, companyID, orderID string) (*models.Order, error)
	GetOrderByID(ctx context.Context, orderID string) (*models.Order, error)
	MarkPaymentProcessing(ctx context.Context, orderID string) (bool, error)
	MarkPaymentCompleted(ctx context.Context, orderID string) (bool, error)
	MarkPaymentFailed(ctx context.Context, orderID string) (bool, error)
	MarkPaymentRefunded(ctx context.Context, orderID string) (bool, error)
	MarkOrderFulfilled(ctx context.Context, orderID string, codes models.DeliveredCodes, actorID string) (bool, error)
	MarkFulfillmentFailed(ctx context.Context, orderID string) error
	MarkOrderDelivered(ctx context.Context, orderID string) error
	ListExpiredPendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)

	CreatePaymentIntent(ctx context.Context, pi *models.PaymentIntent) error
	GetIntentByProviderRef(ctx context.Context, provider, providerRef string) (*models.PaymentIntent, error)
	GetSucceededIntentForOrder(ctx context.Context, orderID string) (*models.PaymentIntent, error)
	MarkIntentSucceeded(ctx context.Context, intentID string) (bool, error)
	MarkIntentFailed(ctx context.Context, intentID, reason string) (bool, error)
	CancelPendingIntentsForOrder(ctx context.Context, orderID string) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// AvailabilityCache is the Redis-backed fast path for stock counters and
// webhook dedup. Every method failure is survivable: callers log and fall
// back to the database.
type AvailabilityCache interface {
	AvailableCount(ctx context.Context, listingID string, denomination decimal.Decimal) (count int, found bool, err error)
	SetAvailableCount(ctx context.Context, listingID string, denomination decimal.Decimal, count int) error
	IncrAvailable(ctx context.Context, listingID string, denomination decimal.Decimal, n int) error
	DecrAvailable(ctx context.Context, listingID string, denomination decimal.Decimal, n int) error

	IsEventSeen(ctx context.Context, provider, eventID string) (bool, error)
	MarkEventSeen(ctx context.Context, provider, eventID string, ttl time.Duration) error
}

// Publisher emits order lifecycle events to the order topic. Publishing is
// never on the critical path of a state transition.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error
	PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error
	PublishDeliveryFailed(ctx context.Context, event *models.DeliveryFailedEvent) error
}
