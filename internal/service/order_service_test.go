package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"giftmarket/internal/audit"
	"giftmarket/internal/models"
	"giftmarket/internal/payment"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	store     *memStore
	cache     *memCache
	publisher *memPublisher
	sender    *fakeSender
	provider  *fakeProvider
	inventory *InventoryService
	orders    *OrderService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	cache := newMemCache()
	publisher := &memPublisher{}
	sender := &fakeSender{}
	provider := &fakeProvider{name: models.PaymentMethodStripe}
	logger := zap.NewNop()

	inventory := NewInventoryService(store, cache, audit.NopRecorder{}, logger)
	orders := NewOrderService(store, cache, inventory, payment.NewRegistry(provider),
		publisher, audit.NopRecorder{}, sender, logger, 30*time.Minute, 3)

	return &testEnv{
		store:     store,
		cache:     cache,
		publisher: publisher,
		sender:    sender,
		provider:  provider,
		inventory: inventory,
		orders:    orders,
	}
}

func (e *testEnv) seedListing(t *testing.T, companyID string, denoms ...string) *models.Listing {
	t.Helper()
	dd := make(models.Denominations, 0, len(denoms))
	for _, d := range denoms {
		dd = append(dd, decimal.RequireFromString(d))
	}
	listing := &models.Listing{
		ID:            uuid.New().String(),
		CompanyID:     companyID,
		Name:          "Acme Gift Card",
		Denominations: dd,
		DiscountPct:   decimal.RequireFromString("10"),
		Currency:      "USD",
		Status:        models.ListingStatusActive,
		AutoFulfill:   true,
	}
	require.NoError(t, e.store.CreateListing(context.Background(), listing))
	return listing
}

func checkoutInput(listing *models.Listing, denom string, qty int) CheckoutInput {
	return CheckoutInput{
		CompanyID:     listing.CompanyID,
		ListingID:     listing.ID,
		Denomination:  decimal.RequireFromString(denom),
		Quantity:      qty,
		BuyerName:     "Ada",
		BuyerEmail:    "ada@example.com",
		DeliveryEmail: "ada@example.com",
		PaymentMethod: models.PaymentMethodStripe,
	}
}

func TestCheckoutValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	seedCodes(env.store, "acme", listing.ID, decimal.RequireFromString("100"), 5)

	t.Run("unknown listing", func(t *testing.T) {
		input := checkoutInput(listing, "100", 1)
		input.ListingID = uuid.New().String()
		_, err := env.orders.Checkout(ctx, input)
		assert.ErrorIs(t, err, ErrListingNotFound)
	})

	t.Run("wrong tenant", func(t *testing.T) {
		input := checkoutInput(listing, "100", 1)
		input.CompanyID = "other"
		_, err := env.orders.Checkout(ctx, input)
		assert.ErrorIs(t, err, ErrListingNotFound)
	})

	t.Run("inactive listing", func(t *testing.T) {
		draft := env.seedListing(t, "acme", "100")
		draft.Status = models.ListingStatusDraft
		require.NoError(t, env.store.UpdateListingStatus(ctx, "acme", draft.ID, models.ListingStatusDraft))
		_, err := env.orders.Checkout(ctx, checkoutInput(draft, "100", 1))
		assert.ErrorIs(t, err, ErrListingNotActive)
	})

	t.Run("denomination not offered", func(t *testing.T) {
		_, err := env.orders.Checkout(ctx, checkoutInput(listing, "75", 1))
		assert.ErrorIs(t, err, ErrInvalidDenomination)
	})

	t.Run("zero quantity", func(t *testing.T) {
		_, err := env.orders.Checkout(ctx, checkoutInput(listing, "100", 0))
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})

	t.Run("unsupported payment method", func(t *testing.T) {
		input := checkoutInput(listing, "100", 1)
		input.PaymentMethod = "barter"
		_, err := env.orders.Checkout(ctx, input)
		assert.ErrorIs(t, err, ErrUnsupportedPaymentMethod)
	})
}

func TestCheckoutHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	seedCodes(env.store, "acme", listing.ID, decimal.RequireFromString("100"), 5)

	result, err := env.orders.Checkout(ctx, checkoutInput(listing, "100", 3))
	require.NoError(t, err)

	order := result.Order
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, models.FulfillmentStatusPending, order.FulfillmentStatus)
	assert.Equal(t, "270.00", order.Total.StringFixed(2))
	assert.Equal(t, "300.00", order.Subtotal.StringFixed(2))
	assert.Equal(t, "30.00", order.Discount.StringFixed(2))
	assert.True(t, order.ExpiresAt.After(time.Now()))

	assert.Equal(t, "ref-"+order.ID, result.Payment.ProviderRef)
	assert.NotEmpty(t, result.Payment.ClientSecret)

	// Exactly quantity codes reserved, stamped with the order id.
	reserved, err := env.store.GetReservedCodesForOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, reserved, 3)

	remaining, err := env.store.CountAvailableCodes(ctx, listing.ID, decimal.RequireFromString("100"))
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	intent, err := env.store.GetIntentByProviderRef(ctx, models.PaymentMethodStripe, "ref-"+order.ID)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, models.IntentStatusPending, intent.Status)
	assert.True(t, intent.Amount.Equal(order.Total))

	require.Len(t, env.publisher.created, 1)
	assert.Equal(t, order.ID, env.publisher.created[0].OrderID)
}

func TestCheckoutInsufficientInventoryAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	denom := decimal.RequireFromString("100")
	seedCodes(env.store, "acme", listing.ID, denom, 2)
	// Stale counter claims more stock than the pool holds; the claim loop
	// must still refuse and roll back cleanly.
	require.NoError(t, env.cache.SetAvailableCount(ctx, listing.ID, denom, 10))

	_, err := env.orders.Checkout(ctx, checkoutInput(listing, "100", 3))
	assert.ErrorIs(t, err, ErrInsufficientInventory)

	// Nothing stays reserved after the rollback.
	remaining, err := env.store.CountAvailableCodes(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestCheckoutLastCodeRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	denom := decimal.RequireFromString("100")
	seedCodes(env.store, "acme", listing.ID, denom, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.orders.Checkout(ctx, checkoutInput(listing, "100", 1))
		}(i)
	}
	wg.Wait()

	var successes, shortfalls int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientInventory):
			shortfalls++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one checkout wins the last code")
	assert.Equal(t, 1, shortfalls)

	remaining, err := env.store.CountAvailableCodes(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestCheckoutProviderFailureReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	denom := decimal.RequireFromString("100")
	seedCodes(env.store, "acme", listing.ID, denom, 5)
	env.provider.createErr = errors.New("gateway timeout")

	_, err := env.orders.Checkout(ctx, checkoutInput(listing, "100", 2))
	require.ErrorIs(t, err, ErrPaymentInitiation)

	// Reservation rolled back, order failed, pool intact.
	remaining, err := env.store.CountAvailableCodes(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)

	for _, o := range env.store.orders {
		assert.Equal(t, models.PaymentStatusFailed, o.PaymentStatus)
	}
}

func TestRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	seedCodes(env.store, "acme", listing.ID, decimal.RequireFromString("100"), 5)

	result, err := env.orders.Checkout(ctx, checkoutInput(listing, "100", 1))
	require.NoError(t, err)
	orderID := result.Order.ID

	t.Run("pending order is not refundable", func(t *testing.T) {
		_, err := env.orders.Refund(ctx, "acme", orderID, "ops", "changed mind")
		assert.ErrorIs(t, err, ErrOrderNotRefundable)
	})

	// Complete the payment through the webhook path.
	ev := &payment.Event{ID: "evt-1", Type: payment.EventPaymentSucceeded, ProviderRef: "ref-" + orderID}
	require.NoError(t, env.orders.ApplyProviderEvent(ctx, models.PaymentMethodStripe, ev))

	t.Run("completed order refunds once", func(t *testing.T) {
		refunded, err := env.orders.Refund(ctx, "acme", orderID, "ops", "defective code")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusRefunded, refunded.PaymentStatus)
		assert.Equal(t, 1, env.provider.refunds)
		assert.True(t, env.provider.lastRefund.Equal(refunded.Total))
		require.Len(t, env.publisher.refunded, 1)
	})

	t.Run("second refund is refused", func(t *testing.T) {
		_, err := env.orders.Refund(ctx, "acme", orderID, "ops", "again")
		assert.ErrorIs(t, err, ErrOrderNotRefundable)
		assert.Equal(t, 1, env.provider.refunds, "provider must not be charged twice")
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := env.orders.Refund(ctx, "acme", uuid.New().String(), "ops", "x")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestReleaseExpiredOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	denom := decimal.RequireFromString("100")
	seedCodes(env.store, "acme", listing.ID, denom, 3)

	result, err := env.orders.Checkout(ctx, checkoutInput(listing, "100", 2))
	require.NoError(t, err)

	// Backdate the reservation window.
	env.store.mu.Lock()
	env.store.orders[result.Order.ID].ExpiresAt = time.Now().Add(-time.Minute)
	env.store.mu.Unlock()

	released, err := env.orders.ReleaseExpiredOrders(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	remaining, err := env.store.CountAvailableCodes(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining, "expired order returns its codes to the pool")

	order, err := env.store.GetOrderByID(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, order.PaymentStatus)

	// The provider-side intent can no longer complete the order.
	intent, err := env.store.GetIntentByProviderRef(ctx, models.PaymentMethodStripe, "ref-"+order.ID)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, models.IntentStatusCanceled, intent.Status)

	// A second sweep finds nothing.
	released, err = env.orders.ReleaseExpiredOrders(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}
