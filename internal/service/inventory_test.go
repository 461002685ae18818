package service

import (
	"context"
	"testing"

	"giftmarket/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "25", "50")

	t.Run("valid upload", func(t *testing.T) {
		uploads := []CodeUpload{
			{Denomination: decimal.RequireFromString("25"), Code: "AAAA-1111", PIN: "0001"},
			{Denomination: decimal.RequireFromString("50"), Code: "BBBB-2222"},
			{Denomination: decimal.RequireFromString("25"), Code: "CCCC-3333"},
		}
		n, err := env.inventory.UploadCodes(ctx, "acme", listing.ID, uploads, "ops")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		count, err := env.inventory.Available(ctx, listing.ID, decimal.RequireFromString("25"))
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		env.store.mu.Lock()
		stock := env.store.listings[listing.ID].TotalStock
		env.store.mu.Unlock()
		assert.Equal(t, 3, stock)
	})

	t.Run("denomination outside the listing rejects the batch", func(t *testing.T) {
		uploads := []CodeUpload{
			{Denomination: decimal.RequireFromString("25"), Code: "DDDD-4444"},
			{Denomination: decimal.RequireFromString("99"), Code: "EEEE-5555"},
		}
		_, err := env.inventory.UploadCodes(ctx, "acme", listing.ID, uploads, "ops")
		assert.ErrorIs(t, err, ErrInvalidDenomination)

		// Nothing from the rejected batch was inserted.
		count, err := env.store.CountAvailableCodes(ctx, listing.ID, decimal.RequireFromString("25"))
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("empty code value is rejected", func(t *testing.T) {
		uploads := []CodeUpload{{Denomination: decimal.RequireFromString("25"), Code: ""}}
		_, err := env.inventory.UploadCodes(ctx, "acme", listing.ID, uploads, "ops")
		assert.ErrorIs(t, err, ErrInvalidCodeUpload)
	})

	t.Run("unknown listing", func(t *testing.T) {
		_, err := env.inventory.UploadCodes(ctx, "acme", uuid.New().String(), nil, "ops")
		assert.ErrorIs(t, err, ErrListingNotFound)
	})

	t.Run("archived listing refuses uploads", func(t *testing.T) {
		archived := env.seedListing(t, "acme", "25")
		require.NoError(t, env.store.UpdateListingStatus(ctx, "acme", archived.ID, models.ListingStatusArchived))
		_, err := env.inventory.UploadCodes(ctx, "acme", archived.ID, []CodeUpload{
			{Denomination: decimal.RequireFromString("25"), Code: "FFFF-6666"},
		}, "ops")
		assert.ErrorIs(t, err, ErrListingNotActive)
	})
}

func TestAvailableFallsBackToDatabase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	denom := decimal.RequireFromString("100")
	seedCodes(env.store, "acme", listing.ID, denom, 4)

	// Cold cache: the count comes from the database and seeds the counter.
	count, err := env.inventory.Available(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	cached, found, err := env.cache.AvailableCount(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 4, cached)

	// Warm cache: served without touching the database count.
	require.NoError(t, env.cache.SetAvailableCount(ctx, listing.ID, denom, 7))
	count, err = env.inventory.Available(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestClaimBatchAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	denom := decimal.RequireFromString("100")
	seedCodes(env.store, "acme", listing.ID, denom, 2)

	_, err := env.inventory.ClaimBatch(ctx, listing.ID, denom, 3, "order-1")
	assert.ErrorIs(t, err, ErrInsufficientInventory)

	count, err := env.store.CountAvailableCodes(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "partial claims are rolled back")

	claimed, err := env.inventory.ClaimBatch(ctx, listing.ID, denom, 2, "order-2")
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, c := range claimed {
		assert.Equal(t, models.CodeStatusReserved, c.Status)
		require.NotNil(t, c.ReservedOrderID)
		assert.Equal(t, "order-2", *c.ReservedOrderID)
	}
}

func TestDeleteCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")
	denom := decimal.RequireFromString("100")
	codes := seedCodes(env.store, "acme", listing.ID, denom, 2)
	env.store.listings[listing.ID].TotalStock = 2

	require.NoError(t, env.inventory.DeleteCode(ctx, "acme", codes[0].ID, "ops"))

	count, err := env.store.CountAvailableCodes(ctx, listing.ID, denom)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Reserved codes are not deletable.
	_, err = env.inventory.ClaimBatch(ctx, listing.ID, denom, 1, "order-1")
	require.NoError(t, err)
	err = env.inventory.DeleteCode(ctx, "acme", codes[1].ID, "ops")
	assert.ErrorIs(t, err, ErrCodeNotDeletable)
}

func TestSetListingStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listing := env.seedListing(t, "acme", "100")

	require.NoError(t, env.inventory.SetListingStatus(ctx, "acme", listing.ID, models.ListingStatusArchived, "ops"))

	stored, err := env.store.GetListingByID(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusArchived, stored.Status)

	assert.ErrorIs(t, env.inventory.SetListingStatus(ctx, "acme", listing.ID, "retired", "ops"), ErrInvalidStatus)
	assert.ErrorIs(t, env.inventory.SetListingStatus(ctx, "acme", uuid.New().String(), models.ListingStatusActive, "ops"), ErrListingNotFound)
}

func TestCreateListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	listing, err := env.inventory.CreateListing(ctx, CreateListingInput{
		CompanyID:     "acme",
		Name:          "Steam Wallet",
		Denominations: models.Denominations{decimal.RequireFromString("20")},
		DiscountPct:   decimal.RequireFromString("5"),
		Currency:      "USD",
		ActorID:       "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusDraft, listing.Status, "new listings start in draft")
	assert.NotEmpty(t, listing.ID)

	_, err = env.inventory.CreateListing(ctx, CreateListingInput{CompanyID: "acme"})
	assert.ErrorIs(t, err, ErrInvalidListing)
}
