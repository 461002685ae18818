package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"giftmarket/internal/audit"
	"giftmarket/internal/models"
	"giftmarket/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InventoryService owns listings and their code pools: catalog mutations,
// bulk uploads, availability counts and the reservation primitives the order
// workflow builds on.
type InventoryService struct {
	store   Store
	cache   AvailabilityCache
	auditor audit.Recorder
	logger  *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(store Store, cache AvailabilityCache, auditor audit.Recorder, logger *zap.Logger) *InventoryService {
	return &InventoryService{
		store:   store,
		cache:   cache,
		auditor: auditor,
		logger:  logger,
	}
}

// CreateListingInput carries the catalog fields for a new listing.
type CreateListingInput struct {
	CompanyID      string
	Name           string
	Denominations  models.Denominations
	DiscountPct    decimal.Decimal
	SellerFeePct   decimal.Decimal
	SellerFeeFixed decimal.Decimal
	Currency       string
	AutoFulfill    bool
	ActorID        string
}

// CreateListing persists a new listing in draft status.
func (s *InventoryService) CreateListing(ctx context.Context, input CreateListingInput) (*models.Listing, error) {
	if input.Name == "" || len(input.Denominations) == 0 || input.Currency == "" {
		return nil, ErrInvalidListing
	}

	listing := &models.Listing{
		ID:             uuid.New().String(),
		CompanyID:      input.CompanyID,
		Name:           input.Name,
		Denominations:  input.Denominations,
		DiscountPct:    input.DiscountPct,
		SellerFeePct:   input.SellerFeePct,
		SellerFeeFixed: input.SellerFeeFixed,
		Currency:       input.Currency,
		Status:         models.ListingStatusDraft,
		AutoFulfill:    input.AutoFulfill,
	}

	if err := s.store.CreateListing(ctx, listing); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}

	s.auditor.Record(ctx, input.CompanyID, input.ActorID, "listing.created", "listing", listing.ID, nil)
	return listing, nil
}

var validListingStatuses = map[string]bool{
	models.ListingStatusDraft:      true,
	models.ListingStatusActive:     true,
	models.ListingStatusOutOfStock: true,
	models.ListingStatusArchived:   true,
}

// SetListingStatus performs an explicit lifecycle transition. Stock movements
// never change status; this is the only path that does.
func (s *InventoryService) SetListingStatus(ctx context.Context, companyID, listingID, status, actorID string) error {
	if !validListingStatuses[status] {
		return ErrInvalidStatus
	}

	listing, err := s.store.GetListing(ctx, companyID, listingID)
	if err != nil {
		return err
	}
	if listing == nil {
		return ErrListingNotFound
	}

	if err := s.store.UpdateListingStatus(ctx, companyID, listingID, status); err != nil {
		return err
	}

	s.auditor.Record(ctx, companyID, actorID, "listing.status_changed", "listing", listingID,
		map[string]string{"from": listing.Status, "to": status})
	return nil
}

// CodeUpload is one row of a bulk code upload.
type CodeUpload struct {
	Denomination decimal.Decimal
	Code         string
	PIN          string
	SerialNumber string
	ExpiresAt    *time.Time
}

// UploadCodes bulk-inserts codes into a listing's pool. Every row's
// denomination must be one the listing offers; a single bad row rejects the
// whole upload. Returns the number of codes inserted.
func (s *InventoryService) UploadCodes(ctx context.Context, companyID, listingID string, uploads []CodeUpload, actorID string) (int, error) {
	listing, err := s.store.GetListing(ctx, companyID, listingID)
	if err != nil {
		return 0, err
	}
	if listing == nil {
		return 0, ErrListingNotFound
	}
	if listing.Status == models.ListingStatusArchived {
		return 0, ErrListingNotActive
	}

	perDenom := make(map[string]int)
	codes := make([]models.InventoryCode, 0, len(uploads))
	for _, u := range uploads {
		if u.Code == "" {
			return 0, ErrInvalidCodeUpload
		}
		if !listing.Denominations.Contains(u.Denomination) {
			return 0, ErrInvalidDenomination
		}
		codes = append(codes, models.InventoryCode{
			ID:           uuid.New().String(),
			CompanyID:    companyID,
			ListingID:    listingID,
			Denomination: u.Denomination,
			Code:         u.Code,
			PIN:          u.PIN,
			SerialNumber: u.SerialNumber,
			Status:       models.CodeStatusAvailable,
			ExpiresAt:    u.ExpiresAt,
		})
		perDenom[u.Denomination.String()]++
	}
	if len(codes) == 0 {
		return 0, nil
	}

	if err := s.store.InsertCodes(ctx, codes); err != nil {
		return 0, fmt.Errorf("insert codes: %w", err)
	}
	if err := s.store.AdjustListingStock(ctx, listingID, len(codes), 0); err != nil {
		s.logger.Error("Failed to adjust listing stock after upload",
			zap.String("listing_id", listingID), zap.Error(err))
	}

	for denomStr, n := range perDenom {
		denom, _ := decimal.NewFromString(denomStr)
		if err := s.cache.IncrAvailable(ctx, listingID, denom, n); err != nil {
			s.logger.Warn("Failed to bump availability counter",
				zap.String("listing_id", listingID),
				zap.String("denomination", denomStr),
				zap.Error(err))
		}
	}

	s.auditor.Record(ctx, companyID, actorID, "inventory.codes_uploaded", "listing", listingID,
		map[string]string{"count": strconv.Itoa(len(codes))})
	return len(codes), nil
}

// DeleteCode removes a never-sold code from the pool. Reserved and sold codes
// are refused.
func (s *InventoryService) DeleteCode(ctx context.Context, companyID, codeID, actorID string) error {
	code, err := s.store.DeleteAvailableCode(ctx, companyID, codeID)
	if err != nil {
		return err
	}
	if code == nil {
		return ErrCodeNotDeletable
	}

	if err := s.store.AdjustListingStock(ctx, code.ListingID, -1, 0); err != nil {
		s.logger.Error("Failed to adjust listing stock after delete",
			zap.String("listing_id", code.ListingID), zap.Error(err))
	}
	if err := s.cache.DecrAvailable(ctx, code.ListingID, code.Denomination, 1); err != nil {
		s.logger.Warn("Failed to drop availability counter",
			zap.String("listing_id", code.ListingID), zap.Error(err))
	}

	s.auditor.Record(ctx, companyID, actorID, "inventory.code_deleted", "inventory_code", codeID, nil)
	return nil
}

// Available returns the purchasable count for a listing and denomination,
// serving from the Redis counter when it is warm and falling back to the
// database count otherwise. The database is always authoritative; a stale
// counter only costs an extra claim attempt at checkout.
func (s *InventoryService) Available(ctx context.Context, listingID string, denomination decimal.Decimal) (int, error) {
	count, found, err := s.cache.AvailableCount(ctx, listingID, denomination)
	if err != nil {
		s.logger.Warn("Availability cache read failed, falling back to database",
			zap.String("listing_id", listingID), zap.Error(err))
	} else if found {
		return count, nil
	}

	count, err = s.store.CountAvailableCodes(ctx, listingID, denomination)
	if err != nil {
		return 0, err
	}
	if err := s.cache.SetAvailableCount(ctx, listingID, denomination, count); err != nil {
		s.logger.Warn("Failed to seed availability counter",
			zap.String("listing_id", listingID), zap.Error(err))
	}
	return count, nil
}

// ClaimBatch reserves exactly quantity codes for an order, or none at all.
// Each unit is claimed through the atomic claim-and-flip; on shortfall every
// code claimed so far is released before ErrInsufficientInventory is
// returned, so a failed reservation leaves no residue.
func (s *InventoryService) ClaimBatch(ctx context.Context, listingID string, denomination decimal.Decimal, quantity int, orderID string) ([]models.InventoryCode, error) {
	timer := time.Now()
	claimed := make([]models.InventoryCode, 0, quantity)

	for i := 0; i < quantity; i++ {
		code, err := s.store.ClaimAvailableCode(ctx, listingID, denomination, orderID)
		if err != nil {
			s.releaseClaimed(ctx, claimed)
			util.ReservationsFailedTotal.WithLabelValues("store_error").Inc()
			return nil, fmt.Errorf("claim code: %w", err)
		}
		if code == nil {
			s.releaseClaimed(ctx, claimed)
			util.ReservationsFailedTotal.WithLabelValues("insufficient").Inc()
			return nil, ErrInsufficientInventory
		}
		claimed = append(claimed, *code)
	}

	util.CodesReservedTotal.Add(float64(quantity))
	util.ReserveLatency.Observe(time.Since(timer).Seconds())

	if err := s.cache.DecrAvailable(ctx, listingID, denomination, quantity); err != nil {
		s.logger.Warn("Failed to drop availability counter after claim",
			zap.String("listing_id", listingID), zap.Error(err))
	}
	return claimed, nil
}

func (s *InventoryService) releaseClaimed(ctx context.Context, claimed []models.InventoryCode) {
	for _, code := range claimed {
		if err := s.store.ReleaseCode(ctx, code.ID); err != nil {
			s.logger.Error("Failed to release claimed code during rollback",
				zap.String("code_id", code.ID), zap.Error(err))
		}
	}
	util.CodesReleasedTotal.Add(float64(len(claimed)))
}

// ReleaseForOrder returns every code still reserved by an order to the pool.
// Used by payment-failure compensation and the expiry sweeper.
func (s *InventoryService) ReleaseForOrder(ctx context.Context, order *models.Order) (int, error) {
	released, err := s.store.ReleaseCodesForOrder(ctx, order.ID)
	if err != nil {
		return 0, err
	}
	if released == 0 {
		return 0, nil
	}

	util.CodesReleasedTotal.Add(float64(released))
	if err := s.cache.IncrAvailable(ctx, order.ListingID, order.Denomination, released); err != nil {
		s.logger.Warn("Failed to restore availability counter after release",
			zap.String("listing_id", order.ListingID), zap.Error(err))
	}
	return released, nil
}
