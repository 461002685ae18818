package service

import "errors"

// Sentinel errors returned by the order workflow. The API layer maps these to
// HTTP statuses; everything else surfaces as an internal error.
var (
	ErrListingNotFound     = errors.New("listing not found")
	ErrListingNotActive    = errors.New("listing is not active")
	ErrInvalidDenomination = errors.New("denomination not offered by listing")
	ErrInvalidQuantity     = errors.New("quantity must be at least 1")
	ErrInvalidStatus       = errors.New("invalid listing status")
	ErrInvalidListing      = errors.New("listing requires a name, denominations and a currency")

	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidCodeUpload     = errors.New("code upload rows require a code value")
	ErrCodeNotDeletable      = errors.New("code is reserved or sold and cannot be deleted")

	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrPaymentInitiation        = errors.New("payment initiation failed")

	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotPaid        = errors.New("order payment is not completed")
	ErrOrderNotFulfillable = errors.New("order is not awaiting fulfillment")
	ErrReservationMismatch = errors.New("reserved codes do not match order quantity")
	ErrOrderNotRefundable  = errors.New("order is not refundable")
)
