package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Listing statuses
const (
	ListingStatusDraft      = "draft"
	ListingStatusActive     = "active"
	ListingStatusOutOfStock = "out_of_stock"
	ListingStatusArchived   = "archived"
)

// Inventory code statuses
const (
	CodeStatusAvailable = "available"
	CodeStatusReserved  = "reserved"
	CodeStatusSold      = "sold"
)

// Order payment statuses
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
)

// Order fulfillment statuses
const (
	FulfillmentStatusPending   = "pending"
	FulfillmentStatusFulfilled = "fulfilled"
	FulfillmentStatusFailed    = "failed"
)

// Payment intent statuses
const (
	IntentStatusPending   = "pending"
	IntentStatusSucceeded = "succeeded"
	IntentStatusFailed    = "failed"
	IntentStatusCanceled  = "canceled"
)

// Payment methods
const (
	PaymentMethodStripe = "stripe"
	PaymentMethodPayPal = "paypal"
	PaymentMethodCrypto = "crypto"
	PaymentMethodPGPay  = "pgpay"
)

// Denominations is the set of face values a listing sells, stored as JSONB.
type Denominations []decimal.Decimal

func (d Denominations) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *Denominations) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("denominations: unexpected type %T", src)
	}
	return json.Unmarshal(b, d)
}

// Contains reports whether v is one of the allowed denominations.
func (d Denominations) Contains(v decimal.Decimal) bool {
	for _, denom := range d {
		if denom.Equal(v) {
			return true
		}
	}
	return false
}

// Listing is a sellable gift card product owned by a company.
type Listing struct {
	ID             string          `db:"id" json:"id"`
	CompanyID      string          `db:"company_id" json:"company_id"`
	Name           string          `db:"name" json:"name"`
	Denominations  Denominations   `db:"denominations" json:"denominations"`
	DiscountPct    decimal.Decimal `db:"discount_pct" json:"discount_pct"`
	SellerFeePct   decimal.Decimal `db:"seller_fee_pct" json:"seller_fee_pct"`
	SellerFeeFixed decimal.Decimal `db:"seller_fee_fixed" json:"seller_fee_fixed"`
	Currency       string          `db:"currency" json:"currency"`
	Status         string          `db:"status" json:"status"`
	TotalStock     int             `db:"total_stock" json:"total_stock"`
	SoldCount      int             `db:"sold_count" json:"sold_count"`
	AutoFulfill    bool            `db:"auto_fulfill" json:"auto_fulfill"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// InventoryCode is one redeemable secret. The code value and PIN never leave
// the API except inside a fulfilled order's delivered codes.
type InventoryCode struct {
	ID              string          `db:"id" json:"id"`
	CompanyID       string          `db:"company_id" json:"company_id"`
	ListingID       string          `db:"listing_id" json:"listing_id"`
	Denomination    decimal.Decimal `db:"denomination" json:"denomination"`
	Code            string          `db:"code" json:"-"`
	PIN             string          `db:"pin" json:"-"`
	SerialNumber    string          `db:"serial_number" json:"serial_number,omitempty"`
	Status          string          `db:"status" json:"status"`
	ExpiresAt       *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	ReservedOrderID *string         `db:"reserved_order_id" json:"-"`
	SoldOrderID     *string         `db:"sold_order_id" json:"sold_order_id,omitempty"`
	SoldTo          *string         `db:"sold_to" json:"-"`
	SoldAt          *time.Time      `db:"sold_at" json:"sold_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// DeliveredCode is the buyer-facing view of a sold code attached to an order.
type DeliveredCode struct {
	Code         string          `json:"code"`
	PIN          string          `json:"pin,omitempty"`
	SerialNumber string          `json:"serial_number,omitempty"`
	Denomination decimal.Decimal `json:"denomination"`
}

// DeliveredCodes is stored on the order row as JSONB, populated only at
// fulfillment time.
type DeliveredCodes []DeliveredCode

func (c DeliveredCodes) Value() (driver.Value, error) {
	if c == nil {
		return json.Marshal(DeliveredCodes{})
	}
	return json.Marshal(c)
}

func (c *DeliveredCodes) Scan(src interface{}) error {
	if src == nil {
		*c = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("delivered codes: unexpected type %T", src)
	}
	return json.Unmarshal(b, c)
}

// Order is one checkout transaction. Pricing fields are computed once at
// checkout and never recomputed from the listing afterwards.
type Order struct {
	ID                string          `db:"id" json:"id"`
	CompanyID         string          `db:"company_id" json:"company_id"`
	ListingID         string          `db:"listing_id" json:"listing_id"`
	Denomination      decimal.Decimal `db:"denomination" json:"denomination"`
	Quantity          int             `db:"quantity" json:"quantity"`
	PricePerUnit      decimal.Decimal `db:"price_per_unit" json:"price_per_unit"`
	Subtotal          decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount          decimal.Decimal `db:"discount" json:"discount"`
	SellerFee         decimal.Decimal `db:"seller_fee" json:"seller_fee"`
	Total             decimal.Decimal `db:"total" json:"total"`
	Currency          string          `db:"currency" json:"currency"`
	BuyerName         string          `db:"buyer_name" json:"buyer_name"`
	BuyerEmail        string          `db:"buyer_email" json:"buyer_email"`
	DeliveryEmail     string          `db:"delivery_email" json:"delivery_email"`
	PaymentMethod     string          `db:"payment_method" json:"payment_method"`
	PaymentStatus     string          `db:"payment_status" json:"payment_status"`
	FulfillmentStatus string          `db:"fulfillment_status" json:"fulfillment_status"`
	DeliveredCodes    DeliveredCodes  `db:"delivered_codes" json:"delivered_codes,omitempty"`
	ExpiresAt         time.Time       `db:"expires_at" json:"expires_at"`
	FulfilledAt       *time.Time      `db:"fulfilled_at" json:"fulfilled_at,omitempty"`
	FulfilledBy       *string         `db:"fulfilled_by" json:"fulfilled_by,omitempty"`
	DeliveredAt       *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// PaymentIntent tracks one attempt to collect payment for an order via an
// external provider. At most one intent per order ever reaches succeeded.
type PaymentIntent struct {
	ID            string          `db:"id" json:"id"`
	OrderID       string          `db:"order_id" json:"order_id"`
	Provider      string          `db:"provider" json:"provider"`
	ProviderRef   string          `db:"provider_ref" json:"provider_ref"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Currency      string          `db:"currency" json:"currency"`
	Status        string          `db:"status" json:"status"`
	FailureReason *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// ProcessedEvent records a provider webhook event id for redelivery dedup.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
