package service

import (
	"giftmarket/internal/models"

	"github.com/shopspring/decimal"
)

// Quote is the pricing breakdown computed once at checkout and frozen onto
// the order. All amounts carry two decimal places.
type Quote struct {
	PricePerUnit decimal.Decimal
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	SellerFee    decimal.Decimal
	Total        decimal.Decimal
}

var oneHundred = decimal.NewFromInt(100)

// PriceOrder computes the quote for buying quantity codes of the given
// denomination under the listing's discount and fee terms.
//
// The discount is taken off the face value; the seller fee (percentage plus
// fixed) is added on top of the subtotal. Each line is rounded to cents
// independently so the stored breakdown always sums to the stored total.
func PriceOrder(listing *models.Listing, denomination decimal.Decimal, quantity int) Quote {
	qty := decimal.NewFromInt(int64(quantity))

	discountRate := listing.DiscountPct.Div(oneHundred)
	feeRate := listing.SellerFeePct.Div(oneHundred)

	pricePerUnit := denomination.Mul(decimal.NewFromInt(1).Sub(discountRate)).Round(2)
	subtotal := denomination.Mul(qty).Round(2)
	discount := subtotal.Mul(discountRate).Round(2)
	sellerFee := subtotal.Mul(feeRate).Add(listing.SellerFeeFixed).Round(2)
	total := subtotal.Sub(discount).Add(sellerFee).Round(2)

	return Quote{
		PricePerUnit: pricePerUnit,
		Subtotal:     subtotal,
		Discount:     discount,
		SellerFee:    sellerFee,
		Total:        total,
	}
}
