package payment

import (
	"context"
	"net/http"

	"giftmarket/internal/models"

	"github.com/shopspring/decimal"
)

// Normalized provider event types
const (
	// EventPaymentApproved means the buyer authorized the payment but the
	// funds are not collected yet; the order workflow must Capture before
	// anything ships. Rails that collect at intent time never emit it.
	EventPaymentApproved  = "payment_approved"
	EventPaymentSucceeded = "payment_succeeded"
	EventPaymentFailed    = "payment_failed"
	EventPaymentRefunded  = "payment_refunded"
	EventUnknown          = "unknown"
)

// Event is a provider webhook payload normalized to the order workflow's
// vocabulary. Unknown provider event types map to EventUnknown and are
// ignored downstream.
type Event struct {
	ID          string
	Type        string
	ProviderRef string
	Reason      string
}

// Initiation is the provider-side handle returned from intent creation.
// Stripe-style providers fill ClientSecret; redirect-style providers fill
// ApprovalURL.
type Initiation struct {
	ProviderRef  string
	ClientSecret string
	ApprovalURL  string
}

// Provider is the capability contract every payment rail implements.
type Provider interface {
	Name() string

	// CreateIntent creates a provider-side payment handle for the order.
	CreateIntent(ctx context.Context, order *models.Order) (*Initiation, error)

	// Capture collects the funds of a buyer-approved payment. Providers
	// that settle at intent time implement it as a no-op; approval-flow
	// providers must not report success until the capture settles.
	Capture(ctx context.Context, providerRef string) error

	// Refund refunds a captured payment. Only called for completed orders.
	Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency, reason string) error

	// VerifyWebhook authenticates a webhook delivery before any state is
	// touched. An error here short-circuits the whole webhook.
	VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error

	// ParseWebhook normalizes the provider payload into an Event.
	ParseWebhook(body []byte) (*Event, error)
}

// Registry maps a stored provider identifier to its adapter.
type Registry map[string]Provider

// NewRegistry builds a registry from the given providers keyed by name.
func NewRegistry(providers ...Provider) Registry {
	r := make(Registry, len(providers))
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}

// Lookup returns the adapter for a payment method name.
func (r Registry) Lookup(name string) (Provider, bool) {
	p, ok := r[name]
	return p, ok
}
