package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"giftmarket/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimulatedProvider is a local stand-in for rails with no real integration
// (crypto, pgpay) and for sandbox environments. It is only ever selected by
// explicit configuration, never as an error fallback.
type SimulatedProvider struct {
	name string
}

// NewSimulatedProvider creates a simulated adapter for the given method name.
func NewSimulatedProvider(name string) *SimulatedProvider {
	return &SimulatedProvider{name: name}
}

func (p *SimulatedProvider) Name() string {
	return p.name
}

func (p *SimulatedProvider) CreateIntent(ctx context.Context, order *models.Order) (*Initiation, error) {
	ref := fmt.Sprintf("SIM-%s", strings.ToUpper(uuid.New().String()[:8]))
	return &Initiation{
		ProviderRef:  ref,
		ClientSecret: ref + "_secret",
	}, nil
}

func (p *SimulatedProvider) Capture(ctx context.Context, providerRef string) error {
	return nil
}

func (p *SimulatedProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency, reason string) error {
	return nil
}

func (p *SimulatedProvider) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	return nil
}

type simulatedWebhookPayload struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

func (p *SimulatedProvider) ParseWebhook(body []byte) (*Event, error) {
	var payload simulatedWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode simulated webhook: %w", err)
	}

	ev := &Event{ID: payload.ID, ProviderRef: payload.Reference, Reason: payload.Reason}

	switch payload.EventType {
	case "payment.succeeded":
		ev.Type = EventPaymentSucceeded
	case "payment.failed":
		ev.Type = EventPaymentFailed
	case "payment.refunded":
		ev.Type = EventPaymentRefunded
	default:
		ev.Type = EventUnknown
	}

	return ev, nil
}
