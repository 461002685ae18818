package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"giftmarket/internal/models"

	"github.com/shopspring/decimal"
)

const stripeSignatureTolerance = 5 * time.Minute

// StripeProvider talks to the Stripe REST API directly.
type StripeProvider struct {
	httpClient    *http.Client
	baseURL       string
	secretKey     string
	webhookSecret string
}

// NewStripeProvider creates a Stripe adapter.
func NewStripeProvider(baseURL, secretKey, webhookSecret string) *StripeProvider {
	return &StripeProvider{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:       baseURL,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
	}
}

func (p *StripeProvider) Name() string {
	return models.PaymentMethodStripe
}

type stripeIntentResult struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreateIntent creates a Stripe PaymentIntent for the order total.
func (p *StripeProvider) CreateIntent(ctx context.Context, order *models.Order) (*Initiation, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(order.Total), 10))
	form.Set("currency", strings.ToLower(order.Currency))
	form.Set("metadata[order_id]", order.ID)
	form.Set("receipt_email", order.BuyerEmail)

	body, err := p.post(ctx, "/v1/payment_intents", form)
	if err != nil {
		return nil, err
	}

	var result stripeIntentResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode stripe response: %w", err)
	}

	return &Initiation{
		ProviderRef:  result.ID,
		ClientSecret: result.ClientSecret,
	}, nil
}

// Capture is a no-op: intents are created with Stripe's automatic capture,
// so payment_intent.succeeded already means the funds settled.
func (p *StripeProvider) Capture(ctx context.Context, providerRef string) error {
	return nil
}

// Refund refunds the payment intent, fully or partially.
func (p *StripeProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency, reason string) error {
	form := url.Values{}
	form.Set("payment_intent", providerRef)
	if amount.IsPositive() {
		form.Set("amount", strconv.FormatInt(minorUnits(amount), 10))
	}
	if reason != "" {
		form.Set("metadata[reason]", reason)
	}

	_, err := p.post(ctx, "/v1/refunds", form)
	return err
}

// VerifyWebhook checks the Stripe-Signature header: an HMAC-SHA256 over
// "<timestamp>.<body>" keyed on the endpoint secret, with a freshness bound.
func (p *StripeProvider) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	header := headers.Get("Stripe-Signature")
	if header == "" {
		return fmt.Errorf("missing Stripe-Signature header")
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("malformed Stripe-Signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp: %w", err)
	}
	if d := time.Since(time.Unix(ts, 0)); d > stripeSignatureTolerance || d < -stripeSignatureTolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("no matching signature")
}

type stripeWebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
			LastPaymentError struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook maps Stripe event types onto the normalized event set.
func (p *StripeProvider) ParseWebhook(body []byte) (*Event, error) {
	var payload stripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode stripe webhook: %w", err)
	}

	ev := &Event{ID: payload.ID, ProviderRef: payload.Data.Object.ID}

	switch payload.Type {
	case "payment_intent.succeeded":
		ev.Type = EventPaymentSucceeded
	case "payment_intent.payment_failed":
		ev.Type = EventPaymentFailed
		ev.Reason = payload.Data.Object.LastPaymentError.Message
	case "charge.refunded":
		ev.Type = EventPaymentRefunded
		// Refund events carry the charge; the intent ref lives one level up.
		if payload.Data.Object.PaymentIntent != "" {
			ev.ProviderRef = payload.Data.Object.PaymentIntent
		}
	default:
		ev.Type = EventUnknown
	}

	return ev, nil
}

func (p *StripeProvider) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read stripe response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe error %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// minorUnits converts a decimal amount to the smallest currency unit.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
