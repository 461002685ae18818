package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"giftmarket/internal/models"

	"github.com/shopspring/decimal"
)

// PayPalProvider talks to the PayPal Orders v2 REST API.
type PayPalProvider struct {
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	webhookID    string
	returnURL    string
	cancelURL    string
}

// NewPayPalProvider creates a PayPal adapter.
func NewPayPalProvider(baseURL, clientID, clientSecret, webhookID, returnURL, cancelURL string) *PayPalProvider {
	return &PayPalProvider{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookID:    webhookID,
		returnURL:    returnURL,
		cancelURL:    cancelURL,
	}
}

func (p *PayPalProvider) Name() string {
	return models.PaymentMethodPayPal
}

func (p *PayPalProvider) getAccessToken(ctx context.Context) (string, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(p.clientID + ":" + p.clientSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/oauth2/token",
		bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("paypal token error %d: %s", resp.StatusCode, string(b))
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	return res.AccessToken, nil
}

type paypalLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type paypalOrderResult struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Links  []paypalLink `json:"links"`
}

// CreateIntent creates a PayPal order and returns its approval URL.
func (p *PayPalProvider) CreateIntent(ctx context.Context, order *models.Order) (*Initiation, error) {
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": order.ID,
				"amount": map[string]string{
					"currency_code": order.Currency,
					"value":         order.Total.StringFixed(2),
				},
			},
		},
		"application_context": map[string]string{
			"return_url": p.returnURL,
			"cancel_url": p.cancelURL,
		},
	}

	body, err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", payload)
	if err != nil {
		return nil, err
	}

	var result paypalOrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode paypal response: %w", err)
	}

	return &Initiation{
		ProviderRef: result.ID,
		ApprovalURL: extractApproveURL(result.Links),
	}, nil
}

// Capture collects the funds of a buyer-approved checkout order. PayPal does
// not auto-capture CAPTURE-intent orders on approval; until this call settles
// the money has not moved.
func (p *PayPalProvider) Capture(ctx context.Context, providerRef string) error {
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", providerRef)
	body, err := p.do(ctx, http.MethodPost, path, map[string]interface{}{})
	if err != nil {
		return err
	}

	var result paypalOrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode capture response: %w", err)
	}
	if result.Status != "COMPLETED" && result.Status != "PENDING" {
		return fmt.Errorf("capture returned status %s", result.Status)
	}
	return nil
}

// Refund refunds a captured payment.
func (p *PayPalProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency, reason string) error {
	payload := map[string]interface{}{}
	if amount.IsPositive() {
		payload["amount"] = map[string]string{
			"currency_code": currency,
			"value":         amount.StringFixed(2),
		}
	}
	if reason != "" {
		payload["note_to_payer"] = reason
	}

	path := fmt.Sprintf("/v2/payments/captures/%s/refund", providerRef)
	_, err := p.do(ctx, http.MethodPost, path, payload)
	return err
}

// VerifyWebhook calls PayPal's verify-webhook-signature API with the
// transmission headers of the delivery.
func (p *PayPalProvider) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	var event json.RawMessage = body
	payload := map[string]interface{}{
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"webhook_id":        p.webhookID,
		"webhook_event":     event,
	}

	respBody, err := p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload)
	if err != nil {
		return err
	}

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decode verification response: %w", err)
	}
	if result.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("webhook verification failed: %s", result.VerificationStatus)
	}

	return nil
}

type paypalWebhookPayload struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		StatusDetails     struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// ParseWebhook maps PayPal event types onto the normalized event set. The
// provider ref for capture events is the originating checkout order id.
func (p *PayPalProvider) ParseWebhook(body []byte) (*Event, error) {
	var payload paypalWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode paypal webhook: %w", err)
	}

	ref := payload.Resource.SupplementaryData.RelatedIDs.OrderID
	if ref == "" {
		ref = payload.Resource.ID
	}

	ev := &Event{ID: payload.ID, ProviderRef: ref}

	switch payload.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		// Approval only authorizes; the funds move when the capture
		// settles and PAYMENT.CAPTURE.COMPLETED arrives.
		ev.Type = EventPaymentApproved
	case "PAYMENT.CAPTURE.COMPLETED":
		ev.Type = EventPaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		ev.Type = EventPaymentFailed
		ev.Reason = payload.Resource.StatusDetails.Reason
	case "PAYMENT.CAPTURE.REFUNDED":
		ev.Type = EventPaymentRefunded
	default:
		ev.Type = EventUnknown
	}

	return ev, nil
}

func (p *PayPalProvider) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	accessToken, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get paypal access token: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paypal request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read paypal response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("paypal error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func extractApproveURL(links []paypalLink) string {
	for _, link := range links {
		if link.Rel == "approve" {
			return link.Href
		}
	}
	return ""
}
