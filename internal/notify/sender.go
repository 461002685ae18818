package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sender delivers transactional email. Content formatting happens upstream;
// implementations only move the message.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlContent string) error
}

// RESTSender posts messages to a JSON mail API (Resend-style).
type RESTSender struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	from       string
}

// NewRESTSender creates a sender for the given mail API endpoint.
func NewRESTSender(endpoint, apiKey, from string) *RESTSender {
	return &RESTSender{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
	}
}

func (s *RESTSender) Send(ctx context.Context, to, subject, htmlContent string) error {
	payload := map[string]string{
		"from":    s.from,
		"to":      to,
		"subject": subject,
		"html":    htmlContent,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mail api error %d: %s", resp.StatusCode, string(b))
	}

	return nil
}

// LogSender logs instead of sending. Default in development.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, subject, htmlContent string) error {
	s.logger.Info("Email send (log only)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("content_bytes", len(htmlContent)))
	return nil
}
