package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/maildispatch/internal/domain"
	"github.com/kursadbilgin/maildispatch/internal/observability"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	ID      string `json:"id"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Webhook posts emails as JSON to an HTTP mail API. The email ID travels in
// the Idempotency-Key header so the receiving side can drop duplicates.
type Webhook struct {
	name     string
	client   *resty.Client
	endpoint string
	headers  map[string]string
}

// WebhookOptions configures a Webhook backend.
type WebhookOptions struct {
	Endpoint string
	Timeout  time.Duration
	Headers  map[string]string
	Client   *resty.Client
}

func NewWebhook(name string, opts WebhookOptions) (*Webhook, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("backend name is required")
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = resty.New()
	}
	switch {
	case opts.Timeout > 0:
		client.SetTimeout(opts.Timeout)
	case client.GetClient().Timeout == 0:
		client.SetTimeout(defaultWebhookTimeout)
	}
	// Retries belong to the dispatcher.
	client.SetRetryCount(0)

	return &Webhook{
		name:     name,
		client:   client,
		endpoint: endpoint,
		headers:  opts.Headers,
	}, nil
}

func (w *Webhook) Name() string {
	return w.name
}

func (w *Webhook) Send(ctx context.Context, email domain.Email) error {
	if w == nil || w.client == nil {
		return fmt.Errorf("backend is not initialized")
	}

	reqBody := webhookRequest{
		ID:      email.ID,
		From:    email.From,
		To:      email.To,
		Subject: email.Subject,
		Body:    email.Body,
	}

	req := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", email.ID).
		SetHeaders(w.headers).
		SetBody(reqBody)
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		req.SetHeader(observability.CorrelationIDHeader, correlationID)
	}

	response, err := req.Post(w.endpoint)
	if err != nil {
		return &BackendError{
			Backend:   w.name,
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &BackendError{
			Backend:   w.name,
			Message:   "empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &BackendError{
		Backend:    w.name,
		StatusCode: statusCode,
		Message:    statusMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func statusMessage(statusCode int, body string) string {
	base := fmt.Sprintf("returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
