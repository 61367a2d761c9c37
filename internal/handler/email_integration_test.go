package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/maildispatch/internal/backend"
	"github.com/kursadbilgin/maildispatch/internal/domain"
	"github.com/kursadbilgin/maildispatch/internal/ledger"
	"github.com/kursadbilgin/maildispatch/internal/observability"
	"github.com/kursadbilgin/maildispatch/internal/ratelimit"
	"github.com/kursadbilgin/maildispatch/internal/resilience"
	"github.com/kursadbilgin/maildispatch/internal/service"
	"github.com/kursadbilgin/maildispatch/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestEmailIntegration_SendEmail(t *testing.T) {
	t.Parallel()

	var gotCorrelationID string
	d := &stubDispatcher{
		dispatchFn: func(ctx context.Context, email domain.Email) (domain.DispatchResult, error) {
			if err := email.Validate(); err != nil {
				return domain.DispatchResult{}, err
			}
			gotCorrelationID, _ = observability.CorrelationIDFromContext(ctx)
			return domain.DispatchResult{
				EmailID: email.ID,
				Outcome: domain.OutcomeDelivered,
				Backend: "ProviderA",
				Attempts: []domain.Attempt{{
					Backend:  "ProviderA",
					Number:   1,
					Status:   domain.AttemptSucceeded,
					Duration: 12 * time.Millisecond,
				}},
			}, nil
		},
	}

	app := newEmailTestApp(t, d)

	req := httptest.NewRequest(http.MethodPost, "/v1/emails",
		bytes.NewBufferString(`{"id":"email-1","to":"user@example.com","subject":"hi","body":"hello"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(observability.CorrelationIDHeader, "corr-123")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if got := resp.Header.Get(observability.CorrelationIDHeader); got != "corr-123" {
		t.Fatalf("response %s = %q, want corr-123", observability.CorrelationIDHeader, got)
	}
	if gotCorrelationID != "corr-123" {
		t.Fatalf("dispatch correlation id = %q, want corr-123", gotCorrelationID)
	}

	var parsed dispatchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.ID != "email-1" || parsed.Outcome != "DELIVERED" || parsed.Backend != "ProviderA" {
		t.Fatalf("response = %+v, want email-1 DELIVERED by ProviderA", parsed)
	}
	if len(parsed.Attempts) != 1 || parsed.Attempts[0].DurationMS != 12 {
		t.Fatalf("attempts = %+v, want one attempt of 12ms", parsed.Attempts)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/emails", `{"id":"email-2","to":"not-an-address"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid recipient", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/emails", `{"id":`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed body", resp.StatusCode)
	}
}

func TestEmailIntegration_GeneratesIDAndCorrelationID(t *testing.T) {
	t.Parallel()

	var gotID string
	d := &stubDispatcher{
		dispatchFn: func(ctx context.Context, email domain.Email) (domain.DispatchResult, error) {
			gotID = email.ID
			return domain.DispatchResult{EmailID: email.ID, Outcome: domain.OutcomeAlreadySent}, nil
		},
	}
	app := newEmailTestApp(t, d)

	req := httptest.NewRequest(http.MethodPost, "/v1/emails", bytes.NewBufferString(`{"to":"user@example.com"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if strings.TrimSpace(gotID) == "" {
		t.Fatal("email id should be generated when absent")
	}
	if resp.Header.Get(observability.CorrelationIDHeader) == "" {
		t.Fatal("correlation id should be generated when absent")
	}
}

func TestEmailIntegration_OutcomeStatusCodes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		outcome  domain.Outcome
		wantCode int
	}{
		{outcome: domain.OutcomeDelivered, wantCode: fiber.StatusOK},
		{outcome: domain.OutcomeAlreadySent, wantCode: fiber.StatusOK},
		{outcome: domain.OutcomeRateLimited, wantCode: fiber.StatusTooManyRequests},
		{outcome: domain.OutcomeAllBackendsFailed, wantCode: fiber.StatusBadGateway},
		{outcome: domain.OutcomeCanceled, wantCode: fiber.StatusServiceUnavailable},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.outcome.String(), func(t *testing.T) {
			t.Parallel()

			d := &stubDispatcher{
				dispatchFn: func(ctx context.Context, email domain.Email) (domain.DispatchResult, error) {
					return domain.DispatchResult{EmailID: email.ID, Outcome: tc.outcome}, nil
				},
			}
			app := newEmailTestApp(t, d)

			resp, body := performRequest(t, app, http.MethodPost, "/v1/emails", `{"id":"e","to":"user@example.com"}`)
			if resp.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tc.wantCode, string(body))
			}
		})
	}
}

func TestEmailIntegration_SendEmailInfrastructureError(t *testing.T) {
	t.Parallel()

	t.Run("ledger failure before delivery is a 500", func(t *testing.T) {
		t.Parallel()

		d := &stubDispatcher{
			dispatchFn: func(ctx context.Context, email domain.Email) (domain.DispatchResult, error) {
				return domain.DispatchResult{EmailID: email.ID}, errors.New("ledger lookup: redis down")
			},
		}
		app := newEmailTestApp(t, d)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/emails", `{"id":"e","to":"user@example.com"}`)
		if resp.StatusCode != fiber.StatusInternalServerError {
			t.Fatalf("status = %d, want 500, body=%s", resp.StatusCode, string(body))
		}
		if strings.Contains(string(body), "redis down") {
			t.Fatalf("body leaks internal error: %s", string(body))
		}
	})

	t.Run("ledger failure after delivery still reports delivery", func(t *testing.T) {
		t.Parallel()

		d := &stubDispatcher{
			dispatchFn: func(ctx context.Context, email domain.Email) (domain.DispatchResult, error) {
				return domain.DispatchResult{EmailID: email.ID, Outcome: domain.OutcomeDelivered, Backend: "ProviderA"},
					errors.New("email delivered by ProviderA but ledger update failed")
			},
		}
		app := newEmailTestApp(t, d)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/emails", `{"id":"e","to":"user@example.com"}`)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}

		var parsed dispatchResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if parsed.Outcome != "DELIVERED" || parsed.Error == "" {
			t.Fatalf("response = %+v, want DELIVERED with an error note", parsed)
		}
	})
}

func TestEmailIntegration_SendBatch(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotIDs []string
	d := &stubDispatcher{
		dispatchBatchFn: func(ctx context.Context, emails []domain.Email) []service.BatchItem {
			mu.Lock()
			defer mu.Unlock()

			items := make([]service.BatchItem, 0, len(emails))
			for i, email := range emails {
				gotIDs = append(gotIDs, email.ID)
				switch {
				case email.Validate() != nil:
					items = append(items, service.BatchItem{Err: email.Validate()})
				case i%2 == 0:
					items = append(items, service.BatchItem{Result: domain.DispatchResult{EmailID: email.ID, Outcome: domain.OutcomeDelivered}})
				default:
					items = append(items, service.BatchItem{Result: domain.DispatchResult{EmailID: email.ID, Outcome: domain.OutcomeRateLimited}})
				}
			}
			return items
		},
	}

	app := newEmailTestApp(t, d)

	body := `{"emails":[
		{"id":"b-1","to":"a@example.com"},
		{"id":"b-2","to":"b@example.com"},
		{"id":"b-3","to":"c@example.com"},
		{"id":"b-4","to":"broken"}
	]}`
	resp, raw := performRequest(t, app, http.MethodPost, "/v1/emails/batch", body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
	}

	var parsed sendBatchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.TotalCount != 4 {
		t.Fatalf("totalCount = %d, want 4", parsed.TotalCount)
	}
	if parsed.Counts["DELIVERED"] != 2 || parsed.Counts["RATE_LIMITED"] != 1 || parsed.Counts["ERROR"] != 1 {
		t.Fatalf("counts = %v, want 2 delivered, 1 rate limited, 1 error", parsed.Counts)
	}
	for i, r := range parsed.Results {
		if want := fmt.Sprintf("b-%d", i+1); r.ID != want {
			t.Fatalf("results[%d].id = %q, want %q", i, r.ID, want)
		}
	}
	if parsed.Results[3].Error == "" {
		t.Fatal("invalid email should carry an error")
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/emails/batch", `{"emails":[]}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty batch", resp.StatusCode)
	}
}

func TestEmailIntegration_SendBatchTooLarge(t *testing.T) {
	t.Parallel()

	d := &stubDispatcher{}
	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	app.Use(RequestContext(context.Background()))
	if err := RegisterEmailRoutes(app, d, 2); err != nil {
		t.Fatalf("RegisterEmailRoutes() error = %v", err)
	}

	body := `{"emails":[{"to":"a@example.com"},{"to":"b@example.com"},{"to":"c@example.com"}]}`
	resp, raw := performRequest(t, app, http.MethodPost, "/v1/emails/batch", body)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(raw))
	}
	if d.batchCalls != 0 {
		t.Fatalf("DispatchBatch calls = %d, want 0", d.batchCalls)
	}
}

func TestEmailIntegration_GetEmailStatus(t *testing.T) {
	t.Parallel()

	d := &stubDispatcher{
		isSentFn: func(ctx context.Context, id string) (bool, error) {
			return id == "sent-1", nil
		},
	}
	app := newEmailTestApp(t, d)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/emails/sent-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var parsed map[string]string
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["status"] != "SENT" {
		t.Fatalf("status = %q, want SENT", parsed["status"])
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/emails/unknown", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEmailIntegration_EndToEndFallback(t *testing.T) {
	t.Parallel()

	providerA, err := backend.NewSimulated("ProviderA", backend.AlwaysFail(), 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSimulated() error = %v", err)
	}
	providerB, err := backend.NewSimulated("ProviderB", backend.NeverFail(), 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSimulated() error = %v", err)
	}
	limiter, err := ratelimit.NewSlidingWindow(5, time.Minute)
	if err != nil {
		t.Fatalf("NewSlidingWindow() error = %v", err)
	}

	d, err := service.NewDispatcher(
		[]backend.Backend{providerA, providerB},
		limiter,
		ledger.NewMemory(),
		service.Options{
			Breaker: resilience.CircuitBreakerConfig{Threshold: 3, Timeout: time.Minute},
			Retry:   resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		},
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	app := newEmailTestApp(t, d)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/emails", `{"id":"e2e-1","to":"user@example.com"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var parsed dispatchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Backend != "ProviderB" {
		t.Fatalf("backend = %q, want ProviderB", parsed.Backend)
	}
	if len(parsed.Attempts) != 4 {
		t.Fatalf("attempts = %d, want 3 failures on ProviderA then 1 success", len(parsed.Attempts))
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/emails", `{"id":"e2e-1","to":"user@example.com"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Outcome != "ALREADY_SENT" {
		t.Fatalf("outcome = %q, want ALREADY_SENT", parsed.Outcome)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/emails/e2e-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200 for sent email", resp.StatusCode)
	}
	if providerB.Delivered() != 1 {
		t.Fatalf("ProviderB delivered = %d, want 1", providerB.Delivered())
	}
}

func TestHealthIntegration_LivezAndReadyz(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, newStubRedisClient(nil), nil)

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 without redis", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, nil, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"redis":"disabled"`) {
			t.Fatalf("body = %s, want redis disabled", string(body))
		}
	})

	t.Run("readyz reports free rate limit slots", func(t *testing.T) {
		t.Parallel()

		limiter, err := ratelimit.NewSlidingWindow(3, time.Minute)
		if err != nil {
			t.Fatalf("NewSlidingWindow() error = %v", err)
		}
		if _, err := limiter.Allow(context.Background()); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, nil, limiter)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}

		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if parsed["rateLimitRemaining"] != float64(2) {
			t.Fatalf("rateLimitRemaining = %v, want 2", parsed["rateLimitRemaining"])
		}
	})

	t.Run("readyz returns 200 when redis healthy", func(t *testing.T) {
		t.Parallel()

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, rdb, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when redis down", func(t *testing.T) {
		t.Parallel()

		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, rdb, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})
}

type stubDispatcher struct {
	dispatchFn      func(ctx context.Context, email domain.Email) (domain.DispatchResult, error)
	dispatchBatchFn func(ctx context.Context, emails []domain.Email) []service.BatchItem
	isSentFn        func(ctx context.Context, id string) (bool, error)

	batchCalls int
}

func (s *stubDispatcher) Dispatch(ctx context.Context, email domain.Email) (domain.DispatchResult, error) {
	if s.dispatchFn != nil {
		return s.dispatchFn(ctx, email)
	}
	return domain.DispatchResult{}, errors.New("not implemented")
}

func (s *stubDispatcher) DispatchBatch(ctx context.Context, emails []domain.Email) []service.BatchItem {
	s.batchCalls++
	if s.dispatchBatchFn != nil {
		return s.dispatchBatchFn(ctx, emails)
	}
	return make([]service.BatchItem, len(emails))
}

func (s *stubDispatcher) IsSent(ctx context.Context, id string) (bool, error) {
	if s.isSentFn != nil {
		return s.isSentFn(ctx, id)
	}
	return false, nil
}

func newEmailTestApp(t *testing.T, d EmailDispatcher) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	app.Use(RequestContext(context.Background()))

	if err := RegisterEmailRoutes(app, d, 0); err != nil {
		t.Fatalf("RegisterEmailRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
