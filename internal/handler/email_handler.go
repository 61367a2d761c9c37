package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/maildispatch/internal/domain"
	"github.com/kursadbilgin/maildispatch/internal/observability"
	"github.com/kursadbilgin/maildispatch/internal/service"
)

const defaultMaxBatchSize = 100

type EmailDispatcher interface {
	Dispatch(ctx context.Context, email domain.Email) (domain.DispatchResult, error)
	DispatchBatch(ctx context.Context, emails []domain.Email) []service.BatchItem
	IsSent(ctx context.Context, id string) (bool, error)
}

type EmailHandler struct {
	dispatcher   EmailDispatcher
	maxBatchSize int
}

func NewEmailHandler(dispatcher EmailDispatcher, maxBatchSize int) (*EmailHandler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("email dispatcher is required")
	}
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	return &EmailHandler{dispatcher: dispatcher, maxBatchSize: maxBatchSize}, nil
}

func RegisterEmailRoutes(router fiber.Router, dispatcher EmailDispatcher, maxBatchSize int) error {
	h, err := NewEmailHandler(dispatcher, maxBatchSize)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/emails", h.SendEmail)
	v1.Post("/emails/batch", h.SendBatch)
	v1.Get("/emails/:id", h.GetEmailStatus)

	return nil
}

// RequestContext derives every request's context from base and tags it with
// the caller's X-Request-ID, generating one when absent. The ID is echoed
// back on the response.
func RequestContext(base context.Context) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := base
		if id := strings.TrimSpace(c.Get(observability.CorrelationIDHeader)); id != "" {
			ctx = observability.WithCorrelationID(ctx, id)
		}
		ctx, id := observability.EnsureCorrelationID(ctx)

		c.SetUserContext(ctx)
		c.Set(observability.CorrelationIDHeader, id)
		return c.Next()
	}
}

type sendEmailRequest struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendBatchRequest struct {
	Emails []sendEmailRequest `json:"emails"`
}

type attemptResponse struct {
	Backend    string    `json:"backend"`
	Number     int       `json:"number"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
	StartedAt  time.Time `json:"startedAt"`
}

type dispatchResponse struct {
	ID       string            `json:"id"`
	Outcome  string            `json:"outcome,omitempty"`
	Backend  string            `json:"backend,omitempty"`
	Attempts []attemptResponse `json:"attempts"`
	Error    string            `json:"error,omitempty"`
}

type sendBatchResponse struct {
	TotalCount int                `json:"totalCount"`
	Counts     map[string]int     `json:"counts"`
	Results    []dispatchResponse `json:"results"`
}

func (h *EmailHandler) SendEmail(c *fiber.Ctx) error {
	var req sendEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.dispatcher.Dispatch(c.UserContext(), requestToDomainEmail(req))
	if err != nil && result.Outcome != domain.OutcomeDelivered {
		return toHTTPError(err)
	}

	resp := toDispatchResponse(result)
	if err != nil {
		// Delivered, but the ledger could not record it.
		resp.Error = err.Error()
	}
	return c.Status(statusForOutcome(result.Outcome)).JSON(resp)
}

func (h *EmailHandler) SendBatch(c *fiber.Ctx) error {
	var req sendBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.Emails) == 0 {
		return toHTTPError(fmt.Errorf("%w: emails is required", domain.ErrValidation))
	}
	if len(req.Emails) > h.maxBatchSize {
		return toHTTPError(fmt.Errorf("%w: batch exceeds %d emails (got %d)", domain.ErrValidation, h.maxBatchSize, len(req.Emails)))
	}

	emails := make([]domain.Email, 0, len(req.Emails))
	for _, item := range req.Emails {
		emails = append(emails, requestToDomainEmail(item))
	}

	items := h.dispatcher.DispatchBatch(c.UserContext(), emails)

	resp := sendBatchResponse{
		TotalCount: len(items),
		Counts:     make(map[string]int),
		Results:    make([]dispatchResponse, 0, len(items)),
	}
	for i, item := range items {
		r := toDispatchResponse(item.Result)
		if r.ID == "" {
			r.ID = emails[i].ID
		}
		if item.Err != nil {
			r.Error = item.Err.Error()
		}
		if r.Outcome != "" {
			resp.Counts[r.Outcome]++
		} else {
			resp.Counts["ERROR"]++
		}
		resp.Results = append(resp.Results, r)
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *EmailHandler) GetEmailStatus(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	sent, err := h.dispatcher.IsSent(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}
	if !sent {
		return toHTTPError(fmt.Errorf("%w: email %q has not been sent", domain.ErrNotFound, id))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"id":     id,
		"status": "SENT",
	})
}

func requestToDomainEmail(req sendEmailRequest) domain.Email {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return domain.Email{
		ID:      id,
		From:    strings.TrimSpace(req.From),
		To:      strings.TrimSpace(req.To),
		Subject: req.Subject,
		Body:    req.Body,
	}
}

func toDispatchResponse(result domain.DispatchResult) dispatchResponse {
	attempts := make([]attemptResponse, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		attempts = append(attempts, attemptResponse{
			Backend:    a.Backend,
			Number:     a.Number,
			Status:     a.Status.String(),
			Error:      a.Error,
			DurationMS: a.Duration.Milliseconds(),
			StartedAt:  a.StartedAt.UTC(),
		})
	}

	return dispatchResponse{
		ID:       result.EmailID,
		Outcome:  result.Outcome.String(),
		Backend:  result.Backend,
		Attempts: attempts,
	}
}

func statusForOutcome(outcome domain.Outcome) int {
	switch outcome {
	case domain.OutcomeDelivered, domain.OutcomeAlreadySent:
		return fiber.StatusOK
	case domain.OutcomeRateLimited:
		return fiber.StatusTooManyRequests
	case domain.OutcomeAllBackendsFailed:
		return fiber.StatusBadGateway
	case domain.OutcomeCanceled:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		return err
	}
}
