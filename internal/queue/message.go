package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/maildispatch/internal/domain"
)

// EmailMessage is the broker payload picked up by the downstream mail relay.
type EmailMessage struct {
	EmailID       string `json:"emailId"`
	CorrelationID string `json:"correlationId,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
}

func NewEmailMessage(email domain.Email, correlationID string) EmailMessage {
	return EmailMessage{
		EmailID:       email.ID,
		CorrelationID: correlationID,
		From:          email.From,
		To:            email.To,
		Subject:       email.Subject,
		Body:          email.Body,
	}
}

func (m EmailMessage) Validate() error {
	if strings.TrimSpace(m.EmailID) == "" {
		return fmt.Errorf("emailId is required")
	}
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("to is required")
	}
	return nil
}
