package domain

import (
	"fmt"
	"net/mail"
	"strings"
)

// Content limits (in characters).
const (
	MaxIDLength      = 255
	MaxSubjectLength = 998
	MaxBodyLength    = 1 << 20
)

// Email is the message handed to a delivery backend. Its identity for
// idempotency purposes is ID alone.
type Email struct {
	ID      string
	From    string
	To      string
	Subject string
	Body    string
}

func (e *Email) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if len(e.ID) > MaxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrValidation, MaxIDLength)
	}
	if strings.TrimSpace(e.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(e.To); err != nil {
		return fmt.Errorf("%w: invalid recipient %q", ErrValidation, e.To)
	}
	if e.From != "" {
		if _, err := mail.ParseAddress(e.From); err != nil {
			return fmt.Errorf("%w: invalid sender %q", ErrValidation, e.From)
		}
	}

	if n := len([]rune(e.Subject)); n > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters (got %d)", ErrValidation, MaxSubjectLength, n)
	}
	if n := len([]rune(e.Body)); n > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters (got %d)", ErrValidation, MaxBodyLength, n)
	}

	return nil
}
