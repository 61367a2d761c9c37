// Package backend holds the delivery backends the dispatcher falls back
// across. Backends are stateless from the dispatcher's view: every
// resilience decision lives outside them.
package backend

import (
	"context"

	"github.com/kursadbilgin/maildispatch/internal/domain"
)

// Backend delivers one email. A nil error means the backend accepted it.
type Backend interface {
	Name() string
	Send(ctx context.Context, email domain.Email) error
}
