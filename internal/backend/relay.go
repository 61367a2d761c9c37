package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/maildispatch/internal/domain"
	"github.com/kursadbilgin/maildispatch/internal/observability"
	"github.com/kursadbilgin/maildispatch/internal/queue"
)

// Relay hands emails to a downstream mail relay through a message broker.
// A send succeeds once the broker confirms the publish.
type Relay struct {
	name      string
	publisher queue.Publisher
}

func NewRelay(name string, publisher queue.Publisher) (*Relay, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("backend name is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &Relay{name: name, publisher: publisher}, nil
}

func (r *Relay) Name() string {
	return r.name
}

func (r *Relay) Send(ctx context.Context, email domain.Email) error {
	correlationID, _ := observability.CorrelationIDFromContext(ctx)

	if err := r.publisher.Publish(ctx, queue.NewEmailMessage(email, correlationID)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &BackendError{
			Backend:   r.name,
			Message:   "publish failed",
			Transient: !errors.Is(err, queue.ErrNacked),
			Cause:     err,
		}
	}
	return nil
}

func (r *Relay) Close() error {
	return r.publisher.Close()
}
