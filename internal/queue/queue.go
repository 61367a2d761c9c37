package queue

import (
	"context"
	"fmt"
	"strings"
)

const (
	DefaultExchange = "mail.relay"
	DefaultQueue    = "mail.outbound"
)

// Publisher hands relay messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg EmailMessage) error
	Close() error
}

// Topology names the exchange and queue outbound mail is routed through.
// The queue is bound to the exchange with its own name as routing key and
// dead-letters into DLQName(Queue).
type Topology struct {
	Exchange string
	Queue    string
}

func (t Topology) withDefaults() Topology {
	if strings.TrimSpace(t.Exchange) == "" {
		t.Exchange = DefaultExchange
	}
	if strings.TrimSpace(t.Queue) == "" {
		t.Queue = DefaultQueue
	}
	return t
}

// RoutingKey returns the key messages are published with.
func (t Topology) RoutingKey() string {
	return strings.ToLower(t.Queue)
}

// DLQName returns the dead-letter queue name for a queue, e.g. dlq.mail.outbound.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// DLXName returns the dead-letter exchange name for an exchange.
func DLXName(exchange string) string {
	return fmt.Sprintf("%s.dlx", exchange)
}
