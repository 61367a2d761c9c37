package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/maildispatch/internal/ledger"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLedgerPrefix = "ledger:sent:"

var _ ledger.Ledger = (*Ledger)(nil)

// Ledger keeps delivered email IDs as plain keys so that replicas share one
// idempotency view. Keys carry no TTL: entries are never evicted.
type Ledger struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

func NewLedger(client *goredis.Client, prefix string) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultLedgerPrefix
	}

	return &Ledger{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func (l *Ledger) Has(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return n > 0, nil
}

// MarkSent stores the delivery time on first insert; later calls are no-ops.
func (l *Ledger) MarkSent(ctx context.Context, id string) error {
	if _, err := l.client.SetNX(ctx, l.key(id), l.now().UTC().Format(time.RFC3339Nano), 0).Result(); err != nil {
		return fmt.Errorf("failed to mark email as sent: %w", err)
	}
	return nil
}

func (l *Ledger) key(id string) string {
	return l.prefix + id
}
