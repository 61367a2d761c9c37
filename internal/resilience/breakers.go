package resilience

import "fmt"

// Breakers holds one CircuitBreaker per backend name. The set is fixed at
// construction, so lookups need no locking.
type Breakers struct {
	byName map[string]*CircuitBreaker
	order  []string
}

// NewBreakers builds a breaker for every name, using overrides[name] when
// present and defaults otherwise.
func NewBreakers(
	names []string,
	defaults CircuitBreakerConfig,
	overrides map[string]CircuitBreakerConfig,
	onStateChange StateChangeFunc,
) (*Breakers, error) {
	b := &Breakers{
		byName: make(map[string]*CircuitBreaker, len(names)),
		order:  make([]string, 0, len(names)),
	}

	for _, name := range names {
		if _, dup := b.byName[name]; dup {
			return nil, fmt.Errorf("duplicate breaker name %q", name)
		}

		cfg := defaults
		if override, ok := overrides[name]; ok {
			cfg = override
		}

		cb, err := NewCircuitBreaker(name, cfg, onStateChange)
		if err != nil {
			return nil, err
		}
		b.byName[name] = cb
		b.order = append(b.order, name)
	}

	return b, nil
}

// Get returns the breaker for name, or nil when none was built.
func (b *Breakers) Get(name string) *CircuitBreaker {
	if b == nil {
		return nil
	}
	return b.byName[name]
}

// Snapshots returns every breaker's state in construction order.
func (b *Breakers) Snapshots() []CircuitBreakerSnapshot {
	out := make([]CircuitBreakerSnapshot, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.byName[name].Snapshot())
	}
	return out
}
