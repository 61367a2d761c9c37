package backend

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kursadbilgin/maildispatch/internal/config"
	"github.com/kursadbilgin/maildispatch/internal/dkim"
	"github.com/kursadbilgin/maildispatch/internal/queue"
	"go.uber.org/zap"
)

// Set is the ordered backend chain built from configuration, plus whatever
// connections it holds open.
type Set struct {
	Backends []Backend
	closers  []io.Closer
}

// Names returns the backend names in fallback order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.Backends))
	for _, b := range s.Backends {
		names = append(names, b.Name())
	}
	return names
}

func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build instantiates every definition in order. On failure, anything
// already opened is closed.
func Build(defs []config.BackendDefinition, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.ValidateBackends(defs); err != nil {
		return nil, err
	}

	set := &Set{Backends: make([]Backend, 0, len(defs))}
	for _, def := range defs {
		b, closer, err := build(def, logger)
		if err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("backend %q: %w", def.Name, err)
		}
		set.Backends = append(set.Backends, b)
		if closer != nil {
			set.closers = append(set.closers, closer)
		}
		logger.Info("backend configured", zap.String("backend", def.Name), zap.String("kind", string(def.Kind)))
	}

	return set, nil
}

func build(def config.BackendDefinition, logger *zap.Logger) (Backend, io.Closer, error) {
	switch def.Kind {
	case config.BackendSimulated:
		strategy, err := simulatedStrategy(def.Simulated)
		if err != nil {
			return nil, nil, err
		}
		b, err := NewSimulated(def.Name, strategy, millis(def.Simulated.LatencyMS), logger)
		return b, nil, err

	case config.BackendWebhook:
		b, err := NewWebhook(def.Name, WebhookOptions{
			Endpoint: def.Webhook.Endpoint,
			Timeout:  millis(def.Webhook.TimeoutMS),
			Headers:  def.Webhook.Headers,
		})
		return b, nil, err

	case config.BackendRelay:
		client, err := queue.NewRabbitMQ(def.Relay.URL, queue.Topology{
			Exchange: def.Relay.Exchange,
			Queue:    def.Relay.Queue,
		})
		if err != nil {
			return nil, nil, err
		}
		b, err := NewRelay(def.Name, queue.NewRabbitMQPublisher(client))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return b, b, nil

	case config.BackendSMTP:
		signer, err := dkim.New(def.SMTP.DKIM)
		if err != nil {
			return nil, nil, err
		}
		b, err := NewSMTP(def.Name, SMTPOptions{
			Host:               def.SMTP.Host,
			Port:               def.SMTP.Port,
			Username:           def.SMTP.Username,
			Password:           def.SMTP.Password,
			From:               def.SMTP.From,
			HeloName:           def.SMTP.HeloName,
			RequireTLS:         def.SMTP.RequireTLS,
			InsecureSkipVerify: def.SMTP.InsecureSkipVerify,
			Timeout:            millis(def.SMTP.TimeoutMS),
			Signer:             signer,
		})
		return b, nil, err

	default:
		return nil, nil, fmt.Errorf("unknown kind %q", def.Kind)
	}
}

func simulatedStrategy(opts *config.SimulatedOptions) (FailureStrategy, error) {
	switch opts.Mode {
	case config.SimulatedAlways:
		return AlwaysFail(), nil
	case config.SimulatedNever:
		return NeverFail(), nil
	case config.SimulatedSequence:
		return Sequence(opts.Sequence...), nil
	default:
		seed := opts.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		return FailureRate(opts.FailureRate, seed)
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
