package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		level     string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{level: "debug", wantLevel: zapcore.DebugLevel},
		{level: " WARN ", wantLevel: zapcore.WarnLevel},
		{level: "", wantLevel: zapcore.InfoLevel},
		{level: "verbose", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.level, func(t *testing.T) {
			t.Parallel()

			cfg, err := loggerConfig(tc.level)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("loggerConfig(%q) expected error", tc.level)
				}
				if _, err := NewLogger(tc.level); err == nil {
					t.Fatalf("NewLogger(%q) expected error", tc.level)
				}
				return
			}
			if err != nil {
				t.Fatalf("loggerConfig() error = %v", err)
			}

			if got := cfg.Level.Level(); got != tc.wantLevel {
				t.Fatalf("level = %s, want %s", got, tc.wantLevel)
			}
			if got := cfg.InitialFields["service"]; got != ServiceName {
				t.Fatalf("service field = %v, want %q", got, ServiceName)
			}
			if cfg.EncoderConfig.TimeKey != "timestamp" {
				t.Fatalf("time key = %q, want timestamp", cfg.EncoderConfig.TimeKey)
			}
			if !cfg.DisableStacktrace {
				t.Fatal("stacktraces should be disabled")
			}
		})
	}
}

func TestEnsureCorrelationID(t *testing.T) {
	t.Parallel()

	ctx, generated := EnsureCorrelationID(context.Background())
	if generated == "" {
		t.Fatal("expected a generated correlation id")
	}
	if got, _ := CorrelationIDFromContext(ctx); got != generated {
		t.Fatalf("correlation id = %q, want %q", got, generated)
	}

	existing := WithCorrelationID(context.Background(), "req-456")
	ctx, correlationID := EnsureCorrelationID(existing)
	if correlationID != "req-456" {
		t.Fatalf("correlation id = %q, want req-456", correlationID)
	}
	if ctx != existing {
		t.Fatal("expected context to be reused when an id is present")
	}

	// An empty id counts as missing.
	_, replaced := EnsureCorrelationID(WithCorrelationID(context.Background(), ""))
	if replaced == "" {
		t.Fatal("expected an empty correlation id to be replaced")
	}
}

func TestWithContextLoggerDispatchFields(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name              string
		ctx               context.Context
		wantCorrelationID any
	}{
		{name: "with correlation id", ctx: WithCorrelationID(context.Background(), "req-789"), wantCorrelationID: "req-789"},
		{name: "without correlation id", ctx: context.Background()},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			core, recorded := observer.New(zapcore.InfoLevel)
			logger := WithContextLogger(zap.New(core), tc.ctx).With(zap.String("emailId", "email-1"))
			logger.Info("email delivered", zap.String("backend", "ProviderA"))

			entries := recorded.All()
			if len(entries) != 1 {
				t.Fatalf("entries = %d, want 1", len(entries))
			}
			fields := entries[0].ContextMap()
			if fields["emailId"] != "email-1" || fields["backend"] != "ProviderA" {
				t.Fatalf("fields = %v, want emailId and backend", fields)
			}
			if got := fields["correlationId"]; got != tc.wantCorrelationID {
				t.Fatalf("correlationId = %v, want %v", got, tc.wantCorrelationID)
			}
		})
	}

	if got := WithContextLogger(nil, context.Background()); got != nil {
		t.Fatal("expected nil logger")
	}
}
