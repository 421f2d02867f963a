// Package relay delivers the multiplexed envelope stream to the upstream
// sensor over an authenticated connection, surviving transient loss.
package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kylape/fact/internal/model"
)

// ErrNotConnected is returned by Send when no session is established; the
// pump reacts by running the reconnection policy.
var ErrNotConnected = errors.New("relay: sink is not connected")

// Sink is one outbound session toward the sensor. Implementations discard
// all session state on Close; a failed session is never reused.
type Sink interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, env model.Envelope) error
	Close(ctx context.Context) error
}

// LogSink emits envelopes to the structured log. Used when no sensor
// endpoint is configured, mainly for bring-up and tests.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Connect(context.Context) error { return nil }

func (s *LogSink) Send(_ context.Context, env model.Envelope) error {
	s.logger.Info("envelope",
		"source", env.Source,
		"type", env.Type,
		"sequence", env.Sequence,
		"timestamp", env.Timestamp,
	)
	return nil
}

func (s *LogSink) Close(context.Context) error { return nil }
