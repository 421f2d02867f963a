package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kylape/fact/internal/model"
)

// SessionState is the lifecycle of the outbound sensor session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// maxSendAttempts bounds how many sessions an envelope is tried against
// before being counted as lost. No durable queue exists; losses under a
// prolonged outage are an accepted tradeoff.
const maxSendAttempts = 3

const (
	backoffInitialInterval = 500 * time.Millisecond
	backoffMaxInterval     = 30 * time.Second
	defaultDrainTimeout    = 5 * time.Second
)

// Relay pumps the multiplexed stream into a Sink, reconnecting with bounded
// exponential backoff and retrying the in-flight envelope across sessions.
type Relay struct {
	logger       *slog.Logger
	sink         Sink
	drainTimeout time.Duration

	state atomic.Int32
	lost  atomic.Uint64
	sent  atomic.Uint64
}

func New(sink Sink, logger *slog.Logger) *Relay {
	return &Relay{
		logger:       logger,
		sink:         sink,
		drainTimeout: defaultDrainTimeout,
	}
}

func (r *Relay) State() SessionState { return SessionState(r.state.Load()) }

// Lost is the number of envelopes dropped after exhausting send attempts.
func (r *Relay) Lost() uint64 { return r.lost.Load() }

// Sent is the number of envelopes acknowledged by the sensor.
func (r *Relay) Sent() uint64 { return r.sent.Load() }

// Run consumes the stream until it closes or the context is cancelled, then
// drains. Envelopes are transmitted in arrival order; a failed envelope is
// retried against the next session before the stream advances, preserving
// per-source order end to end.
func (r *Relay) Run(ctx context.Context, in <-chan model.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return r.drain(nil)
		case env, ok := <-in:
			if !ok {
				return r.drain(nil)
			}
			if delivered := r.deliver(ctx, env); !delivered {
				if ctx.Err() != nil {
					// Shutdown interrupted the send; flush it while draining.
					return r.drain(&env)
				}
				return r.drain(nil)
			}
		}
	}
}

// deliver sends one envelope, reconnecting and retrying up to
// maxSendAttempts sessions. Returns false only when the context ended.
func (r *Relay) deliver(ctx context.Context, env model.Envelope) bool {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return false
		}
		if r.State() != StateConnected {
			if err := r.connect(ctx); err != nil {
				return false
			}
		}

		err := r.sink.Send(ctx, env)
		if err == nil {
			r.sent.Add(1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		// The session is suspect; discard it entirely rather than reuse it.
		attempts++
		r.state.Store(int32(StateDisconnected))
		_ = r.sink.Close(ctx)
		r.logger.Warn("envelope transmission failed",
			"source", env.Source,
			"sequence", env.Sequence,
			"attempt", attempts,
			"error", err,
		)
		if attempts >= maxSendAttempts {
			r.lost.Add(1)
			r.logger.Error("dropping envelope after exhausting retries",
				"source", env.Source,
				"sequence", env.Sequence,
				"lost_total", r.lost.Load(),
			)
			return true
		}
	}
}

// connect establishes a fresh session with bounded exponential backoff. It
// keeps trying for the lifetime of the context.
func (r *Relay) connect(ctx context.Context) error {
	r.state.Store(int32(StateConnecting))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitialInterval
	bo.MaxInterval = backoffMaxInterval
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(
		func() error { return r.sink.Connect(ctx) },
		backoff.WithContext(bo, ctx),
		func(err error, next time.Duration) {
			r.logger.Warn("sensor connect failed", "error", err, "retry_in", next)
		},
	)
	if err != nil {
		r.state.Store(int32(StateDisconnected))
		return err
	}
	r.state.Store(int32(StateConnected))
	return nil
}

// drain flushes the in-flight envelope, if any, and closes the session.
// New envelopes are no longer pulled once draining starts.
func (r *Relay) drain(pending *model.Envelope) error {
	r.state.Store(int32(StateDraining))
	ctx, cancel := context.WithTimeout(context.Background(), r.drainTimeout)
	defer cancel()

	if pending != nil {
		if err := r.sink.Send(ctx, *pending); err != nil {
			r.lost.Add(1)
			r.logger.Warn("in-flight envelope lost during drain",
				"source", pending.Source,
				"sequence", pending.Sequence,
				"error", err,
			)
		} else {
			r.sent.Add(1)
		}
	}

	err := r.sink.Close(ctx)
	r.state.Store(int32(StateDisconnected))
	r.logger.Info("relay drained", "sent", r.sent.Load(), "lost", r.lost.Load())
	return err
}
