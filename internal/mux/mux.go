// Package mux merges envelopes from a dynamically-growing set of producers
// into one bounded outbound stream. Order is preserved within a producer;
// no ordering is imposed across producers.
package mux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kylape/fact/internal/model"
)

const defaultProducerBuffer = 64

// Multiplexer fans envelopes from registered producers into Out. The
// outbound channel is bounded; when it fills, producer forwarders block,
// propagating backpressure to whoever holds the producer handle.
type Multiplexer struct {
	out  chan model.Envelope
	done chan struct{}

	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
	seqs     map[string]*atomic.Uint64
	shutdown sync.Once
}

func New(buffer int) *Multiplexer {
	if buffer <= 0 {
		buffer = 1
	}
	return &Multiplexer{
		out:  make(chan model.Envelope, buffer),
		done: make(chan struct{}),
		seqs: make(map[string]*atomic.Uint64),
	}
}

// Out is the merged consumer-facing stream. It closes once every registered
// producer has closed.
func (m *Multiplexer) Out() <-chan model.Envelope {
	return m.out
}

// Register attaches a new producer. The sequence counter for a source
// outlives its handle, so a source that reconnects and registers again
// resumes numbering instead of restarting at 1; downstream loss detection
// never sees a sequence regression.
func (m *Multiplexer) Register(source string, buffer int) *Producer {
	if buffer <= 0 {
		buffer = defaultProducerBuffer
	}
	m.mu.Lock()
	seq, ok := m.seqs[source]
	if !ok {
		seq = &atomic.Uint64{}
		m.seqs[source] = seq
	}
	m.wg.Add(1)
	m.mu.Unlock()
	p := &Producer{
		source: source,
		seq:    seq,
		ch:     make(chan model.Envelope, buffer),
	}
	go func() {
		defer m.wg.Done()
		for env := range p.ch {
			select {
			case m.out <- env:
			case <-m.done:
				return
			}
		}
	}()
	return p
}

// Shutdown releases forwarders that are blocked on a consumer that has
// stopped pulling. Used only during process teardown; queued envelopes
// may be abandoned.
func (m *Multiplexer) Shutdown() {
	m.shutdown.Do(func() { close(m.done) })
}

// Wait blocks until all producers have closed, then closes Out. Call once,
// after every Register call has been made.
func (m *Multiplexer) Wait() {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.out)
	}
}

// Producer is a single-source handle into the multiplexer. Handles are not
// safe for concurrent emitters; each producer owns exactly one emitting task.
type Producer struct {
	source string
	seq    *atomic.Uint64
	ch     chan model.Envelope

	closeOnce sync.Once
}

func (p *Producer) Source() string { return p.source }

// Emit enqueues an envelope, blocking while the producer queue is full
// (lossless discipline). The sequence counter is assigned here so envelopes
// are monotonic per source in emit order. A cancelled emit still consumes a
// sequence number; downstream reads the gap as the loss it is.
func (p *Producer) Emit(ctx context.Context, env model.Envelope) error {
	env.Source = p.source
	env.Sequence = p.seq.Add(1)
	select {
	case p.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitLatest enqueues an envelope without ever blocking (drop-oldest
// discipline). When the queue is full the oldest queued envelope is
// discarded so the newest is always kept.
func (p *Producer) EmitLatest(env model.Envelope) {
	env.Source = p.source
	env.Sequence = p.seq.Add(1)
	for {
		select {
		case p.ch <- env:
			return
		default:
		}
		select {
		case <-p.ch:
			// dropped the oldest queued envelope
		default:
		}
	}
}

// Close detaches the producer. Safe to call more than once.
func (p *Producer) Close() {
	p.closeOnce.Do(func() { close(p.ch) })
}
