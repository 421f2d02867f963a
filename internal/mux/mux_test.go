package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylape/fact/internal/model"
)

func collect(t *testing.T, out <-chan model.Envelope, n int) []model.Envelope {
	t.Helper()
	var got []model.Envelope
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case env, ok := <-out:
			require.True(t, ok, "stream closed after %d envelopes, want %d", len(got), n)
			got = append(got, env)
		case <-timeout:
			t.Fatalf("timed out after %d envelopes, want %d", len(got), n)
		}
	}
	return got
}

func TestMergePreservesPerSourceOrder(t *testing.T) {
	m := New(16)
	ctx := context.Background()

	a := m.Register("alpha", 4)
	b := m.Register("beta", 4)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Emit(ctx, model.Envelope{Type: model.EventTypeFileActivity}))
		require.NoError(t, b.Emit(ctx, model.Envelope{Type: model.EventTypeVMInventory}))
	}
	a.Close()
	b.Close()

	got := collect(t, m.Out(), 6)

	perSource := map[string][]uint64{}
	for _, env := range got {
		perSource[env.Source] = append(perSource[env.Source], env.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3}, perSource["alpha"])
	assert.Equal(t, []uint64{1, 2, 3}, perSource["beta"])
}

func TestWaitClosesStreamAfterProducersClose(t *testing.T) {
	m := New(4)
	p := m.Register("alpha", 2)
	require.NoError(t, p.Emit(context.Background(), model.Envelope{}))
	p.Close()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()

	env, ok := <-m.Out()
	require.True(t, ok)
	assert.Equal(t, "alpha", env.Source)

	_, ok = <-m.Out()
	assert.False(t, ok, "stream should close once all producers closed")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestEmitBlocksUntilCanceled(t *testing.T) {
	m := New(1)
	p := m.Register("alpha", 1)
	defer p.Close()
	defer m.Shutdown()

	ctx := context.Background()
	// Fill the outbound channel, the forwarder's in-flight slot, and the
	// producer queue.
	require.NoError(t, p.Emit(ctx, model.Envelope{}))
	require.NoError(t, p.Emit(ctx, model.Envelope{}))
	require.NoError(t, p.Emit(ctx, model.Envelope{}))

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Emit(cancelCtx, model.Envelope{})
	}()

	select {
	case err := <-errCh:
		t.Fatalf("Emit returned %v before cancellation, want block", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Emit did not observe cancellation")
	}
}

func TestEmitLatestDropsOldest(t *testing.T) {
	m := New(1)
	p := m.Register("pkg", 1)

	// Stall the forwarder by never reading Out, then overrun the queue.
	for i := 0; i < 10; i++ {
		p.EmitLatest(model.Envelope{Type: model.EventTypeVMInventory})
	}
	p.Close()

	var got []model.Envelope
	for env := range m.Out() {
		got = append(got, env)
		if env.Sequence == 10 {
			break
		}
	}
	require.NotEmpty(t, got)
	// The newest envelope always survives; older ones may be dropped.
	assert.Equal(t, uint64(10), got[len(got)-1].Sequence)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Sequence, got[i-1].Sequence)
	}
}

func TestShutdownReleasesBlockedForwarders(t *testing.T) {
	m := New(1)
	p := m.Register("alpha", 1)
	ctx := context.Background()

	// Nobody reads Out; the forwarder blocks holding an envelope.
	require.NoError(t, p.Emit(ctx, model.Envelope{}))
	require.NoError(t, p.Emit(ctx, model.Envelope{}))
	p.Close()

	m.Shutdown()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait hung on a blocked forwarder after Shutdown")
	}
}

func TestRegisterResumesSequencePerSource(t *testing.T) {
	m := New(8)
	ctx := context.Background()

	p1 := m.Register("vsock:guest", 4)
	require.NoError(t, p1.Emit(ctx, model.Envelope{}))
	require.NoError(t, p1.Emit(ctx, model.Envelope{}))
	p1.Close()

	// The same source re-registering (a reconnecting guest) keeps counting.
	p2 := m.Register("vsock:guest", 4)
	require.NoError(t, p2.Emit(ctx, model.Envelope{}))
	p2.Close()

	other := m.Register("vsock:other", 4)
	require.NoError(t, other.Emit(ctx, model.Envelope{}))
	other.Close()

	got := collect(t, m.Out(), 4)
	perSource := map[string][]uint64{}
	for _, env := range got {
		perSource[env.Source] = append(perSource[env.Source], env.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3}, perSource["vsock:guest"])
	assert.Equal(t, []uint64{1}, perSource["vsock:other"])
}

func TestProducerCloseIsIdempotent(t *testing.T) {
	m := New(4)
	p := m.Register("alpha", 4)
	p.Close()
	p.Close()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Close")
	}
}

func TestEmitStampsSourceAndSequence(t *testing.T) {
	m := New(4)
	p := m.Register("alpha", 4)

	env := model.Envelope{Source: "spoofed", Sequence: 99}
	require.NoError(t, p.Emit(context.Background(), env))
	p.Close()

	got := collect(t, m.Out(), 1)[0]
	assert.Equal(t, "alpha", got.Source)
	assert.Equal(t, uint64(1), got.Sequence)
}
