package vsock

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylape/fact/internal/model"
	"github.com/kylape/fact/internal/mux"
	"github.com/kylape/fact/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memListener hands out in-memory pipes so the protocol can be exercised
// without an AF_VSOCK transport.
type memListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newMemListener() *memListener {
	return &memListener{
		conns: make(chan net.Conn, 4),
		done:  make(chan struct{}),
	}
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *memListener) Addr() net.Addr { return &net.UnixAddr{Name: "mem", Net: "unix"} }

func (l *memListener) dial(t *testing.T) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
	case <-l.done:
		t.Fatal("listener closed")
	}
	return local
}

type staticResolver map[uint32]model.Descriptor

func (r staticResolver) Lookup(cid uint32) (model.Descriptor, bool) {
	d, ok := r[cid]
	return d, ok
}

func startServer(t *testing.T, resolver Resolver, cfg ServerConfig) (*memListener, *mux.Multiplexer, context.CancelFunc, chan error) {
	t.Helper()
	ln := newMemListener()
	srv := NewServer(ln, resolver, cfg, discardLogger())
	m := mux.New(16)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, m) }()
	return ln, m, cancel, errCh
}

func TestServerAcceptsInventoryFrame(t *testing.T) {
	// Pipe connections have no vsock address, so the peer resolves as cid 0.
	resolver := staticResolver{
		0: {Name: "alpha", Namespace: "workloads", UID: "uid-alpha", ContextID: 0},
	}
	ln, m, cancel, errCh := startServer(t, resolver, ServerConfig{})
	defer cancel()

	client := NewClient(ln.dial(t))
	defer func() { _ = client.Close() }()

	payload := wire.MarshalVirtualMachine(&model.VMInventory{
		Packages: []model.Package{{Name: "bash", Version: "5.2", Release: "1", Arch: "x86_64"}},
	})
	require.NoError(t, client.Send(payload))

	select {
	case env := <-m.Out():
		assert.Equal(t, model.SourceVsock("workloads/alpha"), env.Source)
		assert.Equal(t, model.EventTypeVMInventory, env.Type)
		assert.Equal(t, uint64(1), env.Sequence)
		inv := env.Payload.(*model.VMInventory)
		// Identity gaps are filled from the resolved descriptor.
		assert.Equal(t, "alpha", inv.Name)
		assert.Equal(t, "workloads", inv.Namespace)
		assert.Equal(t, "uid-alpha", inv.ID)
		require.Len(t, inv.Packages, 1)
		assert.Equal(t, "bash", inv.Packages[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope produced")
	}

	// Disconnect first so the handler exits on EOF rather than waiting out
	// the shutdown grace period.
	require.NoError(t, client.Close())
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestServerTagsUnresolvedGuests(t *testing.T) {
	ln, m, cancel, _ := startServer(t, staticResolver{}, ServerConfig{})
	defer cancel()

	client := NewClient(ln.dial(t))
	defer func() { _ = client.Close() }()

	require.NoError(t, client.Send(wire.MarshalVirtualMachine(&model.VMInventory{Name: "self-reported"})))

	select {
	case env := <-m.Out():
		assert.Equal(t, model.SourceVsock("cid-0"), env.Source)
		inv := env.Payload.(*model.VMInventory)
		// Self-reported identity is kept; nothing is overwritten.
		assert.Equal(t, "self-reported", inv.Name)
		assert.Empty(t, inv.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope produced")
	}
}

func TestServerRejectsUndecodableFrame(t *testing.T) {
	ln, m, cancel, _ := startServer(t, staticResolver{}, ServerConfig{})
	defer cancel()

	conn := ln.dial(t)
	defer func() { _ = conn.Close() }()

	require.NoError(t, wire.WriteFrame(conn, []byte{0xDE, 0xAD, 0xBE, 0xEF}))
	status, err := wire.ReadStatus(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusDecodeError, status)

	// The connection is closed after a decode failure.
	_, err = wire.ReadStatus(conn)
	require.Error(t, err)

	select {
	case env := <-m.Out():
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerClosesOnOversizedFrame(t *testing.T) {
	ln, _, cancel, _ := startServer(t, staticResolver{}, ServerConfig{MaxFrameSize: 64})
	defer cancel()

	conn := ln.dial(t)
	defer func() { _ = conn.Close() }()

	// The server drops the connection on the length header, without an ack.
	err := wire.WriteFrame(conn, make([]byte, 128))
	if err == nil {
		_, err = wire.ReadStatus(conn)
	}
	require.Error(t, err)
}

func TestServerStopsAcceptingOnCancel(t *testing.T) {
	ln, _, cancel, errCh := startServer(t, staticResolver{}, ServerConfig{Grace: 50 * time.Millisecond})

	client := NewClient(ln.dial(t))
	defer func() { _ = client.Close() }()
	require.NoError(t, client.Send(wire.MarshalVirtualMachine(&model.VMInventory{Name: "guest"})))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServerHandlesSequentialFrames(t *testing.T) {
	ln, m, cancel, _ := startServer(t, staticResolver{}, ServerConfig{})
	defer cancel()

	client := NewClient(ln.dial(t))
	defer func() { _ = client.Close() }()

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Send(wire.MarshalVirtualMachine(&model.VMInventory{Name: "guest"})))
	}
	for want := uint64(1); want <= 3; want++ {
		select {
		case env := <-m.Out():
			assert.Equal(t, want, env.Sequence)
		case <-time.After(2 * time.Second):
			t.Fatalf("envelope %d never arrived", want)
		}
	}
}

func TestServerResumesSequenceAcrossReconnects(t *testing.T) {
	ln, m, cancel, _ := startServer(t, staticResolver{}, ServerConfig{})
	defer cancel()

	recv := func(want uint64) {
		t.Helper()
		select {
		case env := <-m.Out():
			assert.Equal(t, model.SourceVsock("cid-0"), env.Source)
			assert.Equal(t, want, env.Sequence, "reconnect must not reset the sequence")
		case <-time.After(2 * time.Second):
			t.Fatalf("envelope %d never arrived", want)
		}
	}

	first := NewClient(ln.dial(t))
	require.NoError(t, first.Send(wire.MarshalVirtualMachine(&model.VMInventory{Name: "guest"})))
	recv(1)
	require.NoError(t, first.Close())

	second := NewClient(ln.dial(t))
	defer func() { _ = second.Close() }()
	require.NoError(t, second.Send(wire.MarshalVirtualMachine(&model.VMInventory{Name: "guest"})))
	recv(2)
}

func TestClientRejectsNonOKStatus(t *testing.T) {
	local, remote := net.Pipe()
	client := NewClient(local)
	defer func() { _ = client.Close() }()

	go func() {
		_, _ = wire.ReadFrame(remote, wire.MaxFrameSize)
		_ = wire.WriteStatus(remote, wire.StatusDecodeError)
	}()

	err := client.Send([]byte{0x01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode_error")
}

func TestBindErrorUnwraps(t *testing.T) {
	inner := net.ErrClosed
	err := &BindError{Port: 818, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "818")
}
