package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylape/fact/internal/fsevents"
	"github.com/kylape/fact/internal/model"
	"github.com/kylape/fact/internal/mux"
)

// fakeSource feeds canned activities and honors Close like the ring buffer
// reader does.
type fakeSource struct {
	mu     sync.Mutex
	events chan *model.FileActivity
	err    error
	closed bool
}

func newFakeSource(buffer int) *fakeSource {
	return &fakeSource{events: make(chan *model.FileActivity, buffer)}
}

func (s *fakeSource) Read() (*model.FileActivity, error) {
	a, ok := <-s.events
	if !ok {
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, fsevents.ErrClosed
	}
	return a, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSource) failWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

func TestFileMonitorEmitsActivities(t *testing.T) {
	src := newFakeSource(4)
	src.events <- &model.FileActivity{Path: "/etc/passwd"}
	src.events <- &model.FileActivity{Path: "/etc/shadow"}

	m := mux.New(8)
	fm := NewFileMonitor(src, discardLogger())
	out := m.Register(fm.Name(), 8)
	require.NoError(t, fm.Start(context.Background(), out))
	assert.Equal(t, StateRunning, fm.Status())

	first := <-m.Out()
	assert.Equal(t, model.SourceFileMonitor, first.Source)
	assert.Equal(t, model.EventTypeFileActivity, first.Type)
	assert.Equal(t, "/etc/passwd", first.Payload.(*model.FileActivity).Path)

	second := <-m.Out()
	assert.Equal(t, "/etc/shadow", second.Payload.(*model.FileActivity).Path)
	assert.Equal(t, first.Sequence+1, second.Sequence)

	require.NoError(t, fm.Stop())
	assert.Equal(t, StateStopped, fm.Status())
}

func TestFileMonitorStartIsIdempotent(t *testing.T) {
	src := newFakeSource(1)
	m := mux.New(4)
	fm := NewFileMonitor(src, discardLogger())
	out := m.Register(fm.Name(), 4)

	require.NoError(t, fm.Start(context.Background(), out))
	require.NoError(t, fm.Start(context.Background(), out))
	require.NoError(t, fm.Stop())
}

func TestFileMonitorFailsOnSourceError(t *testing.T) {
	src := newFakeSource(1)
	m := mux.New(4)
	r := NewRegistry(discardLogger())
	fm := NewFileMonitor(src, discardLogger())
	r.Register(fm)

	out := m.Register(fm.Name(), 4)
	require.NoError(t, fm.Start(context.Background(), out))

	src.failWith(errors.New("ring buffer gone"))

	select {
	case rep := <-r.Status():
		assert.Equal(t, fm.Name(), rep.Monitor)
		assert.Equal(t, StateFailed, rep.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure report")
	}
	assert.Equal(t, StateFailed, fm.Status())
}

func TestFileMonitorStopsOnContextCancel(t *testing.T) {
	src := newFakeSource(1)
	m := mux.New(4)
	fm := NewFileMonitor(src, discardLogger())
	out := m.Register(fm.Name(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, fm.Start(ctx, out))
	cancel()

	require.Eventually(t, func() bool {
		return fm.Status() == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileMonitorCanRunRequiresSource(t *testing.T) {
	fm := NewFileMonitor(nil, discardLogger())
	assert.False(t, fm.CanRun(context.Background()))
}
