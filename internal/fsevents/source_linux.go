//go:build linux
// +build linux

package fsevents

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/kylape/fact/internal/model"
)

// DefaultPinPath is where the kernel instrumentation pins the event ring
// buffer on bpffs.
const DefaultPinPath = "/sys/fs/bpf/fact/rb"

// Open attaches to the pinned ring buffer map and returns a Source reading
// from it.
func Open(opts Options) (Source, error) {
	pin := opts.PinPath
	if pin == "" {
		pin = DefaultPinPath
	}

	// No-op on 5.11+ kernels which use memcg accounting instead.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}

	m, err := ebpf.LoadPinnedMap(pin, nil)
	if err != nil {
		return nil, fmt.Errorf("load pinned ring buffer %s: %w", pin, err)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("open ringbuf reader: %w", err)
	}
	return &ringbufSource{m: m, rd: rd}, nil
}

type ringbufSource struct {
	m  *ebpf.Map
	rd *ringbuf.Reader

	closeOnce sync.Once
	closeErr  error
}

func (s *ringbufSource) Read() (*model.FileActivity, error) {
	rec, err := s.rd.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read ring buffer: %w", err)
	}
	return parseEvent(rec.RawSample)
}

func (s *ringbufSource) Close() error {
	s.closeOnce.Do(func() {
		err := s.rd.Close()
		if mErr := s.m.Close(); err == nil {
			err = mErr
		}
		s.closeErr = err
	})
	return s.closeErr
}
