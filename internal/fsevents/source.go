// Package fsevents is the boundary to the kernel file-activity
// instrumentation. The eBPF program itself is loaded and pinned by an
// external component; this package only consumes its ring buffer as a lazy,
// restartable sequence of raw events.
package fsevents

import (
	"errors"
	"io"

	"github.com/kylape/fact/internal/model"
)

// Source yields file activity events from the kernel. Read blocks until an
// event is available; Close unblocks any pending Read.
type Source interface {
	io.Closer

	Read() (*model.FileActivity, error)
}

var (
	// ErrClosed is returned by Read after the source has been closed.
	ErrClosed = errors.New("fsevents: source is closed")

	// ErrUnsupported is returned by Open on platforms without eBPF support.
	ErrUnsupported = errors.New("fsevents: only supported on linux")
)

// Options configures Open.
type Options struct {
	// PinPath is the bpffs path of the ring buffer map pinned by the kernel
	// instrumentation. Defaults to DefaultPinPath.
	PinPath string
}
