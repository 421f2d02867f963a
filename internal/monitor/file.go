package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kylape/fact/internal/fsevents"
	"github.com/kylape/fact/internal/model"
	"github.com/kylape/fact/internal/mux"
)

// FileMonitor turns the kernel file-activity stream into envelopes. Delivery
// is lossless: when the pipeline is saturated the read loop blocks rather
// than dropping events.
type FileMonitor struct {
	lifecycle
	logger *slog.Logger
	source fsevents.Source

	mu   sync.Mutex
	done chan struct{}
}

func NewFileMonitor(source fsevents.Source, logger *slog.Logger) *FileMonitor {
	return &FileMonitor{
		lifecycle: lifecycle{name: model.SourceFileMonitor},
		logger:    logger,
		source:    source,
	}
}

func (m *FileMonitor) CanRun(ctx context.Context) bool {
	if m.source == nil {
		m.logger.Debug("file monitor has no event source")
		return false
	}
	if os.Geteuid() != 0 {
		m.logger.Debug("file monitor requires root for kernel instrumentation")
		return false
	}
	return true
}

func (m *FileMonitor) Start(ctx context.Context, out *mux.Producer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.Status() {
	case StateRunning:
		return nil
	case StateStarting, StateStopping:
		return fmt.Errorf("file monitor is %s", m.Status())
	}
	if m.source == nil {
		return errors.New("file monitor has no event source")
	}

	m.setState(StateStarting)
	m.done = make(chan struct{})

	// The source read blocks without a context; closing the source is the
	// cancellation path.
	go func() {
		<-ctx.Done()
		_ = m.source.Close()
	}()

	go m.readLoop(ctx, out)
	m.setState(StateRunning)
	return nil
}

func (m *FileMonitor) readLoop(ctx context.Context, out *mux.Producer) {
	defer close(m.done)
	defer out.Close()

	for {
		activity, err := m.source.Read()
		if err != nil {
			if errors.Is(err, fsevents.ErrClosed) || ctx.Err() != nil {
				if m.Status() != StateFailed {
					m.setState(StateStopped)
				}
				return
			}
			m.logger.Error("file event source failed", "error", err)
			m.fail(err)
			return
		}

		env := model.Envelope{
			Type:      model.EventTypeFileActivity,
			Timestamp: time.Now().UTC(),
			Payload:   activity,
		}
		if err := out.Emit(ctx, env); err != nil {
			m.setState(StateStopped)
			return
		}
	}
}

func (m *FileMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Status() != StateRunning {
		return nil
	}
	m.setState(StateStopping)
	err := m.source.Close()
	<-m.done
	if m.Status() != StateFailed {
		m.setState(StateStopped)
	}
	return err
}
