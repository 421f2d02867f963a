package model

import "time"

type EventType string

const (
	EventTypeFileActivity  EventType = "file_activity"
	EventTypeProcessSignal EventType = "process_signal"
	EventTypeVMInventory   EventType = "vm_inventory"
)

// Well-known envelope sources. VSOCK connections use SourceVsock(vmID).
const (
	SourceFileMonitor    = "file-monitor"
	SourcePackageMonitor = "package-monitor"
)

func SourceVsock(vmID string) string {
	return "vsock:" + vmID
}

// Envelope is the unit of telemetry flowing through the pipeline. It is
// immutable after creation; the multiplexer and relay only read it.
// Sequence is a per-source monotonic counter used for loss detection,
// never for ordering across sources.
type Envelope struct {
	Source    string    `json:"source"`
	Type      EventType `json:"type"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}
