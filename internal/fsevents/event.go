package fsevents

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kylape/fact/internal/model"
)

// These constants are defined in the eBPF program's types.h and must be
// kept in sync.
const (
	pathMax     = 4096
	taskCommLen = 16
	lineageMax  = 2
)

type rawLineage struct {
	UID     uint32
	ExePath [pathMax]byte
}

type rawProcess struct {
	Comm       [taskCommLen]byte
	Args       [pathMax]byte
	ExePath    [pathMax]byte
	CPUCgroup  [pathMax]byte
	UID        uint32
	GID        uint32
	LoginUID   uint32
	PID        uint32
	Lineage    [lineageMax]rawLineage
	LineageLen uint32
}

// rawEvent mirrors event_t. The trailing pad matches the C compiler rounding
// the struct size up to its 8-byte alignment.
type rawEvent struct {
	Timestamp       uint64
	Process         rawProcess
	IsExternalMount byte
	Filename        [pathMax]byte
	HostFile        [pathMax]byte
	_               [3]byte
}

// parseEvent decodes one ring buffer record into a FileActivity.
func parseEvent(data []byte) (*model.FileActivity, error) {
	var raw rawEvent
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("parse event record (%d bytes): %w", len(data), err)
	}

	proc := model.Process{
		Comm:      cString(raw.Process.Comm[:]),
		Args:      cString(raw.Process.Args[:]),
		ExePath:   cString(raw.Process.ExePath[:]),
		CPUCgroup: cString(raw.Process.CPUCgroup[:]),
		UID:       raw.Process.UID,
		GID:       raw.Process.GID,
		LoginUID:  raw.Process.LoginUID,
		PID:       raw.Process.PID,
	}
	n := int(raw.Process.LineageLen)
	if n > lineageMax {
		n = lineageMax
	}
	for i := 0; i < n; i++ {
		proc.Lineage = append(proc.Lineage, model.Lineage{
			UID:     raw.Process.Lineage[i].UID,
			ExePath: cString(raw.Process.Lineage[i].ExePath[:]),
		})
	}

	return &model.FileActivity{
		Path:          cString(raw.Filename[:]),
		HostPath:      cString(raw.HostFile[:]),
		ExternalMount: raw.IsExternalMount != 0,
		KernelTime:    raw.Timestamp,
		Process:       proc,
	}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
