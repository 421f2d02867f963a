package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kylape/fact/internal/model"
)

// The sensor message schema is externally defined; field numbers below are
// fixed by that contract and must not be renumbered. Encoding is done
// directly against the protobuf wire format, so no generated code is
// vendored here.

// Marshaler is a message that can be encoded to protobuf wire bytes.
type Marshaler interface {
	MarshalWire() ([]byte, error)
}

// Unmarshaler is a message that can be decoded from protobuf wire bytes.
type Unmarshaler interface {
	UnmarshalWire(b []byte) error
}

// VirtualMachine field numbers.
const (
	vmFieldID        = 1
	vmFieldName      = 2
	vmFieldNamespace = 3
	vmFieldScan      = 4
)

// VirtualMachineScan / ScanComponent field numbers.
const (
	scanFieldComponents = 1

	componentFieldName    = 1
	componentFieldVersion = 2
	componentFieldRelease = 3
	componentFieldArch    = 4
)

// FileActivity / Process / Lineage field numbers.
const (
	activityFieldPath          = 1
	activityFieldHostPath      = 2
	activityFieldExternalMount = 3
	activityFieldKernelTime    = 4
	activityFieldProcess       = 5

	processFieldComm      = 1
	processFieldArgs      = 2
	processFieldExePath   = 3
	processFieldCPUCgroup = 4
	processFieldUID       = 5
	processFieldGID       = 6
	processFieldLoginUID  = 7
	processFieldPID       = 8
	processFieldLineage   = 9

	lineageFieldUID     = 1
	lineageFieldExePath = 2
)

// ProcessSignal field numbers.
const (
	signalFieldPID     = 1
	signalFieldUID     = 2
	signalFieldGID     = 3
	signalFieldComm    = 4
	signalFieldExePath = 5
	signalFieldArgs    = 6
)

// Request wrapper field numbers.
const (
	upsertFieldVirtualMachine = 1

	reportFieldSource  = 1
	reportFieldPayload = 2
)

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// MarshalVirtualMachine encodes an inventory snapshot as the sensor's
// storage.VirtualMachine message.
func MarshalVirtualMachine(vm *model.VMInventory) []byte {
	var b []byte
	b = appendStringField(b, vmFieldID, vm.ID)
	b = appendStringField(b, vmFieldName, vm.Name)
	b = appendStringField(b, vmFieldNamespace, vm.Namespace)
	if len(vm.Packages) > 0 {
		var scan []byte
		for _, p := range vm.Packages {
			var c []byte
			c = appendStringField(c, componentFieldName, p.Name)
			c = appendStringField(c, componentFieldVersion, p.Version)
			c = appendStringField(c, componentFieldRelease, p.Release)
			c = appendStringField(c, componentFieldArch, p.Arch)
			scan = appendMessageField(scan, scanFieldComponents, c)
		}
		b = appendMessageField(b, vmFieldScan, scan)
	}
	return b
}

// UnmarshalVirtualMachine decodes a storage.VirtualMachine message. Unknown
// fields are skipped; malformed input is rejected.
func UnmarshalVirtualMachine(b []byte) (*model.VMInventory, error) {
	vm := &model.VMInventory{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode virtual machine: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == vmFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("decode vm id: %w", protowire.ParseError(n))
			}
			vm.ID, b = v, b[n:]
		case num == vmFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("decode vm name: %w", protowire.ParseError(n))
			}
			vm.Name, b = v, b[n:]
		case num == vmFieldNamespace && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("decode vm namespace: %w", protowire.ParseError(n))
			}
			vm.Namespace, b = v, b[n:]
		case num == vmFieldScan && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode vm scan: %w", protowire.ParseError(n))
			}
			pkgs, err := unmarshalScan(v)
			if err != nil {
				return nil, err
			}
			vm.Packages, b = pkgs, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("decode vm field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return vm, nil
}

func unmarshalScan(b []byte) ([]model.Package, error) {
	var pkgs []model.Package
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode scan: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == scanFieldComponents && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode scan component: %w", protowire.ParseError(n))
			}
			p, err := unmarshalComponent(v)
			if err != nil {
				return nil, err
			}
			pkgs = append(pkgs, p)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("decode scan field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return pkgs, nil
}

func unmarshalComponent(b []byte) (model.Package, error) {
	var p model.Package
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("decode component: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.BytesType && num >= componentFieldName && num <= componentFieldArch {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return p, fmt.Errorf("decode component field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case componentFieldName:
				p.Name = v
			case componentFieldVersion:
				p.Version = v
			case componentFieldRelease:
				p.Release = v
			case componentFieldArch:
				p.Arch = v
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return p, fmt.Errorf("decode component field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return p, nil
}

// MarshalFileActivity encodes a file access event.
func MarshalFileActivity(a *model.FileActivity) []byte {
	var b []byte
	b = appendStringField(b, activityFieldPath, a.Path)
	b = appendStringField(b, activityFieldHostPath, a.HostPath)
	if a.ExternalMount {
		b = protowire.AppendTag(b, activityFieldExternalMount, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if a.KernelTime != 0 {
		b = protowire.AppendTag(b, activityFieldKernelTime, protowire.VarintType)
		b = protowire.AppendVarint(b, a.KernelTime)
	}
	b = appendMessageField(b, activityFieldProcess, marshalProcess(&a.Process))
	return b
}

func marshalProcess(p *model.Process) []byte {
	var b []byte
	b = appendStringField(b, processFieldComm, p.Comm)
	b = appendStringField(b, processFieldArgs, p.Args)
	b = appendStringField(b, processFieldExePath, p.ExePath)
	b = appendStringField(b, processFieldCPUCgroup, p.CPUCgroup)
	b = appendUint32Field(b, processFieldUID, p.UID)
	b = appendUint32Field(b, processFieldGID, p.GID)
	b = appendUint32Field(b, processFieldLoginUID, p.LoginUID)
	b = appendUint32Field(b, processFieldPID, p.PID)
	for _, l := range p.Lineage {
		var lb []byte
		lb = appendUint32Field(lb, lineageFieldUID, l.UID)
		lb = appendStringField(lb, lineageFieldExePath, l.ExePath)
		b = appendMessageField(b, processFieldLineage, lb)
	}
	return b
}

// MarshalProcessSignal encodes a process lifecycle event.
func MarshalProcessSignal(s *model.ProcessSignal) []byte {
	var b []byte
	b = appendUint32Field(b, signalFieldPID, s.PID)
	b = appendUint32Field(b, signalFieldUID, s.UID)
	b = appendUint32Field(b, signalFieldGID, s.GID)
	b = appendStringField(b, signalFieldComm, s.Comm)
	b = appendStringField(b, signalFieldExePath, s.ExePath)
	b = appendStringField(b, signalFieldArgs, s.Args)
	return b
}

// UpsertVirtualMachineRequest wraps an inventory snapshot for the sensor's
// VirtualMachineService.UpsertVirtualMachine call.
type UpsertVirtualMachineRequest struct {
	VirtualMachine *model.VMInventory
}

func (r *UpsertVirtualMachineRequest) MarshalWire() ([]byte, error) {
	if r.VirtualMachine == nil {
		return nil, fmt.Errorf("upsert request has no virtual machine")
	}
	var b []byte
	b = appendMessageField(b, upsertFieldVirtualMachine, MarshalVirtualMachine(r.VirtualMachine))
	return b, nil
}

// ReportFileActivityRequest carries one file activity event with its
// envelope source for attribution.
type ReportFileActivityRequest struct {
	Source   string
	Activity *model.FileActivity
}

func (r *ReportFileActivityRequest) MarshalWire() ([]byte, error) {
	if r.Activity == nil {
		return nil, fmt.Errorf("file activity request has no payload")
	}
	var b []byte
	b = appendStringField(b, reportFieldSource, r.Source)
	b = appendMessageField(b, reportFieldPayload, MarshalFileActivity(r.Activity))
	return b, nil
}

// ReportProcessSignalRequest carries one process signal with its envelope
// source for attribution.
type ReportProcessSignalRequest struct {
	Source string
	Signal *model.ProcessSignal
}

func (r *ReportProcessSignalRequest) MarshalWire() ([]byte, error) {
	if r.Signal == nil {
		return nil, fmt.Errorf("process signal request has no payload")
	}
	var b []byte
	b = appendStringField(b, reportFieldSource, r.Source)
	b = appendMessageField(b, reportFieldPayload, MarshalProcessSignal(r.Signal))
	return b, nil
}

// Empty is the sensor's reply to all relay calls; no fields are consumed.
type Empty struct{}

func (*Empty) UnmarshalWire([]byte) error { return nil }
