package model

// Lineage is one ancestor in a process parentage chain.
type Lineage struct {
	UID     uint32 `json:"uid"`
	ExePath string `json:"exe_path"`
}

// Process describes the process responsible for an observed kernel event.
type Process struct {
	Comm      string    `json:"comm"`
	Args      string    `json:"args"`
	ExePath   string    `json:"exe_path"`
	CPUCgroup string    `json:"cpu_cgroup"`
	UID       uint32    `json:"uid"`
	GID       uint32    `json:"gid"`
	LoginUID  uint32    `json:"login_uid"`
	PID       uint32    `json:"pid"`
	Lineage   []Lineage `json:"lineage,omitempty"`
}

// FileActivity is one file access observed by the kernel instrumentation.
type FileActivity struct {
	Path          string  `json:"path"`
	HostPath      string  `json:"host_path"`
	ExternalMount bool    `json:"external_mount"`
	KernelTime    uint64  `json:"kernel_time"`
	Process       Process `json:"process"`
}

// ProcessSignal is a standalone process lifecycle event.
type ProcessSignal struct {
	PID     uint32 `json:"pid"`
	UID     uint32 `json:"uid"`
	GID     uint32 `json:"gid"`
	Comm    string `json:"comm"`
	ExePath string `json:"exe_path"`
	Args    string `json:"args"`
}

// Package is one installed package from an inventory scan.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
}

// VMInventory is a full package inventory snapshot for one machine.
type VMInventory struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace,omitempty"`
	Packages  []Package `json:"packages"`
}
