package model

// Descriptor identifies a guest virtual machine for envelope provenance.
// Instances are read-only once published by the resolver.
type Descriptor struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	UID       string `json:"uid"`
	ContextID uint32 `json:"context_id"`
}

func (d Descriptor) VMID() string {
	if d.Namespace != "" {
		return d.Namespace + "/" + d.Name
	}
	return d.Name
}
