// Package vmwatch resolves VSOCK context ids to guest VM identity. The
// descriptor table is a copy-on-write snapshot: readers never block on the
// background refresh.
package vmwatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kylape/fact/internal/model"
)

// Lister enumerates the guests currently known to the host.
type Lister interface {
	ListVirtualMachines(ctx context.Context) ([]model.Descriptor, error)
}

// Resolver maintains the context-id → descriptor table. Lookup reads an
// immutable snapshot; Run replaces the snapshot wholesale on each refresh.
type Resolver struct {
	logger   *slog.Logger
	lister   Lister
	interval time.Duration
	table    atomic.Pointer[map[uint32]model.Descriptor]
}

func NewResolver(lister Lister, interval time.Duration, logger *slog.Logger) *Resolver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r := &Resolver{
		logger:   logger,
		lister:   lister,
		interval: interval,
	}
	empty := map[uint32]model.Descriptor{}
	r.table.Store(&empty)
	return r
}

// Lookup returns the descriptor for a guest context id, if known.
func (r *Resolver) Lookup(cid uint32) (model.Descriptor, bool) {
	t := *r.table.Load()
	d, ok := t[cid]
	return d, ok
}

// Run refreshes the table until the context is cancelled. A failed refresh
// keeps the previous snapshot; connections from unknown guests are still
// accepted, just tagged without identity.
func (r *Resolver) Run(ctx context.Context) error {
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Resolver) refresh(ctx context.Context) {
	vms, err := r.lister.ListVirtualMachines(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("vm discovery failed, keeping previous table", "error", err)
		}
		return
	}

	prev := *r.table.Load()
	next := make(map[uint32]model.Descriptor, len(vms))
	for _, vm := range vms {
		if vm.ContextID == 0 {
			continue
		}
		next[vm.ContextID] = vm
		if _, seen := prev[vm.ContextID]; !seen {
			r.logger.Info("discovered vm", "vm", vm.VMID(), "cid", vm.ContextID)
		}
	}
	for cid, vm := range prev {
		if _, still := next[cid]; !still {
			r.logger.Info("vm removed", "vm", vm.VMID(), "cid", cid)
		}
	}
	r.table.Store(&next)
}

// StaticLister serves a fixed descriptor set; used when identity is fed
// externally and in tests.
type StaticLister []model.Descriptor

func (s StaticLister) ListVirtualMachines(context.Context) ([]model.Descriptor, error) {
	return append([]model.Descriptor(nil), s...), nil
}
