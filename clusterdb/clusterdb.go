// Package clusterdb declares the capability the migration core uses to
// read and mutate the cluster's object database (VM/VBD/VDI/Host
// records), to take the per-VM cluster lock, and to push RRD telemetry.
// The database itself lives outside this engine; this package is the seam
// the core calls through.
package clusterdb

import (
	"context"

	"github.com/vmcluster/migrate/model"
)

// Capability is the subset of cluster-database operations the migration
// core consumes.
type Capability interface {
	// GetVM fetches the current VM record.
	GetVM(ctx context.Context, vmUUID string) (*model.VmRef, error)

	// SetAffinity updates the VM's preferred host without touching
	// hypervisor state; the trivial (Halted/Suspended) migration path
	// needs nothing more.
	SetAffinity(ctx context.Context, vmUUID, hostID string) error

	// SetResidentOn atomically updates resident_on and domid together;
	// this is the logical completion of a live migration.
	SetResidentOn(ctx context.Context, vmUUID, hostID string, domid int) error

	// ForceHalted forces the VM record to Halted without touching the
	// hypervisor, used on the source after a failure past barrier [3].
	ForceHalted(ctx context.Context, vmUUID string) error

	// Lock acquires the cluster-wide per-VM lock and returns a release
	// function. The coordinator holds it across the entire migration.
	Lock(ctx context.Context, vmUUID string) (release func(), err error)

	// HostDisabled reports whether a host is currently disabled for new
	// work.
	HostDisabled(ctx context.Context, hostID string) (bool, error)

	// CPUFlags returns an opaque per-host CPU feature description, for
	// the source/destination comparison warning.
	CPUFlags(ctx context.Context, hostID string) (map[string]bool, error)

	// PushRRD best-effort pushes this VM's telemetry history to the
	// given destination host.
	PushRRD(ctx context.Context, vmUUID, destHostID string) error

	// EstimateMemoryKiB computes the memory a receiver must reserve
	// before restoring vmUUID.
	EstimateMemoryKiB(ctx context.Context, vmUUID string) (int64, error)
}

// PeerLookup remaps a VM reference to the (possibly distinct) record the
// destination should actually operate on; a protected-VM subsystem may
// route the migration to its own shadow record. The default is identity.
type PeerLookup func(ctx context.Context, vmUUID string) (string, error)

// IdentityPeerLookup is the default PeerLookup: the destination VM is the
// same record the source identified.
func IdentityPeerLookup(_ context.Context, vmUUID string) (string, error) {
	return vmUUID, nil
}
