// Package storage declares the capability the migration core uses to
// drive the storage backend: attach/detach/activate/deactivate of VDIs,
// and the capability query that decides whether a VDI needs the
// delayed-device-create path. The backend itself is implemented elsewhere
// and injected.
package storage

import "context"

// Mode is the attach mode requested for a VDI.
type Mode int

const (
	RO Mode = iota
	RW
)

// Capability is the subset of storage-backend operations the migration
// core consumes.
type Capability interface {
	// Attach attaches vdi in the given mode, returning the derived
	// hypervisor device handle.
	Attach(ctx context.Context, vdi string, mode Mode) (device string, err error)

	// Detach detaches vdi. Detaching an already-detached (or
	// never-attached) VDI is a no-op, not an error, so cleanup paths may
	// detach unconditionally.
	Detach(ctx context.Context, vdi string) error

	// Activate activates a previously attached vdi.
	Activate(ctx context.Context, vdi string) error

	// Deactivate deactivates a previously activated vdi.
	Deactivate(ctx context.Context, vdi string) error

	// HasActivateCapability reports whether vdi's SR requires the
	// explicit activate step after attach.
	HasActivateCapability(ctx context.Context, vdi string) (bool, error)
}
