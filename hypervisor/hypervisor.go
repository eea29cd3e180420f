// Package hypervisor declares the capability the migration core uses to
// drive the hypervisor control layer. Domain creation, suspend/restore,
// PCI hot-plug and memory balancing are implemented elsewhere and
// injected here as an interface; the core takes explicit handles rather
// than reaching for process-wide state.
package hypervisor

import (
	"context"
	"io"
)

// ShutdownReason classifies why a domain stopped running.
type ShutdownReason int

const (
	ReasonSuspend ShutdownReason = iota
	ReasonPowerOff
	ReasonReboot
	ReasonCrashed
	ReasonHalt
)

// WrongReasonShutdown reports that a domain shut down, but not for the
// reason the caller expected.
type WrongReasonShutdown struct {
	Got ShutdownReason
}

func (e *WrongReasonShutdown) Error() string {
	return "domain shut down for the wrong reason"
}

// ProgressFunc reports suspend/restore progress in [0,1].
type ProgressFunc func(fraction float64)

// PreShutdownFunc is invoked just before the guest is paused for final
// state capture, i.e. immediately before the memory image write completes.
type PreShutdownFunc func(ctx context.Context) error

// Capability is the subset of hypervisor control-plane operations the
// migration core consumes.
type Capability interface {
	// ResolveDomain returns the domain id and whether the VM runs in HVM
	// mode.
	ResolveDomain(ctx context.Context, vmUUID string) (domid int, hvm bool, err error)

	// Suspend streams the domain's memory image to w, invoking progress
	// and preShutdown as the transfer advances. It returns once the
	// image is fully written and the domain has shut down with reason
	// Suspend, or a *WrongReasonShutdown/other error otherwise.
	Suspend(ctx context.Context, domid int, w io.Writer, live bool, progress ProgressFunc, preShutdown PreShutdownFunc) error

	// ShutdownWithReason cleanly shuts the domain down, recording the
	// given reason.
	ShutdownWithReason(ctx context.Context, domid int, reason ShutdownReason) error

	// HardShutdownVBD flushes and forcibly detaches a device at the
	// hypervisor level, observing any extra debug paths requested via
	// other_config.
	HardShutdownVBD(ctx context.Context, domid int, device string, extraDebugPaths []string) error

	// DestroyDomain destroys a domain. preserveXenstore keeps xenstore
	// state around for a localhost migration's destination to reuse;
	// detachDevices is false when the caller has already done (or does
	// not own) that step. Storage deactivation is not part of this call.
	DestroyDomain(ctx context.Context, domid int, preserveXenstore, detachDevices bool) error

	// CreateDomain creates a proto-domain from the given boot record
	// template, returning its domain id.
	CreateDomain(ctx context.Context, bootRecord string) (domid int, err error)

	// ReserveMemory reserves memoryKiB for domid ahead of restore.
	ReserveMemory(ctx context.Context, domid int, memoryKiB int64) error

	// RestoreDevices restores device (VBD/VIF) state onto a freshly
	// created domain, before or after storage activation depending on
	// whether the SR requires an explicit activate step.
	RestoreDevices(ctx context.Context, domid int) error

	// Restore consumes a memory image for domid from r.
	Restore(ctx context.Context, domid int, r io.Reader) error

	// Unpause unpauses a freshly restored domain.
	Unpause(ctx context.Context, domid int) error

	// PlugPCI plugs any passthrough PCI devices previously unplugged
	// from the source back into the adopted domain.
	PlugPCI(ctx context.Context, domid int) error

	// InitiatePCIHotUnplug starts the PCI hot-unplug. The protocol
	// supports at most one device; calling it more than once is a
	// caller bug, not retried here.
	InitiatePCIHotUnplug(ctx context.Context, domid int) error

	// WaitPCIHotUnplugComplete blocks until a previously initiated
	// hot-unplug finishes.
	WaitPCIHotUnplugComplete(ctx context.Context, domid int) error

	// VBDPaused reports whether the VBD backing device is currently
	// paused at the hypervisor level.
	VBDPaused(ctx context.Context, device string) (bool, error)

	// RebalanceMemory asks the host to rebalance memory across domains
	// after adoption.
	RebalanceMemory(ctx context.Context) error
}
