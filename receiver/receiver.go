// Package receiver implements the destination side of a live migration:
// disk attach, domain create, memory reserve, device restore,
// memory-image restore, activate, unpause, adopt record, in that order,
// across the barriers that receive guest ownership from the transmitter.
package receiver

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmcluster/migrate/clusterdb"
	"github.com/vmcluster/migrate/faultinject"
	"github.com/vmcluster/migrate/handshake"
	"github.com/vmcluster/migrate/hypervisor"
	"github.com/vmcluster/migrate/ledger"
	"github.com/vmcluster/migrate/liaison"
	"github.com/vmcluster/migrate/model"
	"github.com/vmcluster/migrate/storage"
)

var log = logrus.WithField("subsystem", "receiver") //nolint:gochecknoglobals

// RequiredVDI is a VDI the receiver must attach before resume, with its
// requested mode.
type RequiredVDI struct {
	VDI  string
	Mode storage.Mode
}

// Params are the receiver's inputs for one migration.
type Params struct {
	VM           *model.VmRef // already remapped through PeerLookup
	IsLocalhost  bool
	RequiredVDIs []RequiredVDI
	MemoryReqKiB int64
	SourceHostID string
	HostID       string // this (destination) host's id
}

// Result is what the receiver hands back to its caller (the admission
// handler) on success.
type Result struct {
	Domid int
}

// Receiver drives the destination side of one migration.
type Receiver struct {
	HV      hypervisor.Capability
	Storage storage.Capability
	DB      clusterdb.Capability
	Chan    *handshake.Channel
	Sink    liaison.ProgressSink
}

// Run executes the full destination-side protocol for params, consuming
// the memory image from imageIn (the migration byte stream).
func (rx *Receiver) Run(ctx context.Context, params Params, imageIn interface {
	Read(p []byte) (int, error)
},
) (*Result, error) {
	ldg := ledger.NewDestination()

	delayDeviceCreate, err := rx.attachPhase(ctx, params, ldg)
	if err != nil {
		// Barrier [1]: Error. No domain created; attached subset
		// already rolled back inside attachPhase.
		_ = rx.Chan.SendError(err.Error())

		return nil, err
	}

	domid, err := rx.createDomainPhase(ctx, params, delayDeviceCreate)
	if err != nil {
		// domid may be non-zero even on error (e.g. ReserveMemory
		// failed after CreateDomain succeeded); the proto-domain is
		// invisible to any other cleanup path, so destroy it here.
		rx.destroyProtoDomain(ctx, domid, params.IsLocalhost)
		_ = rx.Chan.SendError(err.Error())

		return nil, err
	}

	ldg.CreatedDomid = domid

	// Fault-injection point 4: destination, before memory restore.
	if err := faultinject.Check(params.VM.OtherConfig, faultinject.PointDestBeforeMemoryRestore); err != nil {
		rx.destroyProtoDomain(ctx, domid, params.IsLocalhost)
		_ = rx.Chan.SendError(err.Error())

		return nil, err
	}

	// Barrier [1]: Success. The receiver has reserved memory, created
	// the proto-domain, attached disks and (unless delayed) restored
	// devices.
	if err := rx.Chan.SendSuccess(); err != nil {
		rx.destroyProtoDomain(ctx, domid, params.IsLocalhost)

		return nil, err
	}

	// Memory-image restore. Barrier [2] is implicit: Restore returning
	// means the image has been fully consumed.
	if err := rx.HV.Restore(ctx, domid, imageIn); err != nil {
		rx.destroyProtoDomain(ctx, domid, params.IsLocalhost)

		return nil, fmt.Errorf("restore memory image: %w", err)
	}

	// Fault-injection point 5: simulated destination crash after
	// restore. Not fatal here; the migration continues and the crash is
	// observed later, at unpause.
	if faultinject.Active(params.VM.OtherConfig, faultinject.PointDestCrashAfterRestore) {
		log.Warn("fault injection point 5: continuing after simulated post-restore crash")
	}

	// Barrier [3]: wait for the source to confirm it has flushed,
	// deactivated and detached its disks.
	if err := rx.Chan.RecvSuccess(); err != nil {
		rx.destroyProtoDomain(ctx, domid, params.IsLocalhost)

		return nil, err
	}

	if err := rx.activatePhase(ctx, params, delayDeviceCreate, domid); err != nil {
		// Activation rollback already ran inside activatePhase; detach is
		// the outer cleanup for every failure past barrier [3].
		if derr := ldg.DetachAll(ctx, rx.Storage); derr != nil {
			log.WithError(derr).Warn("activate failure: detach-all had best-effort failures")
		}

		return nil, err
	}

	if err := rx.adopt(ctx, params, domid); err != nil {
		// The crashed-or-unadoptable domain is left to the crash
		// policy; detach is the outer cleanup on an adoption failure.
		if derr := ldg.DetachAll(ctx, rx.Storage); derr != nil {
			log.WithError(derr).Warn("adopt failure: detach-all had best-effort failures")
		}

		_ = rx.Chan.SendError(err.Error())

		return nil, err
	}

	// Barrier [4]: Success. Logical completion of the migration.
	if err := rx.Chan.SendSuccess(); err != nil {
		return nil, err
	}

	return &Result{Domid: domid}, nil
}

// attachPhase attempts Attach on every required VDI; on the first failure
// (of an attach or of the activate-capability query) it rolls back the
// already-attached subset and returns that error.
// It reports whether any VDI requires the delayed-device-create path.
func (rx *Receiver) attachPhase(ctx context.Context, params Params, ldg *ledger.Destination) (delayDeviceCreate bool, err error) {
	for _, v := range params.RequiredVDIs {
		if _, attachErr := rx.Storage.Attach(ctx, v.VDI, v.Mode); attachErr != nil {
			for _, attached := range ldg.AttachedVDIs {
				if derr := rx.Storage.Detach(ctx, attached); derr != nil {
					log.WithField("vdi", attached).WithError(derr).Warn("attach rollback: detach failed")
				}
			}

			return false, pkgerrors.Wrapf(attachErr, "attach vdi %s", v.VDI)
		}

		ldg.MarkAttached(v.VDI)

		has, capErr := rx.Storage.HasActivateCapability(ctx, v.VDI)
		if capErr != nil {
			if derr := ldg.DetachAll(ctx, rx.Storage); derr != nil {
				log.WithError(derr).Warn("attach rollback: detach failed")
			}

			return false, fmt.Errorf("query activate capability for %s: %w", v.VDI, capErr)
		}

		if has {
			delayDeviceCreate = true
		}
	}

	return delayDeviceCreate, nil
}

// createDomainPhase creates the proto-domain, reserves memory, and (unless
// delayed) restores devices.
func (rx *Receiver) createDomainPhase(ctx context.Context, params Params, delayDeviceCreate bool) (int, error) {
	domid, err := rx.HV.CreateDomain(ctx, params.VM.BootRecord)
	if err != nil {
		return 0, fmt.Errorf("create domain: %w", err)
	}

	if err := rx.HV.ReserveMemory(ctx, domid, params.MemoryReqKiB); err != nil {
		return domid, fmt.Errorf("reserve memory: %w", err)
	}

	if !delayDeviceCreate {
		if err := rx.HV.RestoreDevices(ctx, domid); err != nil {
			return domid, fmt.Errorf("restore devices: %w", err)
		}
	}

	return domid, nil
}

// activatePhase activates VDIs (unless localhost) and, if device creation
// was delayed, restores devices now.
func (rx *Receiver) activatePhase(ctx context.Context, params Params, delayDeviceCreate bool, domid int) error {
	if !params.IsLocalhost {
		for _, v := range params.RequiredVDIs {
			if err := rx.Storage.Activate(ctx, v.VDI); err != nil {
				rx.rollbackActivate(ctx, params, domid)

				return pkgerrors.Wrapf(err, "activate vdi %s", v.VDI)
			}
		}
	}

	if delayDeviceCreate {
		if err := rx.HV.RestoreDevices(ctx, domid); err != nil {
			rx.rollbackActivate(ctx, params, domid)

			return fmt.Errorf("restore delayed devices: %w", err)
		}
	}

	return nil
}

// rollbackActivate best-effort deactivates (if not localhost) and destroys
// the domain on an activation-phase failure.
func (rx *Receiver) rollbackActivate(ctx context.Context, params Params, domid int) {
	if !params.IsLocalhost {
		for _, v := range params.RequiredVDIs {
			if err := rx.Storage.Deactivate(ctx, v.VDI); err != nil {
				log.WithField("vdi", v.VDI).WithError(err).Warn("activate rollback: deactivate failed")
			}
		}
	}

	rx.destroyProtoDomain(ctx, domid, params.IsLocalhost)
}

// adopt unpauses the domain, plugs PCI passthrough devices, and updates
// the VM record.
func (rx *Receiver) adopt(ctx context.Context, params Params, domid int) error {
	if err := rx.HV.Unpause(ctx, domid); err != nil {
		var wrong *hypervisor.WrongReasonShutdown
		if errors.As(err, &wrong) {
			return fmt.Errorf("unpause observed a crashed domain: %w", err)
		}

		return fmt.Errorf("unpause: %w", err)
	}

	if err := rx.HV.PlugPCI(ctx, domid); err != nil {
		log.WithError(err).Warn("best-effort PCI plug failed")
	}

	if err := rx.DB.SetResidentOn(ctx, params.VM.UUID, params.HostID, domid); err != nil {
		return fmt.Errorf("adopt VM record: %w", err)
	}

	if err := rx.HV.RebalanceMemory(ctx); err != nil {
		log.WithError(err).Warn("best-effort memory rebalance failed")
	}

	if rx.Sink != nil {
		rx.Sink.Report(1.0)
	}

	return nil
}

func (rx *Receiver) destroyProtoDomain(ctx context.Context, domid int, isLocalhost bool) {
	if domid == 0 {
		return
	}

	if err := rx.HV.DestroyDomain(ctx, domid, isLocalhost, !isLocalhost); err != nil {
		log.WithField("domid", domid).WithError(err).Warn("destroy proto-domain failed")
	}
}
