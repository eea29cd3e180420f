// Package transmitter implements the source side of a live migration:
// pre-checks, memory-image stream, disk flush, deactivate, detach, RRD
// push, local teardown, in that order, across the barriers that hand
// guest ownership to the receiver.
//
// The body is a straight-line guarded block: every exit path runs a
// release built from a mutable ledger, so a failure at any step unwinds
// exactly the resources still owned at that point.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

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

var log = logrus.WithField("subsystem", "transmitter") //nolint:gochecknoglobals

// ErrDomainCrashedWhileSuspending is the diagnostic for a guest that
// crashed instead of suspending: recovery is left to the event thread /
// actions_after_crash policy, not forced here.
var ErrDomainCrashedWhileSuspending = errors.New("domain crashed while suspending")

// Disk describes one RW VBD the transmitter must flush, deactivate and
// detach.
type Disk struct {
	VDI    string
	Device string
}

// Params are the transmitter's inputs for one migration.
type Params struct {
	VM          *model.VmRef
	IsLocalhost bool
	IsLive      bool
	DestHostID  string
	Disks       []Disk
	ExtraPaths  []string // xenstore debug paths from other_config
}

// Transmitter drives the source side of one migration.
type Transmitter struct {
	HV      hypervisor.Capability
	Storage storage.Capability
	DB      clusterdb.Capability
	Chan    *handshake.Channel
	Liaison liaison.SuspendAckLiaison
	Abort   liaison.AbortSource
	Sink    liaison.ProgressSink

	// SuspendAckTimeout bounds the suspend-ack wait. Zero falls back to
	// liaison.DefaultSuspendAckTimeout.
	SuspendAckTimeout time.Duration

	// DefaultHotunplugFrac is the progress fraction at which to fire the
	// one-shot PCI hot-unplug absent a per-VM other_config override. Zero
	// falls back to model.DefaultHotunplugFraction.
	DefaultHotunplugFrac float64
}

// Run executes the full source-side protocol for params, writing the
// memory image to imageOut (the migration byte stream, already connected
// to the receiver).
func (tx *Transmitter) Run(ctx context.Context, params Params, imageOut interface {
	Write(p []byte) (int, error)
},
) error {
	domid, _, err := tx.HV.ResolveDomain(ctx, params.VM.UUID)
	if err != nil {
		return fmt.Errorf("resolve domain: %w", err)
	}

	// Fault-injection point 1: before suspend.
	if err := faultinject.Check(params.VM.OtherConfig, faultinject.PointSourceBeforeSuspend); err != nil {
		return err
	}

	// Barrier [1]: wait for the receiver to have reserved memory,
	// created the proto-domain, attached disks and (unless delayed)
	// restored devices.
	if err := tx.Chan.RecvSuccess(); err != nil {
		return err
	}

	vdis := make([]string, len(params.Disks))
	for i, d := range params.Disks {
		vdis[i] = d.VDI
	}

	ldg := ledger.NewSource(vdis, !params.IsLocalhost)

	hotunplugFrac := tx.DefaultHotunplugFrac
	if hotunplugFrac <= 0 {
		hotunplugFrac = model.DefaultHotunplugFraction
	}

	if raw, ok := params.VM.OtherConfig[model.KeyHotunplugPct]; ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 && f <= 1 {
			hotunplugFrac = f
		}
	}

	unplugStarted := false
	scaled := liaison.ScaledProgress(tx.Sink, 0.95)

	progress := func(x float64) {
		scaled(x)

		if !unplugStarted && x > hotunplugFrac {
			unplugStarted = true

			if err := tx.HV.InitiatePCIHotUnplug(ctx, domid); err != nil {
				log.WithError(err).Warn("best-effort PCI hot-unplug initiate failed")
			}
		}
	}

	preShutdown := func(ctx context.Context) error {
		// Fault-injection point 2: force a domain crash during suspend.
		// Surfacing it from inside the save routine models where the
		// real crash would be observed.
		if faultinject.Active(params.VM.OtherConfig, faultinject.PointSourceCrashDuringSuspend) {
			return &hypervisor.WrongReasonShutdown{Got: hypervisor.ReasonCrashed}
		}

		if err := liaison.RunSuspendAck(ctx, tx.SuspendAckTimeout, tx.Abort, tx.Liaison,
			func(ctx context.Context) error {
				if !unplugStarted {
					unplugStarted = true

					return tx.HV.InitiatePCIHotUnplug(ctx, domid)
				}

				return nil
			},
			func(ctx context.Context) error {
				return tx.HV.WaitPCIHotUnplugComplete(ctx, domid)
			},
		); err != nil {
			return err
		}

		// Only an acked wait reaches this point; the guest may now be
		// cleanly shut down for final state capture.
		return tx.HV.ShutdownWithReason(ctx, domid, hypervisor.ReasonSuspend)
	}

	// Suspend & transmit. Barrier [2] is implicit: when Suspend returns,
	// the memory image is fully written and the guest has shut down with
	// reason Suspend.
	suspendErr := tx.HV.Suspend(ctx, domid, imageOut, params.IsLive, progress, preShutdown)

	result := tx.afterSuspend(ctx, params, domid, ldg, suspendErr)

	// Guaranteed release: runs on every exit from the guarded block.
	releaseErr := ldg.ReleaseFinally(ctx, tx.Storage, tx.Storage)
	if releaseErr != nil {
		log.WithError(releaseErr).Warn("finally: release had best-effort failures")
	}

	destroyErr := tx.HV.DestroyDomain(ctx, domid, params.IsLocalhost, !params.IsLocalhost)
	if destroyErr != nil {
		log.WithError(destroyErr).Warn("finally: destroy local domain failed")
	}

	return result
}

// afterSuspend runs the post-suspend sequence and barrier [3]/[4], or
// classifies suspendErr if Suspend itself failed.
func (tx *Transmitter) afterSuspend(ctx context.Context, params Params, domid int, ldg *ledger.Source, suspendErr error) error {
	if suspendErr != nil {
		return tx.classifySuspendError(ctx, params, suspendErr)
	}

	// Fault-injection point 3: after suspend, before the VBD
	// hard-shutdown below.
	if err := faultinject.Check(params.VM.OtherConfig, faultinject.PointSourceAfterSuspendBeforeFlush); err != nil {
		return err
	}

	// Post-suspend step 1: hard-shutdown all VBDs to flush disk blocks.
	// This runs before barrier [3]: ownership has not transferred yet,
	// so a failure here is an ordinary migration failure, not a
	// point-of-no-return one.
	for _, d := range params.Disks {
		if err := tx.HV.HardShutdownVBD(ctx, domid, d.Device, params.ExtraPaths); err != nil {
			return fmt.Errorf("hard-shutdown vbd %s: %w", d.Device, err)
		}
	}

	// Post-suspend step 2: clear DeactivateInFinally, then (if not
	// localhost) deactivate every VDI inline. Clearing the flag first
	// means a partial failure here is not retried by the guaranteed
	// release path.
	ldg.DeactivateInFinally = false

	if !params.IsLocalhost {
		for _, d := range params.Disks {
			if err := tx.Storage.Deactivate(ctx, d.VDI); err != nil {
				return pkgerrors.Wrapf(err, "deactivate vdi %s", d.VDI)
			}
		}
	}

	// Barrier [3]: signal Success. Ownership of guest identity transfers
	// to the destination here; every failure from this point on must
	// force the local VM record to Halted before propagating.
	if err := tx.Chan.SendSuccess(); err != nil {
		return tx.pastPointOfNoReturn(ctx, params, err)
	}

	// Post-suspend step 4: detach every VDI, best-effort (log-and-
	// continue per VDI), then clear DetachInFinally.
	for _, d := range params.Disks {
		if err := tx.Storage.Detach(ctx, d.VDI); err != nil {
			log.WithField("vdi", d.VDI).WithError(err).Warn("best-effort detach failed")
		}
	}

	ldg.DetachInFinally = false

	// Post-suspend step 5: push RRD telemetry, best-effort.
	if err := tx.DB.PushRRD(ctx, params.VM.UUID, params.DestHostID); err != nil {
		log.WithError(err).Warn("best-effort RRD push failed")
	}

	// Barrier [4]: wait for the destination to confirm it has adopted
	// the VM record. A failure here is also past the point of no
	// return: the destination may or may not have adopted the VM, but
	// the source can no longer claim to be its owner.
	if err := tx.Chan.RecvSuccess(); err != nil {
		return tx.pastPointOfNoReturn(ctx, params, err)
	}

	return nil
}

// classifySuspendError maps a Suspend failure to the diagnostic the
// caller should see.
func (tx *Transmitter) classifySuspendError(ctx context.Context, params Params, err error) error {
	var wrong *hypervisor.WrongReasonShutdown
	if errors.As(err, &wrong) {
		if wrong.Got == hypervisor.ReasonCrashed {
			return ErrDomainCrashedWhileSuspending
		}

		return fmt.Errorf("domain shut down for the wrong reason (%v): %w", wrong.Got, err)
	}

	if errors.Is(err, liaison.ErrAborted) || errors.Is(err, liaison.ErrSuspendAckTimeout) {
		return err
	}

	// Already-classified cluster errors are re-raised verbatim; anything
	// else at this point has not crossed barrier [3], so no state-reset
	// is required.
	return err
}

// pastPointOfNoReturn handles any failure past barrier [3]: the remote
// now owns the guest, so the local VM record is forced to Halted before
// the error propagates.
func (tx *Transmitter) pastPointOfNoReturn(ctx context.Context, params Params, err error) error {
	if haltErr := tx.DB.ForceHalted(ctx, params.VM.UUID); haltErr != nil {
		log.WithError(haltErr).Warn("failed to force local VM record to Halted past point of no return")
	}

	return err
}
