// Package ledger tracks, per side of a migration, which disks are
// attached/activated and which domain is created, so that a failure at
// any point can be unwound to exactly the resources that were actually
// acquired, never more and never less.
//
// The shape is start-an-obligation, arm a release for it, disarm the
// release once a later step takes over that obligation explicitly.
package ledger

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "ledger") //nolint:gochecknoglobals

// Source is the resource ledger kept by the transmitter.
type Source struct {
	// DeactivateInFinally is true while the source still owns the
	// obligation to deactivate its VDIs. Cleared once the post-suspend
	// sequence deactivates them itself.
	DeactivateInFinally bool

	// DetachInFinally is true while the source still owns the obligation
	// to detach its VDIs. Cleared after the explicit detach step.
	DetachInFinally bool

	vdis []string
}

// NewSource returns a Source ledger for a migration of the given VDIs.
// deactivateOwned should be true unless the migration is localhost, which
// never deactivates the shared storage under the guest.
func NewSource(vdis []string, deactivateOwned bool) *Source {
	return &Source{
		DeactivateInFinally: deactivateOwned,
		DetachInFinally:     true,
		vdis:                append([]string(nil), vdis...),
	}
}

// VDIs returns the VDIs this ledger was constructed with.
func (s *Source) VDIs() []string { return s.vdis }

// Deactivator deactivates a VDI; Detacher detaches one. Both are
// best-effort from the ledger's point of view: the ledger logs and
// aggregates failures but never masks the migration's primary error.
type Deactivator interface {
	Deactivate(ctx context.Context, vdi string) error
}

type Detacher interface {
	Detach(ctx context.Context, vdi string) error
}

// ReleaseFinally runs the guaranteed release path for a source ledger: if
// DeactivateInFinally is still set, deactivate every VDI; if
// DetachInFinally is still set, detach every VDI. Each per-VDI failure is
// logged and folded into the returned multierror; release failures never
// mask the migration's first error, so the caller only logs the result.
func (s *Source) ReleaseFinally(ctx context.Context, st Deactivator, dt Detacher) error {
	var result *multierror.Error

	if s.DeactivateInFinally {
		for _, vdi := range s.vdis {
			if err := st.Deactivate(ctx, vdi); err != nil {
				log.WithField("vdi", vdi).WithError(err).Warn("finally: deactivate failed")
				result = multierror.Append(result, err)
			}
		}
	}

	if s.DetachInFinally {
		for _, vdi := range s.vdis {
			if err := dt.Detach(ctx, vdi); err != nil {
				log.WithField("vdi", vdi).WithError(err).Warn("finally: detach failed")
				result = multierror.Append(result, err)
			}
		}
	}

	return result.ErrorOrNil()
}

// Destination is the resource ledger kept by the receiver.
type Destination struct {
	// AttachedVDIs is the set of VDIs this side has successfully
	// attached and has not yet detached.
	AttachedVDIs []string

	// CreatedDomid is the proto-domain's domain id, or -1 if none has
	// been created yet. A proto-domain is invisible to the event
	// thread's crash cleanup, so the receiver alone is responsible for
	// destroying it on failure.
	CreatedDomid int
}

// NewDestination returns an empty Destination ledger.
func NewDestination() *Destination {
	return &Destination{CreatedDomid: -1}
}

// MarkAttached records a successful attach.
func (d *Destination) MarkAttached(vdi string) {
	d.AttachedVDIs = append(d.AttachedVDIs, vdi)
}

// DetachAll best-effort detaches every VDI this ledger has recorded as
// attached, regardless of whether a later activate step ran; detach of an
// already-detached VDI is a no-op on the storage interface, so there is
// no guard here.
func (d *Destination) DetachAll(ctx context.Context, dt Detacher) error {
	var result *multierror.Error

	for _, vdi := range d.AttachedVDIs {
		if err := dt.Detach(ctx, vdi); err != nil {
			log.WithField("vdi", vdi).WithError(err).Warn("detach-all: detach failed")
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
