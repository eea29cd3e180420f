package hypervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrNoSuchDomain is returned by the fake when asked to operate on a domid
// it never created.
var ErrNoSuchDomain = errors.New("hypervisor: no such domain")

// Fake is an in-memory Capability for tests; it never touches real
// hardware and lets a test script force specific failures.
type Fake struct {
	mu sync.Mutex

	nextDomid int
	domains   map[int]*fakeDomain

	// MemoryImage is the byte payload Suspend writes and Restore reads,
	// simulating the guest's memory image.
	MemoryImage []byte

	// ForceCrashOnSuspend, when true, makes Suspend return a
	// WrongReasonShutdown{Got: ReasonCrashed} instead of completing
	// normally, as fault-injection point 2 does.
	ForceCrashOnSuspend bool

	// SuspendFails, when non-nil, is returned by Suspend verbatim.
	SuspendFails error

	// RestoreFails, when non-nil, is returned by Restore verbatim.
	RestoreFails error

	// CreateDomainFails, when non-nil, is returned by CreateDomain.
	CreateDomainFails error

	// SimulateCrashAfterRestore marks the domain as crashed once
	// restored, so a later Unpause observes it (fault-injection point 5).
	SimulateCrashAfterRestore bool

	// PausedDevices marks VBD backing devices as paused, for the
	// no-paused-VBDs admission gate.
	PausedDevices map[string]bool

	DestroyedDomids []int
	UnpausedDomids  []int
}

type fakeDomain struct {
	bootRecord string
	paused     bool
	crashed    bool
	memoryKiB  int64
}

// NewFake returns an empty Fake hypervisor.
func NewFake() *Fake {
	return &Fake{domains: make(map[int]*fakeDomain), nextDomid: 1}
}

func (f *Fake) ResolveDomain(_ context.Context, _ string) (int, bool, error) {
	return 0, true, nil
}

func (f *Fake) Suspend(_ context.Context, _ int, w io.Writer, _ bool, progress ProgressFunc, preShutdown PreShutdownFunc) error {
	if f.SuspendFails != nil {
		return f.SuspendFails
	}

	if progress != nil {
		progress(0.5)
		progress(0.9)
	}

	if preShutdown != nil {
		if err := preShutdown(context.Background()); err != nil {
			return err
		}
	}

	if f.ForceCrashOnSuspend {
		return &WrongReasonShutdown{Got: ReasonCrashed}
	}

	if _, err := w.Write(FrameImage(f.MemoryImage)); err != nil {
		return fmt.Errorf("fake suspend write: %w", err)
	}

	return nil
}

// FrameImage length-prefixes a memory image the way the fake's Suspend
// writes it and Restore reads it. A real save/restore format is
// self-delimiting too: the restore side must stop at the end of the image,
// not at connection close, because the byte stream stays open for the
// remaining barrier frames.
func FrameImage(image []byte) []byte {
	out := make([]byte, 4+len(image))
	binary.BigEndian.PutUint32(out, uint32(len(image)))
	copy(out[4:], image)

	return out
}

func (f *Fake) ShutdownWithReason(_ context.Context, _ int, _ ShutdownReason) error { return nil }

func (f *Fake) HardShutdownVBD(_ context.Context, _ int, _ string, _ []string) error { return nil }

func (f *Fake) DestroyDomain(_ context.Context, domid int, _, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.domains, domid)
	f.DestroyedDomids = append(f.DestroyedDomids, domid)

	return nil
}

func (f *Fake) CreateDomain(_ context.Context, bootRecord string) (int, error) {
	if f.CreateDomainFails != nil {
		return 0, f.CreateDomainFails
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	domid := f.nextDomid
	f.nextDomid++
	f.domains[domid] = &fakeDomain{bootRecord: bootRecord, paused: true}

	return domid, nil
}

func (f *Fake) ReserveMemory(_ context.Context, domid int, kib int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.domains[domid]
	if !ok {
		return ErrNoSuchDomain
	}

	d.memoryKiB = kib

	return nil
}

func (f *Fake) RestoreDevices(_ context.Context, domid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.domains[domid]; !ok {
		return ErrNoSuchDomain
	}

	return nil
}

func (f *Fake) Restore(_ context.Context, domid int, r io.Reader) error {
	if f.RestoreFails != nil {
		return f.RestoreFails
	}

	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("fake restore read header: %w", err)
	}

	buf := make([]byte, binary.BigEndian.Uint32(hdr))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("fake restore read image: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.domains[domid]
	if !ok {
		return ErrNoSuchDomain
	}

	f.MemoryImage = buf

	if f.SimulateCrashAfterRestore {
		d.crashed = true
	}

	return nil
}

func (f *Fake) Unpause(_ context.Context, domid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.domains[domid]
	if !ok {
		return ErrNoSuchDomain
	}

	if d.crashed {
		return &WrongReasonShutdown{Got: ReasonCrashed}
	}

	d.paused = false
	f.UnpausedDomids = append(f.UnpausedDomids, domid)

	return nil
}

func (f *Fake) PlugPCI(_ context.Context, _ int) error { return nil }

func (f *Fake) InitiatePCIHotUnplug(_ context.Context, _ int) error { return nil }

func (f *Fake) WaitPCIHotUnplugComplete(_ context.Context, _ int) error { return nil }

func (f *Fake) VBDPaused(_ context.Context, device string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.PausedDevices[device], nil
}

func (f *Fake) RebalanceMemory(_ context.Context) error { return nil }

var _ Capability = (*Fake)(nil)
