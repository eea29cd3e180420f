package clusterdb

import (
	"context"
	"errors"
	"sync"

	"github.com/vmcluster/migrate/model"
)

// ErrNoSuchVM is returned when a fake operation targets an unknown VM.
var ErrNoSuchVM = errors.New("clusterdb: no such vm")

// Fake is an in-memory Capability for tests.
type Fake struct {
	mu sync.Mutex

	vms map[string]*model.VmRef

	DisabledHosts  map[string]bool
	CPUFlagsByHost map[string]map[string]bool
	MemoryKiB      map[string]int64

	RRDPushes []string // "vmUUID->destHostID" entries, for assertions

	locked map[string]bool
}

// NewFake returns a Fake cluster database seeded with vms.
func NewFake(vms ...*model.VmRef) *Fake {
	f := &Fake{
		vms:            make(map[string]*model.VmRef),
		DisabledHosts:  make(map[string]bool),
		CPUFlagsByHost: make(map[string]map[string]bool),
		MemoryKiB:      make(map[string]int64),
		locked:         make(map[string]bool),
	}

	for _, vm := range vms {
		f.vms[vm.UUID] = vm
	}

	return f
}

func (f *Fake) GetVM(_ context.Context, vmUUID string) (*model.VmRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, ok := f.vms[vmUUID]
	if !ok {
		return nil, ErrNoSuchVM
	}

	cp := *vm

	return &cp, nil
}

func (f *Fake) SetAffinity(_ context.Context, vmUUID, hostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, ok := f.vms[vmUUID]
	if !ok {
		return ErrNoSuchVM
	}

	vm.Affinity = hostID

	return nil
}

func (f *Fake) SetResidentOn(_ context.Context, vmUUID, hostID string, domid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, ok := f.vms[vmUUID]
	if !ok {
		return ErrNoSuchVM
	}

	vm.ResidentOn = hostID
	vm.Domid = domid
	vm.PowerState = model.Running

	return nil
}

func (f *Fake) ForceHalted(_ context.Context, vmUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, ok := f.vms[vmUUID]
	if !ok {
		return ErrNoSuchVM
	}

	vm.PowerState = model.Halted
	vm.ResidentOn = ""
	vm.Domid = -1

	return nil
}

func (f *Fake) Lock(_ context.Context, vmUUID string) (func(), error) {
	f.mu.Lock()
	f.locked[vmUUID] = true
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.locked, vmUUID)
		f.mu.Unlock()
	}, nil
}

// Locked reports whether vmUUID's cluster lock is currently held, for test
// assertions.
func (f *Fake) Locked(vmUUID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.locked[vmUUID]
}

func (f *Fake) HostDisabled(_ context.Context, hostID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.DisabledHosts[hostID], nil
}

func (f *Fake) CPUFlags(_ context.Context, hostID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.CPUFlagsByHost[hostID], nil
}

func (f *Fake) PushRRD(_ context.Context, vmUUID, destHostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RRDPushes = append(f.RRDPushes, vmUUID+"->"+destHostID)

	return nil
}

func (f *Fake) EstimateMemoryKiB(_ context.Context, vmUUID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if kib, ok := f.MemoryKiB[vmUUID]; ok {
		return kib, nil
	}

	return 1 << 20, nil // 1 GiB default
}

var _ Capability = (*Fake)(nil)
