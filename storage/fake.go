package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vmcluster/migrate/model"
)

// ErrNotAttached is returned by Activate when the VDI was never (or is no
// longer) attached.
var ErrNotAttached = errors.New("storage: vdi not attached")

// Fake is an in-memory Capability for tests.
type Fake struct {
	mu sync.Mutex

	states             map[string]model.VdiLifecycle
	activateCapability map[string]bool // defaults to true if absent

	// AttachFails, keyed by VDI, forces Attach to fail for that VDI.
	AttachFails map[string]error

	AttachCount   map[string]int
	DetachCount   map[string]int
	ActivateCount map[string]int
}

// NewFake returns an empty Fake storage backend. By default every VDI has
// the activate capability; use SetActivateCapability to override per-VDI.
func NewFake() *Fake {
	return &Fake{
		states:             make(map[string]model.VdiLifecycle),
		activateCapability: make(map[string]bool),
		AttachFails:        make(map[string]error),
		AttachCount:        make(map[string]int),
		DetachCount:        make(map[string]int),
		ActivateCount:      make(map[string]int),
	}
}

// SetActivateCapability overrides whether vdi's SR supports the activate
// step.
func (f *Fake) SetActivateCapability(vdi string, has bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.activateCapability[vdi] = has
}

func (f *Fake) Attach(_ context.Context, vdi string, _ Mode) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.AttachCount[vdi]++

	if err, ok := f.AttachFails[vdi]; ok && err != nil {
		return "", err
	}

	f.states[vdi] = model.Attached

	return "xvd-" + vdi, nil
}

func (f *Fake) Detach(_ context.Context, vdi string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DetachCount[vdi]++
	f.states[vdi] = model.Detached

	return nil
}

func (f *Fake) Activate(_ context.Context, vdi string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ActivateCount[vdi]++

	if f.states[vdi] != model.Attached && f.states[vdi] != model.Activated {
		return fmt.Errorf("activate %s: %w", vdi, ErrNotAttached)
	}

	f.states[vdi] = model.Activated

	return nil
}

func (f *Fake) Deactivate(_ context.Context, vdi string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.states[vdi] == model.Activated {
		f.states[vdi] = model.Attached
	}

	return nil
}

func (f *Fake) HasActivateCapability(_ context.Context, vdi string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	has, ok := f.activateCapability[vdi]
	if !ok {
		return true, nil
	}

	return has, nil
}

// State reports the current lifecycle state of vdi, for assertions.
func (f *Fake) State(vdi string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.states[vdi].String()
}

var _ Capability = (*Fake)(nil)
