// Package model defines the cluster-level data types a migration operates
// over: VM and VBD references, the VDI lifecycle, and the other_config
// keys the core consumes.
//
// These types describe what the cluster database and hypervisor hold; the
// core never stores them itself beyond the lifetime of one migration; see
// clusterdb, hypervisor and storage for the capabilities that read and
// mutate the real records.
package model

// PowerState is a VM's power state as recorded in the cluster database.
type PowerState int

const (
	Halted PowerState = iota
	Paused
	Suspended
	Running
)

func (p PowerState) String() string {
	switch p {
	case Halted:
		return "Halted"
	case Paused:
		return "Paused"
	case Suspended:
		return "Suspended"
	case Running:
		return "Running"
	default:
		return "Unknown"
	}
}

// VdiMode is the attach mode requested for a VBD/VDI pair.
type VdiMode int

const (
	RO VdiMode = iota
	RW
)

// VmRef is the opaque identity of a guest in the cluster database.
type VmRef struct {
	UUID string

	PowerState  PowerState
	ResidentOn  string // host id currently running the VM, "" if halted
	Affinity    string // preferred host id, used by the trivial (non-live) path
	Domid       int    // current hypervisor domain id, -1 if none
	BootRecord  string // opaque snapshot reference used as the create template
	VBDs        []VbdRef
	OtherConfig map[string]string
}

// VbdRef is a guest disk attachment.
type VbdRef struct {
	Ref               string
	VDI               string
	Mode              VdiMode
	CurrentlyAttached bool
	Empty             bool
	Paused            bool
	Device            string // derived hypervisor device handle, e.g. "xvda"
}

// VdiLifecycle is the state (Detached, Attached or Activated) a VDI moves
// through on each side of a migration. Activated requires prior Attached; Detached requires prior
// Deactivated unless the SR lacks the activate capability, in which case
// only Attached<->Detached transitions occur.
type VdiLifecycle int

const (
	Detached VdiLifecycle = iota
	Attached
	Activated
)

func (l VdiLifecycle) String() string {
	switch l {
	case Attached:
		return "attached"
	case Activated:
		return "activated"
	default:
		return "detached"
	}
}

// The other_config entries the migration engine consumes.
const (
	KeyFailureTest  = "migration_failure_test_key"
	KeyExtraPaths   = "migration_extra_paths_key"
	KeyHotunplugPct = "pci-hotunplug-time"
)

// DefaultHotunplugFraction is the progress fraction, in [0,1], at which the
// transmitter fires the one-shot PCI hot-unplug when other_config carries
// no override.
const DefaultHotunplugFraction = 0.8

