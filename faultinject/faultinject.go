// Package faultinject implements the deterministic test faults keyed by a
// VM's other_config. Each fault point is a no-op unless the VM carries
// migration_failure_test_key set to that point's number.
package faultinject

import (
	"errors"
	"strconv"

	"github.com/vmcluster/migrate/model"
)

// Point identifies one of the five deterministic fault-injection points.
type Point int

const (
	// PointSourceBeforeSuspend fires on the source before suspend begins.
	PointSourceBeforeSuspend Point = 1
	// PointSourceCrashDuringSuspend forces a simulated domain crash
	// during the suspend call.
	PointSourceCrashDuringSuspend Point = 2
	// PointSourceAfterSuspendBeforeFlush fires on the source after
	// suspend returns but before the VBD flush.
	PointSourceAfterSuspendBeforeFlush Point = 3
	// PointDestBeforeMemoryRestore fires on the destination just before
	// the memory image is consumed.
	PointDestBeforeMemoryRestore Point = 4
	// PointDestCrashAfterRestore simulates a destination-side crash
	// after memory restore completes; the migration is expected to
	// continue (the crash surfaces later, at unpause).
	PointDestCrashAfterRestore Point = 5
)

// ErrInjected is wrapped by the error every triggered fault point returns.
var ErrInjected = errors.New("fault injection")

// InjectedError reports which point fired.
type InjectedError struct {
	Point Point
}

func (e *InjectedError) Error() string {
	return "fault injection point " + strconv.Itoa(int(e.Point)) + " triggered"
}

func (e *InjectedError) Unwrap() error { return ErrInjected }

// Active reports whether other_config requests the fault point want.
func Active(otherConfig map[string]string, want Point) bool {
	raw, ok := otherConfig[model.KeyFailureTest]
	if !ok {
		return false
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return false
	}

	return Point(n) == want
}

// Check returns an *InjectedError if other_config requests want, else nil.
// Use at the non-crash fault points (1, 3, 4); point 2 and 5 have their own
// hypervisor-level effect and are checked via Active instead.
func Check(otherConfig map[string]string, want Point) error {
	if Active(otherConfig, want) {
		return &InjectedError{Point: want}
	}

	return nil
}
