package faultinject_test

import (
	"errors"
	"testing"

	"github.com/vmcluster/migrate/faultinject"
	"github.com/vmcluster/migrate/model"
)

func TestActive(t *testing.T) { // nolint:paralleltest
	for _, tt := range []struct {
		name        string
		otherConfig map[string]string
		want        faultinject.Point
		active      bool
	}{
		{name: "no key", otherConfig: map[string]string{}, want: faultinject.PointSourceBeforeSuspend, active: false},
		{
			name:        "matching point",
			otherConfig: map[string]string{model.KeyFailureTest: "3"},
			want:        faultinject.PointSourceAfterSuspendBeforeFlush,
			active:      true,
		},
		{
			name:        "mismatched point",
			otherConfig: map[string]string{model.KeyFailureTest: "3"},
			want:        faultinject.PointDestBeforeMemoryRestore,
			active:      false,
		},
		{
			name:        "non-numeric key",
			otherConfig: map[string]string{model.KeyFailureTest: "bogus"},
			want:        faultinject.PointSourceBeforeSuspend,
			active:      false,
		},
	} {
		if got := faultinject.Active(tt.otherConfig, tt.want); got != tt.active {
			t.Errorf("%s: Active() = %v, want %v", tt.name, got, tt.active)
		}
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	err := faultinject.Check(map[string]string{model.KeyFailureTest: "4"}, faultinject.PointDestBeforeMemoryRestore)
	if err == nil {
		t.Fatal("expected a triggered fault")
	}

	if !errors.Is(err, faultinject.ErrInjected) {
		t.Errorf("Check() error does not wrap ErrInjected: %v", err)
	}

	var injected *faultinject.InjectedError
	if !errors.As(err, &injected) {
		t.Fatalf("Check() error is not an *InjectedError: %v", err)
	}

	if injected.Point != faultinject.PointDestBeforeMemoryRestore {
		t.Errorf("InjectedError.Point = %v, want %v", injected.Point, faultinject.PointDestBeforeMemoryRestore)
	}

	if err := faultinject.Check(map[string]string{model.KeyFailureTest: "1"}, faultinject.PointDestBeforeMemoryRestore); err != nil {
		t.Errorf("Check() = %v, want nil for a non-matching point", err)
	}

	if err := faultinject.Check(nil, faultinject.PointSourceBeforeSuspend); err != nil {
		t.Errorf("Check(nil) = %v, want nil", err)
	}
}
