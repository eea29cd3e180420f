package transmitter_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/vmcluster/migrate/clusterdb"
	"github.com/vmcluster/migrate/faultinject"
	"github.com/vmcluster/migrate/handshake"
	"github.com/vmcluster/migrate/hypervisor"
	"github.com/vmcluster/migrate/liaison"
	"github.com/vmcluster/migrate/model"
	"github.com/vmcluster/migrate/storage"
	"github.com/vmcluster/migrate/transmitter"
)

// peer is a hand-rolled stand-in for the receiver side of the handshake,
// so the transmitter can be tested without a full Receiver.
type peer struct {
	ch *handshake.Channel
}

func newTestHarness(t *testing.T) (*transmitter.Transmitter, *peer, *hypervisor.Fake, *storage.Fake, *clusterdb.Fake) {
	t.Helper()

	a, b := net.Pipe()

	vm := &model.VmRef{UUID: "vm-1", PowerState: model.Running, OtherConfig: map[string]string{}}
	db := clusterdb.NewFake(vm)
	st := storage.NewFake()
	hv := hypervisor.NewFake()
	hv.MemoryImage = []byte("memory-image-bytes")

	tx := &transmitter.Transmitter{
		HV:      hv,
		Storage: st,
		DB:      db,
		Chan:    handshake.New(a),
		Liaison: liaison.AutoAck{},
		Abort:   liaison.NeverAbort{},
		Sink:    liaison.NoopSink{},
	}

	return tx, &peer{ch: handshake.New(b)}, hv, st, db
}

func TestTransmitterHappyPath(t *testing.T) {
	t.Parallel()

	tx, p, hv, st, db := newTestHarness(t)

	vm, err := db.GetVM(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}

	params := transmitter.Params{
		VM:          vm,
		IsLocalhost: false,
		IsLive:      true,
		DestHostID:  "host-b",
		Disks:       []transmitter.Disk{{VDI: "vdi-1", Device: "xvda"}},
	}

	st.SetActivateCapability("vdi-1", true)

	errCh := make(chan error, 1)

	go func() {
		var buf bytes.Buffer
		errCh <- tx.Run(context.TODO(), params, &buf)
	}()

	// Barrier [1]: receiver reports Success.
	if err := p.ch.SendSuccess(); err != nil {
		t.Fatalf("send barrier1: %v", err)
	}

	// Barrier [3]: source should report Success once it has deactivated.
	if err := p.ch.RecvSuccess(); err != nil {
		t.Fatalf("recv barrier3: %v", err)
	}

	// Barrier [4]: receiver confirms adoption.
	if err := p.ch.SendSuccess(); err != nil {
		t.Fatalf("send barrier4: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Transmitter.Run: %v", err)
	}

	if st.State("vdi-1") != "detached" {
		t.Fatalf("vdi-1 state = %q, want detached", st.State("vdi-1"))
	}

	if len(hv.DestroyedDomids) != 1 {
		t.Fatalf("expected local domain destroyed once, got %v", hv.DestroyedDomids)
	}

	if len(db.RRDPushes) != 1 {
		t.Fatalf("expected one RRD push, got %v", db.RRDPushes)
	}
}

func TestTransmitterBarrier1Error(t *testing.T) {
	t.Parallel()

	tx, p, _, st, _ := newTestHarness(t)

	vm := &model.VmRef{UUID: "vm-1", OtherConfig: map[string]string{}}
	params := transmitter.Params{VM: vm, Disks: []transmitter.Disk{{VDI: "vdi-1", Device: "xvda"}}}

	errCh := make(chan error, 1)

	go func() {
		var buf bytes.Buffer
		errCh <- tx.Run(context.TODO(), params, &buf)
	}()

	if err := p.ch.SendError("attach failed"); err != nil {
		t.Fatalf("send barrier1 error: %v", err)
	}

	err := <-errCh
	if err == nil {
		t.Fatal("expected Transmitter.Run to fail")
	}

	if st.AttachCount["vdi-1"] != 0 {
		t.Fatalf("source should never call Attach")
	}
}

func TestTransmitterCrashDuringSuspend(t *testing.T) {
	t.Parallel()

	tx, p, hv, _, _ := newTestHarness(t)
	hv.ForceCrashOnSuspend = true

	vm := &model.VmRef{UUID: "vm-1", OtherConfig: map[string]string{}}
	params := transmitter.Params{VM: vm}

	errCh := make(chan error, 1)

	go func() {
		var buf bytes.Buffer
		errCh <- tx.Run(context.TODO(), params, &buf)
	}()

	if err := p.ch.SendSuccess(); err != nil {
		t.Fatalf("send barrier1: %v", err)
	}

	err := <-errCh
	if err == nil {
		t.Fatal("expected crash-during-suspend error")
	}

	if got := err.Error(); got != "domain crashed while suspending" {
		t.Fatalf("got error %q, want %q", got, "domain crashed while suspending")
	}
}

func TestTransmitterFaultInjectionPoint2CrashDuringSuspend(t *testing.T) {
	t.Parallel()

	tx, p, _, _, _ := newTestHarness(t)

	vm := &model.VmRef{UUID: "vm-1", OtherConfig: map[string]string{
		model.KeyFailureTest: "2",
	}}
	params := transmitter.Params{VM: vm}

	errCh := make(chan error, 1)

	go func() {
		var buf bytes.Buffer
		errCh <- tx.Run(context.TODO(), params, &buf)
	}()

	if err := p.ch.SendSuccess(); err != nil {
		t.Fatalf("send barrier1: %v", err)
	}

	err := <-errCh
	if !errors.Is(err, transmitter.ErrDomainCrashedWhileSuspending) {
		t.Fatalf("got %v, want ErrDomainCrashedWhileSuspending", err)
	}
}

func TestTransmitterFaultInjectionPoint1(t *testing.T) {
	t.Parallel()

	tx, _, _, _, _ := newTestHarness(t)

	vm := &model.VmRef{UUID: "vm-1", OtherConfig: map[string]string{
		model.KeyFailureTest: "1",
	}}
	params := transmitter.Params{VM: vm}

	var buf bytes.Buffer

	err := tx.Run(context.TODO(), params, &buf)
	if err == nil {
		t.Fatal("expected fault-injection point 1 to fail the migration")
	}

	var injErr *faultinject.InjectedError
	if !errors.As(err, &injErr) {
		t.Fatalf("got %v, want *faultinject.InjectedError", err)
	}

	if injErr.Point != faultinject.PointSourceBeforeSuspend {
		t.Fatalf("got point %v, want %v", injErr.Point, faultinject.PointSourceBeforeSuspend)
	}
}
