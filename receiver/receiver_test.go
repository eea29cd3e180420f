package receiver_test

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/vmcluster/migrate/clusterdb"
	"github.com/vmcluster/migrate/handshake"
	"github.com/vmcluster/migrate/hypervisor"
	"github.com/vmcluster/migrate/liaison"
	"github.com/vmcluster/migrate/model"
	"github.com/vmcluster/migrate/receiver"
	"github.com/vmcluster/migrate/storage"
)

type peer struct {
	ch *handshake.Channel
}

func newTestHarness(t *testing.T) (*receiver.Receiver, *peer, *hypervisor.Fake, *storage.Fake, *clusterdb.Fake) {
	t.Helper()

	a, b := net.Pipe()

	vm := &model.VmRef{UUID: "vm-1", OtherConfig: map[string]string{}}
	db := clusterdb.NewFake(vm)
	st := storage.NewFake()
	hv := hypervisor.NewFake()

	rx := &receiver.Receiver{
		HV:      hv,
		Storage: st,
		DB:      db,
		Chan:    handshake.New(a),
		Sink:    liaison.NoopSink{},
	}

	return rx, &peer{ch: handshake.New(b)}, hv, st, db
}

func TestReceiverHappyPath(t *testing.T) {
	t.Parallel()

	rx, p, hv, st, db := newTestHarness(t)

	vm, err := db.GetVM(context.Background(), "vm-1")
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}

	params := receiver.Params{
		VM:           vm,
		RequiredVDIs: []receiver.RequiredVDI{{VDI: "vdi-1", Mode: storage.RW}},
		MemoryReqKiB: 1 << 20,
		SourceHostID: "host-a",
		HostID:       "host-b",
	}

	resultCh := make(chan *receiver.Result, 1)
	errCh := make(chan error, 1)

	go func() {
		res, err := rx.Run(context.Background(), params, bytes.NewReader(hypervisor.FrameImage([]byte("memory-image"))))
		resultCh <- res
		errCh <- err
	}()

	// Barrier [1]: receiver reports Success.
	if err := p.ch.RecvSuccess(); err != nil {
		t.Fatalf("recv barrier1: %v", err)
	}

	// Barrier [3]: source signals flush/deactivate/detach complete.
	if err := p.ch.SendSuccess(); err != nil {
		t.Fatalf("send barrier3: %v", err)
	}

	// Barrier [4]: receiver confirms adoption.
	if err := p.ch.RecvSuccess(); err != nil {
		t.Fatalf("recv barrier4: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Receiver.Run: %v", err)
	}

	res := <-resultCh
	if res == nil {
		t.Fatal("expected non-nil Result")
	}

	if st.State("vdi-1") != "activated" {
		t.Fatalf("vdi-1 state = %q, want activated", st.State("vdi-1"))
	}

	if len(hv.UnpausedDomids) != 1 {
		t.Fatalf("expected exactly one unpause, got %v", hv.UnpausedDomids)
	}

	gotVM, _ := db.GetVM(context.Background(), "vm-1")
	if gotVM.ResidentOn != "host-b" {
		t.Fatalf("resident_on = %q, want host-b", gotVM.ResidentOn)
	}

	if gotVM.Domid != res.Domid {
		t.Fatalf("vm.Domid = %d, want %d", gotVM.Domid, res.Domid)
	}
}

func TestReceiverAttachFailureRollsBackSubset(t *testing.T) {
	t.Parallel()

	rx, p, hv, st, db := newTestHarness(t)

	vm, _ := db.GetVM(context.Background(), "vm-1")

	st.AttachFails["vdi-bad"] = errAttachBoom

	params := receiver.Params{
		VM: vm,
		RequiredVDIs: []receiver.RequiredVDI{
			{VDI: "vdi-good", Mode: storage.RW},
			{VDI: "vdi-bad", Mode: storage.RW},
		},
	}

	errCh := make(chan error, 1)

	go func() {
		_, err := rx.Run(context.Background(), params, bytes.NewReader(nil))
		errCh <- err
	}()

	ok, peerErr, err := p.ch.Recv()
	if err != nil {
		t.Fatalf("recv barrier1: %v", err)
	}

	if ok {
		t.Fatal("expected Error at barrier 1")
	}

	if peerErr == "" {
		t.Fatal("expected non-empty error message")
	}

	if runErr := <-errCh; runErr == nil {
		t.Fatal("expected Receiver.Run to fail")
	}

	if st.State("vdi-good") != "detached" {
		t.Fatalf("vdi-good should have been rolled back, got %q", st.State("vdi-good"))
	}

	if len(hv.DestroyedDomids) != 0 {
		t.Fatalf("no domain should have been created, got destroyed=%v", hv.DestroyedDomids)
	}
}

func TestReceiverCrashAfterRestoreSurfacesAtUnpause(t *testing.T) {
	t.Parallel()

	rx, p, hv, _, db := newTestHarness(t)
	hv.SimulateCrashAfterRestore = true

	vm, _ := db.GetVM(context.Background(), "vm-1")
	vm.OtherConfig["migration_failure_test_key"] = "5"

	params := receiver.Params{VM: vm}

	errCh := make(chan error, 1)

	go func() {
		_, err := rx.Run(context.Background(), params, bytes.NewReader(hypervisor.FrameImage([]byte("img"))))
		errCh <- err
	}()

	if err := p.ch.RecvSuccess(); err != nil {
		t.Fatalf("recv barrier1: %v", err)
	}

	if err := p.ch.SendSuccess(); err != nil {
		t.Fatalf("send barrier3: %v", err)
	}

	// Adoption fails at unpause, so the receiver reports Error instead
	// of Success at barrier [4].
	ok, _, err := p.ch.Recv()
	if err != nil {
		t.Fatalf("recv barrier4: %v", err)
	}

	if ok {
		t.Fatal("expected Error at barrier 4 after unpause observes a crash")
	}

	runErr := <-errCh
	if runErr == nil {
		t.Fatal("expected unpause-observes-crash failure")
	}
}

var errAttachBoom = &attachBoom{}

type attachBoom struct{}

func (*attachBoom) Error() string { return "attach boom" }
