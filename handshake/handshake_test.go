package handshake_test

import (
	"io"
	"net"
	"testing"

	"github.com/vmcluster/migrate/handshake"
)

// pipe returns two connected Channels backed by an in-memory net.Pipe.
func pipe() (*handshake.Channel, *handshake.Channel) {
	a, b := net.Pipe()

	return handshake.New(a), handshake.New(b)
}

func TestSuccessRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := pipe()

	go func() {
		if err := a.SendSuccess(); err != nil {
			t.Errorf("SendSuccess: %v", err)
		}
	}()

	ok, peerErr, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if !ok {
		t.Fatalf("got Error(%q), want Success", peerErr)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := pipe()

	go func() {
		if err := a.SendError("disk attach failed"); err != nil {
			t.Errorf("SendError: %v", err)
		}
	}()

	ok, peerErr, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if ok {
		t.Fatal("got Success, want Error")
	}

	if peerErr != "disk attach failed" {
		t.Fatalf("got error %q, want %q", peerErr, "disk attach failed")
	}
}

func TestRecvSuccessSurfacesError(t *testing.T) {
	t.Parallel()

	a, b := pipe()

	go func() {
		_ = a.SendError("boom")
	}()

	err := b.RecvSuccess()
	if err == nil {
		t.Fatal("RecvSuccess: expected error")
	}
}

func TestShortReadIsRemoteFailed(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	ch := handshake.New(&readWriterPair{r: pr, w: pw})

	go func() {
		// Write a single byte of a two-byte header, then close.
		_, _ = pw.Write([]byte{0x00})
		pw.Close()
	}()

	_, _, err := ch.Recv()
	if err == nil {
		t.Fatal("expected error on short read")
	}
}

type readWriterPair struct {
	r io.Reader
	w io.Writer
}

func (p *readWriterPair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *readWriterPair) Write(b []byte) (int, error) { return p.w.Write(b) }
