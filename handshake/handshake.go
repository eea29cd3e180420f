// Package handshake implements the minimal framed signalling protocol the
// transmitter and receiver use to cross the four migration barriers. Each
// message is a u16 big-endian length followed by that many payload bytes:
// length 0 means Success, length > 0 carries a UTF-8 error message.
//
// The channel deliberately carries nothing else: no versioning, no
// heartbeats. Signalling bypasses the cluster database and its locks so
// that the two hosts cannot deadlock against each other while each holds
// the lock it needs to make progress.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxPayload is the largest payload the u16 length prefix can describe;
// send rejects anything longer instead of writing a truncated length.
const maxPayload = 1<<16 - 1

// ErrRemoteFailed wraps an error message received from, or caused by a
// short read/write to, the peer.
var ErrRemoteFailed = errors.New("remote failed")

// RemoteFailed reports a framing or peer-signalled failure.
type RemoteFailed struct {
	Reason string
}

func (e *RemoteFailed) Error() string { return fmt.Sprintf("remote failed: %s", e.Reason) }

func (e *RemoteFailed) Unwrap() error { return ErrRemoteFailed }

func remoteFailedf(format string, args ...any) error {
	return &RemoteFailed{Reason: fmt.Sprintf(format, args...)}
}

// Channel is a bidirectional handshake endpoint over an already-connected
// byte stream.
type Channel struct {
	rw io.ReadWriter
}

// New wraps rw (typically a net.Conn) as a handshake Channel.
func New(rw io.ReadWriter) *Channel { return &Channel{rw: rw} }

// SendSuccess signals Success to the peer: a barrier crossing with nothing
// further to report.
func (c *Channel) SendSuccess() error { return c.send(nil) }

// SendError signals Error(msg) to the peer.
func (c *Channel) SendError(msg string) error { return c.send([]byte(msg)) }

func (c *Channel) send(payload []byte) error {
	if len(payload) > maxPayload {
		return remoteFailedf("payload too large: %d bytes", len(payload))
	}

	hdr := make([]byte, 2)
	binary.BigEndian.PutUint16(hdr, uint16(len(payload)))

	if _, err := c.rw.Write(hdr); err != nil {
		return remoteFailedf("write header: %v", err)
	}

	if len(payload) > 0 {
		if _, err := c.rw.Write(payload); err != nil {
			return remoteFailedf("write payload: %v", err)
		}
	}

	return nil
}

// Recv reads the next frame and reports whether it was Success (ok=true)
// or Error (ok=false, peerErr is the peer's message). A short read is reported
// as RemoteFailed regardless of which side is at fault.
func (c *Channel) Recv() (ok bool, peerErr string, err error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c.rw, hdr); err != nil {
		return false, "", remoteFailedf("read header: %v", err)
	}

	length := binary.BigEndian.Uint16(hdr)
	if length == 0 {
		return true, "", nil
	}

	if int(length) > maxPayload {
		return false, "", remoteFailedf("peer announced oversized payload: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return false, "", remoteFailedf("read payload (len=%d): %v", length, err)
	}

	return false, string(payload), nil
}

// RecvSuccess is Recv that turns a peer Error into a Go error, for call
// sites that have nothing further to do with the distinction.
func (c *Channel) RecvSuccess() error {
	ok, peerErr, err := c.Recv()
	if err != nil {
		return err
	}

	if !ok {
		return remoteFailedf("%s", peerErr)
	}

	return nil
}
