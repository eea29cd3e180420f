// Package coordinator implements the top-level migration entry points
// (pool_migrate and the cross-pool migrate stub) and the receiver-side
// HTTP admission handler (admission.go). It is the only package that
// wires transmitter, receiver, and the external transport/auth
// capabilities together.
package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/retry.v1"

	"github.com/vmcluster/migrate/clusterdb"
	"github.com/vmcluster/migrate/config"
	"github.com/vmcluster/migrate/handshake"
	"github.com/vmcluster/migrate/hypervisor"
	"github.com/vmcluster/migrate/liaison"
	"github.com/vmcluster/migrate/migrateerr"
	"github.com/vmcluster/migrate/model"
	"github.com/vmcluster/migrate/storage"
	"github.com/vmcluster/migrate/transmitter"
)

var log = logrus.WithField("subsystem", "coordinator") //nolint:gochecknoglobals

// Status is a migration's cluster task status.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusCancelled
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// StatusSink receives terminal and intermediate task status updates. Task
// objects themselves live outside this engine; this is the seam.
type StatusSink interface {
	Update(ctx context.Context, vmUUID string, status Status)
}

// PreMigrateHook runs any pre-migrate hook configured for vmUUID. Hook
// invocation itself lives outside this engine; this is the seam.
type PreMigrateHook interface {
	Run(ctx context.Context, vmUUID string) error
}

// Dialer opens a transport-level connection to a destination host. HTTP
// transport mechanics below the byte stream live outside this engine;
// this captures only "dial this host".
type Dialer interface {
	Dial(ctx context.Context, hostID string) (net.Conn, error)
}

// RPCLogin obtains an opaque session token over a separate secure RPC
// channel. RPC authentication itself lives outside this engine; release
// must be called exactly once, in a guaranteed-release block, once the
// token has been used.
type RPCLogin interface {
	Login(ctx context.Context, hostID string) (sessionToken string, release func(), err error)
}

// Coordinator wires the capabilities pool_migrate needs together.
type Coordinator struct {
	DB      clusterdb.Capability
	HV      hypervisor.Capability
	Storage storage.Capability
	Dialer  Dialer
	RPC     RPCLogin
	Abort   liaison.AbortSource
	Liaison liaison.SuspendAckLiaison
	Sink    liaison.ProgressSink
	Hooks   PreMigrateHook
	Status  StatusSink
	Config  *config.Config
}

// PoolMigrate is the top-level migration entry point. options carries
// the caller's free-form migration options; the engine consumes only
// "live", parsed as a bool defaulting to false.
func (c *Coordinator) PoolMigrate(ctx context.Context, vmUUID, destHostID string, options map[string]string) error {
	live := false
	if raw, ok := options["live"]; ok {
		if b, err := strconv.ParseBool(raw); err == nil {
			live = b
		}
	}

	vm, err := c.DB.GetVM(ctx, vmUUID)
	if err != nil {
		return fmt.Errorf("get vm %s: %w", vmUUID, err)
	}

	disabled, err := c.DB.HostDisabled(ctx, destHostID)
	if err != nil {
		return fmt.Errorf("query host disabled: %w", err)
	}

	if disabled {
		return migrateerr.HostDisabled(vmUUID)
	}

	c.warnOnCPUFlagMismatch(ctx, vm.ResidentOn, destHostID)

	release, err := c.DB.Lock(ctx, vmUUID)
	if err != nil {
		return fmt.Errorf("acquire cluster lock: %w", err)
	}
	defer release()

	switch vm.PowerState {
	case model.Halted, model.Suspended:
		return c.DB.SetAffinity(ctx, vmUUID, destHostID)
	case model.Running:
		// fall through to the live-migration path below.
	default:
		return migrateerr.InternalError(fmt.Sprintf("pool_migrate called with power state %v", vm.PowerState))
	}

	return c.liveMigrate(ctx, vm, destHostID, live)
}

func (c *Coordinator) liveMigrate(ctx context.Context, vm *model.VmRef, destHostID string, live bool) error {
	if err := liaison.AbortPreflight(ctx, c.Abort); err != nil {
		return err
	}

	if err := c.gateNoPausedVBDs(ctx, vm); err != nil {
		return err
	}

	if c.Hooks != nil {
		if err := c.Hooks.Run(ctx, vm.UUID); err != nil {
			return fmt.Errorf("pre-migrate hook: %w", err)
		}
	}

	taskID := uuid.New().String()
	c.updateStatus(ctx, vm.UUID, StatusPending)

	log.WithFields(logrus.Fields{"vm": vm.UUID, "dest": destHostID, "task": taskID}).Info("starting live migration")

	conn, err := c.openTransport(ctx, vm, destHostID, taskID)
	if err != nil {
		c.updateStatus(ctx, vm.UUID, StatusFailure)

		return err
	}
	defer conn.Close()

	tx := &transmitter.Transmitter{
		HV:                   c.HV,
		Storage:              c.Storage,
		DB:                   c.DB,
		Chan:                 handshake.New(conn),
		Liaison:              c.Liaison,
		Abort:                c.Abort,
		Sink:                 c.Sink,
		SuspendAckTimeout:    c.Config.SuspendAckTimeout,
		DefaultHotunplugFrac: c.Config.DefaultHotunplugFraction,
	}

	params := transmitter.Params{
		VM:          vm,
		IsLocalhost: vm.ResidentOn == destHostID,
		IsLive:      live,
		DestHostID:  destHostID,
		Disks:       enumerateRWDisks(vm),
		ExtraPaths:  splitExtraPaths(vm),
	}

	if err := tx.Run(ctx, params, conn); err != nil {
		// Cluster task cancellation arrives through ctx and becomes a
		// cancelled terminal status; an external abort is a failure with
		// its own diagnostic.
		if errors.Is(err, context.Canceled) {
			c.updateStatus(ctx, vm.UUID, StatusCancelled)

			return migrateerr.TaskCancelled()
		}

		c.updateStatus(ctx, vm.UUID, StatusFailure)

		return migrateerr.VmMigrateFailed(vm.UUID, vm.ResidentOn, destHostID, err.Error())
	}

	c.updateStatus(ctx, vm.UUID, StatusSuccess)

	return nil
}

// openTransport dials the destination and logs in over the secure RPC
// channel concurrently (both are independent of each other), then sends
// the HTTP CONNECT handshake over the dialed connection.
// The RPC login is released in its own guaranteed-release block; the
// returned connection is the caller's guaranteed-release responsibility.
func (c *Coordinator) openTransport(ctx context.Context, vm *model.VmRef, destHostID, taskID string) (net.Conn, error) {
	var (
		conn         net.Conn
		sessionToken string
		loginRelease func()
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d, dialErr := c.Dialer.Dial(gctx, destHostID)
		if dialErr != nil {
			return dialErr
		}

		if tc, ok := d.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				log.WithError(err).Warn("best-effort TCP_NODELAY failed")
			}
		}

		conn = d

		return nil
	})

	g.Go(func() error {
		token, release, loginErr := c.RPC.Login(gctx, destHostID)
		if loginErr != nil {
			return loginErr
		}

		sessionToken = token
		loginRelease = release

		return nil
	})

	if err := g.Wait(); err != nil {
		if conn != nil {
			conn.Close()
		}

		if loginRelease != nil {
			loginRelease()
		}

		return nil, migrateerr.HostOffline(destHostID)
	}

	defer loginRelease()

	upgraded, err := sendConnect(conn, c.Config.MigrateURI, vm.UUID, vm.ResidentOn, sessionToken, taskID)
	if err != nil {
		conn.Close()

		return nil, err
	}

	return upgraded, nil
}

// wrappedConn layers the bufio.Reader used to parse the CONNECT response
// over the underlying connection, so that any handshake bytes the peer
// pipelined right behind its "200 OK" are not lost in a buffer that gets
// discarded once the response is parsed.
type wrappedConn struct {
	net.Conn
	r *bufio.Reader
}

func (w *wrappedConn) Read(p []byte) (int, error) { return w.r.Read(p) }

// sendConnect performs the CONNECT upgrade: a single HTTP CONNECT
// request carrying the session and task ids, expecting a 200 before the
// connection is handed to the transmitter as a raw byte stream.
func sendConnect(conn net.Conn, migrateURI, vmRef, sourceHostID, sessionToken, taskID string) (net.Conn, error) {
	target := fmt.Sprintf("%s?ref=%s&source_host=%s", migrateURI, url.QueryEscape(vmRef), url.QueryEscape(sourceHostID))

	// session_id/task_id travel as cookies; the receiver admission
	// handler extracts them from the request before upgrading.
	reqLine := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: migrate\r\nCookie: session_id=%s; task_id=%s\r\n\r\n",
		target, sessionToken, taskID)

	if _, err := conn.Write([]byte(reqLine)); err != nil {
		return nil, fmt.Errorf("send connect request: %w", err)
	}

	br := bufio.NewReader(conn)

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, migrateerr.VmMigrateFailed(vmRef, "", "", fmt.Sprintf("CONNECT rejected: %s", resp.Status))
	}

	return &wrappedConn{Conn: conn, r: br}, nil
}

// gateNoPausedVBDs implements the no-paused-VBDs admission gate: poll up
// to NoPausedVBDPollCount times, waiting NoPausedVBDPollDelay between
// attempts, and give up with OtherOperationInProgress if a VBD stays
// paused the whole window.
func (c *Coordinator) gateNoPausedVBDs(ctx context.Context, vm *model.VmRef) error {
	strategy := retry.LimitCount(c.Config.NoPausedVBDPollCount, retry.Regular{
		Delay: c.Config.NoPausedVBDPollDelay,
		Min:   1,
	})

	var firstPaused string

	for a := retry.Start(strategy, nil); a.Next(); {
		firstPaused = ""

		for _, vbd := range vm.VBDs {
			if vbd.Empty || !vbd.CurrentlyAttached {
				continue
			}

			paused, err := c.HV.VBDPaused(ctx, vbd.Device)
			if err != nil {
				return fmt.Errorf("query vbd %s paused state: %w", vbd.Ref, err)
			}

			if paused {
				firstPaused = vbd.Ref

				break
			}
		}

		if firstPaused == "" {
			return nil
		}
	}

	return migrateerr.OtherOperationInProgress("VBD", firstPaused)
}

func (c *Coordinator) warnOnCPUFlagMismatch(ctx context.Context, srcHostID, destHostID string) {
	srcFlags, err := c.DB.CPUFlags(ctx, srcHostID)
	if err != nil {
		log.WithError(err).Warn("could not read source CPU flags")

		return
	}

	dstFlags, err := c.DB.CPUFlags(ctx, destHostID)
	if err != nil {
		log.WithError(err).Warn("could not read destination CPU flags")

		return
	}

	if !cpuFlagsEqual(srcFlags, dstFlags) {
		log.WithFields(logrus.Fields{"source": srcHostID, "destination": destHostID}).
			Warn("CPU flags differ between source and destination; proceeding anyway")
	}
}

func cpuFlagsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		if b[k] != v {
			return false
		}
	}

	return true
}

func (c *Coordinator) updateStatus(ctx context.Context, vmUUID string, status Status) {
	if c.Status == nil {
		return
	}

	c.Status.Update(ctx, vmUUID, status)
}

func enumerateRWDisks(vm *model.VmRef) []transmitter.Disk {
	var disks []transmitter.Disk

	for _, vbd := range vm.VBDs {
		if vbd.Empty || !vbd.CurrentlyAttached || vbd.Mode != model.RW {
			continue
		}

		disks = append(disks, transmitter.Disk{VDI: vbd.VDI, Device: vbd.Device})
	}

	return disks
}

func splitExtraPaths(vm *model.VmRef) []string {
	raw, ok := vm.OtherConfig[model.KeyExtraPaths]
	if !ok || raw == "" {
		return nil
	}

	return strings.Split(raw, ",")
}
