package coordinator

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vmcluster/migrate/clusterdb"
	"github.com/vmcluster/migrate/config"
	"github.com/vmcluster/migrate/handshake"
	"github.com/vmcluster/migrate/hypervisor"
	"github.com/vmcluster/migrate/liaison"
	"github.com/vmcluster/migrate/migrateerr"
	"github.com/vmcluster/migrate/model"
	"github.com/vmcluster/migrate/receiver"
	"github.com/vmcluster/migrate/storage"
)

// AdmissionHandler is the receiver side of pool_migrate's transport: it
// terminates the HTTP CONNECT handshake and, once admitted, drives a
// Receiver over the now-raw connection.
type AdmissionHandler struct {
	DB         clusterdb.Capability
	HV         hypervisor.Capability
	Storage    storage.Capability
	Sink       liaison.ProgressSink
	PeerLookup clusterdb.PeerLookup
	SelfHostID string
	Config     *config.Config
}

// NewRouter builds a gorilla/mux router exposing h at Config.MigrateURI.
func NewRouter(h *AdmissionHandler) *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodConnect).Path(h.Config.MigrateURI).HandlerFunc(h.ServeMigrate)

	return r
}

// ServeMigrate admits one incoming migration: validate the request,
// remap and lock the destination VM, estimate the memory to reserve, then
// upgrade the connection and run the Receiver over it.
func (h *AdmissionHandler) ServeMigrate(w http.ResponseWriter, r *http.Request) {
	// The session token itself was already validated by the RPC login on
	// the source side; its cookie only gates admission here.
	_, sErr := r.Cookie("session_id")
	taskCookie, tErr := r.Cookie("task_id")

	if sErr != nil || tErr != nil {
		http.Error(w, "missing session_id or task_id cookie", http.StatusForbidden)

		return
	}

	ref := r.URL.Query().Get("ref")
	if ref == "" {
		http.Error(w, "missing ref query parameter", http.StatusForbidden)

		return
	}

	log.WithFields(logrus.Fields{
		"ref":         ref,
		"task_id":     taskCookie.Value,
		"source_host": r.URL.Query().Get("source_host"),
	}).Info("admission: CONNECT received")

	ctx := r.Context()

	peerLookup := h.PeerLookup
	if peerLookup == nil {
		peerLookup = clusterdb.IdentityPeerLookup
	}

	destVMUUID, err := peerLookup(ctx, ref)
	if err != nil {
		h.fail(w, fmt.Errorf("peer lookup: %w", err))

		return
	}

	destVM, err := h.DB.GetVM(ctx, destVMUUID)
	if err != nil {
		h.fail(w, fmt.Errorf("get vm: %w", err))

		return
	}

	isLocalhost := destVM.ResidentOn == h.SelfHostID
	skipLock := isLocalhost && destVMUUID == ref

	var (
		release func()
		memKiB  int64
	)

	g, gctx := errgroup.WithContext(ctx)

	if !skipLock {
		g.Go(func() error {
			rel, lockErr := h.DB.Lock(gctx, destVMUUID)
			if lockErr != nil {
				return lockErr
			}

			release = rel

			return nil
		})
	}

	g.Go(func() error {
		kib, estErr := h.DB.EstimateMemoryKiB(gctx, destVMUUID)
		if estErr != nil {
			return estErr
		}

		memKiB = kib

		return nil
	})

	if err := g.Wait(); err != nil {
		h.fail(w, fmt.Errorf("admission: %w", err))

		return
	}

	if release != nil {
		defer release()
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection does not support hijacking", http.StatusInternalServerError)

		return
	}

	conn, buf, err := hj.Hijack()
	if err != nil {
		log.WithError(err).Error("admission: hijack failed")

		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		log.WithError(err).Warn("admission: writing CONNECT response failed")

		return
	}

	// Reads must go through buf.Reader (it may already hold bytes the
	// source pipelined behind its CONNECT request), but writes go straight
	// to conn: the peer blocks on every barrier frame, so nothing may sit
	// in an unflushed buffer.
	stream := &hijackedStream{r: buf.Reader, w: conn}

	rx := &receiver.Receiver{
		HV:      h.HV,
		Storage: h.Storage,
		DB:      h.DB,
		Chan:    handshake.New(stream),
		Sink:    h.Sink,
	}

	params := receiver.Params{
		VM:           destVM,
		IsLocalhost:  isLocalhost,
		RequiredVDIs: requiredVDIs(destVM),
		MemoryReqKiB: memKiB,
		SourceHostID: r.URL.Query().Get("source_host"),
		HostID:       h.SelfHostID,
	}

	if _, err := rx.Run(ctx, params, stream); err != nil {
		log.WithError(err).Warn("admission: receiver run failed")
	}
}

// hijackedStream pairs the buffered reader left over from the HTTP parse
// with direct writes to the underlying connection.
type hijackedStream struct {
	r io.Reader
	w io.Writer
}

func (s *hijackedStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *hijackedStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (h *AdmissionHandler) fail(w http.ResponseWriter, err error) {
	var migErr *migrateerr.Error
	if errors.As(err, &migErr) {
		http.Error(w, migErr.Error(), http.StatusInternalServerError)

		return
	}

	http.Error(w, migrateerr.InternalError(err.Error()).Error(), http.StatusInternalServerError)
}

func requiredVDIs(vm *model.VmRef) []receiver.RequiredVDI {
	var out []receiver.RequiredVDI

	for _, vbd := range vm.VBDs {
		if vbd.Empty {
			continue
		}

		mode := storage.RO
		if vbd.Mode == model.RW {
			mode = storage.RW
		}

		out = append(out, receiver.RequiredVDI{VDI: vbd.VDI, Mode: mode})
	}

	return out
}
