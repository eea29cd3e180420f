// Package liaison plumbs the migration core's two externally-facing,
// non-barrier signals: abort polling and progress reporting, plus the
// suspend-ack protocol the transmitter's pre-shutdown callback runs.
//
// The suspend-ack wait runs under a gopkg.in/tomb.v2 Tomb, the same
// lifecycle-management idiom snapd uses for its background workers; the
// abort-poll loop runs on the Tomb's context. An observed abort Kills the
// Tomb, which cancels the wait; Wait then blocks for its exit.
package liaison

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"
)

var log = logrus.WithField("subsystem", "liaison") //nolint:gochecknoglobals

// ErrAborted is returned when an external abort request pre-empts the
// migration.
var ErrAborted = errors.New("migration aborted")

// ErrSuspendAckTimeout is returned when the suspend-ack wait exceeds its
// bound without an ACKED or a NACKED response.
var ErrSuspendAckTimeout = errors.New("suspend-ack: timed out waiting for acknowledgement")

// AbortSource reports whether an external abort has been requested for
// this migration (e.g. a user-initiated cancel).
type AbortSource interface {
	Aborted(ctx context.Context) (bool, error)
}

// AbortPreflight fails immediately if an abort is already pending.
func AbortPreflight(ctx context.Context, src AbortSource) error {
	aborted, err := src.Aborted(ctx)
	if err != nil {
		return err
	}

	if aborted {
		return ErrAborted
	}

	return nil
}

// ProgressSink receives progress fractions in [0,1].
type ProgressSink interface {
	Report(fraction float64)
}

// SuspendAckAnswer is the outcome of a suspend-ack wait.
type SuspendAckAnswer int

const (
	Acked SuspendAckAnswer = iota
	Nacked
	TimedOut
	Aborted
)

// SuspendAckLiaison notifies an external party that the guest is entering
// full suspend and waits for an acknowledgement. It is supplied by the
// coordinator and consumed only from inside the transmitter's
// pre-shutdown callback.
type SuspendAckLiaison interface {
	// NotifyEnteringSuspend tells the liaison the guest is about to be
	// paused; it must not block.
	NotifyEnteringSuspend(ctx context.Context) error

	// WaitAck blocks until the liaison has an answer or ctx is done.
	WaitAck(ctx context.Context) (SuspendAckAnswer, error)
}

// DefaultSuspendAckTimeout bounds the suspend-ack wait for callers that
// don't have a configured value.
const DefaultSuspendAckTimeout = 60 * time.Second

// RunSuspendAck composes the three pre-shutdown sub-steps in order:
// ensure PCI unplug was initiated, wait for it to complete, then run the
// suspend-ack wait itself. It returns nil only on Acked; any other
// outcome is a migration-ending error. timeout bounds the wait; a value
// <= 0 falls back to DefaultSuspendAckTimeout.
func RunSuspendAck(ctx context.Context, timeout time.Duration, abort AbortSource, liaison SuspendAckLiaison, ensureUnplugInitiated, waitUnplugComplete func(context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultSuspendAckTimeout
	}

	if err := ensureUnplugInitiated(ctx); err != nil {
		return err
	}

	if err := waitUnplugComplete(ctx); err != nil {
		return err
	}

	if err := liaison.NotifyEnteringSuspend(ctx); err != nil {
		return err
	}

	var t tomb.Tomb

	type result struct {
		ans SuspendAckAnswer
		err error
	}

	resCh := make(chan result, 1)
	abortCh := make(chan struct{})

	t.Go(func() error {
		ctx, cancel := context.WithTimeout(t.Context(ctx), timeout)
		defer cancel()

		ans, err := liaison.WaitAck(ctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			ans, err = TimedOut, nil
		}

		select {
		case resCh <- result{ans, err}:
		case <-t.Dying():
		}

		return err
	})

	go func() {
		if abort == nil {
			return
		}

		if pollAbort(t.Context(ctx), timeout, abort) {
			t.Kill(ErrAborted)
			close(abortCh)
		}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return res.err
		}

		switch res.ans {
		case Acked:
			log.Info("suspend-ack: acked")

			return nil
		case Nacked:
			return errors.New("suspend-ack: peer nacked")
		case TimedOut:
			return ErrSuspendAckTimeout
		case Aborted:
			return ErrAborted
		default:
			return errors.New("suspend-ack: unknown answer")
		}
	case <-abortCh:
		_ = t.Wait()

		return ErrAborted
	}
}

// pollAbort polls src roughly every second, bounded to the same window as
// the suspend-ack wait, until an abort is observed or the budget is spent.
func pollAbort(ctx context.Context, timeout time.Duration, src AbortSource) bool {
	strategy := retry.LimitTime(timeout, retry.Regular{
		Delay: time.Second,
		Min:   1,
	})

	for a := retry.Start(strategy, nil); a.Next(); {
		if ctx.Err() != nil {
			return false
		}

		aborted, err := src.Aborted(ctx)
		if err != nil {
			continue
		}

		if aborted {
			return true
		}
	}

	return false
}

// ScaledProgress returns a ProgressFunc-shaped closure that rescales a
// raw [0,1] fraction by factor before forwarding to sink; the transmitter
// uses this to report suspend progress as 0.95*x externally.
func ScaledProgress(sink ProgressSink, factor float64) func(float64) {
	return func(x float64) {
		if sink != nil {
			sink.Report(x * factor)
		}
	}
}
