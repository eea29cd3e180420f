package liaison

import "context"

// NeverAbort is an AbortSource that never reports an abort.
type NeverAbort struct{}

func (NeverAbort) Aborted(context.Context) (bool, error) { return false, nil }

// AlwaysAbort is an AbortSource that always reports a pending abort.
type AlwaysAbort struct{}

func (AlwaysAbort) Aborted(context.Context) (bool, error) { return true, nil }

// AutoAck is a SuspendAckLiaison that acknowledges immediately.
type AutoAck struct{}

func (AutoAck) NotifyEnteringSuspend(context.Context) error { return nil }

func (AutoAck) WaitAck(context.Context) (SuspendAckAnswer, error) { return Acked, nil }

// NoopSink discards progress reports.
type NoopSink struct{}

func (NoopSink) Report(float64) {}

// RecordingSink records every reported fraction, for test assertions.
type RecordingSink struct {
	Fractions []float64
}

func (s *RecordingSink) Report(f float64) { s.Fractions = append(s.Fractions, f) }
