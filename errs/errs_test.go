package errs

import (
	"errors"
	"io"
	"testing"
)

func TestRetryableTransportUnwraps(t *testing.T) {
	e := &RetryableTransport{Cause: io.ErrClosedPipe}
	if !errors.Is(e, io.ErrClosedPipe) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestHardRecoveryNeedsElectionUnwrapsInsufficientLog(t *testing.T) {
	inner := &InsufficientLog{MatchpointVLSN: 4, Reason: "durable commits would be truncated"}
	e := &HardRecoveryNeedsElection{InsufficientLog: inner}
	var target *InsufficientLog
	if !errors.As(e, &target) || target != inner {
		t.Fatalf("expected errors.As to unwrap to the inner InsufficientLog")
	}
}

func TestConsistencyExceptionReportsPolicy(t *testing.T) {
	e := &ConsistencyException{Policy: PolicyLag, Cause: errors.New("deadline exceeded")}
	if got := e.Error(); got == "" {
		t.Fatalf("expected non-empty error message")
	}
}
