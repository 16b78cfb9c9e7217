package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-replica/errs"
)

func TestRunSucceedsImmediately(t *testing.T) {
	l := New()
	l.Sleep = time.Millisecond
	calls := 0
	err := l.Run(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestRunRetriesNetworkFailureWithinBudget(t *testing.T) {
	l := New()
	l.Sleep = time.Millisecond
	calls := 0
	err := l.Run(context.Background(), func(context.Context) error {
		calls++
		if calls <= NetworkRetries {
			return &errs.RetryableTransport{Cause: errors.New("connection reset")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != NetworkRetries+1 {
		t.Fatalf("expected %d calls, got %d", NetworkRetries+1, calls)
	}
}

func TestRunEscalatesAfterNetworkBudgetExhausted(t *testing.T) {
	l := New()
	l.Sleep = time.Millisecond
	calls := 0
	wantErr := &errs.RetryableTransport{Cause: errors.New("connection reset")}
	err := l.Run(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) && err != wantErr {
		var transport *errs.RetryableTransport
		if !errors.As(err, &transport) {
			t.Fatalf("expected a RetryableTransport error, got %v", err)
		}
	}
	if calls != NetworkRetries+1 {
		t.Fatalf("expected %d calls (budget exhausted on the extra one), got %d", NetworkRetries+1, calls)
	}
}

func TestRunServiceUnavailableHasLargerBudget(t *testing.T) {
	l := New()
	l.Sleep = time.Millisecond
	calls := 0
	err := l.Run(context.Background(), func(context.Context) error {
		calls++
		if calls <= ServiceUnavailableRetries {
			return &errs.RetryableTransport{Cause: errors.New("not ready"), ServiceUnavailable: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != ServiceUnavailableRetries+1 {
		t.Fatalf("expected %d calls, got %d", ServiceUnavailableRetries+1, calls)
	}
}

func TestRunDuplicateNodeAllowsExactlyOneRetry(t *testing.T) {
	l := New()
	l.Sleep = time.Millisecond
	calls := 0
	err := l.Run(context.Background(), func(context.Context) error {
		calls++
		return errs.ErrDuplicateNode
	})
	var protoErr *errs.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected escalation to ProtocolError, got %v", err)
	}
	if calls != DuplicateNodeRetries+1 {
		t.Fatalf("expected %d calls, got %d", DuplicateNodeRetries+1, calls)
	}
}

func TestRunDiskLimitExitsCleanlyWithoutRetry(t *testing.T) {
	l := New()
	l.Sleep = time.Millisecond
	calls := 0
	wantErr := &errs.DiskLimit{Cause: errors.New("no space")}
	err := l.Run(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected the DiskLimit error surfaced unchanged, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call (disk limit never retries), got %d", calls)
	}
}

func TestRunGroupShutdownStopsTheLoop(t *testing.T) {
	l := New()
	l.Sleep = time.Millisecond
	err := l.Run(context.Background(), func(context.Context) error {
		return &errs.GroupShutdown{}
	})
	var groupShutdown *errs.GroupShutdown
	if !errors.As(err, &groupShutdown) {
		t.Fatalf("expected GroupShutdown, got %v", err)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	l := New()
	l.Sleep = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := l.Run(ctx, func(context.Context) error {
		calls++
		return &errs.RetryableTransport{Cause: errors.New("connection reset")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
