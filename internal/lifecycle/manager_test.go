package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "tumbler/pkg/logx"
)

func waitDone(t *testing.T, m *Manager, within time.Duration) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(within):
		t.Fatalf("manager did not shut down within %s", within)
	}
}

func TestIdleTimeoutShutsDown(t *testing.T) {
	t.Parallel()
	m := New(30*time.Millisecond, logx.Nop())
	m.Start(context.Background())
	waitDone(t, m, 2*time.Second)
	if m.Reason() != "idle timeout" {
		t.Fatalf("reason = %q", m.Reason())
	}
	if err := m.KeepAlive(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("KeepAlive after shutdown = %v", err)
	}
}

func TestBusyManagerStaysUp(t *testing.T) {
	t.Parallel()
	m := New(20*time.Millisecond, logx.Nop())
	m.IncrementUseCount()
	m.Start(context.Background())

	select {
	case <-m.Done():
		t.Fatalf("shut down while busy")
	case <-time.After(100 * time.Millisecond):
	}

	m.DecrementUseCount()
	if m.UseCount() != 0 {
		t.Fatalf("use count = %d", m.UseCount())
	}
	waitDone(t, m, 2*time.Second)
}

func TestDecrementNeverGoesNegative(t *testing.T) {
	t.Parallel()
	m := New(0, logx.Nop())
	m.DecrementUseCount()
	m.IncrementUseCount()
	m.DecrementUseCount()
	m.DecrementUseCount()
	if m.UseCount() != 0 {
		t.Fatalf("use count = %d", m.UseCount())
	}
}

func TestZeroTimeoutDisablesIdleShutdown(t *testing.T) {
	t.Parallel()
	m := New(0, logx.Nop())
	m.Start(context.Background())
	select {
	case <-m.Done():
		t.Fatalf("shut down with idle shutdown disabled")
	case <-time.After(50 * time.Millisecond):
	}
	if err := m.KeepAlive(); err != nil {
		t.Fatalf("KeepAlive = %v", err)
	}

	m.SetTimeout(10 * time.Millisecond)
	waitDone(t, m, 2*time.Second)
}

func TestContextCancelShutsDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	m := New(time.Hour, logx.Nop())
	m.Start(ctx)
	cancel()
	waitDone(t, m, 2*time.Second)
	m.Shutdown("again")
	if m.Reason() != "context done" {
		t.Fatalf("reason = %q", m.Reason())
	}
}
