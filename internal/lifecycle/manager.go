package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "tumbler/pkg/logx"
)

const DefaultIdleTimeout = 300 * time.Second

var ErrShuttingDown = errors.New("lifecycle: shutting down")

// Manager shuts the daemon down after it stayed idle for the configured
// timeout. The use-count is advisory: activity keeps the daemon alive, a
// stale count only delays shutdown.
type Manager struct {
	log logx.Logger

	mu       sync.Mutex
	timeout  time.Duration
	useCount int
	timer    *time.Timer
	started  bool
	shutdown bool
	reason   string

	done chan struct{}
}

func New(timeout time.Duration, log logx.Logger) *Manager {
	if timeout < 0 {
		timeout = DefaultIdleTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{log: log, timeout: timeout, done: make(chan struct{})}
}

// Start arms the idle timer. Cancelling ctx shuts down the manager as well.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.shutdown {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.armLocked()
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			m.Shutdown("context done")
		case <-m.done:
		}
	}()
}

func (m *Manager) Done() <-chan struct{} { return m.done }

// Reason reports why shutdown began, empty while running.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// KeepAlive restarts the idle timer.
func (m *Manager) KeepAlive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrShuttingDown
	}
	if m.started {
		m.armLocked()
	}
	return nil
}

func (m *Manager) IncrementUseCount() {
	m.mu.Lock()
	m.useCount++
	m.mu.Unlock()
}

func (m *Manager) DecrementUseCount() {
	m.mu.Lock()
	if m.useCount > 0 {
		m.useCount--
	}
	if m.useCount == 0 && m.started && !m.shutdown {
		m.armLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) UseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.useCount
}

func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// SetTimeout changes the idle timeout; zero disables idle shutdown.
func (m *Manager) SetTimeout(d time.Duration) {
	if d < 0 {
		d = DefaultIdleTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeout == d {
		return
	}
	m.timeout = d
	if m.started && !m.shutdown {
		m.armLocked()
	}
	m.log.Info("idle timeout changed", logx.Duration("timeout", d))
}

// Shutdown begins shutdown immediately. Safe to call more than once.
func (m *Manager) Shutdown(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownLocked(reason)
}

func (m *Manager) shutdownLocked(reason string) {
	if m.shutdown {
		return
	}
	m.shutdown = true
	m.reason = reason
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	close(m.done)
	m.log.Info("shutdown requested", logx.String("reason", reason))
}

func (m *Manager) armLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.timeout <= 0 {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(m.timeout, func() { m.expire(t) })
	m.timer = t
}

func (m *Manager) expire(t *time.Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != t || m.shutdown {
		return
	}
	m.timer = nil
	if m.useCount > 0 {
		// Busy: check again after another full period.
		m.armLocked()
		return
	}
	m.shutdownLocked("idle timeout")
}
