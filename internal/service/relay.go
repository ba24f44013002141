package service

import (
	"context"
	"sync"

	"tumbler/internal/eventbus"
	"tumbler/internal/scheduler"
	logx "tumbler/pkg/logx"
)

// mailbox is an unbounded FIFO of scheduler events. push never blocks, so
// scheduler workers are never held up by a slow bus connection.
type mailbox struct {
	mu    sync.Mutex
	items []scheduler.Event
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(e scheduler.Event) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// drain takes every queued event in arrival order.
func (m *mailbox) drain() []scheduler.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil
	}
	out := m.items
	m.items = nil
	return out
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (s *Service) relay(ctx context.Context) error {
	for {
		for _, e := range s.box.drain() {
			s.deliver(e)
		}
		select {
		case <-s.box.ready:
		case <-ctx.Done():
			// Best effort: flush what the stopped schedulers left behind.
			for _, e := range s.box.drain() {
				s.deliver(e)
			}
			return nil
		}
	}
}

// deliver performs one relay step. It never holds s.mu while emitting.
func (s *Service) deliver(e scheduler.Event) {
	if s.emitter != nil {
		if err := s.emitter.Emit(e); err != nil && s.warn.Allow() {
			s.log.Warn("signal emit failed",
				logx.String("signal", e.Kind.String()),
				logx.Uint32("handle", e.Handle),
				logx.String("origin", e.Origin),
				logx.Err(err),
			)
		}
	}

	d := eventbus.Dispatch{Handle: e.Handle, Scheduler: e.Scheduler, Origin: e.Origin, URIs: e.URIs}
	switch e.Kind {
	case scheduler.EventStarted:
		s.publish(eventbus.TypeStarted, d)
	case scheduler.EventReady:
		s.publish(eventbus.TypeReady, d)
	case scheduler.EventError:
		d.Code = int32(e.Code)
		d.Message = e.Message
		s.publish(eventbus.TypeError, d)
	case scheduler.EventFinished:
		s.publish(eventbus.TypeFinished, d)
		s.release()
	}
}

func (s *Service) release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Service) releaseLocked() {
	if s.useCount > 0 {
		s.useCount--
	}
	if s.lifecycle != nil {
		s.lifecycle.DecrementUseCount()
	}
}
