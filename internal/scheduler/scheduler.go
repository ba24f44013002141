package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tumbler/internal/thumbnail"
)

var ErrLengthMismatch = errors.New("scheduler: infos and thumbnailers differ in length")

// Scheduler queues requests, runs their thumbnailers and reports lifecycle
// events to its listeners. Listeners are called from worker goroutines and
// must not block.
type Scheduler interface {
	Name() string
	Push(req *Request)
	// Dequeue drops a request that has not started and reports whether it
	// did. A dropped request never emits any event.
	Dequeue(handle uint32) bool
	CancelByMount(mount string)
	Subscribe(l Listener)
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

// UpToDateChecker skips URIs whose thumbnail is still current.
type UpToDateChecker interface {
	IsUpToDate(info thumbnail.FileInfo) bool
}

type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventReady
	EventError
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventFinished:
		return "finished"
	default:
		return fmt.Sprintf("event_%d", int(k))
	}
}

// Event is one lifecycle notification for a handle. URIs is set for Ready
// and Error; Code and Message only for Error.
type Event struct {
	Kind      EventKind
	Scheduler string
	Handle    uint32
	Origin    string
	URIs      []string
	Code      thumbnail.ErrorCode
	Message   string
}

type Listener func(Event)

// Request is one batch of work. Once pushed it belongs to the scheduler.
type Request struct {
	Handle       uint32
	Origin       string
	Flavor       *thumbnail.Flavor
	Infos        []thumbnail.FileInfo
	Thumbnailers []thumbnail.Thumbnailer
	QueuedAt     time.Time

	// cancelled is guarded by the owning scheduler's mutex.
	cancelled []bool
}

func NewRequest(handle uint32, origin string, flavor *thumbnail.Flavor, infos []thumbnail.FileInfo, thumbnailers []thumbnail.Thumbnailer) (*Request, error) {
	if len(infos) != len(thumbnailers) {
		return nil, ErrLengthMismatch
	}
	return &Request{
		Handle:       handle,
		Origin:       origin,
		Flavor:       flavor,
		Infos:        infos,
		Thumbnailers: thumbnailers,
		QueuedAt:     time.Now(),
		cancelled:    make([]bool, len(infos)),
	}, nil
}

// URIs returns the request URIs in order.
func (r *Request) URIs() []string {
	out := make([]string, len(r.Infos))
	for i, info := range r.Infos {
		out[i] = info.URI
	}
	return out
}

func (r *Request) markMount(mount string) int {
	if len(r.cancelled) != len(r.Infos) {
		r.cancelled = make([]bool, len(r.Infos))
	}
	n := 0
	for i, info := range r.Infos {
		if !r.cancelled[i] && info.UnderMount(mount) {
			r.cancelled[i] = true
			n++
		}
	}
	return n
}

func (r *Request) isCancelled(i int) bool {
	return i < len(r.cancelled) && r.cancelled[i]
}
