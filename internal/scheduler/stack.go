package scheduler

import logx "tumbler/pkg/logx"

// NewStack returns a scheduler that serves the most recently pushed request
// first, so whatever a user is looking at right now wins.
func NewStack(name string, cfg Config, cache UpToDateChecker, log logx.Logger) Scheduler {
	return newPool(name, &stackQueue{}, cfg, cache, log)
}

type stackQueue struct {
	items []*Request
}

func (q *stackQueue) push(r *Request) { q.items = append(q.items, r) }

func (q *stackQueue) pop() *Request {
	n := len(q.items)
	if n == 0 {
		return nil
	}
	r := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	return r
}

func (q *stackQueue) remove(handle uint32) bool {
	for i, r := range q.items {
		if r.Handle == handle {
			n := len(q.items)
			copy(q.items[i:], q.items[i+1:])
			q.items[n-1] = nil
			q.items = q.items[:n-1]
			return true
		}
	}
	return false
}

func (q *stackQueue) each(fn func(r *Request)) {
	for _, r := range q.items {
		fn(r)
	}
}

func (q *stackQueue) len() int { return len(q.items) }
