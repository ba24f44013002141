package scheduler

import logx "tumbler/pkg/logx"

// NewGroup returns a scheduler that groups requests by origin and serves the
// origins round-robin, FIFO within one origin. One client queueing a large
// folder cannot starve the others.
func NewGroup(name string, cfg Config, cache UpToDateChecker, log logx.Logger) Scheduler {
	return newPool(name, &groupQueue{byOrigin: map[string][]*Request{}}, cfg, cache, log)
}

type groupQueue struct {
	byOrigin map[string][]*Request
	order    []string
	next     int
	n        int
}

func (q *groupQueue) push(r *Request) {
	if _, ok := q.byOrigin[r.Origin]; !ok {
		q.order = append(q.order, r.Origin)
	}
	q.byOrigin[r.Origin] = append(q.byOrigin[r.Origin], r)
	q.n++
}

func (q *groupQueue) pop() *Request {
	if q.n == 0 || len(q.order) == 0 {
		return nil
	}
	if q.next >= len(q.order) {
		q.next = 0
	}
	origin := q.order[q.next]
	list := q.byOrigin[origin]
	r := list[0]
	list[0] = nil
	list = list[1:]
	q.n--
	if len(list) == 0 {
		q.dropOrigin(q.next)
	} else {
		q.byOrigin[origin] = list
		q.next++
	}
	return r
}

// dropOrigin removes order[i]; the origin after it takes over slot i.
func (q *groupQueue) dropOrigin(i int) {
	delete(q.byOrigin, q.order[i])
	q.order = append(q.order[:i], q.order[i+1:]...)
	if q.next > i {
		q.next--
	}
}

func (q *groupQueue) remove(handle uint32) bool {
	for i, origin := range q.order {
		list := q.byOrigin[origin]
		for j, r := range list {
			if r.Handle != handle {
				continue
			}
			n := len(list)
			copy(list[j:], list[j+1:])
			list[n-1] = nil
			list = list[:n-1]
			q.n--
			if len(list) == 0 {
				q.dropOrigin(i)
			} else {
				q.byOrigin[origin] = list
			}
			return true
		}
	}
	return false
}

func (q *groupQueue) each(fn func(r *Request)) {
	for _, origin := range q.order {
		for _, r := range q.byOrigin[origin] {
			fn(r)
		}
	}
}

func (q *groupQueue) len() int { return q.n }
