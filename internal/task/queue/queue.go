// Package queue orders pending jobs for dispatch.
//
// Queue is not safe for concurrent use; the engine guards it with its own
// mutex together with the rest of its dispatch state.
package queue

import (
	"sort"
	"time"

	"newsdigest/internal/task/job"
)

// Queue holds Pending jobs in two lists: ready jobs ordered by descending
// priority (FIFO among equals), and delayed jobs whose ScheduledAt has not
// passed yet, ordered by ScheduledAt.
type Queue struct {
	ready   []*job.Job
	delayed []delayedEntry
	seq     uint64
}

type delayedEntry struct {
	j   *job.Job
	seq uint64
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Push adds j. Jobs scheduled after now go to the delayed list.
func (q *Queue) Push(j *job.Job, now time.Time) {
	if j == nil {
		return
	}
	if j.ScheduledAt.After(now) {
		q.pushDelayed(j)
		return
	}
	q.insertReady(j)
}

// insertReady places j before the first entry with strictly lower priority.
func (q *Queue) insertReady(j *job.Job) {
	idx := len(q.ready)
	for i, cur := range q.ready {
		if cur.Priority < j.Priority {
			idx = i
			break
		}
	}
	q.ready = append(q.ready, nil)
	copy(q.ready[idx+1:], q.ready[idx:])
	q.ready[idx] = j
}

func (q *Queue) pushDelayed(j *job.Job) {
	q.seq++
	e := delayedEntry{j: j, seq: q.seq}
	idx := sort.Search(len(q.delayed), func(i int) bool {
		d := q.delayed[i]
		if d.j.ScheduledAt.Equal(j.ScheduledAt) {
			return d.seq > e.seq
		}
		return d.j.ScheduledAt.After(j.ScheduledAt)
	})
	q.delayed = append(q.delayed, delayedEntry{})
	copy(q.delayed[idx+1:], q.delayed[idx:])
	q.delayed[idx] = e
}

// Promote moves delayed jobs whose ScheduledAt <= now into the ready list and
// returns how many moved. Jobs that become eligible in the same call keep
// their ScheduledAt order.
func (q *Queue) Promote(now time.Time) int {
	n := 0
	for n < len(q.delayed) && !q.delayed[n].j.ScheduledAt.After(now) {
		q.insertReady(q.delayed[n].j)
		n++
	}
	if n > 0 {
		clear(q.delayed[:n])
		q.delayed = q.delayed[n:]
	}
	return n
}

// Pop removes and returns the highest-priority ready job.
func (q *Queue) Pop() (*job.Job, bool) {
	if len(q.ready) == 0 {
		return nil, false
	}
	j := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	return j, true
}

// Peek returns the next ready job without removing it.
func (q *Queue) Peek() (*job.Job, bool) {
	if len(q.ready) == 0 {
		return nil, false
	}
	return q.ready[0], true
}

// Remove deletes the job with id from either list.
func (q *Queue) Remove(id string) (*job.Job, bool) {
	for i, j := range q.ready {
		if j.ID == id {
			n := len(q.ready) - 1
			copy(q.ready[i:], q.ready[i+1:])
			q.ready[n] = nil
			q.ready = q.ready[:n]
			return j, true
		}
	}
	for i, e := range q.delayed {
		if e.j.ID == id {
			n := len(q.delayed) - 1
			copy(q.delayed[i:], q.delayed[i+1:])
			q.delayed[n] = delayedEntry{}
			q.delayed = q.delayed[:n]
			return e.j, true
		}
	}
	return nil, false
}

// Len is the number of ready jobs.
func (q *Queue) Len() int { return len(q.ready) }

// Delayed is the number of jobs waiting for their ScheduledAt.
func (q *Queue) Delayed() int { return len(q.delayed) }

// NextAt returns the earliest ScheduledAt among delayed jobs.
func (q *Queue) NextAt() (time.Time, bool) {
	if len(q.delayed) == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].j.ScheduledAt, true
}

// IDs lists queued job IDs, ready first in dispatch order.
func (q *Queue) IDs() []string {
	out := make([]string, 0, len(q.ready)+len(q.delayed))
	for _, j := range q.ready {
		out = append(out, j.ID)
	}
	for _, e := range q.delayed {
		out = append(out, e.j.ID)
	}
	return out
}
