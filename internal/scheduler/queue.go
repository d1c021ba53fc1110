package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// trigger is the armed next activation of one task
type trigger struct {
	taskID   string
	rank     int
	schedule cron.Schedule
	next     time.Time
	seq      uint64
	index    int
}

// triggerQueue is a min-heap ordered by fire time. Triggers due at the same
// instant pop by priority rank, then by bind order. It is not safe for
// concurrent use; the scheduler lock guards it.
type triggerQueue []*trigger

func (q triggerQueue) Len() int { return len(q) }

func (q triggerQueue) Less(i, j int) bool {
	if !q[i].next.Equal(q[j].next) {
		return q[i].next.Before(q[j].next)
	}
	if q[i].rank != q[j].rank {
		return q[i].rank > q[j].rank
	}
	return q[i].seq < q[j].seq
}

func (q triggerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *triggerQueue) Push(x interface{}) {
	t := x.(*trigger)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *triggerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
