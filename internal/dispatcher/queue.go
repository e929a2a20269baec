package dispatcher

import (
	"container/heap"
	"time"

	"github.com/bsv-streaming/micropay/internal/model"
)

// queuedBroadcast is one entry in the Dispatcher's priority queue,
// ordered by (priority rank, enqueue-timestamp) per spec §4.3.
type queuedBroadcast struct {
	artifact       model.ScriptArtifact
	priority       model.Priority
	enqueuedAt     time.Time
	pinnedEndpoint string
	resultCh       chan broadcastOutcome
	index          int // maintained by container/heap
}

type broadcastOutcome struct {
	result Result
	err    error
}

// priorityQueue is a container/heap.Interface over *queuedBroadcast,
// lower model.Priority values (Urgent=0) serviced first; ties broken by
// earlier enqueue time.
type priorityQueue []*queuedBroadcast

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].enqueuedAt.Before(q[j].enqueuedAt)
}

func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *priorityQueue) Push(x any) {
	item := x.(*queuedBroadcast)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityQueue)(nil)
