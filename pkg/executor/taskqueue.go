package executor

import (
	"container/heap"
	"sync"
	"time"
)

// MinSleepTime bounds how long a worker sleeps between queue checks, so a
// wake that races a sleeping worker is picked up within this resolution.
const MinSleepTime = 2 * time.Second

// readyHeap orders runnable tasks by priority (lower value runs first),
// FIFO among equals.
type readyHeap []*TaskHandle

func (hp readyHeap) Len() int { return len(hp) }
func (hp readyHeap) Less(i, j int) bool {
	if hp[i].priority != hp[j].priority {
		return hp[i].priority < hp[j].priority
	}
	return hp[i].seq < hp[j].seq
}
func (hp readyHeap) Swap(i, j int) {
	hp[i], hp[j] = hp[j], hp[i]
	hp[i].heapIdx = i
	hp[j].heapIdx = j
}
func (hp *readyHeap) Push(x any) {
	h := x.(*TaskHandle)
	h.heapIdx = len(*hp)
	*hp = append(*hp, h)
}
func (hp *readyHeap) Pop() any {
	old := *hp
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	*hp = old[:n-1]
	return h
}

// futureHeap orders sleeping tasks by waketime.
type futureHeap []*TaskHandle

func (hp futureHeap) Len() int { return len(hp) }
func (hp futureHeap) Less(i, j int) bool {
	return hp[i].waketime.Before(hp[j].waketime)
}
func (hp futureHeap) Swap(i, j int) {
	hp[i], hp[j] = hp[j], hp[i]
	hp[i].heapIdx = i
	hp[j].heapIdx = j
}
func (hp *futureHeap) Push(x any) {
	h := x.(*TaskHandle)
	h.heapIdx = len(*hp)
	*hp = append(*hp, h)
}
func (hp *futureHeap) Pop() any {
	old := *hp
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	*hp = old[:n-1]
	return h
}

// TaskQueue is the logical queue for one task type: a ready heap of
// runnable tasks, a future heap of sleeping tasks and a pending list of
// suspended tasks, all guarded by one mutex.
type TaskQueue struct {
	typ  TaskType
	pool *Pool

	mu      sync.Mutex
	ready   readyHeap
	future  futureHeap
	pending []*TaskHandle

	notify chan struct{}
}

func newTaskQueue(typ TaskType, pool *Pool, workers int) *TaskQueue {
	return &TaskQueue{
		typ:    typ,
		pool:   pool,
		notify: make(chan struct{}, workers),
	}
}

func (q *TaskQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// fetch pops the next runnable task. When nothing is runnable it returns
// nil and the duration the caller should sleep, bounded by MinSleepTime.
func (q *TaskQueue) fetch(now time.Time) (*TaskHandle, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Bulk-move everything due from future to ready; wake n-1 other
	// sleepers so n newly ready tasks get picked up with minimal signals.
	moved := 0
	for len(q.future) > 0 && !q.future[0].waketime.After(now) {
		h := heap.Pop(&q.future).(*TaskHandle)
		h.state = TaskRunning
		h.location = locReady
		heap.Push(&q.ready, h)
		moved++
	}
	for i := 1; i < moved; i++ {
		q.signal()
	}

	if len(q.ready) == 0 {
		sleep := MinSleepTime
		if len(q.future) > 0 {
			if d := q.future[0].waketime.Sub(now); d < sleep {
				sleep = d
			}
		}
		return nil, sleep
	}

	// Promote one pending entry per pop so suspended tasks cannot starve
	// once re-enabled.
	if len(q.pending) > 0 {
		h := q.pending[0]
		q.pending = q.pending[1:]
		h.location = locReady
		heap.Push(&q.ready, h)
	}

	h := heap.Pop(&q.ready).(*TaskHandle)
	h.location = locRunning
	return h, 0
}

// requeue returns a task to the queue after a run.
func (q *TaskQueue) requeue(h *TaskHandle, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h.state == TaskDead {
		h.location = locNone
		return
	}
	if h.waketime.After(now) {
		h.state = TaskSnoozed
		h.location = locFuture
		heap.Push(&q.future, h)
	} else {
		h.state = TaskRunning
		h.location = locReady
		heap.Push(&q.ready, h)
	}
	q.signal()
}

// snooze pushes the task's waketime out to now+d and files it accordingly.
func (q *TaskQueue) snooze(h *TaskHandle, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h.waketime = time.Now().Add(d)
	if h.state == TaskDead {
		return
	}
	h.state = TaskSnoozed
	if h.location == locReady {
		heap.Remove(&q.ready, h.heapIdx)
		h.location = locFuture
		heap.Push(&q.future, h)
	} else if h.location == locFuture {
		heap.Fix(&q.future, h.heapIdx)
	}
	q.signal()
}

// wake makes the task runnable now. Waking a dead task is only legal for
// rearmable tasks; anything else is an engine logic violation.
func (q *TaskQueue) wake(h *TaskHandle) {
	q.mu.Lock()

	if h.state == TaskDead {
		if !h.rearmable {
			q.mu.Unlock()
			q.pool.logger.Fatal().
				Uint64("task_id", uint64(h.id)).
				Str("description", h.task.Description()).
				Msg("Attempt to wake a dead task")
			return
		}
		h.state = TaskRunning
	}

	h.waketime = time.Now()
	switch h.location {
	case locFuture:
		heap.Remove(&q.future, h.heapIdx)
		h.location = locReady
		heap.Push(&q.ready, h)
	case locPending:
		for i, p := range q.pending {
			if p == h {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		h.location = locReady
		heap.Push(&q.ready, h)
	case locNone:
		// Re-armed dead task: file it back as runnable.
		h.location = locReady
		heap.Push(&q.ready, h)
	}
	h.state = TaskRunning
	q.mu.Unlock()
	q.signal()
}

// suspend parks the task on the pending list until the next wake.
func (q *TaskQueue) suspend(h *TaskHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h.state == TaskDead {
		return
	}
	switch h.location {
	case locReady:
		heap.Remove(&q.ready, h.heapIdx)
	case locFuture:
		heap.Remove(&q.future, h.heapIdx)
	case locPending:
		return
	}
	h.location = locPending
	q.pending = append(q.pending, h)
}

// cancel marks the task dead and promotes it so the next pop reaps it.
func (q *TaskQueue) cancel(h *TaskHandle) {
	q.mu.Lock()
	h.state = TaskDead
	switch h.location {
	case locFuture:
		heap.Remove(&q.future, h.heapIdx)
		h.location = locReady
		heap.Push(&q.ready, h)
	case locPending:
		for i, p := range q.pending {
			if p == h {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		h.location = locReady
		heap.Push(&q.ready, h)
	}
	q.mu.Unlock()
	q.signal()
}

// kill settles a task that finished its last run.
func (q *TaskQueue) kill(h *TaskHandle) {
	q.mu.Lock()
	h.state = TaskDead
	h.location = locNone
	q.mu.Unlock()
}

// submit files a freshly scheduled task.
func (q *TaskQueue) submit(h *TaskHandle, now time.Time) {
	q.mu.Lock()
	if h.waketime.After(now) {
		h.state = TaskSnoozed
		h.location = locFuture
		heap.Push(&q.future, h)
	} else {
		h.state = TaskRunning
		h.location = locReady
		heap.Push(&q.ready, h)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *TaskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.future) + len(q.pending)
}
