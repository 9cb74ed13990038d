package executor

import (
	"time"
)

// TaskType partitions tasks onto the four worker groups.
type TaskType int

const (
	WriterTask TaskType = iota
	ReaderTask
	AuxIOTask
	NonIOTask
	numTaskTypes
)

func (t TaskType) String() string {
	switch t {
	case WriterTask:
		return "writer"
	case ReaderTask:
		return "reader"
	case AuxIOTask:
		return "auxio"
	case NonIOTask:
		return "nonio"
	}
	return "unknown"
}

// TaskState is the lifecycle state of a scheduled task.
type TaskState int32

const (
	TaskRunning TaskState = iota
	TaskSnoozed
	TaskDead
)

// TaskID identifies a task within the pool.
type TaskID uint64

// Task is the unit of work the pool executes. Run returns true to stay
// scheduled (honoring any snooze applied during the run) and false to die.
type Task interface {
	Run() bool
	Description() string
}

// taskLocation tracks which sub-queue currently holds a handle.
type taskLocation int

const (
	locNone taskLocation = iota
	locReady
	locFuture
	locPending
	locRunning
)

// TaskHandle is the pool's bookkeeping for one scheduled task. Handles are
// shared between the pool's queues and the component that scheduled the
// task; components use them to snooze, wake and cancel.
//
// A handle constructed with Rearmable may be woken out of the Dead state
// back into Running. This mirrors a tolerated quirk of the item pager;
// waking any other dead task is a logic error and aborts the process.
type TaskHandle struct {
	id        TaskID
	typ       TaskType
	priority  int
	seq       uint64
	rearmable bool
	task      Task
	queue     *TaskQueue

	// guarded by queue.mu
	state    TaskState
	waketime time.Time
	location taskLocation
	heapIdx  int
}

// ID returns the task id.
func (h *TaskHandle) ID() TaskID { return h.id }

// Type returns the queue the task runs on.
func (h *TaskHandle) Type() TaskType { return h.typ }

// Description returns the wrapped task's description.
func (h *TaskHandle) Description() string { return h.task.Description() }

// State returns the current lifecycle state.
func (h *TaskHandle) State() TaskState {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	return h.state
}

// Snooze re-arms the task to run no earlier than now+d.
func (h *TaskHandle) Snooze(d time.Duration) {
	h.queue.snooze(h, d)
}

// Waketime returns the earliest time the task may next run.
func (h *TaskHandle) Waketime() time.Time {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	return h.waketime
}
