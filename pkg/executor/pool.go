package executor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

// PoolConfig sizes the four worker groups.
type PoolConfig struct {
	NumWriters int
	NumReaders int
	NumAuxIO   int
	NumNonIO   int
}

// Pool is the process-wide cooperative scheduler. One logical TaskQueue
// exists per task type; a fixed set of worker goroutines per type runs a
// fetch-execute loop against it.
type Pool struct {
	queues  [numTaskTypes]*TaskQueue
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	nextID  atomic.Uint64
	nextSeq atomic.Uint64

	logger zerolog.Logger
}

// NewPool creates the pool and spawns its workers.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		stopCh: make(chan struct{}),
		logger: log.WithComponent("executor"),
	}

	counts := [numTaskTypes]int{
		WriterTask: max(1, cfg.NumWriters),
		ReaderTask: max(1, cfg.NumReaders),
		AuxIOTask:  max(1, cfg.NumAuxIO),
		NonIOTask:  max(1, cfg.NumNonIO),
	}
	for t := TaskType(0); t < numTaskTypes; t++ {
		p.queues[t] = newTaskQueue(t, p, counts[t])
		for i := 0; i < counts[t]; i++ {
			p.wg.Add(1)
			go p.worker(p.queues[t])
		}
	}

	p.logger.Info().
		Int("writers", counts[WriterTask]).
		Int("readers", counts[ReaderTask]).
		Int("auxio", counts[AuxIOTask]).
		Int("nonio", counts[NonIOTask]).
		Msg("Executor pool started")
	return p
}

// TaskSpec describes a task to schedule.
type TaskSpec struct {
	Task         Task
	Type         TaskType
	Priority     int
	InitialSleep time.Duration
	// Rearmable allows waking the task out of the Dead state. Only the
	// item pager sets this.
	Rearmable bool
}

// Schedule files the task and returns its shared handle.
func (p *Pool) Schedule(spec TaskSpec) *TaskHandle {
	q := p.queues[spec.Type]
	h := &TaskHandle{
		id:        TaskID(p.nextID.Add(1)),
		typ:       spec.Type,
		priority:  spec.Priority,
		seq:       p.nextSeq.Add(1),
		rearmable: spec.Rearmable,
		task:      spec.Task,
		queue:     q,
		waketime:  time.Now().Add(spec.InitialSleep),
	}
	q.submit(h, time.Now())
	p.logger.Debug().
		Uint64("task_id", uint64(h.id)).
		Str("type", spec.Type.String()).
		Str("description", spec.Task.Description()).
		Msg("Task scheduled")
	return h
}

// Wake makes the task runnable now.
func (p *Pool) Wake(h *TaskHandle) {
	h.queue.wake(h)
}

// Suspend parks the task on its queue's pending list.
func (p *Pool) Suspend(h *TaskHandle) {
	h.queue.suspend(h)
}

// Cancel marks the task dead; it is reaped at the next pop.
func (p *Pool) Cancel(h *TaskHandle) {
	h.queue.cancel(h)
}

// QueueLen reports the number of tasks filed for a type.
func (p *Pool) QueueLen(t TaskType) int {
	return p.queues[t].len()
}

// Shutdown broadcasts a stop to every worker and waits for them to exit.
// Outstanding tasks remain on the queues and are discarded.
func (p *Pool) Shutdown() {
	if p.stopped.Swap(true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info().Msg("Executor pool stopped")
}

func (p *Pool) worker(q *TaskQueue) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		h, sleep := q.fetch(time.Now())
		if h == nil {
			timer := time.NewTimer(sleep)
			select {
			case <-p.stopCh:
				timer.Stop()
				return
			case <-q.notify:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		if h.State() == TaskDead {
			// Reaped: dropped without running.
			continue
		}

		timer := metrics.NewTimer()
		reschedule := p.runTask(h)
		timer.ObserveDurationVec(metrics.TaskRunDuration, q.typ.String())
		metrics.TaskRunsTotal.WithLabelValues(q.typ.String()).Inc()

		if !reschedule {
			q.kill(h)
			continue
		}
		q.requeue(h, time.Now())
	}
}

func (p *Pool) runTask(h *TaskHandle) (reschedule bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Uint64("task_id", uint64(h.id)).
				Str("description", h.task.Description()).
				Any("panic", r).
				Msg("Task panicked; task killed")
			reschedule = false
		}
	}()
	return h.task.Run()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
