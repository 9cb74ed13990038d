package pager

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/executor"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// resizerInterval is how often hash table load factors are checked.
const resizerInterval = time.Minute

// HashtableResizer grows or shrinks each vbucket's hash table when its
// load factor leaves the configured band.
type HashtableResizer struct {
	vbs VBSource

	handle *executor.TaskHandle
	pool   *executor.Pool

	logger zerolog.Logger
}

// NewHashtableResizer creates the resizer task.
func NewHashtableResizer(vbs VBSource) *HashtableResizer {
	return &HashtableResizer{
		vbs:    vbs,
		logger: log.WithTask("ht_resizer"),
	}
}

// Start schedules the resizer on the NonIO queue.
func (r *HashtableResizer) Start(pool *executor.Pool) {
	r.pool = pool
	r.handle = pool.Schedule(executor.TaskSpec{
		Task:         r,
		Type:         executor.NonIOTask,
		InitialSleep: resizerInterval,
	})
}

// Stop cancels the resizer.
func (r *HashtableResizer) Stop() {
	if r.pool != nil && r.handle != nil {
		r.pool.Cancel(r.handle)
	}
}

// Description implements executor.Task.
func (r *HashtableResizer) Description() string { return "Adjusting hash table sizes" }

// Run implements executor.Task.
func (r *HashtableResizer) Run() bool {
	resized := 0
	for _, vb := range r.vbs() {
		if vb.State() == types.VBDead {
			continue
		}
		if vb.HashTable().ResizeIfNeeded() {
			resized++
		}
	}
	if resized > 0 {
		r.logger.Debug().Int("resized", resized).Msg("Hash tables resized")
	}
	if r.handle != nil {
		r.handle.Snooze(resizerInterval)
	}
	return true
}
