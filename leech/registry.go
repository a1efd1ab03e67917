package leech

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is the single source of truth for active and recently terminated
// tasks. Map access is guarded by its own lock, per-record mutation goes
// through each task's mutex.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	retention time.Duration
	logger    zerolog.Logger
}

func NewRegistry(retention time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		mu:        sync.RWMutex{},
		tasks:     make(map[string]*Task),
		retention: retention,
		logger:    logger.With().Str("module", "registry").Logger(),
	}
}

func (r *Registry) add(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

func (r *Registry) get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Status returns a point-in-time copy of the task's observable state.
func (r *Registry) Status(taskID string) (Snapshot, error) {
	t, ok := r.get(taskID)
	if !ok {
		return Snapshot{}, &TaskNotFoundError{TaskID: taskID}
	}
	return t.snapshot(), nil
}

// Cancel signals the task's cancellation token. Only the task owner or an
// admin may cancel. Cancelling a task that already reached a terminal state
// is a no-op returning the terminal snapshot.
func (r *Registry) Cancel(taskID string, requesterID int64, requesterIsAdmin bool) (Snapshot, error) {
	t, ok := r.get(taskID)
	if !ok {
		return Snapshot{}, &TaskNotFoundError{TaskID: taskID}
	}

	if t.Owner != requesterID && !requesterIsAdmin {
		return Snapshot{}, &ForbiddenError{Reason: "only the task owner or an admin may cancel a task"}
	}

	snap := t.snapshot()
	if snap.State.Terminal() {
		return snap, nil
	}

	t.cancel(errTaskCanceled)
	r.logger.Info().Str("task_id", taskID).Int64("requester", requesterID).Msg("Task cancellation requested")
	return snap, nil
}

// Active counts non-terminal tasks, globally and for one owner.
func (r *Registry) Active(ownerID int64) (total int, owned int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		snap := t.snapshot()
		if snap.State.Terminal() {
			continue
		}
		total++
		if t.Owner == ownerID {
			owned++
		}
	}
	return total, owned
}

// retire keeps a terminal task queryable for the retention window, then
// purges it.
func (r *Registry) retire(ctx context.Context, t *Task) {
	timer := time.NewTimer(r.retention)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, t.ID)
	r.logger.Debug().Str("task_id", t.ID).Msg("Terminal task purged from registry")
}
