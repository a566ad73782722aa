package coordinator

import (
	"fmt"

	"CombineMR/internal/types"
)

// Sweep returns assignments whose heartbeat is older than TASK_TIMEOUT to
// Pending, fails jobs whose tasks ran out of retries and forgets finished jobs
// past their retention. Idle workers silent for TASK_TIMEOUT are dropped.
func (b *Boss) Sweep() {
	now := b.now()
	var expired []string

	for _, j := range b.snapshotJobs() {
		j.mu.Lock()
		if j.phase.Finished() {
			if now.Sub(j.finishedAt) >= b.cfg.JobRetention {
				expired = append(expired, j.id)
			}
			j.mu.Unlock()
			continue
		}

		changed := false
		for _, t := range j.current() {
			if t.state == types.TaskAssigned && now.Sub(t.lastHeartbeat) >= b.cfg.TaskTimeout {
				b.reclaim(j, t, "heartbeat timeout")
				changed = true
				if j.phase.Finished() {
					break
				}
			}
		}
		if changed {
			j.publish()
		}
		j.mu.Unlock()
	}

	for _, item := range b.workers.Items() {
		h := item.(types.WorkerHandle)
		if h.CurrentTask == "" && !h.Alive(now, b.cfg.TaskTimeout) {
			b.workers.Remove(h.ID)
		}
	}

	if len(expired) > 0 {
		b.forget(expired)
	}
}

// reclaim puts an assigned task back to Pending; callers hold j.mu. The epoch
// is left alone: the next assignment bumps it, which turns the old holder's
// eventual report into a stale one.
func (b *Boss) reclaim(j *job, t *task, reason string) {
	worker := t.worker
	t.state = types.TaskPending
	t.worker = ""
	t.timeouts++
	b.clearWorkerTask(worker, t.id)

	b.record(types.EntryTask, types.OpReclaim, types.TaskReclaim{
		TaskID: t.id, WorkerID: worker, Epoch: t.epoch, Reason: reason,
	})
	b.logger.Warn("Task reclaimed: task_id=%s worker_id=%s epoch=%d reason=%q timeouts=%d",
		t.id, worker, t.epoch, reason, t.timeouts)

	if t.timeouts > b.cfg.MaxTaskRetries {
		t.state = types.TaskFailed
		cause := fmt.Sprintf("task %s: %v after %d reassignments", t.id, types.ErrTaskTimeout, b.cfg.MaxTaskRetries)
		if t.lastError != "" {
			cause += ": " + t.lastError
		}
		b.finish(j, types.PhaseFailed, cause)
	}
}

func (b *Boss) forget(ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	b.mu.Lock()
	kept := b.order[:0]
	for _, id := range b.order {
		if drop[id] {
			delete(b.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	b.order = kept
	b.mu.Unlock()

	for _, id := range ids {
		b.record(types.EntryJob, types.OpForget, types.JobTransition{JobID: id})
		b.logger.Info("Job garbage-collected: job_id=%s", id)
	}
}
