package coordinator

import (
	"context"
	"fmt"

	"CombineMR/internal/types"
)

// RequestTask hands the polling worker the lowest-index pending task of the
// current phase of the oldest job that has one.
func (b *Boss) RequestTask(ctx context.Context, req types.TaskRequest) (types.TaskReply, error) {
	if req.WorkerID == "" {
		return types.TaskReply{}, fmt.Errorf("worker id is required")
	}
	b.touchWorker(req.WorkerID, req.Address, nil)

	for _, j := range b.snapshotJobs() {
		if a := b.assign(j, req.WorkerID); a != nil {
			b.setWorkerTask(req.WorkerID, a.TaskID)
			return types.TaskReply{Task: a}, nil
		}
	}
	return types.TaskReply{NoTaskAvailable: true}, nil
}

func (b *Boss) assign(j *job, workerID string) *types.Assignment {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, t := range j.current() {
		if t.state != types.TaskPending {
			continue
		}

		t.epoch++
		t.state = types.TaskAssigned
		t.worker = workerID
		t.lastHeartbeat = b.now()

		b.record(types.EntryTask, types.OpAssign, types.TaskAssignment{TaskID: t.id, WorkerID: workerID, Epoch: t.epoch})
		j.publish()
		b.logger.Info("Task assigned: task_id=%s worker_id=%s epoch=%d", t.id, workerID, t.epoch)

		a := &types.Assignment{
			TaskID:     t.id,
			JobID:      j.id,
			Kind:       t.kind,
			Index:      t.index,
			Epoch:      t.epoch,
			Mapper:     j.spec.Mapper,
			Reducer:    j.spec.Reducer,
			Combiner:   j.spec.Combiner,
			NumReduces: j.spec.NumReduces,
		}
		if t.kind == types.KindMap {
			a.Input = j.spec.Input
			a.Split = t.split
			a.Output = b.intermediateDir(j.id)
		} else {
			a.Inputs = append([]string(nil), t.inputs...)
			a.Output = j.spec.Output
		}
		return a
	}
	return nil
}

// Heartbeat keeps an assignment alive. Heartbeats for a non-current epoch are
// ignored and leave the sender's worker handle untouched; an error heartbeat
// only records the cause of an aborted attempt.
func (b *Boss) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (types.Ack, error) {
	j, t, err := b.resolve(req.TaskID)
	if err != nil {
		return types.Ack{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if t.epoch != req.Epoch || t.state != types.TaskAssigned || j.phase.Finished() {
		b.logger.Debug("Heartbeat ignored: task_id=%s worker_id=%s epoch=%d current_epoch=%d state=%s",
			req.TaskID, req.WorkerID, req.Epoch, t.epoch, t.state)
		return types.Ack{Accepted: false}, nil
	}
	b.touchWorker(req.WorkerID, "", nil)

	if req.Error != "" {
		t.lastError = req.Error
		b.logger.Warn("Task attempt aborted: task_id=%s worker_id=%s epoch=%d err=%s",
			req.TaskID, req.WorkerID, req.Epoch, req.Error)
		return types.Ack{Accepted: true}, nil
	}

	t.lastHeartbeat = b.now()
	return types.Ack{Accepted: true}, nil
}

// ReportComplete is the commit point of a task. Only a report carrying the
// current epoch of an assigned task is accepted; anything else is a no-op.
func (b *Boss) ReportComplete(ctx context.Context, req types.CompletionReport) (types.Ack, error) {
	j, t, err := b.resolve(req.TaskID)
	if err != nil {
		return types.Ack{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if t.epoch != req.Epoch || t.state != types.TaskAssigned || j.phase.Finished() {
		b.logger.Info("Completion discarded: %v task_id=%s worker_id=%s epoch=%d current_epoch=%d state=%s",
			types.ErrStaleReport, req.TaskID, req.WorkerID, req.Epoch, t.epoch, t.state)
		return types.Ack{Accepted: false}, nil
	}
	if t.kind == types.KindMap && len(req.Outputs) != j.spec.NumReduces {
		return types.Ack{}, fmt.Errorf("map task %s reported %d outputs, want %d", t.id, len(req.Outputs), j.spec.NumReduces)
	}
	if t.kind == types.KindReduce && len(req.Outputs) != 1 {
		return types.Ack{}, fmt.Errorf("reduce task %s reported %d outputs, want 1", t.id, len(req.Outputs))
	}

	t.state = types.TaskCompleted
	t.outputs = append([]string(nil), req.Outputs...)
	t.decision = req.Decision
	b.clearWorkerTask(t.worker, t.id)
	t.worker = req.WorkerID

	b.record(types.EntryTask, types.OpComplete, types.TaskCompletion{
		TaskID: t.id, WorkerID: req.WorkerID, Epoch: t.epoch, Outputs: t.outputs,
	})
	b.logger.Info("Task completed: task_id=%s worker_id=%s epoch=%d", t.id, req.WorkerID, t.epoch)

	if t.kind == types.KindMap {
		j.mapsDone++
		if j.mapsDone == len(j.maps) {
			b.startReduce(j)
		}
	} else {
		j.reduceDone++
		if j.reduceDone == len(j.reduces) {
			b.finish(j, types.PhaseDone, "")
		}
	}

	j.publish()
	return types.Ack{Accepted: true}, nil
}

// startReduce moves a fully mapped job to Reducing. Reduce task r reads
// partition r of every map task, in ascending map index.
func (b *Boss) startReduce(j *job) {
	j.reduces = make([]*task, j.spec.NumReduces)
	for r := range j.reduces {
		inputs := make([]string, len(j.maps))
		for m, mt := range j.maps {
			inputs[m] = mt.outputs[r]
		}
		j.reduces[r] = &task{
			id:     types.TaskID(j.id, types.KindReduce, r),
			kind:   types.KindReduce,
			index:  r,
			state:  types.TaskPending,
			inputs: inputs,
		}
	}
	j.phase = types.PhaseReducing
	b.record(types.EntryJob, types.OpPhase, types.JobTransition{JobID: j.id, Phase: j.phase})
	b.logger.Info("Map phase covered: job_id=%s reduces=%d", j.id, len(j.reduces))
}

func (b *Boss) finish(j *job, phase types.JobPhase, cause string) {
	j.phase = phase
	j.cause = cause
	j.finishedAt = b.now()
	b.record(types.EntryJob, types.OpPhase, types.JobTransition{JobID: j.id, Phase: phase, Error: cause})
	if phase == types.PhaseFailed {
		b.logger.Error("Job failed: job_id=%s cause=%s", j.id, cause)
		return
	}
	b.logger.Info("Job done: job_id=%s output=%s elapsed=%s", j.id, j.spec.Output, j.finishedAt.Sub(j.createdAt))
}

// WorkerLost reclaims the worker's assignments at once instead of waiting for
// the heartbeat timeout.
func (b *Boss) WorkerLost(workerID string) {
	b.record(types.EntryWorker, types.OpLost, types.WorkerLoss{WorkerID: workerID})
	for _, j := range b.snapshotJobs() {
		j.mu.Lock()
		for _, t := range j.current() {
			if t.state == types.TaskAssigned && t.worker == workerID {
				b.reclaim(j, t, "worker lost")
			}
		}
		j.publish()
		j.mu.Unlock()
	}
	b.workers.Remove(workerID)
	b.logger.Warn("Worker lost: worker_id=%s", workerID)
}

func (b *Boss) resolve(taskID string) (*job, *task, error) {
	jobID, kind, index, err := types.ParseTaskID(taskID)
	if err != nil {
		return nil, nil, err
	}
	j, err := b.lookup(jobID)
	if err != nil {
		return nil, nil, err
	}

	j.mu.Lock()
	t := j.task(kind, index)
	j.mu.Unlock()
	if t == nil {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	return j, t, nil
}
