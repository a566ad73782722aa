package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"CombineMR/internal/logger"
	"CombineMR/internal/types"
	raft "github.com/hashicorp/raft"
)

// FSM folds journal entries into a ClusterState
type FSM struct {
	mu     sync.RWMutex
	state  *types.ClusterState
	logger *logger.Logger
}

func NewFSM(lg *logger.Logger) *FSM {
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &FSM{state: emptyState(), logger: lg}
}

func emptyState() *types.ClusterState {
	return &types.ClusterState{
		Jobs:    make(map[string]*types.JobRecord),
		Workers: make(map[string]*types.WorkerRecord),
	}
}

// Apply implements raft.FSM
func (f *FSM) Apply(log *raft.Log) interface{} {
	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Debug("Applying log entry: type=%s operation=%s index=%d", entry.Type, entry.Operation, log.Index)

	var err error
	switch entry.Type {
	case types.EntryJob:
		err = f.applyJob(&entry)
	case types.EntryTask:
		err = f.applyTask(&entry)
	case types.EntryWorker:
		err = f.applyWorker(&entry)
	default:
		err = fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
	if err != nil {
		f.logger.Warn("Log entry not applied: type=%s operation=%s err=%v", entry.Type, entry.Operation, err)
		return err
	}
	f.state.Version++
	return nil
}

func (f *FSM) applyJob(entry *types.LogEntry) error {
	switch entry.Operation {
	case types.OpSubmit:
		var sub types.JobSubmission
		if err := json.Unmarshal(entry.Data, &sub); err != nil {
			return fmt.Errorf("invalid submission data: %w", err)
		}
		f.state.Jobs[sub.JobID] = &types.JobRecord{
			ID:        sub.JobID,
			Spec:      sub.Spec,
			Phase:     types.PhaseMapping,
			Completed: make(map[string]string),
			Epochs:    make(map[string]int64),
			Timestamp: entry.Timestamp,
		}
		return nil

	case types.OpPhase:
		var tr types.JobTransition
		if err := json.Unmarshal(entry.Data, &tr); err != nil {
			return fmt.Errorf("invalid transition data: %w", err)
		}
		job, ok := f.state.Jobs[tr.JobID]
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrJobNotFound, tr.JobID)
		}
		job.Phase = tr.Phase
		job.Error = tr.Error
		job.Timestamp = entry.Timestamp
		return nil

	case types.OpForget:
		var tr types.JobTransition
		if err := json.Unmarshal(entry.Data, &tr); err != nil {
			return fmt.Errorf("invalid forget data: %w", err)
		}
		delete(f.state.Jobs, tr.JobID)
		return nil

	default:
		return fmt.Errorf("unknown job operation: %s", entry.Operation)
	}
}

func (f *FSM) applyTask(entry *types.LogEntry) error {
	switch entry.Operation {
	case types.OpAssign:
		var a types.TaskAssignment
		if err := json.Unmarshal(entry.Data, &a); err != nil {
			return fmt.Errorf("invalid assignment data: %w", err)
		}
		job, err := f.jobOf(a.TaskID)
		if err != nil {
			return err
		}
		job.Epochs[a.TaskID] = a.Epoch
		f.worker(a.WorkerID, entry).CurrentTask = a.TaskID
		return nil

	case types.OpComplete:
		var c types.TaskCompletion
		if err := json.Unmarshal(entry.Data, &c); err != nil {
			return fmt.Errorf("invalid completion data: %w", err)
		}
		job, err := f.jobOf(c.TaskID)
		if err != nil {
			return err
		}
		job.Completed[c.TaskID] = c.WorkerID
		if w := f.worker(c.WorkerID, entry); w.CurrentTask == c.TaskID {
			w.CurrentTask = ""
		}
		return nil

	case types.OpReclaim:
		var r types.TaskReclaim
		if err := json.Unmarshal(entry.Data, &r); err != nil {
			return fmt.Errorf("invalid reclaim data: %w", err)
		}
		job, err := f.jobOf(r.TaskID)
		if err != nil {
			return err
		}
		job.Reclaimed++
		if w, ok := f.state.Workers[r.WorkerID]; ok && w.CurrentTask == r.TaskID {
			w.CurrentTask = ""
		}
		return nil

	default:
		return fmt.Errorf("unknown task operation: %s", entry.Operation)
	}
}

func (f *FSM) applyWorker(entry *types.LogEntry) error {
	switch entry.Operation {
	case types.OpLost:
		var l types.WorkerLoss
		if err := json.Unmarshal(entry.Data, &l); err != nil {
			return fmt.Errorf("invalid worker loss data: %w", err)
		}
		w := f.worker(l.WorkerID, entry)
		w.Lost = true
		w.CurrentTask = ""
		return nil

	default:
		return fmt.Errorf("unknown worker operation: %s", entry.Operation)
	}
}

func (f *FSM) jobOf(taskID string) (*types.JobRecord, error) {
	jobID, _, _, err := types.ParseTaskID(taskID)
	if err != nil {
		return nil, err
	}
	job, ok := f.state.Jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	return job, nil
}

// worker returns the record for id, creating it on first sight
func (f *FSM) worker(id string, entry *types.LogEntry) *types.WorkerRecord {
	w, ok := f.state.Workers[id]
	if !ok {
		w = &types.WorkerRecord{ID: id}
		f.state.Workers[id] = w
	}
	w.Lost = false
	w.Timestamp = entry.Timestamp
	return w
}

// Snapshot implements raft.FSM
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{state: cloneState(f.state)}, nil
}

// Restore implements raft.FSM
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state types.ClusterState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Jobs == nil {
		state.Jobs = make(map[string]*types.JobRecord)
	}
	if state.Workers == nil {
		state.Workers = make(map[string]*types.WorkerRecord)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = &state
	f.logger.Info("Journal restored from snapshot: jobs=%d workers=%d version=%d", len(state.Jobs), len(state.Workers), state.Version)
	return nil
}

// GetState returns a deep copy of the current state
func (f *FSM) GetState() *types.ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return cloneState(f.state)
}

func cloneState(s *types.ClusterState) *types.ClusterState {
	out := emptyState()
	out.Leader = s.Leader
	out.Version = s.Version
	for id, j := range s.Jobs {
		cp := *j
		cp.Completed = make(map[string]string, len(j.Completed))
		for k, v := range j.Completed {
			cp.Completed[k] = v
		}
		cp.Epochs = make(map[string]int64, len(j.Epochs))
		for k, v := range j.Epochs {
			cp.Epochs[k] = v
		}
		out.Jobs[id] = &cp
	}
	for id, w := range s.Workers {
		cp := *w
		out.Workers[id] = &cp
	}
	return out
}

type snapshot struct {
	state *types.ClusterState
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
