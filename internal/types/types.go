package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobPhase represents the phase of a MapReduce job
type JobPhase string

const (
	PhaseMapping  JobPhase = "mapping"
	PhaseReducing JobPhase = "reducing"
	PhaseDone     JobPhase = "done"
	PhaseFailed   JobPhase = "failed"
)

// Finished reports whether the phase is terminal
func (p JobPhase) Finished() bool {
	return p == PhaseDone || p == PhaseFailed
}

// TaskKind distinguishes map tasks from reduce tasks
type TaskKind string

const (
	KindMap    TaskKind = "map"
	KindReduce TaskKind = "reduce"
)

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// JobSpec is what a client submits
type JobSpec struct {
	Mapper     string `json:"mapper"`
	Reducer    string `json:"reducer"`
	Combiner   string `json:"combiner,omitempty"`
	Input      string `json:"input"`
	Output     string `json:"output"`
	NumMaps    int    `json:"num_maps"`
	NumReduces int    `json:"num_reduces"`
}

// Split is a contiguous byte range of a job's input
type Split struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// TaskID returns the wire identifier of a task: <job_id>/<kind>/<index>
func TaskID(jobID string, kind TaskKind, index int) string {
	return fmt.Sprintf("%s/%s/%d", jobID, kind, index)
}

// ParseTaskID splits a wire task identifier into its parts
func ParseTaskID(id string) (jobID string, kind TaskKind, index int, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("%w: malformed task id %q", ErrTaskNotFound, id)
	}
	kind = TaskKind(parts[1])
	if kind != KindMap && kind != KindReduce {
		return "", "", 0, fmt.Errorf("%w: unknown task kind in %q", ErrTaskNotFound, id)
	}
	index, err = strconv.Atoi(parts[2])
	if err != nil || index < 0 {
		return "", "", 0, fmt.Errorf("%w: bad task index in %q", ErrTaskNotFound, id)
	}
	return parts[0], kind, index, nil
}

// Record is the intermediate record produced by map+combine and consumed by reduce.
// Combined marks records produced by hot-key aggregation; it never leaves the worker.
type Record struct {
	Key      string   `json:"key"`
	Values   []string `json:"values"`
	Combined bool     `json:"-"`
}

// CombinerDecision is the diagnostic trail of one map task's combining choices
type CombinerDecision struct {
	ThresholdUsed   int      `json:"threshold_used"`
	HotKeys         []string `json:"hot_keys"`
	BatchesCombined int      `json:"batches_combined"`
	BatchesTotal    int      `json:"batches_total"`
}

// Assignment is a task handed to a worker
type Assignment struct {
	TaskID     string   `json:"task_id"`
	JobID      string   `json:"job_id"`
	Kind       TaskKind `json:"kind"`
	Index      int      `json:"index"`
	Epoch      int64    `json:"epoch"`
	Mapper     string   `json:"mapper,omitempty"`
	Reducer    string   `json:"reducer,omitempty"`
	Combiner   string   `json:"combiner,omitempty"`
	Input      string   `json:"input,omitempty"`
	Split      Split    `json:"split"`
	NumReduces int      `json:"num_reduces"`
	Inputs     []string `json:"inputs,omitempty"`
	Output     string   `json:"output"`
}

// WorkerHandle is the Boss's view of one worker
type WorkerHandle struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CurrentTask   string    `json:"current_task,omitempty"`
	// Live is set on snapshots: heartbeated within TASK_TIMEOUT
	Live bool `json:"alive"`
}

// Alive reports whether the worker heartbeated within timeout
func (w *WorkerHandle) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < timeout
}

// Progress counts completed tasks of one kind
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// JobStatus is the read-only view returned by the status endpoint
type JobStatus struct {
	JobID          string             `json:"job_id"`
	Phase          JobPhase           `json:"phase"`
	MapProgress    Progress           `json:"map_progress"`
	ReduceProgress Progress           `json:"reduce_progress"`
	Output         string             `json:"output,omitempty"`
	Error          string             `json:"error,omitempty"`
	Decisions      []CombinerDecision `json:"decisions,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// SubmitReply is returned by the submit endpoint
type SubmitReply struct {
	JobID string `json:"job_id"`
}

// TaskRequest is sent by an idle worker polling for work
type TaskRequest struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address,omitempty"`
}

// TaskReply carries either a task or the no-work marker
type TaskReply struct {
	Task            *Assignment `json:"task,omitempty"`
	NoTaskAvailable bool        `json:"no_task_available,omitempty"`
}

// HeartbeatRequest is sent periodically while a task runs. A non-empty Error
// marks the last heartbeat of an aborted attempt.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id"`
	Epoch    int64  `json:"epoch"`
	Error    string `json:"error,omitempty"`
}

// CompletionReport is the single commit point of a task
type CompletionReport struct {
	WorkerID string            `json:"worker_id"`
	TaskID   string            `json:"task_id"`
	Epoch    int64             `json:"epoch"`
	Outputs  []string          `json:"outputs"`
	Decision *CombinerDecision `json:"decision,omitempty"`
}

// Ack answers heartbeats and completion reports
type Ack struct {
	Accepted bool `json:"accepted"`
}
