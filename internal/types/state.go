package types

import (
	"encoding/json"
	"time"
)

// ClusterState is the journaled view of the Boss, rebuilt by replaying log entries
type ClusterState struct {
	Jobs    map[string]*JobRecord    `json:"jobs"`
	Workers map[string]*WorkerRecord `json:"workers"`
	Leader  string                   `json:"leader"`
	Version int64                    `json:"version"`
}

// JobRecord is the journaled summary of one job
type JobRecord struct {
	ID        string            `json:"id"`
	Spec      JobSpec           `json:"spec"`
	Phase     JobPhase          `json:"phase"`
	Error     string            `json:"error,omitempty"`
	Completed map[string]string `json:"completed"` // task id -> worker id
	Epochs    map[string]int64  `json:"epochs"`    // task id -> latest epoch
	Reclaimed int               `json:"reclaimed"`
	Timestamp time.Time         `json:"timestamp"`
}

// WorkerRecord is the journaled summary of one worker
type WorkerRecord struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	CurrentTask string    `json:"current_task,omitempty"`
	Lost        bool      `json:"lost,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Log entry types and operations
const (
	EntryJob    = "job"
	EntryTask   = "task"
	EntryWorker = "worker"

	OpSubmit   = "submit"
	OpPhase    = "phase"
	OpForget   = "forget"
	OpAssign   = "assign"
	OpComplete = "complete"
	OpReclaim  = "reclaim"
	OpLost     = "lost"
)

// LogEntry represents an entry in the Raft log
type LogEntry struct {
	Type      string          `json:"type"`      // "job", "task", "worker"
	Operation string          `json:"operation"` // "submit", "assign", "complete", ...
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewLogEntry marshals data into a log entry
func NewLogEntry(typ, op string, data interface{}) (*LogEntry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &LogEntry{Type: typ, Operation: op, Data: raw, Timestamp: time.Now()}, nil
}

// JobSubmission is a log entry operation
type JobSubmission struct {
	JobID string  `json:"job_id"`
	Spec  JobSpec `json:"spec"`
}

// JobTransition is a log entry operation
type JobTransition struct {
	JobID string   `json:"job_id"`
	Phase JobPhase `json:"phase"`
	Error string   `json:"error,omitempty"`
}

// TaskAssignment is a log entry operation
type TaskAssignment struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Epoch    int64  `json:"epoch"`
}

// TaskCompletion is a log entry operation
type TaskCompletion struct {
	TaskID   string   `json:"task_id"`
	WorkerID string   `json:"worker_id"`
	Epoch    int64    `json:"epoch"`
	Outputs  []string `json:"outputs"`
}

// TaskReclaim is a log entry operation
type TaskReclaim struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Epoch    int64  `json:"epoch"`
	Reason   string `json:"reason"`
}

// WorkerLoss is a log entry operation
type WorkerLoss struct {
	WorkerID string `json:"worker_id"`
}
