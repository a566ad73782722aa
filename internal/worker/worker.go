// Package worker executes map and reduce tasks handed out by the Boss.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"CombineMR/internal/config"
	"CombineMR/internal/logger"
	"CombineMR/internal/mapreduce"
	"CombineMR/internal/storage"
	"CombineMR/internal/types"
)

// Coordinator is the Boss as seen by a worker. The Boss itself satisfies it in
// local mode; the HTTP client does over the network.
type Coordinator interface {
	RequestTask(ctx context.Context, req types.TaskRequest) (types.TaskReply, error)
	Heartbeat(ctx context.Context, req types.HeartbeatRequest) (types.Ack, error)
	ReportComplete(ctx context.Context, req types.CompletionReport) (types.Ack, error)
}

// Options wires a worker to the Boss and the shared storage
type Options struct {
	ID      string // generated when empty
	Address string
	Config  config.Config
	Storage storage.Storage
	Library *mapreduce.Library
	Boss    Coordinator
	Logger  *logger.Logger
}

// Worker polls the Boss for tasks and runs them one at a time
type Worker struct {
	id      string
	address string
	cfg     config.Config
	store   storage.Storage
	library *mapreduce.Library
	boss    Coordinator
	logger  *logger.Logger

	completed atomic.Int64
	failed    atomic.Int64
}

// errAbandoned aborts an attempt the Boss no longer considers current
var errAbandoned = errors.New("assignment no longer current")

func New(opts Options) (*Worker, error) {
	if opts.Boss == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}
	lib := opts.Library
	if lib == nil {
		lib = mapreduce.DefaultLibrary()
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.New(opts.Config.LogLevel)
	}

	return &Worker{
		id:      id,
		address: opts.Address,
		cfg:     opts.Config,
		store:   opts.Storage,
		library: lib,
		boss:    opts.Boss,
		logger:  lg.Named(id),
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

// Stats returns the number of attempts this worker completed and aborted
func (w *Worker) Stats() (completed, failed int64) {
	return w.completed.Load(), w.failed.Load()
}

// Run polls for work until ctx is cancelled. A failed attempt leaves the
// worker idle and polling again; it never exits on task errors.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started: worker_id=%s poll_interval=%s", w.id, w.cfg.PollInterval)
	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped: worker_id=%s", w.id)
			return nil
		}

		reply, err := w.boss.RequestTask(ctx, types.TaskRequest{WorkerID: w.id, Address: w.address})
		switch {
		case err != nil:
			w.logger.Warn("Task request failed: %v", err)
		case reply.Task != nil:
			if err := w.Execute(ctx, reply.Task); err != nil {
				w.logger.Warn("Task attempt failed: task_id=%s epoch=%d err=%v", reply.Task.TaskID, reply.Task.Epoch, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Execute runs one assignment to completion and reports it. While it runs a
// heartbeat is sent every HEARTBEAT_INTERVAL. On failure the Boss is told the
// cause through an error heartbeat and the error is returned.
func (w *Worker) Execute(ctx context.Context, a *types.Assignment) error {
	start := time.Now()
	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeat(taskCtx, a, cancel)
	}()

	var (
		outputs  []string
		decision *types.CombinerDecision
		err      error
	)
	switch a.Kind {
	case types.KindMap:
		outputs, decision, err = w.runMap(taskCtx, a)
	case types.KindReduce:
		outputs, err = w.runReduce(taskCtx, a)
	default:
		err = fmt.Errorf("unknown task kind %q", a.Kind)
	}
	if err == nil {
		err = context.Cause(taskCtx)
	}
	cancel(nil)
	wg.Wait()

	if err != nil {
		w.failed.Add(1)
		if errors.Is(err, errAbandoned) || ctx.Err() != nil {
			return err
		}
		w.logger.Error("Task aborted: task_id=%s epoch=%d err=%v", a.TaskID, a.Epoch, err)
		if _, hbErr := w.boss.Heartbeat(ctx, types.HeartbeatRequest{
			WorkerID: w.id, TaskID: a.TaskID, Epoch: a.Epoch, Error: err.Error(),
		}); hbErr != nil {
			w.logger.Warn("Failed to report abort: task_id=%s err=%v", a.TaskID, hbErr)
		}
		return err
	}

	ack, err := w.boss.ReportComplete(ctx, types.CompletionReport{
		WorkerID: w.id, TaskID: a.TaskID, Epoch: a.Epoch, Outputs: outputs, Decision: decision,
	})
	if err != nil {
		w.failed.Add(1)
		return fmt.Errorf("failed to report completion: %w", err)
	}
	if !ack.Accepted {
		w.failed.Add(1)
		w.logger.Info("Completion not accepted, attempt superseded: task_id=%s epoch=%d", a.TaskID, a.Epoch)
		return nil
	}

	w.completed.Add(1)
	w.logger.Info("Task done: task_id=%s epoch=%d elapsed=%s", a.TaskID, a.Epoch, time.Since(start))
	return nil
}

// heartbeat runs until ctx ends. A rejected heartbeat means the attempt was
// reassigned, so the running task is cancelled.
func (w *Worker) heartbeat(ctx context.Context, a *types.Assignment, abandon context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ack, err := w.boss.Heartbeat(ctx, types.HeartbeatRequest{WorkerID: w.id, TaskID: a.TaskID, Epoch: a.Epoch})
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("Heartbeat failed: task_id=%s err=%v", a.TaskID, err)
				}
				continue
			}
			if !ack.Accepted {
				w.logger.Warn("Heartbeat rejected, abandoning attempt: task_id=%s epoch=%d", a.TaskID, a.Epoch)
				abandon(errAbandoned)
				return
			}
		}
	}
}
