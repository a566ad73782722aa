package coordinator

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sasha-s/go-deadlock"

	"CombineMR/internal/config"
	"CombineMR/internal/logger"
	"CombineMR/internal/mapreduce"
	"CombineMR/internal/storage"
	"CombineMR/internal/types"
)

// Journal receives every state transition of the Boss. Append is called
// inside the job's critical section so entries of one job are ordered.
type Journal interface {
	Append(entry *types.LogEntry) error
}

// Options wires the Boss to its collaborators
type Options struct {
	Config  config.Config
	Storage storage.Storage
	// Library, when set, rejects jobs naming unknown functions at submit time
	Library *mapreduce.Library
	Journal Journal
	Logger  *logger.Logger
	// Now overrides the clock in tests
	Now func() time.Time
}

// Boss owns all job state and hands tasks to workers
type Boss struct {
	cfg     config.Config
	store   storage.Storage
	library *mapreduce.Library
	journal Journal
	now     func() time.Time
	logger  *logger.Logger

	mu    deadlock.RWMutex
	jobs  map[string]*job
	order []string // job ids in submission order

	workers cmap.ConcurrentMap // worker id -> types.WorkerHandle
}

type task struct {
	id            string
	kind          types.TaskKind
	index         int
	state         types.TaskStatus
	worker        string
	epoch         int64
	timeouts      int
	lastHeartbeat time.Time
	lastError     string
	split         types.Split
	inputs        []string
	outputs       []string
	decision      *types.CombinerDecision
}

// job is guarded by its own mutex; that lock is the critical section for every
// transition of the job and its tasks
type job struct {
	mu         deadlock.Mutex
	id         string
	spec       types.JobSpec
	phase      types.JobPhase
	createdAt  time.Time
	finishedAt time.Time
	cause      string
	maps       []*task
	reduces    []*task
	mapsDone   int
	reduceDone int

	status atomic.Pointer[types.JobStatus]
}

// NewBoss creates a Boss. Call Run to start the liveness sweep.
func NewBoss(opts Options) (*Boss, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.New(opts.Config.LogLevel)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	b := &Boss{
		cfg:     opts.Config,
		store:   opts.Storage,
		library: opts.Library,
		journal: opts.Journal,
		now:     now,
		logger:  lg.Named("boss"),
		jobs:    make(map[string]*job),
		workers: cmap.New(),
	}
	b.logger.Info("Boss initialized: task_timeout=%s sweep_interval=%s max_retries=%d",
		b.cfg.TaskTimeout, b.cfg.SweepInterval, b.cfg.MaxTaskRetries)
	return b, nil
}

// Submit validates spec, splits the input and registers the job
func (b *Boss) Submit(ctx context.Context, spec types.JobSpec) (string, error) {
	if err := b.validate(spec); err != nil {
		b.logger.Warn("Job rejected: %v", err)
		return "", err
	}

	data, err := b.store.Read(spec.Input)
	if err != nil {
		return "", fmt.Errorf("%w: cannot read input %s: %v", types.ErrInvalidJobSpec, spec.Input, err)
	}
	splits := splitInput(data, spec.NumMaps)

	j := &job{
		id:        "job-" + uuid.New().String()[:8],
		spec:      spec,
		phase:     types.PhaseMapping,
		createdAt: b.now(),
		maps:      make([]*task, spec.NumMaps),
	}
	for i, s := range splits {
		j.maps[i] = &task{
			id:    types.TaskID(j.id, types.KindMap, i),
			kind:  types.KindMap,
			index: i,
			state: types.TaskPending,
			split: s,
		}
	}

	j.mu.Lock()
	b.record(types.EntryJob, types.OpSubmit, types.JobSubmission{JobID: j.id, Spec: spec})
	j.publish()
	j.mu.Unlock()

	b.mu.Lock()
	b.jobs[j.id] = j
	b.order = append(b.order, j.id)
	b.mu.Unlock()

	b.logger.Info("Job submitted: job_id=%s mapper=%s reducer=%s combiner=%q input=%s bytes=%d maps=%d reduces=%d",
		j.id, spec.Mapper, spec.Reducer, spec.Combiner, spec.Input, len(data), spec.NumMaps, spec.NumReduces)
	return j.id, nil
}

func (b *Boss) validate(spec types.JobSpec) error {
	switch {
	case spec.NumMaps < 1:
		return fmt.Errorf("%w: num_maps must be >= 1, got %d", types.ErrInvalidJobSpec, spec.NumMaps)
	case spec.NumReduces < 1:
		return fmt.Errorf("%w: num_reduces must be >= 1, got %d", types.ErrInvalidJobSpec, spec.NumReduces)
	case spec.Mapper == "" || spec.Reducer == "":
		return fmt.Errorf("%w: mapper and reducer are required", types.ErrInvalidJobSpec)
	case spec.Output == "":
		return fmt.Errorf("%w: output path is required", types.ErrInvalidJobSpec)
	case spec.Input == "" || !b.store.Exists(spec.Input):
		return fmt.Errorf("%w: input %q does not exist", types.ErrInvalidJobSpec, spec.Input)
	}

	if b.library != nil {
		if _, err := b.library.Mapper(spec.Mapper); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidJobSpec, err)
		}
		if _, err := b.library.Reducer(spec.Reducer); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidJobSpec, err)
		}
		if _, err := b.library.Combiner(spec.Combiner); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidJobSpec, err)
		}
	}
	return nil
}

// Status returns the last published snapshot of a job without taking its lock
func (b *Boss) Status(ctx context.Context, jobID string) (types.JobStatus, error) {
	b.mu.RLock()
	j, ok := b.jobs[jobID]
	b.mu.RUnlock()
	if !ok {
		return types.JobStatus{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	return *j.status.Load(), nil
}

// Jobs returns the ids of all retained jobs in submission order
func (b *Boss) Jobs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

// Workers returns a snapshot of every known worker, sorted by id
func (b *Boss) Workers() []types.WorkerHandle {
	now := b.now()
	var out []types.WorkerHandle
	for item := range b.workers.IterBuffered() {
		h := item.Val.(types.WorkerHandle)
		h.Live = h.Alive(now, b.cfg.TaskTimeout)
		out = append(out, h)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Run sweeps for dead workers and expired jobs until ctx is done
func (b *Boss) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Liveness sweep stopped")
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

func (b *Boss) lookup(jobID string) (*job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	return j, nil
}

func (b *Boss) snapshotJobs() []*job {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*job, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.jobs[id])
	}
	return out
}

func (b *Boss) intermediateDir(jobID string) string {
	return path.Join(b.cfg.IntermediatePrefix, jobID)
}

// touchWorker refreshes a worker handle and lets mutate adjust it under the shard lock
func (b *Boss) touchWorker(id, address string, mutate func(h *types.WorkerHandle)) {
	now := b.now()
	b.workers.Upsert(id, nil, func(exist bool, cur interface{}, _ interface{}) interface{} {
		h := types.WorkerHandle{ID: id}
		if exist {
			h = cur.(types.WorkerHandle)
		}
		if address != "" {
			h.Address = address
		}
		h.LastHeartbeat = now
		if mutate != nil {
			mutate(&h)
		}
		return h
	})
}

func (b *Boss) setWorkerTask(id, taskID string) {
	b.workers.Upsert(id, nil, func(exist bool, cur interface{}, _ interface{}) interface{} {
		h := types.WorkerHandle{ID: id}
		if exist {
			h = cur.(types.WorkerHandle)
		}
		h.CurrentTask = taskID
		return h
	})
}

// clearWorkerTask forgets the worker's task only if it is still the given one
func (b *Boss) clearWorkerTask(id, taskID string) {
	b.workers.Upsert(id, nil, func(exist bool, cur interface{}, _ interface{}) interface{} {
		if !exist {
			return types.WorkerHandle{ID: id}
		}
		h := cur.(types.WorkerHandle)
		if h.CurrentTask == taskID {
			h.CurrentTask = ""
		}
		return h
	})
}

func (b *Boss) record(typ, op string, data interface{}) {
	if b.journal == nil {
		return
	}
	entry, err := types.NewLogEntry(typ, op, data)
	if err != nil {
		b.logger.Error("Failed to build journal entry: type=%s operation=%s err=%v", typ, op, err)
		return
	}
	if err := b.journal.Append(entry); err != nil {
		b.logger.Warn("Failed to journal entry: type=%s operation=%s err=%v", typ, op, err)
	}
}

// publish stores a fresh status snapshot; callers hold j.mu
func (j *job) publish() {
	st := &types.JobStatus{
		JobID:          j.id,
		Phase:          j.phase,
		MapProgress:    types.Progress{Completed: j.mapsDone, Total: len(j.maps)},
		ReduceProgress: types.Progress{Completed: j.reduceDone, Total: j.spec.NumReduces},
		CreatedAt:      j.createdAt,
	}
	switch j.phase {
	case types.PhaseDone:
		st.Output = j.spec.Output
	case types.PhaseFailed:
		st.Error = j.cause
	}
	for _, t := range j.maps {
		if t.decision != nil {
			st.Decisions = append(st.Decisions, *t.decision)
		}
	}
	j.status.Store(st)
}

// current returns the tasks of the running phase, nil once the job is finished
func (j *job) current() []*task {
	switch j.phase {
	case types.PhaseMapping:
		return j.maps
	case types.PhaseReducing:
		return j.reduces
	default:
		return nil
	}
}

func (j *job) task(kind types.TaskKind, index int) *task {
	tasks := j.maps
	if kind == types.KindReduce {
		tasks = j.reduces
	}
	if index < 0 || index >= len(tasks) {
		return nil
	}
	return tasks[index]
}
