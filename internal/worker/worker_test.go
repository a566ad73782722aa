package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CombineMR/internal/config"
	"CombineMR/internal/coordinator"
	"CombineMR/internal/logger"
	"CombineMR/internal/mapreduce"
	"CombineMR/internal/storage"
	"CombineMR/internal/types"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.TaskTimeout = 300 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.LogLevel = "ERROR"
	return cfg
}

type cluster struct {
	t       *testing.T
	cfg     config.Config
	store   storage.Storage
	library *mapreduce.Library
	boss    *coordinator.Boss
	log     *logger.Logger
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
}

func newCluster(t *testing.T, cfg config.Config, store storage.Storage, lib *mapreduce.Library) *cluster {
	t.Helper()
	if lib == nil {
		lib = mapreduce.DefaultLibrary()
	}
	lg := logger.NewWithWriter("ERROR", &bytes.Buffer{})
	boss, err := coordinator.NewBoss(coordinator.Options{Config: cfg, Storage: store, Library: lib, Logger: lg})
	if err != nil {
		t.Fatalf("NewBoss failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &cluster{t: t, cfg: cfg, store: store, library: lib, boss: boss, log: lg, ctx: ctx, cancel: cancel}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		boss.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		c.wg.Wait()
	})
	return c
}

// startWorker runs a worker against boss, which may wrap the cluster's Boss
func (c *cluster) startWorker(id string, boss Coordinator) *Worker {
	c.t.Helper()
	if boss == nil {
		boss = c.boss
	}
	w, err := New(Options{ID: id, Config: c.cfg, Storage: c.store, Library: c.library, Boss: boss, Logger: c.log})
	if err != nil {
		c.t.Fatalf("New worker failed: %v", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.Run(c.ctx)
	}()
	return w
}

func (c *cluster) submit(spec types.JobSpec) string {
	c.t.Helper()
	id, err := c.boss.Submit(context.Background(), spec)
	if err != nil {
		c.t.Fatalf("Submit failed: %v", err)
	}
	return id
}

func (c *cluster) wait(jobID string, timeout time.Duration) types.JobStatus {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := c.boss.Status(context.Background(), jobID)
		if err != nil {
			c.t.Fatalf("Status failed: %v", err)
		}
		if st.Phase.Finished() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := c.boss.Status(context.Background(), jobID)
	c.t.Fatalf("job %s did not finish in %s: %+v", jobID, timeout, st)
	return st
}

func (c *cluster) outputs(dir string, reduces int) [][]string {
	c.t.Helper()
	out := make([][]string, reduces)
	for r := range out {
		data, err := c.store.Read(OutputPath(dir, r))
		if err != nil {
			c.t.Fatalf("missing output %d: %v", r, err)
		}
		text := strings.TrimSuffix(string(data), "\n")
		if text != "" {
			out[r] = strings.Split(text, "\n")
		}
	}
	return out
}

func oracle(t *testing.T, input string, reduces int, mapper mapreduce.Mapper, reducer mapreduce.Reducer) [][]string {
	t.Helper()
	want, err := mapreduce.NewEngine(reduces).Execute(input, mapper, reducer)
	if err != nil {
		t.Fatalf("oracle failed: %v", err)
	}
	return want
}

// skewedText has a few very frequent words and a long tail
func skewedText(lines int, seed int64) string {
	rng := rand.New(rand.NewSource(seed))
	var b strings.Builder
	for i := 0; i < lines; i++ {
		for j := 0; j < 8; j++ {
			if rng.Intn(3) == 0 {
				fmt.Fprintf(&b, "w%d ", rng.Intn(500))
			} else {
				fmt.Fprintf(&b, "hot%d ", rng.Intn(3))
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func TestWordCountOnLocalStorage(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	c := newCluster(t, testConfig(), store, nil)
	store.Write("input/doc.txt", []byte("a a b\na b b\n"))

	for i := 0; i < 3; i++ {
		c.startWorker(fmt.Sprintf("w%d", i), nil)
	}
	id := c.submit(types.JobSpec{
		Mapper: "wc", Reducer: "sum", Combiner: "sum",
		Input: "input/doc.txt", Output: "out/wc", NumMaps: 2, NumReduces: 1,
	})

	st := c.wait(id, 10*time.Second)
	if st.Phase != types.PhaseDone {
		t.Fatalf("job failed: %+v", st)
	}
	data, err := store.Read("out/wc/mr-out-0")
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "a 3\nb 3\n" {
		t.Fatalf("unexpected output %q", data)
	}
	if st.MapProgress.Completed != 2 || st.ReduceProgress.Completed != 1 {
		t.Fatalf("unexpected progress: %+v", st)
	}
}

func TestEmptyInputYieldsEmptyOutputs(t *testing.T) {
	store := storage.NewMemory()
	c := newCluster(t, testConfig(), store, nil)
	store.Write("empty.txt", nil)
	c.startWorker("w0", nil)

	id := c.submit(types.JobSpec{Mapper: "wc", Reducer: "sum", Input: "empty.txt", Output: "out", NumMaps: 2, NumReduces: 3})
	if st := c.wait(id, 10*time.Second); st.Phase != types.PhaseDone {
		t.Fatalf("job failed: %+v", st)
	}
	for r, lines := range c.outputs("out", 3) {
		if len(lines) != 0 {
			t.Fatalf("partition %d not empty: %v", r, lines)
		}
	}
}

// Combining must never change what the reducers produce: always-combine,
// never-combine and the in-memory engine agree byte for byte.
func TestCombiningIsInvisibleToReducers(t *testing.T) {
	input := skewedText(400, 7)
	want := oracle(t, input, 3, mapreduce.WordCount, mapreduce.Sum)

	variants := map[string]func(cfg *config.Config, spec *types.JobSpec){
		"never":            func(cfg *config.Config, spec *types.JobSpec) { cfg.CombinerThreshold = config.Disabled },
		"always":           func(cfg *config.Config, spec *types.JobSpec) { cfg.CombinerThreshold = 0 },
		"always-no-fn":     func(cfg *config.Config, spec *types.JobSpec) { cfg.CombinerThreshold = 0; spec.Combiner = "" },
		"above-batch-size": func(cfg *config.Config, spec *types.JobSpec) { cfg.CombinerThreshold = 1 << 20 },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize = 64
			cfg.HotKeyThreshold = 2
			spec := types.JobSpec{Mapper: "wc", Reducer: "sum", Combiner: "sum", Input: "in.txt", Output: "out", NumMaps: 4, NumReduces: 3}
			mutate(&cfg, &spec)

			store := storage.NewMemory()
			store.Write("in.txt", []byte(input))
			c := newCluster(t, cfg, store, nil)
			c.startWorker("w0", nil)
			c.startWorker("w1", nil)

			st := c.wait(c.submit(spec), 20*time.Second)
			if st.Phase != types.PhaseDone {
				t.Fatalf("job failed: %+v", st)
			}
			got := c.outputs("out", 3)
			for r := range want {
				if strings.Join(got[r], "\n") != strings.Join(want[r], "\n") {
					t.Fatalf("partition %d differs from engine:\n got %v\nwant %v", r, got[r], want[r])
				}
			}

			combined := 0
			for _, d := range st.Decisions {
				combined += d.BatchesCombined
			}
			if cfg.CombinerThreshold == 0 && combined == 0 {
				t.Fatalf("expected combined batches, decisions: %+v", st.Decisions)
			}
			if cfg.CombinerThreshold >= cfg.BatchSize && combined != 0 {
				t.Fatalf("threshold above batch size still combined: %+v", st.Decisions)
			}
		})
	}
}

func TestGrepJob(t *testing.T) {
	store := storage.NewMemory()
	c := newCluster(t, testConfig(), store, nil)
	input := "error: disk\ninfo: ok\nerror: disk\nerror: net\n"
	store.Write("log.txt", []byte(input))
	c.startWorker("w0", nil)

	id := c.submit(types.JobSpec{Mapper: "grep:^error", Reducer: "sum", Input: "log.txt", Output: "grep", NumMaps: 2, NumReduces: 1})
	if st := c.wait(id, 10*time.Second); st.Phase != types.PhaseDone {
		t.Fatalf("job failed: %+v", st)
	}
	got := c.outputs("grep", 1)[0]
	want := []string{"error: disk 2", "error: net 1"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// slowBoss swallows heartbeats and holds back the first completion report
// until the Boss has long reassigned the task.
type slowBoss struct {
	Coordinator
	delay    time.Duration
	assigned chan string
	once     sync.Once
	reports  sync.Once
	rejected atomic.Int32
}

func (s *slowBoss) RequestTask(ctx context.Context, req types.TaskRequest) (types.TaskReply, error) {
	reply, err := s.Coordinator.RequestTask(ctx, req)
	if err == nil && reply.Task != nil {
		s.once.Do(func() { s.assigned <- reply.Task.TaskID })
	}
	return reply, err
}

func (s *slowBoss) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (types.Ack, error) {
	if req.Error != "" {
		return s.Coordinator.Heartbeat(ctx, req)
	}
	return types.Ack{Accepted: true}, nil
}

func (s *slowBoss) ReportComplete(ctx context.Context, req types.CompletionReport) (types.Ack, error) {
	s.reports.Do(func() { time.Sleep(s.delay) })
	ack, err := s.Coordinator.ReportComplete(ctx, req)
	if err == nil && !ack.Accepted {
		s.rejected.Add(1)
	}
	return ack, err
}

func TestSilentWorkerIsReplacedAndItsReportIgnored(t *testing.T) {
	cfg := testConfig()
	input := skewedText(200, 3)
	want := oracle(t, input, 2, mapreduce.WordCount, mapreduce.Sum)

	store := storage.NewMemory()
	store.Write("in.txt", []byte(input))
	c := newCluster(t, cfg, store, nil)

	slow := &slowBoss{Coordinator: c.boss, delay: 3 * cfg.TaskTimeout, assigned: make(chan string, 1)}
	id := c.submit(types.JobSpec{Mapper: "wc", Reducer: "sum", Combiner: "sum", Input: "in.txt", Output: "out", NumMaps: 3, NumReduces: 2})

	c.startWorker("silent", slow)
	select {
	case taskID := <-slow.assigned:
		t.Logf("silent worker holds %s", taskID)
	case <-time.After(5 * time.Second):
		t.Fatalf("silent worker never got a task")
	}
	c.startWorker("healthy", nil)

	st := c.wait(id, 20*time.Second)
	if st.Phase != types.PhaseDone {
		t.Fatalf("job failed: %+v", st)
	}

	// Let the delayed report land; it must be refused and change nothing.
	deadline := time.Now().Add(5 * time.Second)
	for slow.rejected.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if slow.rejected.Load() == 0 {
		t.Fatalf("late report from the silent worker was not rejected")
	}
	got := c.outputs("out", 2)
	for r := range want {
		if strings.Join(got[r], "\n") != strings.Join(want[r], "\n") {
			t.Fatalf("partition %d wrong after reassignment", r)
		}
	}
}

func TestMapperPanicFailsJobAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTaskRetries = 1

	lib := mapreduce.DefaultLibrary()
	lib.RegisterMapper("boom", mapreduce.MapperFunc(func(record string, emit func(string, string) error) error {
		panic("bad record " + record)
	}))

	store := storage.NewMemory()
	store.Write("in.txt", []byte("x\n"))
	c := newCluster(t, cfg, store, lib)
	w := c.startWorker("w0", nil)

	st := c.wait(c.submit(types.JobSpec{Mapper: "boom", Reducer: "sum", Input: "in.txt", Output: "out", NumMaps: 1, NumReduces: 1}), 10*time.Second)
	if st.Phase != types.PhaseFailed {
		t.Fatalf("expected failure: %+v", st)
	}
	if !strings.Contains(st.Error, "bad record x") {
		t.Fatalf("failure cause lost the user error: %q", st.Error)
	}
	if _, failed := w.Stats(); failed < 2 {
		t.Fatalf("expected at least 2 failed attempts, got %d", failed)
	}
}

func TestStorageFailureAbortsAttempt(t *testing.T) {
	cfg := testConfig()
	store := storage.NewMemory()
	store.Write("in.txt", []byte("a b\n"))
	store.FailWrites = cfg.IntermediatePrefix
	c := newCluster(t, cfg, store, nil)

	w, err := New(Options{ID: "w0", Config: cfg, Storage: store, Boss: c.boss, Logger: c.log})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.submit(types.JobSpec{Mapper: "wc", Reducer: "sum", Input: "in.txt", Output: "out", NumMaps: 1, NumReduces: 2})

	reply, err := c.boss.RequestTask(context.Background(), types.TaskRequest{WorkerID: w.ID()})
	if err != nil || reply.Task == nil {
		t.Fatalf("no task: %v", err)
	}
	err = w.Execute(context.Background(), reply.Task)
	if !errors.Is(err, types.ErrStorageWrite) {
		t.Fatalf("expected ErrStorageWrite, got %v", err)
	}
	if _, failed := w.Stats(); failed != 1 {
		t.Fatalf("failed attempts = %d", failed)
	}
}

func TestIntermediateFilesCarryEpoch(t *testing.T) {
	if p := IntermediatePath("intermediate/job-1", 2, 0, 3); p != "intermediate/job-1/mr-2-0-3" {
		t.Fatalf("unexpected path %s", p)
	}
	if p := OutputPath("out/", 4); p != "out/mr-out-4" {
		t.Fatalf("unexpected path %s", p)
	}
}

func TestRepeatedRunsAreByteIdentical(t *testing.T) {
	input := skewedText(150, 11)
	var first [][]string
	for run := 0; run < 2; run++ {
		cfg := testConfig()
		cfg.BatchSize = 32
		cfg.CombinerThreshold = 8
		cfg.HotKeyThreshold = 1
		store := storage.NewMemory()
		store.Write("in.txt", []byte(input))
		c := newCluster(t, cfg, store, nil)
		for i := 0; i < 3; i++ {
			c.startWorker(fmt.Sprintf("w%d", i), nil)
		}
		st := c.wait(c.submit(types.JobSpec{Mapper: "wc", Reducer: "max", Combiner: "max", Input: "in.txt", Output: "out", NumMaps: 5, NumReduces: 2}), 20*time.Second)
		if st.Phase != types.PhaseDone {
			t.Fatalf("run %d failed: %+v", run, st)
		}
		got := c.outputs("out", 2)
		if run == 0 {
			first = got
			continue
		}
		for r := range got {
			if strings.Join(got[r], "\n") != strings.Join(first[r], "\n") {
				t.Fatalf("partition %d differs between runs", r)
			}
		}
	}
}
