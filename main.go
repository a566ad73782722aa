package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sasha-s/go-deadlock"

	"CombineMR/internal/config"
	"CombineMR/internal/coordinator"
	"CombineMR/internal/discovery"
	httpserver "CombineMR/internal/http"
	"CombineMR/internal/logger"
	"CombineMR/internal/mapreduce"
	"CombineMR/internal/raft"
	"CombineMR/internal/storage"
	"CombineMR/internal/types"
	"CombineMR/internal/worker"
)

type options struct {
	mode       string
	httpAddr   string
	bossAddr   string
	workerID   string
	workers    int
	journalDir string
	raftPort   int
	gossipPort int
	gossipJoin string

	spec types.JobSpec
}

func main() {
	var o options
	flag.StringVar(&o.mode, "mode", "local", "Mode: 'boss', 'worker', 'submit' or 'local' (boss and workers in one process)")
	flag.StringVar(&o.httpAddr, "http", "127.0.0.1:8080", "Boss HTTP listen address")
	flag.StringVar(&o.bossAddr, "boss", "127.0.0.1:8080", "Boss address for worker and submit modes")
	flag.StringVar(&o.workerID, "id", "", "Worker id (generated when empty)")
	flag.IntVar(&o.workers, "workers", 4, "Number of in-process workers in local mode")
	flag.StringVar(&o.journalDir, "journal-dir", "", "Enable the raft journal under this directory (boss mode)")
	flag.IntVar(&o.raftPort, "raft-port", 9001, "Raft journal port")
	flag.IntVar(&o.gossipPort, "gossip-port", 0, "Gossip port; boss mode listens on it when set")
	flag.StringVar(&o.gossipJoin, "gossip-join", "", "Boss gossip address to join (worker mode)")

	flag.StringVar(&o.spec.Mapper, "mapper", "wc", "Mapper: wc or grep:<regex>")
	flag.StringVar(&o.spec.Reducer, "reducer", "sum", "Reducer: sum or max")
	flag.StringVar(&o.spec.Combiner, "combiner", "sum", "Combiner, empty for none")
	flag.StringVar(&o.spec.Input, "input", "", "Input path relative to STORAGE_ROOT")
	flag.StringVar(&o.spec.Output, "output", "out", "Output directory relative to STORAGE_ROOT")
	flag.IntVar(&o.spec.NumMaps, "maps", 4, "Number of map tasks")
	flag.IntVar(&o.spec.NumReduces, "reduces", 2, "Number of reduce tasks")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	deadlock.Opts.Disable = !cfg.DeadlockDetection
	lg := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch o.mode {
	case "boss":
		err = runBoss(ctx, cfg, o, lg)
	case "worker":
		err = runWorker(ctx, cfg, o, lg)
	case "submit":
		err = runSubmit(ctx, o)
	case "local":
		err = runLocal(ctx, cfg, o, lg)
	default:
		err = fmt.Errorf("unknown mode: %s", o.mode)
	}
	if err != nil {
		lg.Error("%v", err)
		os.Exit(1)
	}
}

func runBoss(ctx context.Context, cfg config.Config, o options, lg *logger.Logger) error {
	store, err := storage.NewLocal(cfg.StorageRoot)
	if err != nil {
		return err
	}

	opts := coordinator.Options{Config: cfg, Storage: store, Library: mapreduce.DefaultLibrary(), Logger: lg}
	var state httpserver.StateSource
	if o.journalDir != "" {
		journal, err := raft.NewCluster(raft.Config{
			NodeID:   "boss",
			BindAddr: "127.0.0.1",
			BindPort: o.raftPort,
			DataDir:  o.journalDir,
			Logger:   lg,
		})
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		if err := journal.WaitForLeader(10 * time.Second); err != nil {
			return err
		}
		opts.Journal = journal
		state = journal
	}

	boss, err := coordinator.NewBoss(opts)
	if err != nil {
		return err
	}

	if o.gossipPort != 0 {
		members, err := discovery.New(discovery.Config{NodeID: "boss", BindAddr: "0.0.0.0", BindPort: o.gossipPort, Logger: lg})
		if err != nil {
			return err
		}
		defer members.Shutdown()
		members.OnLeave(boss.WorkerLost)
	}

	server := httpserver.NewServer(httpserver.ServerOpts{ID: "boss", Addr: o.httpAddr}, boss, state, lg)
	if err := server.Start(); err != nil {
		return err
	}

	lg.Info("Boss ready: %s", logger.Fields(map[string]interface{}{
		"http":         server.Addr(),
		"storage_root": store.Root(),
		"combining":    cfg.CombiningEnabled(),
		"threshold":    cfg.CombinerThreshold,
		"journal":      o.journalDir != "",
	}))
	boss.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, cfg config.Config, o options, lg *logger.Logger) error {
	store, err := storage.NewLocal(cfg.StorageRoot)
	if err != nil {
		return err
	}
	client := httpserver.NewClient(o.bossAddr, cfg.HeartbeatInterval*2)

	w, err := worker.New(worker.Options{
		ID: o.workerID, Config: cfg, Storage: store, Boss: client, Logger: lg,
	})
	if err != nil {
		return err
	}

	if o.gossipJoin != "" {
		members, err := discovery.New(discovery.Config{
			NodeID: w.ID(), BindAddr: "0.0.0.0", BindPort: o.gossipPort,
			JoinAddrs: []string{o.gossipJoin}, Logger: lg,
		})
		if err != nil {
			return err
		}
		defer func() {
			members.Leave(time.Second)
			members.Shutdown()
		}()
	}

	return w.Run(ctx)
}

func runSubmit(ctx context.Context, o options) error {
	client := httpserver.NewClient(o.bossAddr, 10*time.Second)
	jobID, err := client.Submit(ctx, o.spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Submitted %s\n", jobID)

	st, err := client.Wait(ctx, jobID, 500*time.Millisecond)
	if err != nil {
		return err
	}
	return printStatus(st)
}

// runLocal runs a Boss and o.workers workers in one process against the local
// storage root, submits one job and waits for it.
func runLocal(ctx context.Context, cfg config.Config, o options, lg *logger.Logger) error {
	store, err := storage.NewLocal(cfg.StorageRoot)
	if err != nil {
		return err
	}
	lib := mapreduce.DefaultLibrary()
	boss, err := coordinator.NewBoss(coordinator.Options{Config: cfg, Storage: store, Library: lib, Logger: lg})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		boss.Run(ctx)
	}()
	for i := 0; i < o.workers; i++ {
		w, err := worker.New(worker.Options{
			ID: fmt.Sprintf("worker-%d", i), Config: cfg, Storage: store, Library: lib, Boss: boss, Logger: lg,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	jobID, err := boss.Submit(ctx, o.spec)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		st, err := boss.Status(ctx, jobID)
		if err != nil {
			return err
		}
		if st.Phase.Finished() {
			if st.Phase == types.PhaseDone {
				if files, err := store.List(o.spec.Output + "/"); err == nil {
					lg.Info("Job %s wrote %d output files under %s", jobID, len(files), o.spec.Output)
				}
			}
			return printStatus(st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printStatus(st types.JobStatus) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return err
	}
	if st.Phase == types.PhaseFailed {
		return fmt.Errorf("job %s failed: %s", st.JobID, st.Error)
	}
	return nil
}
