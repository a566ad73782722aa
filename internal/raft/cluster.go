// Package raft journals every Boss transition through a hashicorp/raft log
// backed by BoltDB, so the scheduling history survives the process and can be
// inspected from the /journal endpoint.
package raft

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"CombineMR/internal/logger"
	"CombineMR/internal/types"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Cluster is a raft node whose FSM is the journaled Boss state
type Cluster struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      *raftboltdb.BoltStore
	stableStore   *raftboltdb.BoltStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	applyTimeout  time.Duration
	logger        *logger.Logger
}

type Config struct {
	NodeID   string
	BindAddr string
	BindPort int
	DataDir  string // log store, stable store and snapshots
	// Peers lists nodeID@host:port of voters to bootstrap with; empty means a
	// single-node journal
	Peers             []string
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration
	Logger            *logger.Logger
}

// NewCluster opens (or creates) the journal under cfg.DataDir. A fresh data
// directory is bootstrapped; an existing one resumes from its log.
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 1024
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("journal")
	lg.Info("Initializing journal node: node_id=%s bind_addr=%s:%d data_dir=%s", cfg.NodeID, cfg.BindAddr, cfg.BindPort, cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Cluster{
		nodeID:       cfg.NodeID,
		fsm:          NewFSM(lg),
		applyTimeout: cfg.ApplyTimeout,
		logger:       lg,
	}

	var err error
	if c.logStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db")); err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	if c.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db")); err != nil {
		c.logStore.Close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	if c.snapshotStore, err = raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr); err != nil {
		c.closeStores()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	bind := net.JoinHostPort(cfg.BindAddr, fmt.Sprintf("%d", cfg.BindPort))
	addr, err := net.ResolveTCPAddr("tcp", bind)
	if err != nil {
		c.closeStores()
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}
	if c.transport, err = raft.NewTCPTransport(addr.String(), addr, 3, 10*time.Second, os.Stderr); err != nil {
		c.closeStores()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 10 * time.Second
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.LogLevel = "WARN"

	existing, err := raft.HasExistingState(c.logStore, c.stableStore, c.snapshotStore)
	if err != nil {
		c.transport.Close()
		c.closeStores()
		return nil, fmt.Errorf("failed to inspect existing state: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, c.fsm, c.logStore, c.stableStore, c.snapshotStore, c.transport)
	if err != nil {
		c.transport.Close()
		c.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r

	if existing {
		lg.Info("Resuming journal from existing state: node_id=%s", cfg.NodeID)
		return c, nil
	}

	servers := []raft.Server{{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(cfg.NodeID),
		Address:  c.transport.LocalAddr(),
	}}
	for _, p := range cfg.Peers {
		id, address, err := parsePeer(p)
		if err != nil {
			c.Close()
			return nil, err
		}
		if id == cfg.NodeID {
			continue
		}
		servers = append(servers, raft.Server{Suffrage: raft.Voter, ID: raft.ServerID(id), Address: raft.ServerAddress(address)})
	}
	if err := c.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	lg.Info("Journal bootstrapped: voters=%d", len(servers))
	return c, nil
}

func parsePeer(p string) (string, string, error) {
	id, addr, ok := strings.Cut(p, "@")
	if !ok || id == "" || addr == "" {
		return "", "", fmt.Errorf("malformed peer %q, want nodeID@host:port", p)
	}
	return id, addr, nil
}

// WaitForLeader blocks until the cluster has elected a leader
func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := c.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %s", timeout)
}

func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// GetLeader returns the current leader ID
func (c *Cluster) GetLeader() string {
	_, id := c.raft.LeaderWithID()
	return string(id)
}

// Append commits one Boss transition. Only the leader can append.
func (c *Cluster) Append(entry *types.LogEntry) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", c.GetLeader())
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(data, c.applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

// GetClusterState returns a copy of the journaled state
func (c *Cluster) GetClusterState() *types.ClusterState {
	state := c.fsm.GetState()
	state.Leader = c.GetLeader()
	return state
}

// Snapshot forces a snapshot, compacting the log
func (c *Cluster) Snapshot() error {
	return c.raft.Snapshot().Error()
}

// Stats is raft's own status map, served next to the state on /journal
func (c *Cluster) Stats() map[string]string {
	return c.raft.Stats()
}

func (c *Cluster) Close() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return err
	}
	if err := c.transport.Close(); err != nil {
		return err
	}
	return c.closeStores()
}

func (c *Cluster) closeStores() error {
	var firstErr error
	for _, s := range []*raftboltdb.BoltStore{c.logStore, c.stableStore} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
