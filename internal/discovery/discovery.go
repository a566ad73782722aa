// Package discovery tracks live workers over gossip. The Boss runs a seed
// node; each worker joins it under its worker ID, so a worker that leaves or
// stops answering probes is noticed well before its heartbeats time out.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"CombineMR/internal/logger"
)

type eventDelegate struct {
	m *Membership
}

func (ed *eventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.m.handleJoin(node)
}

func (ed *eventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.m.handleLeave(node)
}

func (ed *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.m.handleUpdate(node)
}

// Membership is one gossip node and its view of the other members
type Membership struct {
	list   *memberlist.Memberlist
	logger *logger.Logger
	mu     sync.RWMutex

	onJoin  func(nodeID, address string)
	onLeave func(nodeID string)

	members map[string]string // node id -> host:port
	localID string
}

type Config struct {
	NodeID    string
	BindAddr  string
	BindPort  int      // 0 picks a free port
	JoinAddrs []string // host:port of existing members
	// ProbeInterval defaults to one second
	ProbeInterval time.Duration
	Logger        *logger.Logger
}

// New starts the gossip node and joins JoinAddrs when given
func New(cfg Config) (*Membership, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("gossip")

	m := &Membership{
		logger:  lg,
		localID: cfg.NodeID,
		members: make(map[string]string),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = time.Second
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.ProbeTimeout = mlConfig.ProbeInterval / 2
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.Events = &eventDelegate{m: m}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.list = ml
	lg.Info("Gossip node started: node_id=%s addr=%s", cfg.NodeID, m.Addr())

	if len(cfg.JoinAddrs) > 0 {
		n, err := ml.Join(cfg.JoinAddrs)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("failed to join %v: %w", cfg.JoinAddrs, err)
		}
		lg.Info("Joined gossip cluster: contacted=%d members=%d", n, ml.NumMembers())
	}
	return m, nil
}

// Addr is the host:port other members join through
func (m *Membership) Addr() string {
	node := m.list.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

// OnJoin registers the callback run when another member appears. Callbacks
// run on their own goroutine, off memberlist's event path.
func (m *Membership) OnJoin(fn func(nodeID, address string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoin = fn
}

// OnLeave registers the callback run when a member leaves or is declared dead
func (m *Membership) OnLeave(fn func(nodeID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeave = fn
}

// Members returns the other live members keyed by node id
func (m *Membership) Members() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.members))
	for k, v := range m.members {
		out[k] = v
	}
	return out
}

func (m *Membership) handleJoin(node *memberlist.Node) {
	if node.Name == m.localID {
		return
	}
	address := node.Address()
	m.mu.Lock()
	m.members[node.Name] = address
	cb := m.onJoin
	m.mu.Unlock()

	m.logger.Info("Member joined: node_id=%s address=%s", node.Name, address)
	if cb != nil {
		go cb(node.Name, address)
	}
}

func (m *Membership) handleLeave(node *memberlist.Node) {
	if node.Name == m.localID {
		return
	}
	m.mu.Lock()
	delete(m.members, node.Name)
	cb := m.onLeave
	m.mu.Unlock()

	m.logger.Warn("Member left: node_id=%s", node.Name)
	if cb != nil {
		go cb(node.Name)
	}
}

func (m *Membership) handleUpdate(node *memberlist.Node) {
	if node.Name == m.localID {
		return
	}
	m.mu.Lock()
	m.members[node.Name] = node.Address()
	m.mu.Unlock()
	m.logger.Debug("Member updated: node_id=%s address=%s", node.Name, node.Address())
}

// Leave announces departure and waits up to timeout for it to propagate
func (m *Membership) Leave(timeout time.Duration) error {
	return m.list.Leave(timeout)
}

func (m *Membership) Shutdown() error {
	return m.list.Shutdown()
}
