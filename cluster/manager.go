// Package cluster provides multi-node coordination using HashiCorp
// memberlist. Its single job here is deterministic leader election:
// exactly one gateway node runs the lifecycle scheduler, so
// credential-expiring and session-terminated events are emitted once
// per cluster rather than once per node.
package cluster

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/metrics"
)

// Manager handles cluster membership and leader election.
type Manager struct {
	config     config.ClusterConfig
	memberlist *memberlist.Memberlist
	nodeID     string

	mu       sync.RWMutex
	isLeader bool
	leaderID string

	callbackMu            sync.RWMutex
	leaderChangeCallbacks []func(isLeader bool, newLeaderID string)

	ctx    context.Context
	cancel context.CancelFunc
}

// nodeDelegate satisfies memberlist.Delegate; beacon carries no gossip
// payload beyond the node name, cross-node event fan-out goes through
// the resilience store.
type nodeDelegate struct {
	meta []byte
}

func (d *nodeDelegate) NodeMeta(limit int) []byte { return d.meta }

func (d *nodeDelegate) NotifyMsg([]byte) {}

func (d *nodeDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *nodeDelegate) LocalState(join bool) []byte { return nil }

func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

// New creates a cluster manager and joins the configured peers.
func New(cfg config.ClusterConfig) (*Manager, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("cluster mode is not enabled")
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname for node ID: %w", err)
		}
		nodeID = hostname
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config: cfg,
		nodeID: nodeID,
		ctx:    ctx,
		cancel: cancel,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.Delegate = &nodeDelegate{meta: []byte(nodeID)}

	if cfg.SecretKey != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(cfg.SecretKey)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to decode cluster secret_key: %w", err)
		}
		if len(keyBytes) != 32 {
			cancel()
			return nil, fmt.Errorf("cluster secret_key must be 32 bytes (got %d bytes)", len(keyBytes))
		}
		mlConfig.SecretKey = keyBytes
	} else {
		logger.Warn("cluster encryption disabled, secret_key not configured")
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.memberlist = ml

	// A node must never list itself in peers; that confuses gossip.
	peers := make([]string, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		if peer == nodeID {
			logger.Warn("ignoring self-reference in cluster peers", "node_id", nodeID)
			continue
		}
		peers = append(peers, peer)
	}
	if len(peers) > 0 {
		if n, err := ml.Join(peers); err != nil {
			logger.Warn("failed to join cluster peers, will retry via gossip", "error", err)
		} else {
			logger.Info("joined cluster", "peers", n)
		}
	}

	go m.leaderElectionLoop()

	logger.Info("cluster manager started",
		"node_id", nodeID, "bind_addr", cfg.BindAddr, "bind_port", cfg.BindPort, "peers", peers)
	return m, nil
}

func (m *Manager) leaderElectionLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	m.electLeader()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.electLeader()
		}
	}
}

// electLeader picks the lexicographically smallest live node ID. Every
// node computes the same answer from the same membership view, so no
// extra coordination round is needed.
func (m *Manager) electLeader() {
	members := m.memberlist.Members()
	metrics.ClusterMembers.Set(float64(len(members)))

	leaderID := m.nodeID
	for _, member := range members {
		if member.Name < leaderID {
			leaderID = member.Name
		}
	}

	m.mu.Lock()
	oldLeader := m.leaderID
	oldIsLeader := m.isLeader
	m.leaderID = leaderID
	m.isLeader = leaderID == m.nodeID
	newIsLeader := m.isLeader
	m.mu.Unlock()

	if newIsLeader {
		metrics.ClusterLeader.Set(1)
	} else {
		metrics.ClusterLeader.Set(0)
	}

	if oldLeader == leaderID && oldIsLeader == newIsLeader {
		return
	}
	logger.Info("cluster leader changed",
		"old_leader", oldLeader, "new_leader", leaderID, "this_node_leads", newIsLeader)
	m.notifyLeaderChange(newIsLeader, leaderID)
}

// OnLeaderChange registers a callback invoked whenever leadership
// moves. Callbacks run on their own goroutines so a slow consumer
// cannot stall the election loop.
func (m *Manager) OnLeaderChange(callback func(isLeader bool, newLeaderID string)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.leaderChangeCallbacks = append(m.leaderChangeCallbacks, callback)
}

func (m *Manager) notifyLeaderChange(isLeader bool, newLeaderID string) {
	m.callbackMu.RLock()
	callbacks := make([]func(bool, string), len(m.leaderChangeCallbacks))
	copy(callbacks, m.leaderChangeCallbacks)
	m.callbackMu.RUnlock()

	for _, callback := range callbacks {
		go func(cb func(bool, string)) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in leader change callback", "panic", r)
				}
			}()
			cb(isLeader, newLeaderID)
		}(callback)
	}
}

func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isLeader
}

func (m *Manager) GetLeaderID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderID
}

func (m *Manager) GetNodeID() string {
	return m.nodeID
}

func (m *Manager) GetMemberCount() int {
	return m.memberlist.NumMembers()
}

// MemberInfo describes one cluster member.
type MemberInfo struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
	Port uint16 `json:"port"`
}

func (m *Manager) GetMembers() []MemberInfo {
	members := m.memberlist.Members()
	result := make([]MemberInfo, len(members))
	for i, member := range members {
		result[i] = MemberInfo{
			Name: member.Name,
			Addr: member.Addr.String(),
			Port: member.Port,
		}
	}
	return result
}

// Shutdown leaves the cluster gracefully.
func (m *Manager) Shutdown() error {
	logger.Info("shutting down cluster manager")
	m.cancel()

	if m.memberlist != nil {
		if err := m.memberlist.Leave(5 * time.Second); err != nil {
			logger.Warn("error leaving cluster", "error", err)
		}
		if err := m.memberlist.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown memberlist: %w", err)
		}
	}
	return nil
}
