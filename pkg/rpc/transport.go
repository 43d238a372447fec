package rpc

import (
	"sync"
	"time"

	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

// LocalTransport implements raft.Transport in-memory, for deterministic test
// harnesses (pkg/testing) that simulate partitions, healing and latency
// without opening any socket.
type LocalTransport struct {
	mu       sync.RWMutex
	nodes    map[string]*raft.Node
	disabled map[string]map[string]bool // disabled[from][to] = true if connection is disabled
	latency  time.Duration
}

// NewLocalTransport creates a new local transport for testing.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:    make(map[string]*raft.Node),
		disabled: make(map[string]map[string]bool),
	}
}

// Register registers a node with the transport.
func (t *LocalTransport) Register(id string, node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	t.disabled[id] = make(map[string]bool)
}

// SetLatency sets artificial latency for all RPCs.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect simulates a one-way network disconnect between two nodes.
func (t *LocalTransport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores a network connection between two nodes.
func (t *LocalTransport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates a node from the rest of the cluster.
func (t *LocalTransport) Partition(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.nodes {
		if id != nodeID {
			if t.disabled[nodeID] == nil {
				t.disabled[nodeID] = make(map[string]bool)
			}
			if t.disabled[id] == nil {
				t.disabled[id] = make(map[string]bool)
			}
			t.disabled[nodeID][id] = true
			t.disabled[id][nodeID] = true
		}
	}
}

// Heal restores all network connections for a node.
func (t *LocalTransport) Heal(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disabled[nodeID] = make(map[string]bool)
	for id := range t.nodes {
		if t.disabled[id] != nil {
			delete(t.disabled[id], nodeID)
		}
	}
}

// HealAll restores all network connections.
func (t *LocalTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *LocalTransport) isConnected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

// RequestVote implements raft.Transport.
func (t *LocalTransport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(args.CandidateID, target)
	latency := t.latency
	t.mu.RUnlock()

	if !ok || !connected {
		return nil, raft.ErrNodeNotFound
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return node.HandleRequestVote(args), nil
}

// AppendEntries implements raft.Transport.
func (t *LocalTransport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(args.LeaderID, target)
	latency := t.latency
	t.mu.RUnlock()

	if !ok || !connected {
		return nil, raft.ErrNodeNotFound
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return node.HandleAppendEntries(args), nil
}

// InstallSnapshotChunk implements raft.Transport.
func (t *LocalTransport) InstallSnapshotChunk(target string, chunk *raft.InstallSnapshotChunk) (*raft.InstallSnapshotReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(chunk.LeaderID, target)
	latency := t.latency
	t.mu.RUnlock()

	if !ok || !connected {
		return nil, raft.ErrNodeNotFound
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return node.HandleInstallSnapshotChunk(chunk), nil
}
