// Package testing is the deterministic test harness for the chat cluster
// (C9): an in-memory multi-node cluster wired over rpc.LocalTransport, used
// by package-level tests to drive elections, replication, partitions and
// membership changes without any real networking or disk I/O outside a
// scratch WAL directory per node.
package testing

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/GiovanniDantonio/raftchat/pkg/chatstate"
	"github.com/GiovanniDantonio/raftchat/pkg/cluster"
	"github.com/GiovanniDantonio/raftchat/pkg/raft"
	"github.com/GiovanniDantonio/raftchat/pkg/rpc"
	"github.com/GiovanniDantonio/raftchat/pkg/wal"
)

// TestCluster is a cluster of Raft nodes over chatstate.Store, wired with
// an in-memory transport for deterministic, fast tests.
type TestCluster struct {
	Nodes      []*raft.Node
	Stores     []*chatstate.Store
	Membership []*cluster.Manager
	Transport  *rpc.LocalTransport
	WALs       []*wal.Store
	walDirs    []string
}

// NewTestCluster creates a new test cluster with size initial voting
// members.
func NewTestCluster(size int) (*TestCluster, error) {
	transport := rpc.NewLocalTransport()
	uniqueID := rand.Int63()

	nodeIDs := make([]string, size)
	for i := 0; i < size; i++ {
		nodeIDs[i] = fmt.Sprintf("node-%d", i)
	}

	c := &TestCluster{
		Nodes:      make([]*raft.Node, size),
		Stores:     make([]*chatstate.Store, size),
		Membership: make([]*cluster.Manager, size),
		Transport:  transport,
		WALs:       make([]*wal.Store, size),
		walDirs:    make([]string, size),
	}

	for i := 0; i < size; i++ {
		peers := make([]string, 0, size-1)
		for j := 0; j < size; j++ {
			if i != j {
				peers = append(peers, nodeIDs[j])
			}
		}

		walDir := fmt.Sprintf("/tmp/raftchat-test-wal-%d-%d-%d", os.Getpid(), uniqueID, i)
		c.walDirs[i] = walDir
		os.RemoveAll(walDir)

		store, err := wal.New(walDir)
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.WALs[i] = store

		sm := chatstate.New()
		c.Stores[i] = sm

		membership := cluster.NewManager()
		for j := 0; j < size; j++ {
			membership.AddVotingMember(nodeIDs[j], nodeIDs[j])
		}
		c.Membership[i] = membership

		// Longer-than-production timeouts for test stability; heartbeat
		// stays well under election timeout's lower bound.
		config := raft.DefaultConfig(nodeIDs[i], peers)
		config.ElectionTimeoutMin = 1500 * time.Millisecond
		config.ElectionTimeoutMax = 3000 * time.Millisecond
		config.HeartbeatInterval = 100 * time.Millisecond
		config.SnapshotLogThreshold = 100

		node := raft.NewNode(config, transport, store, sm, membership)
		c.Nodes[i] = node
		transport.Register(nodeIDs[i], node)
	}

	return c, nil
}

// Start starts all nodes in the cluster.
func (c *TestCluster) Start() error {
	for _, node := range c.Nodes {
		if err := node.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops all nodes in the cluster.
func (c *TestCluster) Stop() {
	for _, node := range c.Nodes {
		if node != nil {
			node.Stop()
		}
	}
}

// Cleanup stops the cluster and removes every node's WAL directory.
func (c *TestCluster) Cleanup() {
	c.Stop()
	time.Sleep(100 * time.Millisecond)
	for i, w := range c.WALs {
		if w != nil {
			w.Close()
		}
		os.RemoveAll(c.walDirs[i])
	}
}

// WaitForLeader waits for a leader to be elected.
func (c *TestCluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.GetLeader(); leader != nil {
			return leader, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within timeout")
}

// WaitForStableLeader waits for a leader and ensures it stays leader for a
// run of consecutive checks.
func (c *TestCluster) WaitForStableLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	var leader *raft.Node
	stableCount := 0
	const requiredStable = 10

	for time.Now().Before(deadline) {
		current := c.GetLeader()
		if current != nil {
			if leader == current {
				stableCount++
				if stableCount >= requiredStable {
					return leader, nil
				}
			} else {
				leader = current
				stableCount = 1
			}
		} else {
			leader = nil
			stableCount = 0
		}
		time.Sleep(100 * time.Millisecond)
	}

	if leader != nil && stableCount >= 3 {
		return leader, nil
	}
	return nil, fmt.Errorf("no stable leader elected within timeout")
}

// GetLeader returns the current leader, if any.
func (c *TestCluster) GetLeader() *raft.Node {
	for _, node := range c.Nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

// StoreFor returns the chatstate.Store backing node, if node is in this
// cluster.
func (c *TestCluster) StoreFor(node *raft.Node) *chatstate.Store {
	for i, n := range c.Nodes {
		if n == node {
			return c.Stores[i]
		}
	}
	return nil
}

// PartitionLeader partitions the current leader from the rest of the
// cluster and returns it.
func (c *TestCluster) PartitionLeader() *raft.Node {
	leader := c.GetLeader()
	if leader != nil {
		c.Transport.Partition(leader.GetID())
	}
	return leader
}

// HealPartition heals all network partitions.
func (c *TestCluster) HealPartition() {
	c.Transport.HealAll()
}

// SubmitCommand submits a command with retry logic, tolerating leader
// handoff and transient timeouts.
func (c *TestCluster) SubmitCommand(cmd raft.Command, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		leader := c.GetLeader()
		if leader == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		remaining := time.Until(deadline)
		if remaining < 500*time.Millisecond {
			remaining = 500 * time.Millisecond
		}

		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		_, err := leader.SubmitWithResult(ctx, cmd)
		cancel()

		if err == nil {
			return nil
		}
		if err == raft.ErrNotLeader || err == raft.ErrTimeout {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		return err
	}

	return fmt.Errorf("timeout submitting command")
}

// NewPersistentNode builds a single-voter Raft node backed by a real
// wal.Store rooted at dir, for tests that need to stop and restart a node
// against the same on-disk state (e.g. persistence-across-restart). The
// returned close func closes the durable store but does not remove dir, so
// callers can reopen it with a fresh NewPersistentNode call.
func NewPersistentNode(id string, dir string) (*raft.Node, *chatstate.Store, func(), error) {
	store, err := wal.New(dir)
	if err != nil {
		return nil, nil, nil, err
	}

	sm := chatstate.New()
	membership := cluster.NewManager()
	membership.AddVotingMember(id, id)

	config := raft.DefaultConfig(id, nil)
	config.ElectionTimeoutMin = 150 * time.Millisecond
	config.ElectionTimeoutMax = 300 * time.Millisecond
	config.HeartbeatInterval = 50 * time.Millisecond

	node := raft.NewNode(config, rpc.NewLocalTransport(), store, sm, membership)
	closeFn := func() { store.Close() }
	return node, sm, closeFn, nil
}

// WaitForNewLeader waits for a leader different from excludeID.
func (c *TestCluster) WaitForNewLeader(excludeID string, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.Nodes {
			if node.GetID() != excludeID && node.IsLeader() {
				return node, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("no new leader elected within timeout")
}
