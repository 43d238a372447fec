package rpc_test

import (
	"fmt"
	"testing"

	"github.com/GiovanniDantonio/raftchat/pkg/chatstate"
	"github.com/GiovanniDantonio/raftchat/pkg/cluster"
	"github.com/GiovanniDantonio/raftchat/pkg/raft"
	"github.com/GiovanniDantonio/raftchat/pkg/rpc"
	rtesting "github.com/GiovanniDantonio/raftchat/pkg/testing"
)

// fakeNode records the last request of each kind it received and returns
// canned replies, so the transport round trip can be exercised without a
// real raft.Node.
type fakeNode struct {
	lastVoteArgs   *raft.RequestVoteArgs
	lastAppendArgs *raft.AppendEntriesArgs
}

func (f *fakeNode) HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply {
	f.lastVoteArgs = args
	return &raft.RequestVoteReply{Term: args.Term, VoteGranted: true}
}

func (f *fakeNode) HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply {
	f.lastAppendArgs = args
	return &raft.AppendEntriesReply{Term: args.Term, Success: true}
}

func (f *fakeNode) HandleInstallSnapshotChunk(chunk *raft.InstallSnapshotChunk) *raft.InstallSnapshotReply {
	return &raft.InstallSnapshotReply{Term: chunk.Term}
}

func TestRequestVoteRoundTripsOverTCP(t *testing.T) {
	node := &fakeNode{}
	server, err := rpc.NewServer(node, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Stop()
	go server.Serve()

	transport := rpc.NewTransport()
	defer transport.Close()

	reply, err := transport.RequestVote(server.Addr(), &raft.RequestVoteArgs{
		Term: 3, CandidateID: "node-1", LastLogIndex: 5, LastLogTerm: 2,
	})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if !reply.VoteGranted || reply.Term != 3 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if node.lastVoteArgs == nil || node.lastVoteArgs.CandidateID != "node-1" {
		t.Fatalf("expected the server-side handler to observe the request, got %+v", node.lastVoteArgs)
	}
}

func TestAppendEntriesRoundTripsOverTCP(t *testing.T) {
	node := &fakeNode{}
	server, err := rpc.NewServer(node, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Stop()
	go server.Serve()

	transport := rpc.NewTransport()
	defer transport.Close()

	args := &raft.AppendEntriesArgs{
		Term:     4,
		LeaderID: "node-1",
		Entries: []raft.LogEntry{
			{Index: 1, Term: 4, Command: raft.Command{Type: raft.CommandRegister, Username: "alice"}},
		},
		LeaderCommit: 1,
	}
	reply, err := transport.AppendEntries(server.Addr(), args)
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	if !reply.Success || reply.Term != 4 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if node.lastAppendArgs == nil || len(node.lastAppendArgs.Entries) != 1 {
		t.Fatalf("expected the server-side handler to observe the entries, got %+v", node.lastAppendArgs)
	}
}

func TestLocalTransportDeliversToRegisteredNode(t *testing.T) {
	c, err := newLocalTestCluster(t, 2)
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	defer c.Cleanup()

	reply, err := c.Transport.RequestVote("node-1", &raft.RequestVoteArgs{Term: 1, CandidateID: "node-0"})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if reply == nil {
		t.Fatalf("expected a reply from the registered node")
	}
}

func TestLocalTransportPartitionBlocksDelivery(t *testing.T) {
	c, err := newLocalTestCluster(t, 2)
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	defer c.Cleanup()

	c.Transport.Partition("node-0")
	if _, err := c.Transport.RequestVote("node-1", &raft.RequestVoteArgs{Term: 1, CandidateID: "node-0"}); err == nil {
		t.Fatalf("expected RequestVote to a partitioned peer to fail")
	}

	c.Transport.HealAll()
	if _, err := c.Transport.RequestVote("node-1", &raft.RequestVoteArgs{Term: 1, CandidateID: "node-0"}); err != nil {
		t.Fatalf("expected RequestVote to succeed after healing, got %v", err)
	}
}

// localTestCluster wires size bare nodes over one LocalTransport, enough
// to exercise the transport's registration/partition/heal behavior without
// running a full election.
type localTestCluster struct {
	Transport *rpc.LocalTransport
	nodes     []*raft.Node
}

func (c *localTestCluster) Cleanup() {
	for _, n := range c.nodes {
		n.Stop()
	}
}

func newLocalTestCluster(t *testing.T, size int) (*localTestCluster, error) {
	t.Helper()

	transport := rpc.NewLocalTransport()
	members := cluster.NewManager()
	ids := make([]string, size)
	for i := 0; i < size; i++ {
		ids[i] = fmt.Sprintf("node-%d", i)
		members.AddVotingMember(ids[i], ids[i])
	}

	c := &localTestCluster{Transport: transport}
	for i := 0; i < size; i++ {
		node := raft.NewNode(raft.DefaultConfig(ids[i], nil), transport, rtesting.NewInMemoryStore(), chatstate.New(), members)
		transport.Register(ids[i], node)
		c.nodes = append(c.nodes, node)
	}
	return c, nil
}
