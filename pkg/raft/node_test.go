package raft_test

import (
	"context"
	"testing"
	"time"

	"github.com/GiovanniDantonio/raftchat/pkg/chatstate"
	"github.com/GiovanniDantonio/raftchat/pkg/cluster"
	"github.com/GiovanniDantonio/raftchat/pkg/raft"
	rtesting "github.com/GiovanniDantonio/raftchat/pkg/testing"
)

func newBareNode(t *testing.T, id string, peers []string) (*raft.Node, *cluster.Manager) {
	t.Helper()
	members := cluster.NewManager()
	members.AddVotingMember(id, id)
	for _, p := range peers {
		members.AddVotingMember(p, p)
	}
	cfg := raft.DefaultConfig(id, peers)
	n := raft.NewNode(cfg, nil, rtesting.NewInMemoryStore(), chatstate.New(), members)
	return n, members
}

func TestRequestVoteGrantedOnEmptyLogs(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1"})

	reply := n.HandleRequestVote(&raft.RequestVoteArgs{Term: 1, CandidateID: "n1"})
	if !reply.VoteGranted {
		t.Fatalf("expected vote granted for an up-to-date candidate, got %+v", reply)
	}
}

func TestRequestVoteDeniedForStaleTerm(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1"})
	n.HandleRequestVote(&raft.RequestVoteArgs{Term: 5, CandidateID: "n1"})

	reply := n.HandleRequestVote(&raft.RequestVoteArgs{Term: 1, CandidateID: "n2"})
	if reply.VoteGranted {
		t.Fatalf("expected vote denied for a term lower than current, got %+v", reply)
	}
	if reply.Term != 5 {
		t.Fatalf("expected reply term to be current term 5, got %d", reply.Term)
	}
}

func TestRequestVoteIsIdempotentForSameCandidateSameTerm(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1", "n2"})

	first := n.HandleRequestVote(&raft.RequestVoteArgs{Term: 1, CandidateID: "n1"})
	second := n.HandleRequestVote(&raft.RequestVoteArgs{Term: 1, CandidateID: "n1"})
	if !first.VoteGranted || !second.VoteGranted {
		t.Fatalf("expected repeated identical vote requests to both be granted: %+v %+v", first, second)
	}
}

func TestRequestVoteDeniedToSecondCandidateSameTerm(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1", "n2"})

	n.HandleRequestVote(&raft.RequestVoteArgs{Term: 1, CandidateID: "n1"})
	reply := n.HandleRequestVote(&raft.RequestVoteArgs{Term: 1, CandidateID: "n2"})
	if reply.VoteGranted {
		t.Fatalf("expected vote denied to a second candidate in the same term, got %+v", reply)
	}
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1"})
	n.HandleRequestVote(&raft.RequestVoteArgs{Term: 5, CandidateID: "n1"})

	reply := n.HandleAppendEntries(&raft.AppendEntriesArgs{Term: 1, LeaderID: "n1"})
	if reply.Success {
		t.Fatalf("expected AppendEntries with a stale term to be rejected, got %+v", reply)
	}
}

func TestAppendEntriesAppendsAndAdvancesCommit(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1"})

	args := &raft.AppendEntriesArgs{
		Term:     1,
		LeaderID: "n1",
		Entries: []raft.LogEntry{
			{Index: 1, Term: 1, Command: raft.Command{Type: raft.CommandRegister, Username: "alice"}},
			{Index: 2, Term: 1, Command: raft.Command{Type: raft.CommandRegister, Username: "bob"}},
		},
		LeaderCommit: 2,
	}
	reply := n.HandleAppendEntries(args)
	if !reply.Success {
		t.Fatalf("expected AppendEntries to succeed, got %+v", reply)
	}
	if got := n.GetCommitIndex(); got != 2 {
		t.Fatalf("expected commit index to advance to 2, got %d", got)
	}
	if got := n.GetLog(); len(got) != 2 {
		t.Fatalf("expected 2 entries in the log, got %d", len(got))
	}
}

func TestAppendEntriesEmptyBatchStillAdvancesCommit(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1"})

	n.HandleAppendEntries(&raft.AppendEntriesArgs{
		Term:     1,
		LeaderID: "n1",
		Entries: []raft.LogEntry{
			{Index: 1, Term: 1, Command: raft.Command{Type: raft.CommandRegister, Username: "alice"}},
		},
	})

	reply := n.HandleAppendEntries(&raft.AppendEntriesArgs{
		Term:         1,
		LeaderID:     "n1",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		LeaderCommit: 1,
	})
	if !reply.Success {
		t.Fatalf("expected empty-entries heartbeat to succeed, got %+v", reply)
	}
	if got := n.GetCommitIndex(); got != 1 {
		t.Fatalf("expected commit index 1 after heartbeat carrying leader_commit=1, got %d", got)
	}
}

func TestAppendEntriesRejectsOnLogGapWithConflictHint(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1"})

	reply := n.HandleAppendEntries(&raft.AppendEntriesArgs{
		Term:         1,
		LeaderID:     "n1",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	if reply.Success {
		t.Fatalf("expected rejection when prev_log_index is beyond the local log")
	}
	if reply.ConflictIndex == 0 {
		t.Fatalf("expected a non-zero conflict index hint, got %+v", reply)
	}
}

func TestAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1"})

	n.HandleAppendEntries(&raft.AppendEntriesArgs{
		Term:     1,
		LeaderID: "n1",
		Entries: []raft.LogEntry{
			{Index: 1, Term: 1, Command: raft.Command{Type: raft.CommandRegister, Username: "alice"}},
			{Index: 2, Term: 1, Command: raft.Command{Type: raft.CommandRegister, Username: "stale"}},
		},
	})

	// A new leader in term 2 overwrites index 2 with a different command.
	reply := n.HandleAppendEntries(&raft.AppendEntriesArgs{
		Term:         2,
		LeaderID:     "n2",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries: []raft.LogEntry{
			{Index: 2, Term: 2, Command: raft.Command{Type: raft.CommandRegister, Username: "bob"}},
		},
		LeaderCommit: 2,
	})
	if !reply.Success {
		t.Fatalf("expected conflicting-suffix AppendEntries to succeed after truncation, got %+v", reply)
	}
	log := n.GetLog()
	if len(log) != 2 || log[1].Command.Username != "bob" {
		t.Fatalf("expected index 2 replaced with the new leader's entry, got %+v", log)
	}
}

func TestHigherTermObservedInRPCIsAdopted(t *testing.T) {
	n, _ := newBareNode(t, "n0", []string{"n1"})

	// Fabricate term 1 via a vote grant, then observe a higher-term RPC.
	n.HandleRequestVote(&raft.RequestVoteArgs{Term: 1, CandidateID: "n0"})
	reply := n.HandleAppendEntries(&raft.AppendEntriesArgs{Term: 3, LeaderID: "n1"})
	if !reply.Success {
		t.Fatalf("expected a valid higher-term AppendEntries to succeed, got %+v", reply)
	}
	if term, isLeader := n.GetState(); isLeader || term != 3 {
		t.Fatalf("expected follower at term 3 after observing higher term, got term=%d isLeader=%v", term, isLeader)
	}
}

func TestSingleNodeClusterAutoCommitsOnSubmit(t *testing.T) {
	cluster, err := rtesting.NewTestCluster(1)
	if err != nil {
		t.Fatalf("NewTestCluster: %v", err)
	}
	defer cluster.Cleanup()
	if err := cluster.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	leader, err := cluster.WaitForStableLeader(10 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := leader.SubmitWithResult(ctx, raft.Command{Type: raft.CommandRegister, Username: "alice", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("SubmitWithResult: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected single-node self-majority commit to succeed, got %+v", result)
	}
}
