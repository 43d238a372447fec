package raft

import (
	"testing"

	"github.com/GiovanniDantonio/raftchat/pkg/cluster"
)

// noopStore and noopSM are minimal stand-ins for DurableStore/StateMachine
// that satisfy the interfaces without doing any real work — this test only
// exercises tryAdvanceCommitIndexLocked directly, never the apply loop or
// persistence path.
type noopStore struct{}

func (noopStore) SaveMetadata(uint64, string, []MemberRecord) error { return nil }
func (noopStore) AppendLog([]LogEntry) error                        { return nil }
func (noopStore) TruncateLogSuffix(uint64) error                    { return nil }
func (noopStore) InstallSnapshot(*Snapshot, uint64) error           { return nil }
func (noopStore) Load() (*PersistentState, error)                   { return &PersistentState{}, nil }
func (noopStore) LoadSnapshot() (*Snapshot, error)                  { return nil, nil }
func (noopStore) Size() (int64, error)                              { return 0, nil }
func (noopStore) Close() error                                      { return nil }

type noopSM struct{}

func (noopSM) Apply(LogEntry) Result     { return Result{OK: true} }
func (noopSM) Snapshot() ([]byte, error) { return nil, nil }
func (noopSM) Restore([]byte) error      { return nil }

// TestNonVotingMemberMatchIndexCannotAdvanceCommit reproduces the scenario
// from the maintainer's review: 3 voting members (the leader's last log
// index is 1; the two followers report matchIndex 3, beyond it) plus a
// non-voting catch-up member reporting matchIndex 10; then a second round
// where only leader+v1 hold index 1 while the catch-up member still reports
// 10. Before
// the fix, peerIDsExcludingSelf() fed the non-voting member's matchIndex
// into the sorted array, letting it stand in for a real second voter and
// wrongly advancing commitIndex. votingPeerIDsExcludingSelf() must exclude
// it so only genuine voter replication counts toward the majority.
func TestNonVotingMemberMatchIndexCannotAdvanceCommit(t *testing.T) {
	members := cluster.NewManager()
	members.AddVotingMember("leader", "leader")
	members.AddVotingMember("v1", "v1")
	members.AddVotingMember("v2", "v2")
	if err := members.AddNonVoting("catchup", "catchup"); err != nil {
		t.Fatalf("AddNonVoting: %v", err)
	}

	n := NewNode(DefaultConfig("leader", []string{"v1", "v2", "catchup"}), nil, noopStore{}, noopSM{}, members)

	n.mu.Lock()
	n.state = Leader
	n.currentTerm = 1
	n.log = append(n.log, LogEntry{Index: 1, Term: 1, Command: Command{Type: CommandRegister, Username: "alice"}})
	n.matchIndex["v1"] = 3
	n.matchIndex["v2"] = 3
	n.matchIndex["catchup"] = 10
	n.commitIndex = 0
	n.tryAdvanceCommitIndexLocked()
	got := n.commitIndex
	lastIndex := n.getLastLogIndexLocked()
	n.mu.Unlock()

	// Only "leader" (lastIndex=1) and the two voting followers (matchIndex=3,
	// capped by the actual log length) can contribute; with quorum=2 of 3
	// voters, commitIndex must not advance past what the log actually holds,
	// and the non-voting member's matchIndex=10 must not be counted at all.
	if got > lastIndex {
		t.Fatalf("commit index %d advanced past the leader's own log (last index %d) — non-voting member's matchIndex was wrongly counted", got, lastIndex)
	}

	// Now prove a real majority of voters (leader + v1) at index 1 commits,
	// independent of whatever the non-voting member reports.
	n.mu.Lock()
	n.matchIndex["v1"] = 1
	n.matchIndex["v2"] = 0
	n.matchIndex["catchup"] = 10
	n.commitIndex = 0
	n.tryAdvanceCommitIndexLocked()
	got = n.commitIndex
	n.mu.Unlock()
	if got != 1 {
		t.Fatalf("expected commit index 1 once a real majority of voters (leader+v1) replicated index 1, got %d", got)
	}
}

// TestVotingPeerIDsExcludingSelfOmitsNonVotingMembers guards the helper
// directly: a non-voting catch-up member must never appear in the list used
// for vote tallies, commit advancement, or ReadIndex heartbeat acks.
func TestVotingPeerIDsExcludingSelfOmitsNonVotingMembers(t *testing.T) {
	members := cluster.NewManager()
	members.AddVotingMember("leader", "leader")
	members.AddVotingMember("v1", "v1")
	if err := members.AddNonVoting("catchup", "catchup"); err != nil {
		t.Fatalf("AddNonVoting: %v", err)
	}

	n := NewNode(DefaultConfig("leader", []string{"v1", "catchup"}), nil, noopStore{}, noopSM{}, members)

	peers := n.votingPeerIDsExcludingSelf()
	if len(peers) != 1 || peers[0] != "v1" {
		t.Fatalf("expected only v1 in the voting peer list, got %+v", peers)
	}

	all := n.peerIDsExcludingSelf()
	foundCatchup := false
	for _, id := range all {
		if id == "catchup" {
			foundCatchup = true
		}
	}
	if !foundCatchup {
		t.Fatalf("expected peerIDsExcludingSelf (replication fanout) to still include the non-voting catch-up member, got %+v", all)
	}
}
