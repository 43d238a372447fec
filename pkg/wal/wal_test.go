package wal

import (
	"testing"

	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

func TestStoreNewEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.CurrentTerm != 0 || state.VotedFor != "" || len(state.Log) != 0 {
		t.Fatalf("expected empty initial state, got %+v", state)
	}
}

func TestStoreAppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	entries := []raft.LogEntry{
		{Term: 1, Index: 1, Command: raft.Command{Type: raft.CommandRegister, Username: "alice"}},
		{Term: 1, Index: 2, Command: raft.Command{Type: raft.CommandRegister, Username: "bob"}},
		{Term: 2, Index: 3, Command: raft.Command{Type: raft.CommandSendMessage, Sender: "alice", Recipient: "bob"}},
	}
	if err := s.AppendLog(entries); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Log) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(state.Log))
	}
	if state.Log[2].Command.Sender != "alice" {
		t.Fatalf("expected round-tripped command payload, got %+v", state.Log[2].Command)
	}
}

func TestStoreTruncateLogSuffix(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	entries := []raft.LogEntry{
		{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 1, Index: 3},
	}
	if err := s.AppendLog(entries); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := s.TruncateLogSuffix(2); err != nil {
		t.Fatalf("TruncateLogSuffix: %v", err)
	}

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Log) != 1 || state.Log[0].Index != 1 {
		t.Fatalf("expected only index 1 to survive, got %+v", state.Log)
	}
}

func TestStoreMetadataPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	members := []raft.MemberRecord{{ID: "node1", Address: "localhost:9001", Voting: true}}
	if err := s1.SaveMetadata(5, "node1", members); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	state, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.CurrentTerm != 5 {
		t.Errorf("expected term 5, got %d", state.CurrentTerm)
	}
	if state.VotedFor != "node1" {
		t.Errorf("expected votedFor node1, got %q", state.VotedFor)
	}
	if len(state.Membership) != 1 || state.Membership[0].ID != "node1" {
		t.Errorf("expected membership to survive reopen, got %+v", state.Membership)
	}
}

func TestStoreLogPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries := []raft.LogEntry{
		{Term: 1, Index: 1, Command: raft.Command{Type: raft.CommandRegister, Username: "alice"}},
		{Term: 1, Index: 2, Command: raft.Command{Type: raft.CommandRegister, Username: "bob"}},
	}
	if err := s1.AppendLog(entries); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	state, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Log) != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", len(state.Log))
	}
	if state.Log[1].Command.Username != "bob" {
		t.Errorf("expected entry 2's command to round-trip, got %+v", state.Log[1].Command)
	}
}

func TestStoreInstallSnapshotDiscardsPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	entries := []raft.LogEntry{
		{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 1, Index: 3},
	}
	if err := s.AppendLog(entries); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	snap := &raft.Snapshot{LastIncludedIndex: 2, LastIncludedTerm: 1, Data: []byte("state")}
	if err := s.InstallSnapshot(snap, 2); err != nil {
		t.Fatalf("InstallSnapshot: %v", err)
	}

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Log) != 1 || state.Log[0].Index != 3 {
		t.Fatalf("expected only index 3 to survive the discard, got %+v", state.Log)
	}

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded == nil || loaded.LastIncludedIndex != 2 || string(loaded.Data) != "state" {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}
}

func TestStoreSizeGrowsWithAppends(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	before, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if err := s.AppendLog([]raft.LogEntry{{Term: 1, Index: 1, Command: raft.Command{Type: raft.CommandRegister, Username: "alice"}}}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	after, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if after <= before {
		t.Fatalf("expected size to grow after append: before=%d after=%d", before, after)
	}
}
