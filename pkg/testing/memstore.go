package testing

import (
	"sync"

	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

// InMemoryStore is a raft.DurableStore with no actual persistence, used by
// Simulator where the deterministic clock and message scheduling matter
// more than exercising real disk I/O — pkg/wal.Store (exercised by
// TestCluster) covers that instead.
type InMemoryStore struct {
	mu         sync.Mutex
	term       uint64
	votedFor   string
	membership []raft.MemberRecord
	log        []raft.LogEntry
	snapshot   *raft.Snapshot
}

// NewInMemoryStore creates an empty in-memory durable store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveMetadata(term uint64, votedFor string, membership []raft.MemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	s.votedFor = votedFor
	s.membership = append([]raft.MemberRecord(nil), membership...)
	return nil
}

func (s *InMemoryStore) AppendLog(entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, entries...)
	return nil
}

func (s *InMemoryStore) TruncateLogSuffix(fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.log[:0:0]
	for _, e := range s.log {
		if e.Index < fromIndex {
			kept = append(kept, e)
		}
	}
	s.log = kept
	return nil
}

func (s *InMemoryStore) InstallSnapshot(snapshot *raft.Snapshot, discardLogThroughIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	kept := s.log[:0:0]
	for _, e := range s.log {
		if e.Index > discardLogThroughIndex {
			kept = append(kept, e)
		}
	}
	s.log = kept
	return nil
}

func (s *InMemoryStore) Load() (*raft.PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &raft.PersistentState{
		CurrentTerm: s.term,
		VotedFor:    s.votedFor,
		Log:         append([]raft.LogEntry(nil), s.log...),
		Membership:  append([]raft.MemberRecord(nil), s.membership...),
	}, nil
}

func (s *InMemoryStore) LoadSnapshot() (*raft.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

func (s *InMemoryStore) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.log)), nil
}

func (s *InMemoryStore) Close() error { return nil }
