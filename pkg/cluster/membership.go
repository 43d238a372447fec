// Package cluster tracks the voting membership of a replica set: which
// servers exist, whether they are still catching up, and how many voters
// are required for quorum. It backs the Raft node's two-phase add-server
// protocol (add as a non-voting catch-up member, then promote once caught
// up) rather than joint consensus.
package cluster

import (
	"fmt"
	"sync"
)

// MemberState is the lifecycle state of a cluster member.
type MemberState int

const (
	MemberStateJoining MemberState = iota
	MemberStateActive
	MemberStateLeaving
	MemberStateRemoved
)

func (s MemberState) String() string {
	switch s {
	case MemberStateJoining:
		return "Joining"
	case MemberStateActive:
		return "Active"
	case MemberStateLeaving:
		return "Leaving"
	case MemberStateRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Member represents a cluster member.
type Member struct {
	ID      string
	Address string
	Voting  bool
	State   MemberState
}

// Manager manages cluster membership.
type Manager struct {
	mu      sync.RWMutex
	members map[string]*Member
	version uint64
}

// NewManager creates a new, empty membership manager.
func NewManager() *Manager {
	return &Manager{members: make(map[string]*Member)}
}

// AddVotingMember registers a member as an already-active voter; used when
// bootstrapping the initial static cluster_members list.
func (m *Manager) AddVotingMember(id, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[id] = &Member{ID: id, Address: address, Voting: true, State: MemberStateActive}
	m.version++
}

// AddNonVoting registers a catch-up member, per a committed
// AddServerNonVoting command. It does not count toward quorum until
// Promote is called.
func (m *Manager) AddNonVoting(id, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.members[id]; exists && existing.State != MemberStateRemoved {
		return fmt.Errorf("member %s already exists", id)
	}

	m.members[id] = &Member{ID: id, Address: address, Voting: false, State: MemberStateJoining}
	m.version++
	return nil
}

// Promote marks a joining member voting and active, per a committed
// PromoteServer command. Per the pre-promotion-quorum decision, the caller
// must apply this at the same log index the PromoteServer entry commits so
// the member never counts toward the quorum that committed its own
// promotion.
func (m *Manager) Promote(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[id]
	if !exists {
		return fmt.Errorf("member %s does not exist", id)
	}

	member.Voting = true
	member.State = MemberStateActive
	m.version++
	return nil
}

// Remove marks a member removed; it stops counting toward quorum
// immediately.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[id]
	if !exists {
		return fmt.Errorf("member %s does not exist", id)
	}
	member.State = MemberStateRemoved
	m.version++
	return nil
}

// Get returns a copy of a member by ID.
func (m *Manager) Get(id string) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.members[id]
	if !ok {
		return Member{}, false
	}
	return *member, true
}

// Address returns a member's advertised address, for leader-hint responses.
func (m *Manager) Address(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return "", false
	}
	return member.Address, true
}

// All returns every member, including removed ones.
func (m *Manager) All() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		result = append(result, *member)
	}
	return result
}

// VotingMembers returns every active, voting member — the set that
// participates in quorum.
func (m *Manager) VotingMembers() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		if member.Voting && member.State == MemberStateActive {
			result = append(result, *member)
		}
	}
	return result
}

// QuorumSize returns the number of active voters required for a majority:
// floor(N/2)+1 of the voting membership, per the GLOSSARY definition.
func (m *Manager) QuorumSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	votingCount := 0
	for _, member := range m.members {
		if member.Voting && member.State == MemberStateActive {
			votingCount++
		}
	}
	return votingCount/2 + 1
}

// Version returns the configuration version, incremented on every mutation.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Snapshot captures every member for durable persistence.
func (m *Manager) Snapshot() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		result = append(result, *member)
	}
	return result
}

// Restore replaces the membership table wholesale, e.g. after loading a
// durable-store snapshot or metadata record.
func (m *Manager) Restore(members []Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.members = make(map[string]*Member, len(members))
	for _, member := range members {
		mm := member
		m.members[mm.ID] = &mm
	}
	m.version++
}
