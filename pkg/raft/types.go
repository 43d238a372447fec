package raft

import (
	"time"
)

// NodeState represents the current role of a Raft node.
type NodeState int

const (
	Follower NodeState = iota
	Candidate
	Leader
)

func (s NodeState) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// CommandType tags the chat operation carried by a log entry.
type CommandType int

const (
	CommandNoop CommandType = iota
	CommandRegister
	CommandDeleteAccount
	CommandSendMessage
	CommandDeleteMessages
	CommandMarkRead
	CommandAddServerNonVoting
	CommandPromoteServer
)

func (t CommandType) String() string {
	switch t {
	case CommandNoop:
		return "Noop"
	case CommandRegister:
		return "Register"
	case CommandDeleteAccount:
		return "DeleteAccount"
	case CommandSendMessage:
		return "SendMessage"
	case CommandDeleteMessages:
		return "DeleteMessages"
	case CommandMarkRead:
		return "MarkRead"
	case CommandAddServerNonVoting:
		return "AddServerNonVoting"
	case CommandPromoteServer:
		return "PromoteServer"
	default:
		return "Unknown"
	}
}

// Command is the tagged sum type over every operation that can occupy a log
// slot. Only the fields relevant to Type are populated; ClientID/Sequence
// carry the idempotency key for write commands issued by a client.
type Command struct {
	Type CommandType

	ClientID string
	Sequence uint64

	// Register / DeleteAccount / Login-adjacent bookkeeping
	Username     string
	PasswordHash string

	// SendMessage
	Sender    string
	Recipient string
	Content   string

	// DeleteMessages / MarkRead
	Owner      string
	MessageIDs []uint64

	// AddServerNonVoting / PromoteServer
	ServerID      string
	ServerAddress string
}

// LogEntry is a single immutable slot in the replicated log.
type LogEntry struct {
	Index   uint64
	Term    uint64
	Command Command
}

// PersistentState is the metadata record the durable store must keep
// consistent with the log: current term, the candidate voted for this
// term, and a snapshot of cluster membership (so a restarted node recovers
// its peer set without replaying the whole log).
type PersistentState struct {
	CurrentTerm  uint64
	VotedFor     string
	Log          []LogEntry
	Membership   []MemberRecord
}

// MemberRecord is the durable-store's view of one cluster member; it
// mirrors cluster.Member without importing the cluster package, keeping the
// persistence format independent of the in-memory membership ledger's type.
type MemberRecord struct {
	ID      string
	Address string
	Voting  bool
	State   int
}

// Snapshot is a compact representation of the chat state machine reflecting
// every command applied through LastIncludedIndex.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Membership        []MemberRecord
	Data              []byte
}

// NodeConfig holds the configuration for a Raft node, matching the
// configuration surface a complete chat deployment exposes.
type NodeConfig struct {
	ID                  string
	Peers               []string
	ElectionTimeoutMin  time.Duration
	ElectionTimeoutMax  time.Duration
	HeartbeatInterval   time.Duration
	DataDirectory       string
	SnapshotLogThreshold uint64
	MaxEntriesPerAppend  int
}

// DefaultConfig returns reasonable defaults for a single node identified by
// id with the given peers.
func DefaultConfig(id string, peers []string) NodeConfig {
	return NodeConfig{
		ID:                   id,
		Peers:                peers,
		ElectionTimeoutMin:   150 * time.Millisecond,
		ElectionTimeoutMax:   300 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		DataDirectory:        "/tmp/raftchat-" + id,
		SnapshotLogThreshold: 1000,
		MaxEntriesPerAppend:  256,
	}
}

// RequestVoteArgs carries a candidate's election bid.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is a voter's response.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs carries a heartbeat/replication batch from the leader.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply reports success or a backfill hint on rejection.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictTerm  uint64
	ConflictIndex uint64
}

// InstallSnapshotChunk is one ordered, offset-tagged slice of a streamed
// snapshot transfer.
type InstallSnapshotChunk struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            uint64
	Data              []byte
	Done              bool
}

// InstallSnapshotReply acknowledges a chunk.
type InstallSnapshotReply struct {
	Term uint64
}

// JoinClusterArgs is a not-yet-member replica's request to be admitted,
// starting the two-phase add-server protocol (SPEC_FULL.md §4.4). Only the
// leader can act on it.
type JoinClusterArgs struct {
	ServerID      string
	ServerAddress string
}

// JoinClusterReply reports whether the join was accepted. A non-leader
// replica sets OK=false and, if known, LeaderHint so the caller can retry
// against the leader directly.
type JoinClusterReply struct {
	OK         bool
	LeaderHint string
}

// MemberInfo is one cluster member's externally visible status, as
// reported by GetClusterStatus.
type MemberInfo struct {
	ID      string
	Address string
	Voting  bool
}

// ClusterStatusArgs carries no fields; GetClusterStatus takes no
// parameters beyond which replica is asked.
type ClusterStatusArgs struct{}

// ClusterStatusReply is a replica's view of cluster leadership and
// membership. Any replica can answer; a follower's view may be stale.
type ClusterStatusReply struct {
	LeaderID    string
	CurrentTerm uint64
	Members     []MemberInfo
}

// Transport is the interface the node uses to reach its peers; production
// code binds it to a gRPC client, tests bind it to an in-memory fake.
type Transport interface {
	RequestVote(target string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(target string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshotChunk(target string, chunk *InstallSnapshotChunk) (*InstallSnapshotReply, error)
}

// PeerRegistrar is an optional capability a Transport may implement to
// learn a new peer's dial address dynamically, when a server is admitted
// via AddServerNonVoting rather than listed in the initial cluster_members
// configuration. Transports keyed directly by node ID (tests'
// LocalTransport) don't need it.
type PeerRegistrar interface {
	AddPeer(id, address string)
}

// Result is what a committed command yields back to the leader's waiting
// caller; followers never surface this externally.
type Result struct {
	OK        bool
	ErrKind   string
	MessageID uint64
}

// CommitResult pairs a committed index/term with its apply-time Result.
type CommitResult struct {
	Index  uint64
	Term   uint64
	Result Result
	Err    error
}

// PendingCommand is a caller blocked on SubmitWithResult, waiting for its
// entry to be applied.
type PendingCommand struct {
	Index    uint64
	Term     uint64
	ResultCh chan CommitResult
}

// ReadIndexWaiter is a linearizable read blocked until the apply loop
// reaches Index, after leadership has been confirmed via heartbeat quorum.
type ReadIndexWaiter struct {
	Index uint64
	Done  chan struct{}
}

// DurableStore is the persistence boundary (C1): every method must be
// durable before it returns.
type DurableStore interface {
	SaveMetadata(term uint64, votedFor string, membership []MemberRecord) error
	AppendLog(entries []LogEntry) error
	TruncateLogSuffix(fromIndex uint64) error
	InstallSnapshot(snapshot *Snapshot, discardLogThroughIndex uint64) error
	Load() (*PersistentState, error)
	LoadSnapshot() (*Snapshot, error)
	Size() (int64, error)
	Close() error
}

// StateMachine is the chat state machine boundary (C3).
type StateMachine interface {
	Apply(entry LogEntry) Result
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
