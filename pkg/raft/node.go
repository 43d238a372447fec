package raft

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GiovanniDantonio/raftchat/pkg/cluster"
)

// snapshotChunkSize bounds how many bytes of a captured snapshot are sent
// per InstallSnapshotChunk RPC, matching SPEC_FULL.md's "ordered,
// offset-tagged chunks" transfer shape.
const snapshotChunkSize = 32 * 1024

// Node is a single replica's consensus engine (C4): role state, timers,
// vote/append RPC handling, and commit-index advancement. All role
// transitions, log mutations, and commit advancement run through the
// mutex-guarded methods below — conceptually the single-threaded
// serializer SPEC_FULL.md describes; RPC handlers and gateway calls are
// ordinary method calls into that serializer rather than direct field
// access.
type Node struct {
	mu sync.RWMutex

	id     string
	config NodeConfig

	// Persistent state (mirrored to store on every mutation).
	currentTerm uint64
	votedFor    string
	log         []LogEntry // log[0] is a sentinel at the last snapshotted index.

	// Volatile state.
	state       NodeState
	commitIndex uint64
	lastApplied uint64

	// Leader-only state, reset on every accession to Leader.
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	membership *cluster.Manager

	membershipChangePending bool

	stopCh          chan struct{}
	stopOnce        sync.Once
	electionResetCh chan struct{}

	pendingCommands map[uint64]*PendingCommand

	readMu       sync.Mutex
	pendingReads []*ReadIndexWaiter

	transport Transport
	store     DurableStore
	sm        StateMachine

	snapshot     *Snapshot
	snapshotRecv *snapshotTransfer

	leaderID string

	electionMu       sync.Mutex
	electionDeadline time.Time

	onLeaderChange func(hint string)
}

// snapshotTransfer accumulates a chunked InstallSnapshot stream on a
// follower. A transfer is identified by (leader_term, last_included_index);
// a partial transfer is discarded if the term changes mid-stream.
type snapshotTransfer struct {
	term              uint64
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	data              []byte
}

// NewNode constructs a Node in the Follower role. Start must be called to
// begin its timers and apply loop.
func NewNode(config NodeConfig, transport Transport, store DurableStore, sm StateMachine, membership *cluster.Manager) *Node {
	n := &Node{
		id:              config.ID,
		config:          config,
		log:             []LogEntry{{Index: 0, Term: 0, Command: Command{Type: CommandNoop}}},
		state:           Follower,
		nextIndex:       make(map[string]uint64),
		matchIndex:      make(map[string]uint64),
		membership:      membership,
		stopCh:          make(chan struct{}),
		electionResetCh: make(chan struct{}, 1),
		pendingCommands: make(map[uint64]*PendingCommand),
		transport:       transport,
		store:           store,
		sm:              sm,
	}
	return n
}

// Start recovers persisted state and snapshots, then begins the role loop
// and the apply loop as independent goroutines.
func (n *Node) Start() error {
	if err := n.restore(); err != nil {
		return err
	}
	n.resetElectionDeadline()
	go n.run()
	go n.applyLoop()
	return nil
}

// Stop halts both loops. It does not close the durable store; callers that
// own the store's lifecycle close it themselves.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
}

func (n *Node) run() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.RLock()
		state := n.state
		n.mu.RUnlock()

		switch state {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.electionMu.Lock()
		timeout := time.Until(n.electionDeadline)
		n.electionMu.Unlock()

		if timeout <= 0 {
			n.mu.Lock()
			if n.state == Follower {
				n.becomeCandidateLocked()
			}
			n.mu.Unlock()
			return
		}

		select {
		case <-n.stopCh:
			return
		case <-n.electionResetCh:
		case <-time.After(timeout):
			n.mu.Lock()
			if n.state == Follower {
				n.becomeCandidateLocked()
			}
			n.mu.Unlock()
			return
		}
	}
}

func (n *Node) runCandidate() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	currentTerm := n.currentTerm
	lastLogIndex := n.getLastLogIndexLocked()
	lastLogTerm := n.getLastLogTermLocked()
	n.persistMetadataLocked()
	n.resetElectionDeadline()
	n.mu.Unlock()

	log.Printf("raft: %s starting election for term %d", n.id, currentTerm)

	peers := n.votingPeerIDsExcludingSelf()
	needed := n.membership.QuorumSize()

	votes := int32(1)
	var mu sync.Mutex
	won := false

	// The self-vote alone may already satisfy quorum (a single-voting-member
	// cluster has needed==1 and no peers to fan out to); check it before
	// waiting on any peer reply, since votingPeerIDsExcludingSelf() being
	// empty would otherwise leave this candidate re-electing forever.
	if votes >= int32(needed) {
		n.mu.Lock()
		if n.state == Candidate && n.currentTerm == currentTerm {
			won = true
			n.becomeLeaderLocked()
		}
		n.mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()

			args := &RequestVoteArgs{
				Term:         currentTerm,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}
			reply, err := n.transport.RequestVote(peer, args)
			if err != nil {
				return
			}

			n.mu.Lock()
			defer n.mu.Unlock()

			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term)
				return
			}
			if n.state != Candidate || n.currentTerm != currentTerm {
				return
			}
			if !reply.VoteGranted {
				return
			}

			mu.Lock()
			votes++
			if !won && votes >= int32(needed) {
				won = true
				n.becomeLeaderLocked()
			}
			mu.Unlock()
		}(peer)
	}

	timeout := n.randomElectionTimeout()
	select {
	case <-n.stopCh:
		wg.Wait()
		return
	case <-time.After(timeout):
		// Falls through: re-entering runCandidate (via run()'s loop) bumps
		// the term again, matching the "Candidate / election timeout ->
		// Candidate" transition.
	case <-n.electionResetCh:
		// A higher-term RPC or winning the election reset the timer;
		// becomeFollowerLocked/becomeLeaderLocked already changed n.state.
	}
	wg.Wait()
}

func (n *Node) runLeader() {
	n.sendHeartbeats()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.RLock()
			isLeader := n.state == Leader
			n.mu.RUnlock()
			if !isLeader {
				return
			}
			n.sendHeartbeats()
			n.checkReadIndices()
		case <-n.electionResetCh:
			n.mu.RLock()
			stillLeader := n.state == Leader
			n.mu.RUnlock()
			if !stillLeader {
				return
			}
		}
	}
}

func (n *Node) peerIDsExcludingSelf() []string {
	members := n.membership.All()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m.ID == n.id {
			continue
		}
		if m.State == cluster.MemberStateRemoved {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// votingPeerIDsExcludingSelf returns only active, voting peers — the set
// that counts toward n.membership.QuorumSize(). Non-voting catch-up members
// (MemberStateJoining) are replicated to via peerIDsExcludingSelf but must
// never move the commit index, win an election, or confirm leadership on
// their own, per spec §4.4.
func (n *Node) votingPeerIDsExcludingSelf() []string {
	members := n.membership.VotingMembers()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m.ID == n.id {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func (n *Node) resetElectionDeadline() {
	n.electionMu.Lock()
	defer n.electionMu.Unlock()
	n.resetElectionDeadlineLocked()
}

// resetElectionDeadlineLocked requires electionMu; it does not use n.mu.
func (n *Node) resetElectionDeadlineLocked() {
	n.electionDeadline = time.Now().Add(n.randomElectionTimeout())
}

func (n *Node) signalElectionReset() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
	n.resetElectionDeadline()
}

// --- replication (leader side) ---

func (n *Node) sendHeartbeats() {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return
	}
	term := n.currentTerm
	commit := n.commitIndex
	n.mu.RUnlock()

	for _, peer := range n.peerIDsExcludingSelf() {
		go n.replicateTo(peer, term, commit)
	}
}

func (n *Node) replicateTo(peer string, term, leaderCommit uint64) {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return
	}

	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = n.getLastLogIndexLocked() + 1
	}

	if n.snapshot != nil && nextIdx <= n.snapshot.LastIncludedIndex {
		n.mu.RUnlock()
		n.sendSnapshot(peer, term)
		return
	}

	prevLogIndex := nextIdx - 1
	prevLogTerm := n.termAtLocked(prevLogIndex)

	start := n.arrayIndexLocked(nextIdx)
	var entries []LogEntry
	if start >= 0 && start < len(n.log) {
		maxEntries := n.config.MaxEntriesPerAppend
		end := len(n.log)
		if maxEntries > 0 && start+maxEntries < end {
			end = start + maxEntries
		}
		entries = append(entries, n.log[start:end]...)
	}

	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	n.mu.RUnlock()

	reply, err := n.transport.AppendEntries(peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollowerLocked(reply.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}

	if reply.Success {
		newNext := nextIdx + uint64(len(entries))
		if newNext > n.nextIndex[peer] {
			n.nextIndex[peer] = newNext
		}
		if newNext-1 > n.matchIndex[peer] {
			n.matchIndex[peer] = newNext - 1
		}
		n.tryAdvanceCommitIndexLocked()
		return
	}

	// Backfill hint: skip the whole conflicting term in one step.
	if reply.ConflictTerm > 0 {
		lastIndexOfTerm := uint64(0)
		for i := len(n.log) - 1; i >= 0; i-- {
			if n.log[i].Term == reply.ConflictTerm {
				lastIndexOfTerm = n.log[i].Index
				break
			}
		}
		if lastIndexOfTerm > 0 {
			n.nextIndex[peer] = lastIndexOfTerm + 1
		} else {
			n.nextIndex[peer] = reply.ConflictIndex
		}
	} else if reply.ConflictIndex > 0 {
		n.nextIndex[peer] = reply.ConflictIndex
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
}

func (n *Node) sendSnapshot(peer string, term uint64) {
	n.mu.RLock()
	snap := n.snapshot
	n.mu.RUnlock()
	if snap == nil {
		return
	}

	data := snap.Data
	total := len(data)
	offset := 0
	for {
		end := offset + snapshotChunkSize
		done := false
		if end >= total {
			end = total
			done = true
		}

		chunk := &InstallSnapshotChunk{
			Term:              term,
			LeaderID:          n.id,
			LastIncludedIndex: snap.LastIncludedIndex,
			LastIncludedTerm:  snap.LastIncludedTerm,
			Offset:            uint64(offset),
			Data:              data[offset:end],
			Done:              done,
		}

		reply, err := n.transport.InstallSnapshotChunk(peer, chunk)
		if err != nil {
			return
		}

		n.mu.Lock()
		if reply.Term > n.currentTerm {
			n.becomeFollowerLocked(reply.Term)
			n.mu.Unlock()
			return
		}
		if n.state != Leader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()

		if done {
			n.mu.Lock()
			n.nextIndex[peer] = snap.LastIncludedIndex + 1
			n.matchIndex[peer] = snap.LastIncludedIndex
			n.mu.Unlock()
			return
		}
		offset = end
	}
}

// tryAdvanceCommitIndexLocked implements §4.4's commit rule: the highest N
// replicated on a majority whose entry was written in the current term.
func (n *Node) tryAdvanceCommitIndexLocked() {
	if n.state != Leader {
		return
	}

	matchIndices := []uint64{n.getLastLogIndexLocked()}
	for _, peer := range n.votingPeerIDsExcludingSelf() {
		matchIndices = append(matchIndices, n.matchIndex[peer])
	}
	sort.Slice(matchIndices, func(i, j int) bool { return matchIndices[i] > matchIndices[j] })

	quorum := n.membership.QuorumSize()
	if quorum > len(matchIndices) {
		return
	}
	candidate := matchIndices[quorum-1]

	if candidate <= n.commitIndex {
		return
	}
	idx := n.arrayIndexLocked(candidate)
	if idx < 0 || idx >= len(n.log) || n.log[idx].Term != n.currentTerm {
		return
	}

	n.commitIndex = candidate
}

// --- RPC handlers (follower/candidate/leader side) ---

// HandleRequestVote implements the RequestVote RPC.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}

	reply := &RequestVoteReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}

	grantedToSomeoneElse := n.votedFor != "" && n.votedFor != args.CandidateID
	if !grantedToSomeoneElse && n.isLogUpToDateLocked(args.LastLogIndex, args.LastLogTerm) {
		n.votedFor = args.CandidateID
		reply.VoteGranted = true
		n.persistMetadataLocked()
		n.signalElectionReset()
	}
	return reply
}

// HandleAppendEntries implements the AppendEntries RPC.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &AppendEntriesReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}

	if args.Term > n.currentTerm || n.state == Candidate {
		n.becomeFollowerLocked(args.Term)
		reply.Term = n.currentTerm
	}

	if n.leaderID != args.LeaderID {
		n.leaderID = args.LeaderID
		n.notifyLeaderChangeLocked()
	}
	n.signalElectionReset()

	if args.PrevLogIndex > 0 {
		idx := n.arrayIndexLocked(args.PrevLogIndex)
		if idx < 0 {
			// Below our retained prefix: caller must fall back to
			// snapshot transfer.
			reply.ConflictIndex = n.log[0].Index + 1
			return reply
		}
		if idx >= len(n.log) {
			reply.ConflictIndex = n.getLastLogIndexLocked() + 1
			return reply
		}
		if n.log[idx].Term != args.PrevLogTerm {
			conflictTerm := n.log[idx].Term
			reply.ConflictTerm = conflictTerm
			reply.ConflictIndex = n.log[idx].Index
			for i := idx; i > 0; i-- {
				if n.log[i-1].Term != conflictTerm {
					break
				}
				reply.ConflictIndex = n.log[i-1].Index
			}
			return reply
		}
	}

	newEntries := make([]LogEntry, 0, len(args.Entries))
	for i, entry := range args.Entries {
		logIdx := n.arrayIndexLocked(args.PrevLogIndex + 1 + uint64(i))
		if logIdx >= 0 && logIdx < len(n.log) {
			if n.log[logIdx].Term != entry.Term {
				n.log = n.log[:logIdx]
				if err := n.store.TruncateLogSuffix(entry.Index); err != nil {
					log.Printf("raft: %s truncate suffix from %d: %v", n.id, entry.Index, err)
				}
				newEntries = append(newEntries, args.Entries[i:]...)
				break
			}
			continue // identical entry already present; skip it (idempotent).
		}
		newEntries = append(newEntries, args.Entries[i:]...)
		break
	}

	if len(newEntries) > 0 {
		n.log = append(n.log, newEntries...)
		if err := n.store.AppendLog(newEntries); err != nil {
			log.Printf("raft: %s append log: %v", n.id, err)
		}
	}

	if args.LeaderCommit > n.commitIndex {
		lastNew := args.PrevLogIndex + uint64(len(args.Entries))
		if args.LeaderCommit < lastNew {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
	}

	reply.Success = true
	return reply
}

// HandleInstallSnapshotChunk implements the chunked InstallSnapshot
// transfer (C5). Chunks must arrive in offset order within one stream,
// identified by (leader_term, last_included_index); a stream is discarded
// if the term changes mid-transfer.
func (n *Node) HandleInstallSnapshotChunk(chunk *InstallSnapshotChunk) *InstallSnapshotReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &InstallSnapshotReply{Term: n.currentTerm}
	if chunk.Term < n.currentTerm {
		return reply
	}
	if chunk.Term > n.currentTerm {
		n.becomeFollowerLocked(chunk.Term)
		reply.Term = n.currentTerm
	}

	if n.leaderID != chunk.LeaderID {
		n.leaderID = chunk.LeaderID
		n.notifyLeaderChangeLocked()
	}
	n.signalElectionReset()

	if n.snapshotRecv == nil || n.snapshotRecv.term != chunk.Term || n.snapshotRecv.lastIncludedIndex != chunk.LastIncludedIndex {
		n.snapshotRecv = &snapshotTransfer{
			term:              chunk.Term,
			lastIncludedIndex: chunk.LastIncludedIndex,
			lastIncludedTerm:  chunk.LastIncludedTerm,
		}
	}
	n.snapshotRecv.data = append(n.snapshotRecv.data, chunk.Data...)

	if !chunk.Done {
		return reply
	}

	transfer := n.snapshotRecv
	n.snapshotRecv = nil

	if err := n.installSnapshotLocked(transfer.lastIncludedIndex, transfer.lastIncludedTerm, transfer.data); err != nil {
		log.Printf("raft: %s install snapshot: %v", n.id, err)
	}

	return reply
}

func (n *Node) installSnapshotLocked(lastIncludedIndex, lastIncludedTerm uint64, data []byte) error {
	if lastIncludedIndex >= n.getLastLogIndexLocked() {
		n.log = []LogEntry{{Index: lastIncludedIndex, Term: lastIncludedTerm, Command: Command{Type: CommandNoop}}}
	} else {
		idx := n.arrayIndexLocked(lastIncludedIndex)
		if idx >= 0 && idx < len(n.log) {
			n.log = n.log[idx:]
		}
		n.log[0] = LogEntry{Index: lastIncludedIndex, Term: lastIncludedTerm, Command: Command{Type: CommandNoop}}
	}

	if err := n.sm.Restore(data); err != nil {
		return err
	}

	n.commitIndex = lastIncludedIndex
	n.lastApplied = lastIncludedIndex

	snapshot := &Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Membership:        fromClusterMembers(n.membership.Snapshot()),
		Data:              data,
	}
	n.snapshot = snapshot
	return n.store.InstallSnapshot(snapshot, lastIncludedIndex)
}

// --- client-facing submission ---

// Submit appends cmd to the leader's log at the next index and returns
// its (index, term), or ok=false if this node is not currently leader or
// cmd is an AddServerNonVoting/PromoteServer while another membership
// change is still pending.
func (n *Node) Submit(cmd Command) (index uint64, term uint64, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Leader {
		return 0, 0, false
	}

	if (cmd.Type == CommandAddServerNonVoting || cmd.Type == CommandPromoteServer) && n.membershipChangePending {
		return 0, 0, false
	}

	entry := LogEntry{Index: n.getLastLogIndexLocked() + 1, Term: n.currentTerm, Command: cmd}
	n.log = append(n.log, entry)
	if err := n.store.AppendLog([]LogEntry{entry}); err != nil {
		log.Printf("raft: %s append log: %v", n.id, err)
	}

	if cmd.Type == CommandAddServerNonVoting || cmd.Type == CommandPromoteServer {
		n.membershipChangePending = true
	}

	return entry.Index, entry.Term, true
}

// SubmitWithResult appends cmd and blocks until it is committed and
// applied (returning the leader-visible Result), the leader steps down
// before commit (ErrLeadershipLost), or ctx is done (ErrTimeout-equivalent
// cancellation).
func (n *Node) SubmitWithResult(ctx context.Context, cmd Command) (Result, error) {
	index, term, ok := n.Submit(cmd)
	if !ok {
		return Result{}, ErrNotLeader
	}

	resultCh := make(chan CommitResult, 1)
	n.mu.Lock()
	n.pendingCommands[index] = &PendingCommand{Index: index, Term: term, ResultCh: resultCh}
	// With no voting peers the leader alone is a majority, and no
	// replication reply will ever arrive to advance commit.
	n.tryAdvanceCommitIndexLocked()
	n.mu.Unlock()

	select {
	case cr := <-resultCh:
		if cr.Err != nil {
			return Result{}, cr.Err
		}
		return cr.Result, nil
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pendingCommands, index)
		n.mu.Unlock()
		return Result{}, ErrTimeout
	}
}

// AddServerNonVoting submits a committed AddServerNonVoting command,
// starting the two-phase add-server protocol. Membership bookkeeping
// itself happens in the apply loop once the entry commits.
func (n *Node) AddServerNonVoting(ctx context.Context, id, address string) (Result, error) {
	return n.SubmitWithResult(ctx, Command{Type: CommandAddServerNonVoting, ServerID: id, ServerAddress: address})
}

// PromoteServer submits a committed PromoteServer command, completing the
// two-phase add-server protocol for a caught-up non-voting member.
func (n *Node) PromoteServer(ctx context.Context, id string) (Result, error) {
	return n.SubmitWithResult(ctx, Command{Type: CommandPromoteServer, ServerID: id})
}

// HandleJoinCluster is the server side of JoinCluster (spec.md §6): a
// not-yet-member replica asks to be admitted. Only the leader can start
// the two-phase add-server protocol; a follower redirects with its leader
// hint so the caller can retry against the leader directly.
func (n *Node) HandleJoinCluster(ctx context.Context, args *JoinClusterArgs) *JoinClusterReply {
	_, err := n.AddServerNonVoting(ctx, args.ServerID, args.ServerAddress)
	if err != nil {
		return &JoinClusterReply{OK: false, LeaderHint: n.GetLeaderHint()}
	}
	return &JoinClusterReply{OK: true}
}

// GetClusterStatus reports this replica's view of cluster leadership and
// membership (spec.md §6), for operator tooling and newly joining servers.
func (n *Node) GetClusterStatus() *ClusterStatusReply {
	term, _ := n.GetState()

	members := n.membership.All()
	infos := make([]MemberInfo, 0, len(members))
	for _, m := range members {
		if m.State == cluster.MemberStateRemoved {
			continue
		}
		infos = append(infos, MemberInfo{ID: m.ID, Address: m.Address, Voting: m.Voting})
	}

	return &ClusterStatusReply{
		LeaderID:    n.GetLeaderID(),
		CurrentTerm: term,
		Members:     infos,
	}
}

// LinearizableReadIndex confirms leadership by exchanging a heartbeat
// round with a majority, then returns the commit index a caller must wait
// for lastApplied to reach before serving a strictly linearized read
// (ReadIndex, SPEC_FULL.md §4.4).
func (n *Node) LinearizableReadIndex(ctx context.Context) (uint64, error) {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return 0, ErrNotLeader
	}
	readIndex := n.commitIndex
	term := n.currentTerm
	n.mu.RUnlock()

	if !n.confirmLeadership(ctx, term) {
		return 0, ErrLeadershipLost
	}
	return readIndex, nil
}

// WaitApplied blocks until lastApplied reaches at least index or ctx ends.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
	for {
		n.mu.RLock()
		applied := n.lastApplied
		n.mu.RUnlock()
		if applied >= index {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (n *Node) confirmLeadership(ctx context.Context, term uint64) bool {
	peers := n.votingPeerIDsExcludingSelf()
	needed := n.membership.QuorumSize()

	ack := int32(1)
	done := make(chan struct{})
	var once sync.Once

	// The self-ack alone may already satisfy quorum (a single-voting-member
	// cluster has needed==1 and no peers to confirm with); close done
	// immediately rather than waiting out the full heartbeat-interval
	// timeout below for no reason.
	if ack >= int32(needed) {
		once.Do(func() { close(done) })
	}

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()

			n.mu.RLock()
			args := &AppendEntriesArgs{
				Term:         n.currentTerm,
				LeaderID:     n.id,
				PrevLogIndex: n.getLastLogIndexLocked(),
				PrevLogTerm:  n.getLastLogTermLocked(),
				LeaderCommit: n.commitIndex,
			}
			n.mu.RUnlock()

			reply, err := n.transport.AppendEntries(peer, args)
			if err != nil || !reply.Success {
				return
			}
			if atomic.AddInt32(&ack, 1) >= int32(needed) {
				once.Do(func() { close(done) })
			}
		}(peer)
	}

	select {
	case <-done:
		wg.Wait()
		return true
	case <-ctx.Done():
		return false
	case <-time.After(n.config.HeartbeatInterval * 5):
		return atomic.LoadInt32(&ack) >= int32(needed)
	}
}

func (n *Node) checkReadIndices() {
	n.readMu.Lock()
	defer n.readMu.Unlock()

	n.mu.RLock()
	applied := n.lastApplied
	n.mu.RUnlock()

	remaining := n.pendingReads[:0:0]
	for _, w := range n.pendingReads {
		if applied >= w.Index {
			close(w.Done)
		} else {
			remaining = append(remaining, w)
		}
	}
	n.pendingReads = remaining
}

// --- apply loop ---

func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.Lock()
		commit := n.commitIndex
		applied := n.lastApplied
		n.mu.Unlock()

		if applied >= commit {
			select {
			case <-n.stopCh:
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		for i := applied + 1; i <= commit; i++ {
			n.mu.RLock()
			idx := n.arrayIndexLocked(i)
			if idx < 0 || idx >= len(n.log) {
				n.mu.RUnlock()
				break
			}
			entry := n.log[idx]
			n.mu.RUnlock()

			result := n.sm.Apply(entry)
			n.applyMembershipSideEffects(entry)

			n.mu.Lock()
			n.lastApplied = i
			if pending, ok := n.pendingCommands[i]; ok {
				select {
				case pending.ResultCh <- CommitResult{Index: i, Term: entry.Term, Result: result}:
				default:
				}
				delete(n.pendingCommands, i)
			}
			n.mu.Unlock()

			n.maybeSnapshot()
		}
	}
}

// applyMembershipSideEffects mutates the cluster.Manager ledger (C7) when a
// membership command commits. This happens outside chatstate.Store.Apply
// because membership is Node-owned infrastructure, not replicated chat
// data — but it still runs exactly once per committed index, at the same
// point the command's Result is produced, so quorum computed at or before
// this index never includes a not-yet-applied promotion.
func (n *Node) applyMembershipSideEffects(entry LogEntry) {
	switch entry.Command.Type {
	case CommandAddServerNonVoting:
		if err := n.membership.AddNonVoting(entry.Command.ServerID, entry.Command.ServerAddress); err != nil {
			log.Printf("raft: %s add non-voting member %s: %v", n.id, entry.Command.ServerID, err)
		}
		if registrar, ok := n.transport.(PeerRegistrar); ok {
			registrar.AddPeer(entry.Command.ServerID, entry.Command.ServerAddress)
		}
		n.mu.Lock()
		n.nextIndex[entry.Command.ServerID] = entry.Index + 1
		n.matchIndex[entry.Command.ServerID] = 0
		n.membershipChangePending = false
		n.persistMetadataLocked()
		n.mu.Unlock()
	case CommandPromoteServer:
		if err := n.membership.Promote(entry.Command.ServerID); err != nil {
			log.Printf("raft: %s promote member %s: %v", n.id, entry.Command.ServerID, err)
		}
		n.mu.Lock()
		n.membershipChangePending = false
		n.persistMetadataLocked()
		n.mu.Unlock()
	}
}

// maybeSnapshot captures a new snapshot when the log holds at least the
// configured threshold of entries past the last snapshot (C5 trigger (a)).
func (n *Node) maybeSnapshot() {
	n.mu.Lock()
	entries := uint64(len(n.log) - 1)
	lastApplied := n.lastApplied
	n.mu.Unlock()

	if n.config.SnapshotLogThreshold == 0 || entries < n.config.SnapshotLogThreshold {
		return
	}

	if err := n.CreateSnapshot(lastApplied); err != nil {
		log.Printf("raft: %s create snapshot: %v", n.id, err)
	}
}

// CreateSnapshot captures the state machine as of index and truncates the
// log prefix it covers (C5).
func (n *Node) CreateSnapshot(index uint64) error {
	data, err := n.sm.Snapshot()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	idx := n.arrayIndexLocked(index)
	if idx <= 0 || idx >= len(n.log) {
		return nil
	}
	term := n.log[idx].Term

	snapshot := &Snapshot{
		LastIncludedIndex: index,
		LastIncludedTerm:  term,
		Membership:        fromClusterMembers(n.membership.Snapshot()),
		Data:              data,
	}

	if err := n.store.InstallSnapshot(snapshot, index); err != nil {
		return err
	}

	n.log = append([]LogEntry{{Index: index, Term: term, Command: Command{Type: CommandNoop}}}, n.log[idx+1:]...)
	n.snapshot = snapshot
	return nil
}

// --- role transitions (require n.mu held) ---

func (n *Node) becomeFollowerLocked(term uint64) {
	hadLeader := n.leaderID
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.leaderID = ""
	n.persistMetadataLocked()
	n.failPendingCommandsLocked(ErrLeadershipLost)
	n.resetElectionDeadline()
	if hadLeader != "" {
		n.notifyLeaderChangeLocked()
	}
}

func (n *Node) becomeCandidateLocked() {
	n.state = Candidate
	n.resetElectionDeadline()
}

func (n *Node) becomeLeaderLocked() {
	n.state = Leader
	n.leaderID = n.id

	lastIndex := n.getLastLogIndexLocked()
	n.nextIndex = make(map[string]uint64)
	n.matchIndex = make(map[string]uint64)
	for _, peer := range n.peerIDsExcludingSelf() {
		n.nextIndex[peer] = lastIndex + 1
		n.matchIndex[peer] = 0
	}

	noop := LogEntry{Index: lastIndex + 1, Term: n.currentTerm, Command: Command{Type: CommandNoop}}
	n.log = append(n.log, noop)
	if err := n.store.AppendLog([]LogEntry{noop}); err != nil {
		log.Printf("raft: %s append no-op: %v", n.id, err)
	}
	n.tryAdvanceCommitIndexLocked()

	n.signalElectionReset()
	n.notifyLeaderChangeLocked()
	log.Printf("raft: %s became leader for term %d", n.id, n.currentTerm)
}

func (n *Node) failPendingCommandsLocked(err error) {
	for idx, pending := range n.pendingCommands {
		select {
		case pending.ResultCh <- CommitResult{Index: idx, Err: err}:
		default:
		}
	}
	n.pendingCommands = make(map[uint64]*PendingCommand)
}

// --- log helpers (require n.mu held, read or write) ---

func (n *Node) arrayIndexLocked(logIndex uint64) int {
	if len(n.log) == 0 {
		return -1
	}
	base := n.log[0].Index
	if logIndex < base {
		return -1
	}
	return int(logIndex - base)
}

func (n *Node) termAtLocked(logIndex uint64) uint64 {
	idx := n.arrayIndexLocked(logIndex)
	if idx < 0 || idx >= len(n.log) {
		return 0
	}
	return n.log[idx].Term
}

func (n *Node) getLastLogIndexLocked() uint64 {
	if len(n.log) == 0 {
		return 0
	}
	return n.log[len(n.log)-1].Index
}

func (n *Node) getLastLogTermLocked() uint64 {
	if len(n.log) == 0 {
		return 0
	}
	return n.log[len(n.log)-1].Term
}

func (n *Node) isLogUpToDateLocked(lastLogIndex, lastLogTerm uint64) bool {
	myTerm := n.getLastLogTermLocked()
	myIndex := n.getLastLogIndexLocked()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= myIndex
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo := int64(n.config.ElectionTimeoutMin)
	hi := int64(n.config.ElectionTimeoutMax)
	if hi <= lo {
		return n.config.ElectionTimeoutMin
	}
	return time.Duration(lo + rand.Int63n(hi-lo))
}

// --- persistence ---

func (n *Node) persistMetadataLocked() {
	if n.store == nil {
		return
	}
	if err := n.store.SaveMetadata(n.currentTerm, n.votedFor, fromClusterMembers(n.membership.Snapshot())); err != nil {
		log.Printf("raft: %s persist metadata: %v", n.id, err)
	}
}

func (n *Node) restore() error {
	snapshot, err := n.store.LoadSnapshot()
	if err != nil {
		return err
	}
	if snapshot != nil {
		n.snapshot = snapshot
		if err := n.sm.Restore(snapshot.Data); err != nil {
			return err
		}
		n.membership.Restore(toClusterMembers(snapshot.Membership))
		n.lastApplied = snapshot.LastIncludedIndex
		n.commitIndex = snapshot.LastIncludedIndex
		n.log = []LogEntry{{Index: snapshot.LastIncludedIndex, Term: snapshot.LastIncludedTerm, Command: Command{Type: CommandNoop}}}
	}

	state, err := n.store.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	n.currentTerm = state.CurrentTerm
	n.votedFor = state.VotedFor
	if len(state.Membership) > 0 {
		n.membership.Restore(toClusterMembers(state.Membership))
	}
	if len(state.Log) > 0 {
		n.log = state.Log
	}
	return nil
}

func toClusterMembers(records []MemberRecord) []cluster.Member {
	members := make([]cluster.Member, 0, len(records))
	for _, r := range records {
		members = append(members, cluster.Member{
			ID:      r.ID,
			Address: r.Address,
			Voting:  r.Voting,
			State:   cluster.MemberState(r.State),
		})
	}
	return members
}

func fromClusterMembers(members []cluster.Member) []MemberRecord {
	records := make([]MemberRecord, 0, len(members))
	for _, m := range members {
		records = append(records, MemberRecord{
			ID:      m.ID,
			Address: m.Address,
			Voting:  m.Voting,
			State:   int(m.State),
		})
	}
	return records
}

// SetLeaderChangeCallback installs fn to be invoked, outside the node's
// lock, whenever this replica's view of the current leader changes. The
// Gateway uses this to invalidate StreamMessages subscriptions with a
// LeaderChanged event.
func (n *Node) SetLeaderChangeCallback(fn func(hint string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onLeaderChange = fn
}

// notifyLeaderChangeLocked must be called with n.mu held; it computes the
// redirect hint from state already visible under that lock instead of
// calling GetLeaderHint, which would re-acquire it.
func (n *Node) notifyLeaderChangeLocked() {
	fn := n.onLeaderChange
	if fn == nil {
		return
	}
	hint := ""
	if n.leaderID != "" {
		hint, _ = n.membership.Address(n.leaderID)
	}
	go fn(hint)
}

// --- getters ---

// GetID returns this node's identifier.
func (n *Node) GetID() string { return n.id }

// IsLeader reports whether this node currently believes it is leader.
func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == Leader
}

// GetState returns the current term and whether this node is leader.
func (n *Node) GetState() (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm, n.state == Leader
}

// GetLeaderID returns the last-known leader id, or "" if none is known.
func (n *Node) GetLeaderID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

// GetLeaderHint returns the last-known leader's advertised address, for
// NotLeader redirect responses.
func (n *Node) GetLeaderHint() string {
	n.mu.RLock()
	leader := n.leaderID
	n.mu.RUnlock()
	if leader == "" {
		return ""
	}
	addr, _ := n.membership.Address(leader)
	return addr
}

// GetCommitIndex returns the current commit index.
func (n *Node) GetCommitIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitIndex
}

// GetLastApplied returns the highest index applied to the state machine.
func (n *Node) GetLastApplied() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastApplied
}

// GetLog returns a defensive copy of the in-memory log entries, for tests.
// The log[0] sentinel (index 0, or the last snapshotted index) is not
// included.
func (n *Node) GetLog() []LogEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]LogEntry, len(n.log)-1)
	copy(out, n.log[1:])
	return out
}

// Membership exposes the cluster membership ledger, e.g. for
// GetClusterStatus RPC handling in the Gateway.
func (n *Node) Membership() *cluster.Manager { return n.membership }
