// Package chatstate is the chat service's replicated state machine (C3): a
// deterministic, in-memory projection of every committed raft.Command. It
// carries the teacher repository's ClientSession dedup pattern
// (pkg/kv/store.go) forward, generalized from a single cached response per
// client to the chat command's richer result union (ok flag, error kind,
// generated message id).
package chatstate

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

const tombstoneSender = "[deleted user]"

// User is one account record.
type User struct {
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    time.Time
}

// Message is one chat message record.
type Message struct {
	ID        uint64
	Sender    string
	Recipient string
	Content   string
	Timestamp time.Time
	Read      bool
}

// clientSession tracks the last applied sequence per client, and the cached
// result returned on replay, following pkg/kv/store.go's ClientSession.
type clientSession struct {
	LastSequence uint64
	Result       raft.Result
}

// Store is the chat state machine. All mutation happens inside Apply,
// called exactly once per committed index, in order, by the Node's apply
// loop; Store itself does no locking against concurrent Apply calls because
// the spec guarantees there are none — the RWMutex here only protects
// readers (Gateway read-only RPCs) racing the single apply-loop writer.
type Store struct {
	mu sync.RWMutex

	users    map[string]*User
	messages map[uint64]*Message
	inbox    map[string][]uint64

	nextMessageID uint64

	sessions map[string]*clientSession

	// notifier, if set, is invoked synchronously after a SendMessage
	// command is applied and commits a new message — a weak back
	// reference to the Gateway's subscription table, looked up by
	// username rather than owned, per SPEC_FULL.md §9.
	notifier func(recipient string, msg Message)
}

// New creates an empty chat state machine.
func New() *Store {
	return &Store{
		users:         make(map[string]*User),
		messages:      make(map[uint64]*Message),
		inbox:         make(map[string][]uint64),
		sessions:      make(map[string]*clientSession),
		nextMessageID: 1,
	}
}

// SetNotifier installs the callback invoked after every applied
// SendMessage. It is not itself part of the replicated state and must be
// set identically (or left nil) on every replica's own Store — subscription
// delivery is a local, per-process concern, never replicated.
func (s *Store) SetNotifier(fn func(recipient string, msg Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = fn
}

// Apply executes one committed log entry against the chat state,
// implementing raft.StateMachine. It is deterministic: given the same
// entry and the same prior state, every replica computes the same Result.
func (s *Store) Apply(entry raft.LogEntry) raft.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := entry.Command

	if cmd.ClientID != "" {
		if session, ok := s.sessions[cmd.ClientID]; ok && cmd.Sequence != 0 && cmd.Sequence <= session.LastSequence {
			return session.Result
		}
	}

	var result raft.Result
	switch cmd.Type {
	case raft.CommandNoop:
		result = raft.Result{OK: true}
	case raft.CommandRegister:
		result = s.applyRegister(cmd)
	case raft.CommandDeleteAccount:
		result = s.applyDeleteAccount(cmd)
	case raft.CommandSendMessage:
		result = s.applySendMessage(cmd)
	case raft.CommandDeleteMessages:
		result = s.applyDeleteMessages(cmd)
	case raft.CommandMarkRead:
		result = s.applyMarkRead(cmd)
	case raft.CommandAddServerNonVoting, raft.CommandPromoteServer:
		// Membership commands mutate the cluster.Manager directly via the
		// Node's apply loop (see pkg/raft/node.go), not the chat state; the
		// state machine only needs to acknowledge them so dedup bookkeeping
		// stays uniform across command types.
		result = raft.Result{OK: true}
	default:
		result = raft.Result{OK: false, ErrKind: "UnknownCommand"}
	}

	if cmd.ClientID != "" && cmd.Sequence != 0 {
		s.sessions[cmd.ClientID] = &clientSession{LastSequence: cmd.Sequence, Result: result}
	}

	return result
}

func (s *Store) applyRegister(cmd raft.Command) raft.Result {
	if _, exists := s.users[cmd.Username]; exists {
		return raft.Result{OK: false, ErrKind: "AlreadyExists"}
	}
	s.users[cmd.Username] = &User{
		PasswordHash: cmd.PasswordHash,
		CreatedAt:    time.Now(),
	}
	return raft.Result{OK: true}
}

func (s *Store) applyDeleteAccount(cmd raft.Command) raft.Result {
	// Idempotent: deleting an absent or already-deleted account still
	// succeeds (I5).
	delete(s.users, cmd.Username)

	// Cascade-delete the recipient's own inbox and the messages addressed
	// to them (Open Question #1 in DESIGN.md).
	for _, id := range s.inbox[cmd.Username] {
		delete(s.messages, id)
	}
	delete(s.inbox, cmd.Username)

	// Tombstone sender-side history: messages this user sent to others are
	// retained, with the sender field replaced so the content survives for
	// the recipient.
	for _, msg := range s.messages {
		if msg.Sender == cmd.Username {
			msg.Sender = tombstoneSender
		}
	}

	return raft.Result{OK: true}
}

func (s *Store) applySendMessage(cmd raft.Command) raft.Result {
	if _, exists := s.users[cmd.Recipient]; !exists {
		return raft.Result{OK: false, ErrKind: "UnknownRecipient"}
	}

	id := s.nextMessageID
	s.nextMessageID++

	s.messages[id] = &Message{
		ID:        id,
		Sender:    cmd.Sender,
		Recipient: cmd.Recipient,
		Content:   cmd.Content,
		Timestamp: time.Now(),
		Read:      false,
	}
	s.inbox[cmd.Recipient] = append(s.inbox[cmd.Recipient], id)

	if s.notifier != nil {
		s.notifier(cmd.Recipient, *s.messages[id])
	}

	return raft.Result{OK: true, MessageID: id}
}

func (s *Store) applyDeleteMessages(cmd raft.Command) raft.Result {
	owned := make(map[uint64]bool, len(cmd.MessageIDs))
	for _, id := range cmd.MessageIDs {
		owned[id] = true
	}

	kept := s.inbox[cmd.Owner][:0:0]
	for _, id := range s.inbox[cmd.Owner] {
		if owned[id] {
			delete(s.messages, id)
			continue
		}
		kept = append(kept, id)
	}
	s.inbox[cmd.Owner] = kept

	return raft.Result{OK: true}
}

func (s *Store) applyMarkRead(cmd raft.Command) raft.Result {
	owned := make(map[uint64]bool, len(cmd.MessageIDs))
	for _, id := range cmd.MessageIDs {
		owned[id] = true
	}

	for _, id := range s.inbox[cmd.Owner] {
		if owned[id] {
			if msg, ok := s.messages[id]; ok {
				msg.Read = true // (I4): false -> true only.
			}
		}
	}

	return raft.Result{OK: true}
}

// --- read-only accessors, served by any replica from its applied state ---

// Authenticate verifies a username/plaintext-password pair against the
// applied state without mutating anything, per the Open Question #2
// decision that Login's credential check is read-only. The stored hash was
// produced by bcrypt (pkg/gateway/auth.go's Hash primitive), so comparison
// goes through bcrypt.CompareHashAndPassword rather than byte equality.
func (s *Store) Authenticate(username, password string) (bool, error) {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		return false, raft.ErrUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// TouchLastLogin performs the best-effort last_login update described in
// Open Question #2. It is never itself replicated — callers invoke it on
// the leader only, and its result is best-effort by design.
func (s *Store) TouchLastLogin(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[username]; ok {
		user.LastLogin = time.Now()
	}
}

// UnreadCount returns the number of unread messages in username's inbox.
func (s *Store) UnreadCount(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, id := range s.inbox[username] {
		if msg, ok := s.messages[id]; ok && !msg.Read {
			count++
		}
	}
	return count
}

// ListAccounts returns usernames matching pattern (a simple substring match,
// empty pattern matches all), paginated.
func (s *Store) ListAccounts(pattern string, page, perPage int) ([]string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]string, 0, len(s.users))
	for name := range s.users {
		if pattern == "" || containsFold(name, pattern) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)

	total := len(matches)
	if perPage <= 0 {
		return matches, total
	}
	start := page * perPage
	if start >= total {
		return []string{}, total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return matches[start:end], total
}

// GetMessages returns up to count of username's most recent inbox messages,
// oldest first, matching delivery order.
func (s *Store) GetMessages(username string, count int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.inbox[username]
	start := 0
	if count > 0 && len(ids) > count {
		start = len(ids) - count
	}

	result := make([]Message, 0, len(ids)-start)
	for _, id := range ids[start:] {
		if msg, ok := s.messages[id]; ok {
			result = append(result, *msg)
		}
	}
	return result
}

func containsFold(s, substr string) bool {
	sl, subl := []rune(s), []rune(substr)
	if len(subl) == 0 {
		return true
	}
	lower := func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}
	for i := range sl {
		sl[i] = lower(sl[i])
	}
	for i := range subl {
		subl[i] = lower(subl[i])
	}
	return bytes.Contains([]byte(string(sl)), []byte(string(subl)))
}

// --- snapshot (C5) ---

// snapshotState is the gob-encoded wire shape of a Store's contents,
// consistent with pkg/wal/wal.go's gob-everywhere convention.
type snapshotState struct {
	Users         map[string]*User
	Messages      map[uint64]*Message
	Inbox         map[string][]uint64
	NextMessageID uint64
	Sessions      map[string]*clientSession
}

// Snapshot produces a gob-encoded point-in-time copy of the state machine,
// implementing raft.StateMachine. Capture takes the read lock briefly
// rather than copy-on-write sharing — chat state is small enough (compared
// to, say, a general KV store) that a lock-and-copy pass is cheap.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := snapshotState{
		Users:         s.users,
		Messages:      s.messages,
		Inbox:         s.inbox,
		NextMessageID: s.nextMessageID,
		Sessions:      s.sessions,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore atomically replaces the state machine's contents from a
// previously captured Snapshot, implementing raft.StateMachine.
func (s *Store) Restore(data []byte) error {
	var state snapshotState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if state.Users == nil {
		state.Users = make(map[string]*User)
	}
	if state.Messages == nil {
		state.Messages = make(map[uint64]*Message)
	}
	if state.Inbox == nil {
		state.Inbox = make(map[string][]uint64)
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]*clientSession)
	}

	s.users = state.Users
	s.messages = state.Messages
	s.inbox = state.Inbox
	s.nextMessageID = state.NextMessageID
	s.sessions = state.Sessions
	return nil
}
