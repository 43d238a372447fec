// Package api is a thin, direct-to-Node client (no package or test in this
// module imports it yet): it exercises the chat
// commands the same way pkg/gateway does, but against in-process *raft.Node
// values instead of a socket, following the teacher's pkg/api/client.go
// findLeader pattern.
package api

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/GiovanniDantonio/raftchat/pkg/chatstate"
	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

// Client issues chat commands against whichever node in nodes currently
// believes itself to be the leader, reading back results from that node's
// own chatstate.Store.
type Client struct {
	nodes   []*raft.Node
	stores  map[string]*chatstate.Store // keyed by Node.GetID()
	timeout time.Duration
}

// NewClient creates a new client over the given replica set. stores must
// hold each node's own state machine, keyed by node ID, so read-only
// queries can be served from the node a write was just confirmed against.
func NewClient(nodes []*raft.Node, stores map[string]*chatstate.Store) *Client {
	return &Client{
		nodes:   nodes,
		stores:  stores,
		timeout: 5 * time.Second,
	}
}

// SetTimeout sets the per-call timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// HashPassword hashes a password the same way pkg/gateway/auth.go's Hash
// primitive does, so tests issuing commands directly through this client
// produce records a gateway-issued Login would also accept.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (c *Client) findLeader() *raft.Node {
	for _, node := range c.nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func (c *Client) leaderStore() (*raft.Node, *chatstate.Store, error) {
	leader := c.findLeader()
	if leader == nil {
		return nil, nil, raft.ErrNoLeader
	}
	store, ok := c.stores[leader.GetID()]
	if !ok {
		return nil, nil, raft.ErrNodeNotFound
	}
	return leader, store, nil
}

func (c *Client) submit(ctx context.Context, cmd raft.Command) (raft.Result, error) {
	leader := c.findLeader()
	if leader == nil {
		return raft.Result{}, raft.ErrNoLeader
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return leader.SubmitWithResult(ctx, cmd)
}

// Register creates a new account.
func (c *Client) Register(ctx context.Context, clientID string, seq uint64, username, password string) (raft.Result, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return raft.Result{}, err
	}
	return c.submit(ctx, raft.Command{
		Type:         raft.CommandRegister,
		ClientID:     clientID,
		Sequence:     seq,
		Username:     username,
		PasswordHash: hash,
	})
}

// Login verifies credentials against the leader's applied state. It is
// read-only (Open Question #2 in DESIGN.md): no command is submitted.
func (c *Client) Login(_ context.Context, username, password string) (bool, error) {
	_, store, err := c.leaderStore()
	if err != nil {
		return false, err
	}
	ok, err := store.Authenticate(username, password)
	if err != nil {
		return false, err
	}
	if ok {
		store.TouchLastLogin(username)
	}
	return ok, nil
}

// DeleteAccount removes an account and cascades per DESIGN.md Open Question #1.
func (c *Client) DeleteAccount(ctx context.Context, clientID string, seq uint64, username string) (raft.Result, error) {
	return c.submit(ctx, raft.Command{
		Type:     raft.CommandDeleteAccount,
		ClientID: clientID,
		Sequence: seq,
		Username: username,
	})
}

// SendMessage submits a message from sender to recipient.
func (c *Client) SendMessage(ctx context.Context, clientID string, seq uint64, sender, recipient, content string) (raft.Result, error) {
	return c.submit(ctx, raft.Command{
		Type:      raft.CommandSendMessage,
		ClientID:  clientID,
		Sequence:  seq,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
	})
}

// DeleteMessages removes a set of an owner's inbox messages.
func (c *Client) DeleteMessages(ctx context.Context, clientID string, seq uint64, owner string, ids []uint64) (raft.Result, error) {
	return c.submit(ctx, raft.Command{
		Type:       raft.CommandDeleteMessages,
		ClientID:   clientID,
		Sequence:   seq,
		Owner:      owner,
		MessageIDs: ids,
	})
}

// MarkRead marks a set of an owner's inbox messages as read.
func (c *Client) MarkRead(ctx context.Context, clientID string, seq uint64, owner string, ids []uint64) (raft.Result, error) {
	return c.submit(ctx, raft.Command{
		Type:       raft.CommandMarkRead,
		ClientID:   clientID,
		Sequence:   seq,
		Owner:      owner,
		MessageIDs: ids,
	})
}

// ListAccounts is a read-only query against the leader's applied state.
func (c *Client) ListAccounts(_ context.Context, pattern string, page, perPage int) ([]string, int, error) {
	_, store, err := c.leaderStore()
	if err != nil {
		return nil, 0, err
	}
	names, total := store.ListAccounts(pattern, page, perPage)
	return names, total, nil
}

// GetMessages confirms linearizability via ReadIndex before reading the
// leader's inbox, so the read never observes state older than a write that
// completed before it.
func (c *Client) GetMessages(ctx context.Context, username string, count int) ([]chatstate.Message, error) {
	leader, store, err := c.leaderStore()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	index, err := leader.LinearizableReadIndex(ctx)
	if err != nil {
		return nil, err
	}
	if err := leader.WaitApplied(ctx, index); err != nil {
		return nil, err
	}
	return store.GetMessages(username, count), nil
}

// AddServerNonVoting adds id/address as a non-voting learner, the first
// phase of the two-phase membership change protocol (C7).
func (c *Client) AddServerNonVoting(ctx context.Context, id, address string) (raft.Result, error) {
	leader := c.findLeader()
	if leader == nil {
		return raft.Result{}, raft.ErrNoLeader
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return leader.AddServerNonVoting(ctx, id, address)
}

// PromoteServer promotes a caught-up non-voting member to full voting
// status, the second phase of the membership change protocol.
func (c *Client) PromoteServer(ctx context.Context, id string) (raft.Result, error) {
	leader := c.findLeader()
	if leader == nil {
		return raft.Result{}, raft.ErrNoLeader
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return leader.PromoteServer(ctx, id)
}
