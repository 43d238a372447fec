package rpc

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

// rpcCall tags which handler a raw-socket frame is addressed to, since this
// transport predates any generated proto stubs (see pkg/grpc/transport.go
// for the gRPC-framed alternative).
type rpcCall string

const (
	callRequestVote          rpcCall = "RequestVote"
	callAppendEntries        rpcCall = "AppendEntries"
	callInstallSnapshotChunk rpcCall = "InstallSnapshotChunk"
)

// Client is a raw TCP+gob RPC client for replica-to-replica traffic,
// keeping one persistent connection per peer.
type Client struct {
	mu      sync.Mutex
	conns   map[string]net.Conn
	timeout time.Duration
}

// NewClient creates an RPC client with the given per-dial timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{conns: make(map[string]net.Conn), timeout: timeout}
}

// Close closes every open connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for target, conn := range c.conns {
		conn.Close()
		delete(c.conns, target)
	}
}

func (c *Client) getConn(target string) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	conn, err := net.DialTimeout("tcp", target, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c.conns[target] = conn
	return conn, nil
}

func (c *Client) removeConn(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[target]; ok {
		conn.Close()
		delete(c.conns, target)
	}
}

// Transport implements raft.Transport over raw TCP connections framed with
// gob, one call-tag-then-payload round trip per RPC.
type Transport struct {
	client *Client
}

// NewTransport creates a Transport dialing peers with a 100ms timeout,
// matching the teacher's default.
func NewTransport() *Transport {
	return &Transport{client: NewClient(100 * time.Millisecond)}
}

// Close releases every connection this transport holds open.
func (t *Transport) Close() { t.client.Close() }

func roundTrip(c *Client, target string, call rpcCall, req, resp interface{}) error {
	conn, err := c.getConn(target)
	if err != nil {
		return err
	}

	enc := gob.NewEncoder(conn)
	if err := enc.Encode(call); err != nil {
		c.removeConn(target)
		return err
	}
	if err := enc.Encode(req); err != nil {
		c.removeConn(target)
		return err
	}

	dec := gob.NewDecoder(conn)
	if err := dec.Decode(resp); err != nil {
		c.removeConn(target)
		return err
	}
	return nil
}

// RequestVote implements raft.Transport.
func (t *Transport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	if err := roundTrip(t.client, target, callRequestVote, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// AppendEntries implements raft.Transport.
func (t *Transport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	if err := roundTrip(t.client, target, callAppendEntries, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// InstallSnapshotChunk implements raft.Transport.
func (t *Transport) InstallSnapshotChunk(target string, chunk *raft.InstallSnapshotChunk) (*raft.InstallSnapshotReply, error) {
	var reply raft.InstallSnapshotReply
	if err := roundTrip(t.client, target, callInstallSnapshotChunk, chunk, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
