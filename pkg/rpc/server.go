package rpc

import (
	"encoding/gob"
	"io"
	"log"
	"net"

	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

// Server accepts raw TCP connections from peer Transport clients and
// dispatches decoded frames to a raft.Node, mirroring the call tags
// Transport.roundTrip writes.
type Server struct {
	node     Node
	listener net.Listener
}

// Node is the subset of *raft.Node this server dispatches RPCs to.
type Node interface {
	HandleRequestVote(*raft.RequestVoteArgs) *raft.RequestVoteReply
	HandleAppendEntries(*raft.AppendEntriesArgs) *raft.AppendEntriesReply
	HandleInstallSnapshotChunk(*raft.InstallSnapshotChunk) *raft.InstallSnapshotReply
}

// NewServer binds address and returns a Server ready to Serve.
func NewServer(node Node, address string) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &Server{node: node, listener: listener}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener, ending Serve.
func (s *Server) Stop() error { return s.listener.Close() }

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	for {
		var call rpcCall
		if err := dec.Decode(&call); err != nil {
			if err != io.EOF {
				log.Printf("rpc: decode call tag: %v", err)
			}
			return
		}

		switch call {
		case callRequestVote:
			var args raft.RequestVoteArgs
			if err := dec.Decode(&args); err != nil {
				return
			}
			if err := enc.Encode(s.node.HandleRequestVote(&args)); err != nil {
				return
			}
		case callAppendEntries:
			var args raft.AppendEntriesArgs
			if err := dec.Decode(&args); err != nil {
				return
			}
			if err := enc.Encode(s.node.HandleAppendEntries(&args)); err != nil {
				return
			}
		case callInstallSnapshotChunk:
			var chunk raft.InstallSnapshotChunk
			if err := dec.Decode(&chunk); err != nil {
				return
			}
			if err := enc.Encode(s.node.HandleInstallSnapshotChunk(&chunk)); err != nil {
				return
			}
		default:
			log.Printf("rpc: unknown call tag %q", call)
			return
		}
	}
}
