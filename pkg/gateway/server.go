// Package gateway is the client-facing service (C6): request dispatch,
// leader redirection, and the per-user message delivery stream. Exposed as
// a gRPC-style service with hand-rolled request/response structs and a
// manually registered grpc.ServiceDesc, following pkg/rpc/server.go's
// pattern of registering handlers without a generated stub — there is no
// .proto file backing this service, only google.golang.org/grpc for
// transport/framing and the gob codec (pkg/grpc/codec.go) for marshaling.
package gateway

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/GiovanniDantonio/raftchat/pkg/chatstate"
	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

const serviceName = "raftchat.Gateway"

// GatewayError carries a redirect hint alongside the chat-domain error
// kinds listed in SPEC_FULL.md's external interface (AlreadyExists,
// UnknownUser, UnknownRecipient, BadCredentials, NotLeader, NoLeader,
// LeadershipLost, Timeout).
type GatewayError struct {
	Kind       string
	LeaderHint string
}

func (e *GatewayError) Error() string {
	if e.LeaderHint != "" {
		return e.Kind + " (leader: " + e.LeaderHint + ")"
	}
	return e.Kind
}

func errKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, raft.ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, raft.ErrUnknownUser):
		return "UnknownUser"
	case errors.Is(err, raft.ErrUnknownRecipient):
		return "UnknownRecipient"
	case errors.Is(err, raft.ErrBadCredentials):
		return "BadCredentials"
	case errors.Is(err, raft.ErrLeadershipLost):
		return "LeadershipLost"
	case errors.Is(err, raft.ErrTimeout):
		return "Timeout"
	default:
		return "Internal"
	}
}

// --- request/response wire structs ---

type RegisterRequest struct{ Username, Password string }
type RegisterResponse struct {
	OK      bool
	ErrKind string
}

type LoginRequest struct{ Username, Password string }
type LoginResponse struct {
	OK          bool
	ErrKind     string
	UnreadCount int
}

type LogoutRequest struct{ Username string }
type LogoutResponse struct{ OK bool }

type DeleteAccountRequest struct{ Username string }
type DeleteAccountResponse struct {
	OK      bool
	ErrKind string
}

type ListAccountsRequest struct {
	Pattern       string
	Page, PerPage int
}
type ListAccountsResponse struct {
	Accounts      []string
	Page, PerPage int
	Total         int
	LastApplied   uint64 // staleness marker: the replying replica's applied index
}

type SendMessageRequest struct{ Sender, Recipient, Content string }
type SendMessageResponse struct {
	OK      bool
	ErrKind string
}

type GetMessagesRequest struct {
	Username string
	Count    int
}
type GetMessagesResponse struct {
	Messages    []chatstate.Message
	LastApplied uint64 // staleness marker: the replying replica's applied index
}

type DeleteMessagesRequest struct {
	Username string
	IDs      []uint64
}
type DeleteMessagesResponse struct{ OK bool }

type MarkAsReadRequest struct {
	Username string
	IDs      []uint64
}
type MarkAsReadResponse struct{ OK bool }

type StreamMessagesRequest struct{ Username string }

// StreamMessagesEvent is one item sent down a StreamMessages call: either
// Message is set, or LeaderChanged is true, the latter signaling the client
// should reconnect elsewhere; LeaderHint carries the new leader's address,
// or "" when it is not yet known.
type StreamMessagesEvent struct {
	Message       *chatstate.Message
	LeaderChanged bool
	LeaderHint    string
}

// Server implements the Gateway's client-facing RPCs against a single local
// *raft.Node and its chatstate.Store, redirecting when this replica is not
// the leader.
type Server struct {
	node  *raft.Node
	store *chatstate.Store
	subs  *subscriptionTable

	clientID string // this gateway's own identity for submitted commands
	seq      uint64
}

// NewServer wires a Gateway in front of node/store, subscribing to the
// store's apply-time notifications for StreamMessages delivery.
func NewServer(node *raft.Node, store *chatstate.Store) *Server {
	s := &Server{
		node:     node,
		store:    store,
		subs:     newSubscriptionTable(),
		clientID: uuid.NewString(),
	}
	store.SetNotifier(s.subs.notify)
	return s
}

// OnLeaderChanged should be called whenever this replica observes a new
// leader hint, invalidating every active StreamMessages subscription.
func (s *Server) OnLeaderChanged(hint string) { s.subs.leaderChanged(hint) }

func (s *Server) nextSeq() uint64 { return atomic.AddUint64(&s.seq, 1) }

func (s *Server) notLeaderErr() error {
	if hint := s.node.GetLeaderHint(); hint != "" {
		return &GatewayError{Kind: "NotLeader", LeaderHint: hint}
	}
	return &GatewayError{Kind: "NoLeader"}
}

func (s *Server) submit(ctx context.Context, cmd raft.Command) (raft.Result, error) {
	if !s.node.IsLeader() {
		return raft.Result{}, s.notLeaderErr()
	}
	cmd.ClientID = s.clientID
	cmd.Sequence = s.nextSeq()
	return s.node.SubmitWithResult(ctx, cmd)
}

// Register implements GatewayServer.
func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	hash, err := Hash(req.Password)
	if err != nil {
		return nil, err
	}
	result, err := s.submit(ctx, raft.Command{Type: raft.CommandRegister, Username: req.Username, PasswordHash: hash})
	if err != nil {
		return nil, err
	}
	return &RegisterResponse{OK: result.OK, ErrKind: result.ErrKind}, nil
}

// Login implements GatewayServer. It is read-only per DESIGN.md's Open
// Question #2 decision: no command is submitted, and any replica answers
// from its own applied state; last_login is best-effort and only updated
// when this replica is currently leader.
func (s *Server) Login(_ context.Context, req *LoginRequest) (*LoginResponse, error) {
	ok, err := s.store.Authenticate(req.Username, req.Password)
	if err != nil {
		return &LoginResponse{OK: false, ErrKind: errKind(err)}, nil
	}
	if !ok {
		return &LoginResponse{OK: false, ErrKind: "BadCredentials"}, nil
	}
	if s.node.IsLeader() {
		s.store.TouchLastLogin(req.Username)
	}
	return &LoginResponse{OK: true, UnreadCount: s.store.UnreadCount(req.Username)}, nil
}

// Logout implements GatewayServer. It is a stateless bookend to Login: it
// has no replicated effect and does not tear down StreamMessages
// subscriptions, which are torn down only by the stream's own context
// cancellation (see StreamMessages).
func (s *Server) Logout(_ context.Context, req *LogoutRequest) (*LogoutResponse, error) {
	return &LogoutResponse{OK: true}, nil
}

// DeleteAccount implements GatewayServer.
func (s *Server) DeleteAccount(ctx context.Context, req *DeleteAccountRequest) (*DeleteAccountResponse, error) {
	result, err := s.submit(ctx, raft.Command{Type: raft.CommandDeleteAccount, Username: req.Username})
	if err != nil {
		return nil, err
	}
	return &DeleteAccountResponse{OK: result.OK, ErrKind: result.ErrKind}, nil
}

// ListAccounts implements GatewayServer, a read-only query. Per SPEC_FULL.md
// §4.6, any replica serves reads from its own applied state — it does not
// redirect followers to the leader — and labels the response with its
// last_applied index as a staleness marker. Only a leader attempts the
// optional ReadIndex linearization before answering; a follower always
// answers immediately from whatever it has applied so far.
func (s *Server) ListAccounts(ctx context.Context, req *ListAccountsRequest) (*ListAccountsResponse, error) {
	if s.node.IsLeader() {
		if err := s.confirmLinearizable(ctx); err != nil {
			return nil, err
		}
	}
	accounts, total := s.store.ListAccounts(req.Pattern, req.Page, req.PerPage)
	return &ListAccountsResponse{
		Accounts:    accounts,
		Page:        req.Page,
		PerPage:     req.PerPage,
		Total:       total,
		LastApplied: s.node.GetLastApplied(),
	}, nil
}

// confirmLinearizable exchanges a heartbeat round with a majority before a
// leader-served read replies, per SPEC_FULL.md §4.6's "leader optionally
// linearizes reads" clause. Called only when this replica believes itself
// leader; a LeadershipLost/Timeout here just means the caller should retry,
// not that the read itself is invalid.
func (s *Server) confirmLinearizable(ctx context.Context) error {
	index, err := s.node.LinearizableReadIndex(ctx)
	if err != nil {
		return err
	}
	return s.node.WaitApplied(ctx, index)
}

// SendMessage implements GatewayServer.
func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	result, err := s.submit(ctx, raft.Command{
		Type:      raft.CommandSendMessage,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Content:   req.Content,
	})
	if err != nil {
		return nil, err
	}
	return &SendMessageResponse{OK: result.OK, ErrKind: result.ErrKind}, nil
}

// GetMessages implements GatewayServer. Any replica serves it from its own
// applied state (SPEC_FULL.md §4.6); a leader first confirms leadership via
// ReadIndex so its answer is linearizable, a follower answers directly and
// may be stale, labeled by LastApplied.
func (s *Server) GetMessages(ctx context.Context, req *GetMessagesRequest) (*GetMessagesResponse, error) {
	if s.node.IsLeader() {
		if err := s.confirmLinearizable(ctx); err != nil {
			return nil, err
		}
	}
	return &GetMessagesResponse{
		Messages:    s.store.GetMessages(req.Username, req.Count),
		LastApplied: s.node.GetLastApplied(),
	}, nil
}

// DeleteMessages implements GatewayServer.
func (s *Server) DeleteMessages(ctx context.Context, req *DeleteMessagesRequest) (*DeleteMessagesResponse, error) {
	result, err := s.submit(ctx, raft.Command{Type: raft.CommandDeleteMessages, Owner: req.Username, MessageIDs: req.IDs})
	if err != nil {
		return nil, err
	}
	return &DeleteMessagesResponse{OK: result.OK}, nil
}

// MarkAsRead implements GatewayServer.
func (s *Server) MarkAsRead(ctx context.Context, req *MarkAsReadRequest) (*MarkAsReadResponse, error) {
	result, err := s.submit(ctx, raft.Command{Type: raft.CommandMarkRead, Owner: req.Username, MessageIDs: req.IDs})
	if err != nil {
		return nil, err
	}
	return &MarkAsReadResponse{OK: result.OK}, nil
}

// StreamMessages implements GatewayServer's one server-streaming method:
// it registers a subscription for req.Username and forwards every event
// until the stream's context is canceled.
func (s *Server) StreamMessages(req *StreamMessagesRequest, stream grpc.ServerStream) error {
	sub := s.subs.subscribe(req.Username)
	defer s.subs.unsubscribe(req.Username, sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.ch:
			out := &StreamMessagesEvent{Message: ev.message, LeaderChanged: ev.leaderChanged, LeaderHint: ev.leaderHint}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}
