package raft

import "errors"

// Transient/retryable errors: the caller may retry, potentially against a
// different replica.
var (
	ErrNotLeader      = errors.New("not the leader")
	ErrNoLeader       = errors.New("no leader known")
	ErrLeadershipLost = errors.New("leadership lost before commit")
	ErrTimeout        = errors.New("operation timed out")
)

// Application-level errors: returned verbatim to the caller, never retried
// automatically.
var (
	ErrAlreadyExists    = errors.New("already exists")
	ErrUnknownUser      = errors.New("unknown user")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrBadCredentials   = errors.New("bad credentials")
)

// Safety/fatal errors: the node aborts and operator intervention is
// required.
var (
	ErrLogCompacted            = errors.New("log has been compacted")
	ErrLogInconsistent         = errors.New("log inconsistent below snapshot boundary")
	ErrCorruptStore            = errors.New("durable store is corrupt")
	ErrMembershipChangePending = errors.New("a membership change is already pending")
	ErrNodeNotFound            = errors.New("node not found")
	ErrNodeStopped             = errors.New("node has been stopped")
)
