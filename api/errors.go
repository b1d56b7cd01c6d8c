package api

import "errors"

var (
	// ErrNotLeader is returned when an operation requiring leadership is
	// submitted to a replica that is not the leader.
	ErrNotLeader = errors.New("replicaread: peer is not the leader")

	// ErrStaleLeader is the rejection a read-index request receives from a
	// replica that has lost leadership or observed a higher term. Callers
	// retry against the newly learned leader.
	ErrStaleLeader = errors.New("replicaread: read index answered by stale leader")

	// ErrNoLeader is surfaced to the client only after the caller-configured
	// retry budget is exhausted without any reachable leader.
	ErrNoLeader = errors.New("replicaread: no reachable leader")

	// ErrAbandoned marks a pending read abandoned by its caller. It is a
	// recoverable caller-owned condition, never a correctness fault.
	ErrAbandoned = errors.New("replicaread: read abandoned by caller")

	// ErrPeerStopped is returned when submitting work to a stopped replica.
	ErrPeerStopped = errors.New("replicaread: peer stopped")

	// ErrMailboxFull is returned by the transport when a destination
	// mailbox cannot accept more messages. Delivery is best effort, the
	// protocol layer retries, never the transport.
	ErrMailboxFull = errors.New("replicaread: peer mailbox full")
)
