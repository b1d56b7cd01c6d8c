package raftstore

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// leaseTracker maintains the time-bounded guarantee that the leader's
// committed state is still authoritative. While the lease holds, reads
// on the leader skip the quorum confirmation round entirely.
//
// A lease is valid only for the exact term it was granted in; any term
// or role change invalidates it immediately regardless of remaining
// expiry. The clock is injected so tests control time.
//
// Owned by the peer actor, never accessed concurrently.
type leaseTracker struct {
	clock    clockwork.Clock
	maxLease time.Duration

	term   uint64
	expiry time.Time
}

func newLeaseTracker(clock clockwork.Clock, maxLease time.Duration) *leaseTracker {
	return &leaseTracker{
		clock:    clock,
		maxLease: maxLease,
	}
}

// renew extends the lease to now + maxLease for the given term. Called
// each time the leader's own-term proposals are confirmed committed by
// a quorum.
func (lt *leaseTracker) renew(term uint64) {
	lt.term = term
	lt.expiry = lt.clock.Now().Add(lt.maxLease)
}

// valid reports whether a lease read may be served at the given term.
func (lt *leaseTracker) valid(curTerm uint64) bool {
	if lt.term == 0 || lt.term != curTerm {
		return false
	}
	return lt.clock.Now().Before(lt.expiry)
}

// invalidate drops the lease. Called synchronously on every role or
// term change so a deposed leader can never serve a lease read after
// the fact.
func (lt *leaseTracker) invalidate() {
	lt.term = 0
	lt.expiry = time.Time{}
}

// remaining returns the time left on the lease, for status reporting.
func (lt *leaseTracker) remaining() time.Duration {
	if lt.term == 0 {
		return 0
	}
	d := lt.expiry.Sub(lt.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}
