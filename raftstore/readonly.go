package raftstore

// readIndexStatus tracks one quorum-confirmation round on the leader:
// the commit index recorded when the request arrived and the heartbeat
// acks received for it so far.
type readIndexStatus struct {
	ctx       uint64
	requester uint64
	index     uint64
	acks      map[uint64]struct{}
}

// readOnlyQueue is the leader-side ledger of read-index rounds awaiting
// quorum confirmation. Rounds are kept in arrival order; an ack for a
// later round confirms every earlier one too, because the heartbeat
// that carried it proves leadership for the whole prefix.
//
// Owned by the peer actor.
type readOnlyQueue struct {
	pending map[uint64]*readIndexStatus
	queue   []uint64
}

func newReadOnlyQueue() *readOnlyQueue {
	return &readOnlyQueue{
		pending: make(map[uint64]*readIndexStatus),
	}
}

// add registers a round. index is the leader commit index at receipt,
// fixed for the round's lifetime. Duplicate ctx registrations are
// ignored.
func (ro *readOnlyQueue) add(ctx, requester, index uint64) {
	if _, ok := ro.pending[ctx]; ok {
		return
	}
	ro.pending[ctx] = &readIndexStatus{
		ctx:       ctx,
		requester: requester,
		index:     index,
		acks:      make(map[uint64]struct{}),
	}
	ro.queue = append(ro.queue, ctx)
}

// recvAck records a heartbeat response carrying ctx and returns the ack
// count including the leader itself.
func (ro *readOnlyQueue) recvAck(ctx, from uint64) int {
	rs, ok := ro.pending[ctx]
	if !ok {
		return 0
	}
	rs.acks[from] = struct{}{}
	return len(rs.acks) + 1
}

// advance pops every round up to and including ctx, in arrival order.
// Returns nil if ctx is not pending.
func (ro *readOnlyQueue) advance(ctx uint64) []*readIndexStatus {
	var (
		confirmed []*readIndexStatus
		i         int
		found     bool
	)
	for _, c := range ro.queue {
		i++
		rs, ok := ro.pending[c]
		if !ok {
			// queue and pending map always move together
			panic("raftstore: read-only queue out of sync with pending map")
		}
		confirmed = append(confirmed, rs)
		if c == ctx {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	ro.queue = ro.queue[i:]
	for _, rs := range confirmed {
		delete(ro.pending, rs.ctx)
	}
	return confirmed
}

// reset drops every pending round. Called on role or term change; the
// requesters re-issue their rounds against the new leader.
func (ro *readOnlyQueue) reset() {
	ro.pending = make(map[uint64]*readIndexStatus)
	ro.queue = nil
}

func (ro *readOnlyQueue) len() int {
	return len(ro.queue)
}
