package raftstore

import (
	"sort"
	"sync/atomic"
	"time"
)

type readResult struct {
	value []byte
	found bool
	err   error
}

// pendingRead is one in-flight client read on the replica it was
// submitted to. requiredIndex stays zero until the read-index round
// resolves; the read becomes releasable once the applied index reaches
// it. The index is fixed at resolution and never decreases.
type pendingRead struct {
	corr        uint64
	key         string
	submittedAt time.Time
	retries     int

	// requireQuorum forces a heartbeat confirmation round even when the
	// leader holds a valid lease.
	requireQuorum bool

	requiredIndex uint64

	// done flips exactly once, either by completion or by caller
	// abandonment. The two race safely: completing an abandoned read
	// is a silent no-op.
	done     atomic.Bool
	resultCh chan readResult
}

// complete delivers the result unless the read was already completed or
// abandoned. Reports whether the result was delivered.
func (pr *pendingRead) complete(res readResult) bool {
	if !pr.done.CompareAndSwap(false, true) {
		return false
	}
	pr.resultCh <- res
	return true
}

// abandon marks the read as given up by the caller. The queue entry is
// swept later; a concurrent release simply finds it done.
func (pr *pendingRead) abandon() bool {
	return pr.done.CompareAndSwap(false, true)
}

func (pr *pendingRead) abandoned() bool {
	return pr.done.Load()
}

// pendingReadQueue holds every in-flight read of one replica, keyed by
// the correlation id of its current read-index round. Reads stay queued
// arbitrarily long under partition: queueing, not timing out, is what
// prevents returning stale data. Only the caller may abandon a read.
//
// Owned by the peer actor.
type pendingReadQueue struct {
	byCorr map[uint64]*pendingRead
	order  []*pendingRead
}

func newPendingReadQueue() *pendingReadQueue {
	return &pendingReadQueue{
		byCorr: make(map[uint64]*pendingRead),
	}
}

func (q *pendingReadQueue) add(pr *pendingRead) {
	q.byCorr[pr.corr] = pr
	q.order = append(q.order, pr)
}

// resolve assigns the confirmed read index to the round with the given
// correlation id. Late or duplicate responses find no entry and return
// nil: idempotent de-duplication.
func (q *pendingReadQueue) resolve(corr, index uint64) *pendingRead {
	pr, ok := q.byCorr[corr]
	if !ok {
		return nil
	}
	if pr.requiredIndex != 0 {
		return nil
	}
	pr.requiredIndex = index
	return pr
}

// rebind moves a read onto a fresh correlation id for a retried round.
// Responses to the old id become strays and are dropped by resolve.
func (q *pendingReadQueue) rebind(pr *pendingRead, newCorr uint64) {
	delete(q.byCorr, pr.corr)
	pr.corr = newCorr
	pr.retries++
	q.byCorr[newCorr] = pr
}

// unresolved returns reads whose read-index round has not completed,
// the set that must be re-issued after a leader change or retry tick.
func (q *pendingReadQueue) unresolved() []*pendingRead {
	var out []*pendingRead
	for _, pr := range q.order {
		if pr.requiredIndex == 0 && !pr.abandoned() {
			out = append(out, pr)
		}
	}
	return out
}

// releasable removes and returns every read whose required index is
// applied, in non-decreasing required-index order. Abandoned reads are
// swept out in the same pass.
func (q *pendingReadQueue) releasable(applied uint64) []*pendingRead {
	var (
		out  []*pendingRead
		keep []*pendingRead
	)
	for _, pr := range q.order {
		switch {
		case pr.abandoned():
			delete(q.byCorr, pr.corr)
		case pr.requiredIndex != 0 && pr.requiredIndex <= applied:
			delete(q.byCorr, pr.corr)
			out = append(out, pr)
		default:
			keep = append(keep, pr)
		}
	}
	q.order = keep
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].requiredIndex < out[j].requiredIndex
	})
	return out
}

// drain removes every read, for failing them when the region stops.
func (q *pendingReadQueue) drain() []*pendingRead {
	out := q.order
	q.order = nil
	q.byCorr = make(map[uint64]*pendingRead)
	return out
}

func (q *pendingReadQueue) len() int {
	return len(q.order)
}
