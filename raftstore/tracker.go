package raftstore

// progressTracker exposes, per region replica, the highest log index
// known committed and the highest index applied to the state machine,
// plus applied-advance subscriptions. The pending-read queue keys its
// releases off these signals.
//
// Both indices advance monotonically; regressions are ignored.
// Owned by the peer actor.
type progressTracker struct {
	commit  uint64
	applied uint64

	onApplied []func(applied uint64)
}

func newProgressTracker() *progressTracker {
	return &progressTracker{}
}

func (pt *progressTracker) commitIndex() uint64 {
	return pt.commit
}

func (pt *progressTracker) appliedIndex() uint64 {
	return pt.applied
}

// advanceCommit raises the commit index and reports whether it moved.
func (pt *progressTracker) advanceCommit(idx uint64) bool {
	if idx <= pt.commit {
		return false
	}
	pt.commit = idx
	return true
}

// advanceApplied raises the applied index and fires subscriptions.
func (pt *progressTracker) advanceApplied(idx uint64) bool {
	if idx <= pt.applied {
		return false
	}
	pt.applied = idx
	for _, fn := range pt.onApplied {
		fn(idx)
	}
	return true
}

// subscribe registers a callback invoked whenever the applied index
// advances. Callbacks run inside the actor loop.
func (pt *progressTracker) subscribe(fn func(applied uint64)) {
	pt.onApplied = append(pt.onApplied, fn)
}
