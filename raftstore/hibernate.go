package raftstore

// HibernateState is the per-replica energy state. Hibernation suspends
// background heartbeat chatter for idle regions; it never suspends
// liveness detection: a hibernating follower keeps ticking its election
// timeout so a silent leader is still detected.
type HibernateState uint8

const (
	Awake HibernateState = iota
	Hibernating
)

func (s HibernateState) String() string {
	if s == Hibernating {
		return "hibernating"
	}
	return "awake"
}

// hibernationController decides when a replica may go quiet. Followers
// transition to Hibernating after an idle window with no client
// traffic, no in-flight read-index rounds and no recent leadership
// change. A leader never hibernates, but once the same idle criteria
// hold and it carries no read obligations it stops heartbeat chatter
// ("quiesces") until anything arrives.
//
// Owned by the peer actor.
type hibernationController struct {
	enabled   bool
	idleAfter int

	state             HibernateState
	idle              int
	sinceLeaderChange int
}

func newHibernationController(enabled bool, idleAfter int) *hibernationController {
	return &hibernationController{
		enabled:   enabled,
		idleAfter: idleAfter,
		// avoids hibernating right after boot, before any leader is known
		sinceLeaderChange: 0,
	}
}

// tick advances the idle counters by one logical tick.
func (h *hibernationController) tick() {
	h.idle++
	h.sinceLeaderChange++
}

// noteActivity resets the idle window. Any request requiring a
// response counts as activity.
func (h *hibernationController) noteActivity() {
	h.idle = 0
}

// noteLeaderChange resets the leadership-stability window and wakes
// the replica: right after an election is the worst time to go quiet.
func (h *hibernationController) noteLeaderChange() {
	h.sinceLeaderChange = 0
	h.wake()
}

// maybeHibernate transitions a follower to Hibernating when the idle
// criteria hold. hasObligations covers pending reads and in-flight
// read-index rounds. Reports the post-transition hibernation state.
func (h *hibernationController) maybeHibernate(isFollower, hasObligations bool) bool {
	if !h.enabled || !isFollower {
		return false
	}
	if hasObligations {
		h.noteActivity()
		return false
	}
	if h.state == Hibernating {
		return true
	}
	if h.idle >= h.idleAfter && h.sinceLeaderChange >= h.idleAfter {
		h.state = Hibernating
		return true
	}
	return false
}

// shouldQuiesce reports whether an idle leader may suppress heartbeats.
func (h *hibernationController) shouldQuiesce(hasObligations bool) bool {
	return h.enabled && !hasObligations && h.idle >= h.idleAfter
}

// wake returns the replica to Awake and reports whether it was
// hibernating. Called on client traffic, log entries and elections;
// routine heartbeat chatter does not wake a sleeping follower.
func (h *hibernationController) wake() bool {
	h.idle = 0
	if h.state == Hibernating {
		h.state = Awake
		return true
	}
	return false
}

func (h *hibernationController) hibernating() bool {
	return h.state == Hibernating
}
