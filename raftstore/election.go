package raftstore

import (
	"log/slog"

	"github.com/shrtyk/replica-read/api"
)

func (p *Peer) lastLogIndex() uint64 {
	return uint64(len(p.log))
}

func (p *Peer) lastLogTerm() uint64 {
	if len(p.log) == 0 {
		return 0
	}
	return p.log[len(p.log)-1].Term
}

// termAt returns the term of the entry at idx, or 0 when idx is 0 or
// beyond the log.
func (p *Peer) termAt(idx uint64) uint64 {
	if idx == 0 || idx > p.lastLogIndex() {
		return 0
	}
	return p.log[idx-1].Term
}

// logUpToDate implements the election restriction: a candidate's log is
// acceptable when its last term is newer, or equal with at least as
// many entries.
func (p *Peer) logUpToDate(lastIdx, lastTerm uint64) bool {
	myTerm := p.lastLogTerm()
	if lastTerm != myTerm {
		return lastTerm > myTerm
	}
	return lastIdx >= p.lastLogIndex()
}

func (p *Peer) becomeFollower(term, lead uint64) {
	if term > p.term {
		p.term = term
		p.votedFor = votedForNone
	}
	p.role = follower
	p.leaderID = 0
	p.lease.invalidate()
	p.readOnly.reset()
	p.parked = nil
	p.termStartIndex = 0
	p.leadTransferee = 0
	p.transferElapsed = 0
	p.preVotes = nil
	p.votes = nil
	p.electionElapsed = 0
	p.resetRandomizedTimeout()
	p.hib.noteLeaderChange()
	p.logger.Info("became follower",
		slog.Uint64("term", p.term),
		slog.Uint64("leader", lead),
	)
	if lead != 0 {
		p.observeLeader(lead)
	}
}

// observeLeader records the leader learned from an append or heartbeat.
// A change re-issues every unresolved read against the new leader under
// fresh correlation ids, so stragglers from the old one resolve nothing.
func (p *Peer) observeLeader(id uint64) {
	if p.leaderID == id {
		return
	}
	p.leaderID = id
	p.hib.noteLeaderChange()
	p.logger.Info("leader discovered", slog.Uint64("leader", id), slog.Uint64("term", p.term))
	p.retryUnresolvedReads()
}

// campaign starts a pre-vote round. The term is not bumped and the
// replica stays a follower until a quorum indicates the probe would win
// a real election.
func (p *Peer) campaign() {
	if p.hib.hibernating() {
		p.logger.Debug("election timeout while hibernating, probing for a live leader")
	}
	p.preVotes = map[uint64]bool{p.id: true}
	p.logger.Info("starting pre-vote round", slog.Uint64("term", p.term+1))
	if len(p.preVotes) >= p.quorum() {
		p.startElection()
		return
	}

	last, lterm := p.lastLogIndex(), p.lastLogTerm()
	for _, f := range p.peers {
		if f == p.id {
			continue
		}
		p.send(api.Message{
			Type:         api.MsgPreVote,
			To:           f,
			Term:         p.term + 1,
			LastLogIndex: last,
			LastLogTerm:  lterm,
		})
	}
}

func (p *Peer) handlePreVote(msg api.Message) {
	if p.role == leader {
		// A quiesced leader answers the probe by waking up and
		// reasserting itself; the resumed heartbeats reset every
		// follower's election timer, so a live leader is never deposed
		// by an idle-cluster probe.
		p.hib.wake()
		p.hib.noteActivity()
		p.heartbeatElapsed = 0
		p.broadcastHeartbeat(p.latestReadCtx())
		p.send(api.Message{Type: api.MsgPreVoteResp, To: msg.From, Term: msg.Term, Granted: false})
		return
	}

	heardFromLeader := p.leaderID != 0 && p.electionElapsed < p.cfg.Timings.ElectionTimeoutTicks
	grant := msg.Term > p.term &&
		p.logUpToDate(msg.LastLogIndex, msg.LastLogTerm) &&
		!heardFromLeader
	p.send(api.Message{Type: api.MsgPreVoteResp, To: msg.From, Term: msg.Term, Granted: grant})
}

func (p *Peer) handlePreVoteResp(msg api.Message) {
	if p.role != follower || p.preVotes == nil || msg.Term != p.term+1 || !msg.Granted {
		return
	}
	p.preVotes[msg.From] = true
	if len(p.preVotes) >= p.quorum() {
		p.startElection()
	}
}

func (p *Peer) startElection() {
	p.preVotes = nil
	p.role = candidate
	p.term++
	p.votedFor = p.id
	p.leaderID = 0
	p.lease.invalidate()
	p.readOnly.reset()
	p.parked = nil
	p.termStartIndex = 0
	p.votes = map[uint64]bool{p.id: true}
	p.electionElapsed = 0
	p.resetRandomizedTimeout()
	p.logger.Info("starting election", slog.Uint64("term", p.term))

	if len(p.votes) >= p.quorum() {
		p.becomeLeader()
		return
	}

	last, lterm := p.lastLogIndex(), p.lastLogTerm()
	for _, f := range p.peers {
		if f == p.id {
			continue
		}
		p.send(api.Message{
			Type:         api.MsgVote,
			To:           f,
			Term:         p.term,
			LastLogIndex: last,
			LastLogTerm:  lterm,
		})
	}
}

func (p *Peer) handleVote(msg api.Message) {
	grant := msg.Term == p.term &&
		p.role == follower &&
		(p.votedFor == votedForNone || p.votedFor == msg.From) &&
		p.logUpToDate(msg.LastLogIndex, msg.LastLogTerm)
	if grant {
		p.votedFor = msg.From
		p.electionElapsed = 0
		p.resetRandomizedTimeout()
	}
	p.send(api.Message{Type: api.MsgVoteResp, To: msg.From, Term: p.term, Granted: grant})
}

func (p *Peer) handleVoteResp(msg api.Message) {
	if !msg.Granted {
		return
	}
	p.votes[msg.From] = true
	if len(p.votes) >= p.quorum() {
		p.becomeLeader()
	}
}

func (p *Peer) becomeLeader() {
	p.role = leader
	p.votes = nil
	p.leaderID = p.id
	p.leadTransferee = 0
	p.transferElapsed = 0
	p.heartbeatElapsed = 0
	for _, f := range p.peers {
		p.nextIdx[f] = p.lastLogIndex() + 1
		p.matchIdx[f] = 0
	}
	p.hib.noteLeaderChange()

	// Open the term with a no-op. Until it commits the previous commit
	// point is unknown, so read-index requests park behind it.
	p.termStartIndex = p.appendLocal(nil)
	p.logger.Info("became leader",
		slog.Uint64("term", p.term),
		slog.Uint64("term_start_index", p.termStartIndex),
	)
	p.broadcastAppend()
	p.maybeCommit()

	// Reads this replica queued as a follower now resolve locally.
	p.retryUnresolvedReads()
}

// handleTimeoutNow handles a leadership transfer: the current leader
// told us to campaign immediately, skipping both the election timeout
// and the pre-vote round.
func (p *Peer) handleTimeoutNow(msg api.Message) {
	if p.role == leader || msg.Term != p.term {
		return
	}
	p.logger.Info("leadership transfer requested, campaigning now", slog.Uint64("from", msg.From))
	p.startElection()
}
