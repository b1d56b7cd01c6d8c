package raftstore

import (
	"log/slog"
	"sort"

	"github.com/shrtyk/replica-read/api"
	"github.com/shrtyk/replica-read/pkg/logger"
)

// appendLocal appends an entry to the leader's own log and returns its
// index. data is nil for the no-op opening a term.
func (p *Peer) appendLocal(data []byte) uint64 {
	idx := p.lastLogIndex() + 1
	p.log = append(p.log, api.Entry{Index: idx, Term: p.term, Data: data})
	p.matchIdx[p.id] = idx
	return idx
}

func (p *Peer) broadcastAppend() {
	for _, f := range p.peers {
		if f == p.id {
			continue
		}
		p.sendAppend(f)
	}
}

func (p *Peer) sendAppend(to uint64) {
	next := p.nextIdx[to]
	if next == 0 {
		next = 1
	}
	prevIdx := next - 1

	var entries []api.Entry
	if next <= p.lastLogIndex() {
		entries = make([]api.Entry, p.lastLogIndex()-next+1)
		copy(entries, p.log[next-1:])
	}

	p.send(api.Message{
		Type:         api.MsgAppend,
		To:           to,
		Term:         p.term,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  p.termAt(prevIdx),
		Entries:      entries,
		Commit:       min(p.matchIdx[to], p.tracker.commitIndex()),
	})
}

func (p *Peer) handleAppend(msg api.Message) {
	switch p.role {
	case candidate:
		// A live leader exists at this term.
		p.becomeFollower(msg.Term, msg.From)
	case follower:
		p.electionElapsed = 0
		p.observeLeader(msg.From)
	case leader:
		// Two leaders at one term is a protocol violation.
		p.logger.Error("append from another leader at own term", slog.Uint64("from", msg.From))
		return
	}

	// Consistency check against the entry preceding the batch.
	if msg.PrevLogIndex > p.lastLogIndex() {
		p.send(api.Message{
			Type:       api.MsgAppendResp,
			To:         msg.From,
			Term:       p.term,
			Reject:     true,
			RejectHint: p.lastLogIndex(),
		})
		return
	}
	if p.termAt(msg.PrevLogIndex) != msg.PrevLogTerm {
		p.send(api.Message{
			Type:       api.MsgAppendResp,
			To:         msg.From,
			Term:       p.term,
			Reject:     true,
			RejectHint: msg.PrevLogIndex - 1,
		})
		return
	}

	for _, e := range msg.Entries {
		switch {
		case e.Index <= p.lastLogIndex() && p.termAt(e.Index) == e.Term:
			// Already have it.
		case e.Index <= p.lastLogIndex():
			// Conflict: an uncommitted divergent suffix loses to the
			// leader's log.
			p.log = p.log[:e.Index-1]
			p.log = append(p.log, e)
		default:
			p.log = append(p.log, e)
		}
	}

	match := msg.PrevLogIndex + uint64(len(msg.Entries))
	if p.tracker.advanceCommit(min(msg.Commit, match)) {
		p.applyCommitted()
	}

	p.send(api.Message{
		Type:       api.MsgAppendResp,
		To:         msg.From,
		Term:       p.term,
		MatchIndex: match,
	})
}

func (p *Peer) handleAppendResp(msg api.Message) {
	if msg.Reject {
		next := p.nextIdx[msg.From]
		if next > 1 {
			next--
		}
		if msg.RejectHint+1 < next {
			next = msg.RejectHint + 1
		}
		p.nextIdx[msg.From] = max(next, 1)
		p.sendAppend(msg.From)
		return
	}

	if msg.MatchIndex > p.matchIdx[msg.From] {
		p.matchIdx[msg.From] = msg.MatchIndex
		p.nextIdx[msg.From] = msg.MatchIndex + 1
		p.maybeCommit()
	}
	if p.nextIdx[msg.From] <= p.lastLogIndex() {
		p.sendAppend(msg.From)
	}
}

// maybeCommit advances the commit index to the highest index replicated
// on a quorum, but only through entries of the current term. Committing
// an own-term entry also renews the lease: the quorum just confirmed
// this leadership.
func (p *Peer) maybeCommit() {
	matches := make([]uint64, 0, len(p.peers))
	for _, f := range p.peers {
		matches = append(matches, p.matchIdx[f])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	candidateIdx := matches[p.quorum()-1]

	if candidateIdx <= p.tracker.commitIndex() || p.termAt(candidateIdx) != p.term {
		return
	}

	gateWasClosed := p.tracker.commitIndex() < p.termStartIndex
	p.tracker.advanceCommit(candidateIdx)
	if p.leadTransferee == 0 {
		p.lease.renew(p.term)
	}
	p.applyCommitted()

	if gateWasClosed && p.tracker.commitIndex() >= p.termStartIndex {
		p.openTermGate()
	}

	// Push the new commit index out immediately rather than waiting for
	// the heartbeat tick; follower reads release on it.
	p.heartbeatElapsed = 0
	p.broadcastHeartbeat(p.latestReadCtx())
}

// applyCommitted applies every committed but unapplied entry to the
// state machine. Advancing the applied index fires the pending-read
// release pass.
func (p *Peer) applyCommitted() {
	commit := p.tracker.commitIndex()
	for idx := p.tracker.appliedIndex() + 1; idx <= commit; idx++ {
		e := p.log[idx-1]
		if len(e.Data) == 0 {
			continue
		}
		cmd, err := api.DecodeCommand(e.Data)
		if err != nil {
			p.logger.Error("skipping undecodable entry",
				slog.Uint64("index", idx),
				logger.ErrAttr(err),
			)
			continue
		}
		p.sm.Put(cmd.Key, cmd.Value)
	}
	p.tracker.advanceApplied(commit)
}

// broadcastHeartbeat sends one heartbeat to every follower. ctx, when
// non-zero, is the correlation id of a read-index round; the responses
// double as its quorum confirmation. Each follower's commit index is
// capped by its confirmed match so it never commits entries it might
// not hold.
func (p *Peer) broadcastHeartbeat(ctx uint64) {
	commit := p.tracker.commitIndex()
	for _, f := range p.peers {
		if f == p.id {
			continue
		}
		p.send(api.Message{
			Type:          api.MsgHeartbeat,
			To:            f,
			Term:          p.term,
			Commit:        min(p.matchIdx[f], commit),
			CorrelationID: ctx,
		})
	}
}

func (p *Peer) handleHeartbeat(msg api.Message) {
	switch p.role {
	case candidate:
		p.becomeFollower(msg.Term, msg.From)
	case follower:
		p.electionElapsed = 0
		p.observeLeader(msg.From)
	case leader:
		p.logger.Error("heartbeat from another leader at own term", slog.Uint64("from", msg.From))
		return
	}

	if p.tracker.advanceCommit(min(msg.Commit, p.lastLogIndex())) {
		p.applyCommitted()
	}

	p.send(api.Message{
		Type:          api.MsgHeartbeatResp,
		To:            msg.From,
		Term:          p.term,
		CorrelationID: msg.CorrelationID,
	})
}

func (p *Peer) handleHeartbeatResp(msg api.Message) {
	// A live follower that is behind gets its backlog re-sent; this is
	// what heals appends lost in transit.
	if p.nextIdx[msg.From] <= p.lastLogIndex() {
		p.sendAppend(msg.From)
	}

	if msg.CorrelationID == 0 {
		return
	}
	if acks := p.readOnly.recvAck(msg.CorrelationID, msg.From); acks >= p.quorum() {
		p.confirmReadRounds(msg.CorrelationID)
	}
}
