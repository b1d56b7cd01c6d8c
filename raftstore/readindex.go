package raftstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shrtyk/replica-read/api"
)

// SubmitRead performs a linearizable read of key on this replica. The
// call blocks until the read can be answered with every write committed
// before submission visible, the context is cancelled, or the replica
// stops. There is no internal timeout: under a partition the read stays
// queued rather than returning stale data.
//
// requireQuorum forbids the leader lease shortcut: the confirmed index
// always comes from a heartbeat quorum round.
func (p *Peer) SubmitRead(ctx context.Context, key string, requireQuorum bool) ([]byte, bool, error) {
	pr := &pendingRead{
		key:           key,
		requireQuorum: requireQuorum,
		resultCh:      make(chan readResult, 1),
	}
	ok := p.post(func() {
		pr.submittedAt = p.clock.Now()
		if p.hib.wake() {
			p.logger.Info("waking from hibernation", slog.String("cause", "read"))
		}
		p.hib.noteActivity()
		pr.corr = p.nextCorr()
		p.pending.add(pr)
		p.issueReadIndexRound(pr)
	})
	if !ok {
		return nil, false, api.ErrPeerStopped
	}

	select {
	case res := <-pr.resultCh:
		return res.value, res.found, res.err
	case <-ctx.Done():
		if pr.abandon() {
			return nil, false, fmt.Errorf("%w: %v", api.ErrAbandoned, ctx.Err())
		}
		// Completed concurrently with cancellation; the result wins.
		res := <-pr.resultCh
		return res.value, res.found, res.err
	}
}

// issueReadIndexRound starts (or restarts) the read-index round for one
// pending read. On the leader it is processed locally; on a follower it
// is forwarded. With no known leader the read simply stays queued until
// discovery or the next retry tick.
func (p *Peer) issueReadIndexRound(pr *pendingRead) {
	switch {
	case p.role == leader:
		p.processReadIndex(p.id, pr.corr, pr.requireQuorum)
	case p.leaderID != 0 && p.leaderID != p.id:
		p.send(api.Message{
			Type:          api.MsgReadIndex,
			To:            p.leaderID,
			Term:          p.term,
			CorrelationID: pr.corr,
			RequireQuorum: pr.requireQuorum,
		})
	default:
		p.logger.Debug("read held, leader unknown", slog.Uint64("corr", pr.corr))
	}
}

// processReadIndex is the leader-side half of the protocol: pin the
// commit index for the round and either answer from the lease or run a
// heartbeat quorum round to confirm leadership first.
func (p *Peer) processReadIndex(requester, corr uint64, requireQuorum bool) {
	if p.role != leader {
		// Stale forward. Tell the requester to re-resolve.
		if requester != p.id {
			p.send(api.Message{
				Type:          api.MsgReadIndexResp,
				To:            requester,
				Term:          p.term,
				CorrelationID: corr,
				Reject:        true,
			})
		}
		return
	}

	if p.tracker.commitIndex() < p.termStartIndex {
		// Nothing from this term has committed, so the true commit
		// point is unknown. Park until the opening no-op lands; parked
		// requests are replayed, never failed.
		p.parked = append(p.parked, parkedReadIndex{
			requester:     requester,
			corr:          corr,
			requireQuorum: requireQuorum,
		})
		p.logger.Debug("read index parked until first commit of term", slog.Uint64("corr", corr))
		return
	}

	idx := p.tracker.commitIndex()
	// The lease shortcut also requires a fully applied log: appended
	// entries still waiting to commit would be invisible to the read.
	if !requireQuorum && p.lease.valid(p.term) && p.lastLogIndex() == p.tracker.appliedIndex() {
		p.respondReadIndex(requester, corr, idx)
		return
	}

	p.readOnly.add(corr, requester, idx)
	if len(p.peers) == 1 {
		p.confirmReadRounds(corr)
		return
	}
	p.heartbeatElapsed = 0
	p.broadcastHeartbeat(corr)
}

// confirmReadRounds releases every read-index round up to and including
// ctx. The quorum behind it also proves this leadership, renewing the
// lease.
func (p *Peer) confirmReadRounds(ctx uint64) {
	confirmed := p.readOnly.advance(ctx)
	if confirmed == nil {
		return
	}
	if p.leadTransferee == 0 {
		p.lease.renew(p.term)
	}
	for _, rs := range confirmed {
		p.respondReadIndex(rs.requester, rs.ctx, rs.index)
	}
}

// respondReadIndex delivers a confirmed read index to its requester,
// locally when the read originated here.
func (p *Peer) respondReadIndex(to, corr, idx uint64) {
	if to == p.id {
		if p.pending.resolve(corr, idx) != nil {
			p.releaseReads()
		}
		return
	}
	p.send(api.Message{
		Type:          api.MsgReadIndexResp,
		To:            to,
		Term:          p.term,
		CorrelationID: corr,
		ReadIndex:     idx,
	})
}

func (p *Peer) handleReadIndexResp(msg api.Message) {
	if msg.Reject {
		// The peer we forwarded to is not the leader anymore. Forget
		// the stale binding; discovery or the retry tick re-issues.
		if p.leaderID == msg.From {
			p.leaderID = 0
		}
		return
	}

	pr := p.pending.resolve(msg.CorrelationID, msg.ReadIndex)
	if pr == nil {
		// Late or duplicate response to a superseded round.
		return
	}
	p.logger.Debug("read index resolved",
		slog.Uint64("corr", msg.CorrelationID),
		slog.Uint64("required_index", msg.ReadIndex),
	)
	p.releaseReads()
}

// releaseReads completes every pending read whose required index has
// been applied, executing the storage read at release time.
func (p *Peer) releaseReads() {
	applied := p.tracker.appliedIndex()
	for _, pr := range p.pending.releasable(applied) {
		value, found := p.sm.Get(pr.key)
		if pr.complete(readResult{value: value, found: found}) {
			p.logger.Debug("read released",
				slog.Uint64("corr", pr.corr),
				slog.Uint64("required_index", pr.requiredIndex),
			)
		}
	}
}

// openTermGate replays read-index requests that were parked behind the
// first commit of this term.
func (p *Peer) openTermGate() {
	if len(p.parked) == 0 {
		return
	}
	parked := p.parked
	p.parked = nil
	p.logger.Info("first commit of term landed, replaying parked reads", slog.Int("count", len(parked)))
	for _, pk := range parked {
		p.processReadIndex(pk.requester, pk.corr, pk.requireQuorum)
	}
}

// retryUnresolvedReads re-issues every read whose round has not come
// back, under a fresh correlation id so responses to the abandoned
// round are dropped as strays. Retries continue indefinitely; only the
// caller may give up on a read.
func (p *Peer) retryUnresolvedReads() {
	for _, pr := range p.pending.unresolved() {
		old := pr.corr
		p.pending.rebind(pr, p.nextCorr())
		if pr.retries <= p.cfg.ReadIndex.MaxLoggedRetries {
			p.logger.Warn("re-issuing read index round",
				slog.Uint64("old_corr", old),
				slog.Uint64("corr", pr.corr),
				slog.Int("retries", pr.retries),
				slog.Duration("age", p.clock.Now().Sub(pr.submittedAt)),
			)
		}
		p.issueReadIndexRound(pr)
	}
}

// latestReadCtx returns the correlation id of the newest unconfirmed
// read-index round, or 0. Heartbeats carry it so lost responses are
// healed by the next round trip.
func (p *Peer) latestReadCtx() uint64 {
	if n := p.readOnly.len(); n > 0 {
		return p.readOnly.queue[n-1]
	}
	return 0
}
