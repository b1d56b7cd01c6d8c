package raftstore

import (
	"log/slog"

	"github.com/shrtyk/replica-read/api"
)

// messageWakes reports whether a message counts as real activity for
// hibernation purposes. Routine heartbeat chatter and empty appends do
// not: a probing pre-vote must be answerable without dragging sleeping
// followers awake, and a reasserting leader's heartbeats must not
// either. Client traffic, log entries and real elections always wake.
func messageWakes(msg api.Message) bool {
	switch msg.Type {
	case api.MsgHeartbeat:
		return msg.CorrelationID != 0
	case api.MsgHeartbeatResp, api.MsgAppendResp, api.MsgPreVote, api.MsgPreVoteResp:
		return false
	case api.MsgAppend:
		return len(msg.Entries) > 0
	default:
		return true
	}
}

// step processes one inbound message inside the actor loop. Terms are
// normalized first: a higher term demotes this replica before dispatch,
// a lower term is answered or dropped here so handlers only ever see
// messages at the current term.
func (p *Peer) step(msg api.Message) {
	if msg.RegionID != p.regionID {
		p.logger.Warn("dropping message for foreign region",
			slog.Uint64("msg_region_id", msg.RegionID),
			slog.String("type", msg.Type.String()),
		)
		return
	}

	if messageWakes(msg) {
		if p.hib.wake() {
			p.logger.Info("waking from hibernation", slog.String("cause", msg.Type.String()))
		}
		p.hib.noteActivity()
	}

	switch {
	case msg.Term > p.term:
		switch msg.Type {
		case api.MsgPreVote, api.MsgPreVoteResp:
			// Pre-vote rounds probe at term+1 without committing anyone
			// to an actual term bump.
		default:
			lead := uint64(0)
			if msg.Type == api.MsgAppend || msg.Type == api.MsgHeartbeat {
				lead = msg.From
			}
			p.becomeFollower(msg.Term, lead)
		}
	case msg.Term < p.term:
		switch msg.Type {
		case api.MsgAppend:
			// Answer with the newer term so a deposed leader steps down.
			p.send(api.Message{Type: api.MsgAppendResp, To: msg.From, Term: p.term, Reject: true})
			return
		case api.MsgHeartbeat:
			p.send(api.Message{Type: api.MsgHeartbeatResp, To: msg.From, Term: p.term})
			return
		case api.MsgPreVote:
			p.send(api.Message{Type: api.MsgPreVoteResp, To: msg.From, Term: p.term, Granted: false})
			return
		case api.MsgVote:
			p.send(api.Message{Type: api.MsgVoteResp, To: msg.From, Term: p.term, Granted: false})
			return
		case api.MsgReadIndex, api.MsgReadIndexResp:
			// Forwarded reads carry the requester's term, which may lag
			// behind the leader's. Correlation ids handle staleness.
		default:
			return
		}
	}

	switch msg.Type {
	case api.MsgAppend:
		p.handleAppend(msg)
	case api.MsgAppendResp:
		if p.role == leader && msg.Term == p.term {
			p.handleAppendResp(msg)
		}
	case api.MsgHeartbeat:
		p.handleHeartbeat(msg)
	case api.MsgHeartbeatResp:
		if p.role == leader && msg.Term == p.term {
			p.handleHeartbeatResp(msg)
		}
	case api.MsgPreVote:
		p.handlePreVote(msg)
	case api.MsgPreVoteResp:
		p.handlePreVoteResp(msg)
	case api.MsgVote:
		p.handleVote(msg)
	case api.MsgVoteResp:
		if p.role == candidate && msg.Term == p.term {
			p.handleVoteResp(msg)
		}
	case api.MsgReadIndex:
		p.processReadIndex(msg.From, msg.CorrelationID, msg.RequireQuorum)
	case api.MsgReadIndexResp:
		p.handleReadIndexResp(msg)
	case api.MsgTimeoutNow:
		p.handleTimeoutNow(msg)
	default:
		p.logger.Warn("dropping message of unknown type", slog.String("type", msg.Type.String()))
	}
}
