package raftstore

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shrtyk/replica-read/api"
	"github.com/shrtyk/replica-read/pkg/kvstore"
	"github.com/shrtyk/replica-read/pkg/logger"
)

type role uint32

const (
	_ role = iota
	follower
	candidate
	leader
)

func roleToString(r role) string {
	switch r {
	case follower:
		return "follower"
	case candidate:
		return "candidate"
	case leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Peer is a single replica of a Raft-replicated key-value region.
//
// Every mutation of the replica's state (log, lease, pending reads,
// hibernation) happens inside the run loop: external callers hand work
// in through channels and the loop executes it serialized. There is no
// shared mutable memory between replicas; everything they exchange
// travels in message payloads.
type Peer struct {
	id       uint64
	regionID uint64
	peers    []uint64

	cfg       *api.Config
	transport api.Transport
	sm        api.StateMachine
	clock     clockwork.Clock
	logger    *slog.Logger

	mailbox  chan api.Message
	actionCh chan func()

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	dead      atomic.Int32

	// Raft state, actor-owned.
	role     role
	term     uint64
	votedFor uint64
	leaderID uint64
	log      []api.Entry

	tracker  *progressTracker
	nextIdx  map[uint64]uint64
	matchIdx map[uint64]uint64

	// termStartIndex is the index of the no-op this peer proposed when
	// it became leader. Read-index requests are gated on it being
	// committed.
	termStartIndex uint64

	// Logical timers, advanced by tick().
	electionElapsed   int
	heartbeatElapsed  int
	retryElapsed      int
	randomizedTimeout int

	// Read protocol state.
	lease    *leaseTracker
	readOnly *readOnlyQueue
	pending  *pendingReadQueue
	parked   []parkedReadIndex
	corrSeq  uint64

	applyWaiters []*applyWaiter

	// leadTransferee is the peer a leadership transfer is in flight to.
	// While set, the lease stays surrendered: the target may already
	// have won an election this replica has not heard about.
	leadTransferee  uint64
	transferElapsed int

	hib *hibernationController

	// Election bookkeeping.
	preVotes map[uint64]bool
	votes    map[uint64]bool

	monitoring *monitoringServer
}

// parkedReadIndex is a read-index request that arrived at a new leader
// before its first-in-term commit. Parked requests are released the
// instant that commit lands, never failed.
type parkedReadIndex struct {
	requester     uint64
	corr          uint64
	requireQuorum bool
}

// PeerBuilder assembles a Peer. Region id, replica id, the full peer
// set and a transport are required; everything else has defaults.
type PeerBuilder struct {
	id        uint64
	regionID  uint64
	peers     []uint64
	transport api.Transport

	cfg    *api.Config
	sm     api.StateMachine
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewPeerBuilder(id, regionID uint64, peers []uint64, transport api.Transport) *PeerBuilder {
	return &PeerBuilder{
		id:        id,
		regionID:  regionID,
		peers:     peers,
		transport: transport,
	}
}

func (pb *PeerBuilder) WithConfig(cfg *api.Config) *PeerBuilder {
	pb.cfg = cfg
	return pb
}

func (pb *PeerBuilder) WithStateMachine(sm api.StateMachine) *PeerBuilder {
	pb.sm = sm
	return pb
}

func (pb *PeerBuilder) WithClock(clock clockwork.Clock) *PeerBuilder {
	pb.clock = clock
	return pb
}

func (pb *PeerBuilder) WithLogger(l *slog.Logger) *PeerBuilder {
	pb.logger = l
	return pb
}

func (pb *PeerBuilder) Build() (*Peer, error) {
	if pb.id == 0 {
		return nil, fmt.Errorf("builder: peer id must be non-zero")
	}
	if pb.transport == nil {
		return nil, fmt.Errorf("builder: transport is required")
	}
	found := false
	for _, id := range pb.peers {
		if id == pb.id {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("builder: peer id %d not in peer set %v", pb.id, pb.peers)
	}

	cfg := pb.cfg
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	log := pb.logger
	if log == nil {
		log = logger.NewLogger(cfg.Log.Env, false)
	}
	log = log.With(slog.Uint64("peer_id", pb.id), slog.Uint64("region_id", pb.regionID))

	clock := pb.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	sm := pb.sm
	if sm == nil {
		sm = kvstore.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		id:        pb.id,
		regionID:  pb.regionID,
		peers:     pb.peers,
		cfg:       cfg,
		transport: pb.transport,
		sm:        sm,
		clock:     clock,
		logger:    log,
		mailbox:   make(chan api.Message, cfg.MailboxSize),
		actionCh:  make(chan func(), 64),
		runCtx:    ctx,
		runCancel: cancel,
		role:      follower,
		votedFor:  votedForNone,
		tracker:   newProgressTracker(),
		nextIdx:   make(map[uint64]uint64, len(pb.peers)),
		matchIdx:  make(map[uint64]uint64, len(pb.peers)),
		lease:     newLeaseTracker(clock, cfg.Timings.MaxLeaderLease),
		readOnly:  newReadOnlyQueue(),
		pending:   newPendingReadQueue(),
		hib:       newHibernationController(cfg.Hibernation.Enabled, cfg.Hibernation.IdleTicks),
	}
	p.tracker.subscribe(func(uint64) {
		p.releaseReads()
		p.releaseApplyWaiters()
	})
	p.resetRandomizedTimeout()

	return p, nil
}

// ID returns this replica's peer id.
func (p *Peer) ID() uint64 { return p.id }

// RegionID returns the id of the region this replica belongs to.
func (p *Peer) RegionID() uint64 { return p.regionID }

// Mailbox is the inbound message queue the transport delivers into.
func (p *Peer) Mailbox() chan<- api.Message { return p.mailbox }

// Start launches the replica's actor loop.
func (p *Peer) Start() error {
	if p.cfg.MonitoringAddr != "" {
		p.monitoring = newMonitoringServer(p, p.cfg.MonitoringAddr)
		if err := p.monitoring.start(); err != nil {
			return fmt.Errorf("failed to start monitoring server: %w", err)
		}
	}

	p.wg.Add(1)
	go p.run()
	return nil
}

// Stop terminates the actor loop and fails every queued read with
// ErrPeerStopped.
func (p *Peer) Stop() error {
	if !p.dead.CompareAndSwap(0, 1) {
		return nil
	}
	p.runCancel()
	p.wg.Wait()

	var err error
	if p.monitoring != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), p.cfg.Timings.ShutdownTimeout)
		defer tcancel()
		if serr := p.monitoring.stop(tctx); serr != nil {
			err = fmt.Errorf("failed to shutdown monitoring server: %w", serr)
		}
	}
	return err
}

// Killed reports whether the replica has been stopped.
func (p *Peer) Killed() bool {
	return p.dead.Load() == 1
}

// run is the actor loop: the single logical thread of control driving
// this replica. Suspended operations (queued reads) do not block it;
// they park in the pending queue while the loop keeps processing.
func (p *Peer) run() {
	ticker := time.NewTicker(p.cfg.Timings.TickInterval)
	defer func() {
		ticker.Stop()
		// Actions accepted but not yet executed still run, so their
		// callers observe ErrPeerStopped instead of hanging.
		for {
			select {
			case fn := <-p.actionCh:
				fn()
				continue
			default:
			}
			break
		}
		p.failPendingReads()
		p.failApplyWaiters()
		p.wg.Done()
	}()

	p.logger.Info("replica starting", slog.Int("peers", len(p.peers)))

	for {
		select {
		case <-p.runCtx.Done():
			p.logger.Info("replica stopping")
			return
		case msg := <-p.mailbox:
			p.step(msg)
		case fn := <-p.actionCh:
			fn()
		case <-ticker.C:
			p.tick()
		}
	}
}

// post hands a closure to the actor loop. Returns false if the replica
// stopped before accepting it.
func (p *Peer) post(fn func()) bool {
	select {
	case p.actionCh <- fn:
		return true
	case <-p.runCtx.Done():
		return false
	}
}

func (p *Peer) failPendingReads() {
	for _, pr := range p.pending.drain() {
		pr.complete(readResult{err: api.ErrPeerStopped})
	}
}

// State returns the current term and whether this replica believes it
// is the leader.
func (p *Peer) State() (uint64, bool) {
	var (
		term     uint64
		isLeader bool
	)
	done := make(chan struct{})
	ok := p.post(func() {
		term = p.term
		isLeader = p.role == leader
		close(done)
	})
	if !ok {
		return 0, false
	}
	<-done
	return term, isLeader
}

// Propose submits a key-value write for replication. Returns the log
// index assigned to it, the current term, and whether this replica
// accepted it as leader.
func (p *Peer) Propose(cmd api.Command) (uint64, uint64, bool) {
	data, err := api.EncodeCommand(cmd)
	if err != nil {
		p.logger.Error("failed to encode command", logger.ErrAttr(err))
		return 0, 0, false
	}

	var (
		index    uint64
		term     uint64
		isLeader bool
	)
	done := make(chan struct{})
	ok := p.post(func() {
		defer close(done)
		term = p.term
		if p.role != leader {
			return
		}
		isLeader = true
		index = p.appendLocal(data)
		p.broadcastAppend()
		// The leader's own match counts toward quorum; in a
		// single-replica region it is the whole quorum.
		p.maybeCommit()
	})
	if !ok {
		return 0, 0, false
	}
	<-done
	return index, term, isLeader
}

// applyWaiter blocks a caller until a specific proposal commits and
// applies. The slot's term decides the outcome: a mismatch means the
// awaited entry was overwritten by another leader.
type applyWaiter struct {
	index uint64
	term  uint64
	ch    chan error
}

// WaitApplied blocks until the entry proposed at index in term has been
// committed and applied on this replica, the context is cancelled, or
// the replica stops. Returns ErrStaleLeader when a different term's
// entry won the slot, meaning the proposal was lost to a leadership
// change and must be re-submitted.
func (p *Peer) WaitApplied(ctx context.Context, index, term uint64) error {
	w := &applyWaiter{index: index, term: term, ch: make(chan error, 1)}
	ok := p.post(func() {
		p.applyWaiters = append(p.applyWaiters, w)
		p.releaseApplyWaiters()
	})
	if !ok {
		return api.ErrPeerStopped
	}
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseApplyWaiters fires every waiter whose index has been applied.
func (p *Peer) releaseApplyWaiters() {
	if len(p.applyWaiters) == 0 {
		return
	}
	applied := p.tracker.appliedIndex()
	keep := p.applyWaiters[:0]
	for _, w := range p.applyWaiters {
		if w.index > applied {
			keep = append(keep, w)
			continue
		}
		if p.termAt(w.index) == w.term {
			w.ch <- nil
		} else {
			w.ch <- api.ErrStaleLeader
		}
	}
	p.applyWaiters = keep
}

func (p *Peer) failApplyWaiters() {
	for _, w := range p.applyWaiters {
		w.ch <- api.ErrPeerStopped
	}
	p.applyWaiters = nil
}

// TransferLeader asks the current leader to hand leadership to target.
// The target campaigns immediately without waiting for its election
// timeout.
func (p *Peer) TransferLeader(target uint64) {
	p.post(func() {
		if p.role != leader || target == p.id {
			return
		}
		p.logger.Info("transferring leadership", slog.Uint64("target", target))
		// The target campaigns without waiting out an election timeout,
		// so the lease is surrendered now and stays suspended until the
		// transfer resolves. Reads in the window take the quorum path,
		// where the successor's higher term blocks a deposed leader.
		p.leadTransferee = target
		p.transferElapsed = 0
		p.lease.invalidate()
		p.send(api.Message{
			Type: api.MsgTimeoutNow,
			To:   target,
			Term: p.term,
		})
	})
}

// send stamps the envelope with this replica's identity and hands it to
// the transport. Delivery is best effort; failures are logged and
// recovered by protocol-level retries.
func (p *Peer) send(msg api.Message) {
	msg.From = p.id
	msg.RegionID = p.regionID
	if err := p.transport.Send(msg); err != nil {
		p.logger.Debug("message dropped by transport",
			slog.String("type", msg.Type.String()),
			slog.Uint64("to", msg.To),
			logger.ErrAttr(err),
		)
	}
}

func (p *Peer) quorum() int {
	return len(p.peers)/2 + 1
}

func (p *Peer) nextCorr() uint64 {
	p.corrSeq++
	return p.id<<48 | p.corrSeq
}

func (p *Peer) resetRandomizedTimeout() {
	extra := 0
	if p.cfg.Timings.ElectionTimeoutRandomTicks > 0 {
		extra = rand.Intn(p.cfg.Timings.ElectionTimeoutRandomTicks + 1)
	}
	p.randomizedTimeout = p.cfg.Timings.ElectionTimeoutTicks + extra
}

// hasReadObligations reports whether this replica still owes answers:
// queued client reads or unconfirmed read-index rounds.
func (p *Peer) hasReadObligations() bool {
	return p.pending.len() > 0 || p.readOnly.len() > 0 || len(p.parked) > 0
}

// tick advances all logical timers by one step. Hibernation may
// suppress heartbeat chatter and retry scans, but never the election
// countdown: liveness detection keeps running while asleep.
func (p *Peer) tick() {
	p.hib.tick()

	if p.role == leader {
		p.tickLeader()
		return
	}

	p.electionElapsed++
	if p.electionElapsed >= p.randomizedTimeout {
		p.electionElapsed = 0
		p.resetRandomizedTimeout()
		p.campaign()
		return
	}

	if p.hib.maybeHibernate(p.role == follower, p.hasReadObligations()) {
		return
	}

	p.retryElapsed++
	if p.retryElapsed >= p.cfg.ReadIndex.RetryTicks {
		p.retryElapsed = 0
		p.retryUnresolvedReads()
	}
}

func (p *Peer) tickLeader() {
	// A transfer that has not resolved within an election timeout is
	// abandoned; lease renewals resume on the next quorum commit.
	if p.leadTransferee != 0 {
		p.transferElapsed++
		if p.transferElapsed >= p.cfg.Timings.ElectionTimeoutTicks {
			p.logger.Warn("leadership transfer timed out", slog.Uint64("target", p.leadTransferee))
			p.leadTransferee = 0
			p.transferElapsed = 0
		}
	}

	// An open replication pipeline counts as an obligation too: never
	// go quiet while entries are still waiting to commit.
	obligations := p.hasReadObligations() ||
		p.tracker.commitIndex() < p.lastLogIndex()
	if p.hib.shouldQuiesce(obligations) {
		return
	}

	p.heartbeatElapsed++
	if p.heartbeatElapsed >= p.cfg.Timings.HeartbeatTicks {
		p.heartbeatElapsed = 0
		// Piggy-back the newest unconfirmed read-index round; a quorum
		// ack for it confirms every earlier round too.
		p.broadcastHeartbeat(p.latestReadCtx())
	}
}
