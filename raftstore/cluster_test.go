package raftstore_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	porc "github.com/anishathalye/porcupine"
	"github.com/shrtyk/replica-read/api"
	"github.com/shrtyk/replica-read/pkg/logger"
	"github.com/shrtyk/replica-read/raftstore"
	"github.com/shrtyk/replica-read/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegionID = 7

type cluster struct {
	router *transport.Router
	peers  []*raftstore.Peer
	client *raftstore.Client
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()

	_, log := logger.NewTestLogger()
	cfg := raftstore.TestsConfig()
	router := transport.NewRouter(log, cfg.CBreaker)

	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}

	peers := make([]*raftstore.Peer, 0, n)
	for _, id := range ids {
		p, err := raftstore.NewPeerBuilder(id, testRegionID, ids, router).
			WithConfig(cfg).
			WithLogger(log).
			Build()
		require.NoError(t, err)
		router.Register(id, p.Mailbox())
		require.NoError(t, p.Start())
		peers = append(peers, p)
	}

	t.Cleanup(func() {
		for _, p := range peers {
			_ = p.Stop()
		}
	})

	return &cluster{
		router: router,
		peers:  peers,
		client: raftstore.NewClient(log, peers...),
	}
}

// leaderAndFollowers waits for an election to settle and splits the
// replicas by role.
func (c *cluster) leaderAndFollowers(t *testing.T) (*raftstore.Peer, []*raftstore.Peer) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lead, err := c.client.Leader(ctx)
	require.NoError(t, err)

	var followers []*raftstore.Peer
	for _, p := range c.peers {
		if p.ID() != lead.ID() {
			followers = append(followers, p)
		}
	}
	return lead, followers
}

func TestClusterReplicatesAndServesReadsEverywhere(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v1")))
	require.NoError(t, c.client.Put(ctx, "k", []byte("v2")))

	for _, p := range c.peers {
		v, found, err := c.client.Get(ctx, p, "k")
		require.NoError(t, err, "replica %d", p.ID())
		require.True(t, found, "replica %d", p.ID())
		assert.Equal(t, "v2", string(v), "replica %d", p.ID())
	}

	_, found, err := c.client.Get(ctx, c.peers[0], "missing")
	require.NoError(t, err)
	assert.False(t, found)

	// A quorum-backed read skips the leader lease and still answers.
	lead, _ := c.leaderAndFollowers(t)
	v, found, err := c.client.GetQuorum(ctx, lead, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(v))
}

func TestSingleReplicaRegion(t *testing.T) {
	c := newCluster(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "solo", []byte("x")))
	v, found, err := c.client.Get(ctx, c.peers[0], "solo")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "x", string(v))
}

// A write may be acknowledged only after its own entry has committed
// and applied: with every append response withheld nothing can commit,
// so the Put must fail rather than return success.
func TestPutNotAcknowledgedWhileUncommitted(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v1")))
	lead, _ := c.leaderAndFollowers(t)

	mute := transport.NewDropFilter(transport.MatchType(api.MsgAppendResp), false)
	c.router.AddFilter(mute)

	putCtx, putCancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer putCancel()
	err := c.client.Put(putCtx, "k", []byte("v2"))
	require.Error(t, err, "write acknowledged without committing")

	// The unacknowledged write stays invisible: a leader read answers
	// with the last committed value.
	v, found, err := c.client.Get(ctx, lead, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", string(v))

	// Healed, writes flow again.
	c.router.ClearFilters()
	require.NoError(t, c.client.Put(ctx, "k", []byte("v3")))
	v, _, err = c.client.Get(ctx, lead, "k")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(v))
}

// Starting a leadership transfer surrenders the lease: a deposed leader
// that has not yet observed the new term must block on the quorum path
// instead of serving a lease read missing the successor's writes.
func TestDeposedLeaderServesNoStaleLeaseRead(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v1")))
	oldLead, followers := c.leaderAndFollowers(t)
	target := followers[0]

	// Cut everything inbound to the old leader so it cannot learn of
	// the new term.
	isolate := transport.NewDropFilter(func(msg *api.Message) bool {
		return msg.To == oldLead.ID()
	}, false)
	c.router.AddFilter(isolate)

	oldLead.TransferLeader(target.ID())
	require.Eventually(t, func() bool {
		_, isLeader := target.State()
		return isLeader
	}, 5*time.Second, 20*time.Millisecond, "leadership transfer did not complete")

	// v2 commits in the new term without the deposed leader hearing.
	index, term, ok := target.Propose(api.Command{Key: "k", Value: []byte("v2")})
	require.True(t, ok)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, target.WaitApplied(waitCtx, index, term))

	// The deposed leader's read must hang on quorum confirmation it
	// cannot get, never answer v1 from a lease.
	staleCtx, staleCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer staleCancel()
	v, _, err := oldLead.SubmitRead(staleCtx, "k", false)
	require.ErrorIs(t, err, api.ErrAbandoned, "deposed leader answered %q", v)

	// Healed, it steps down and serves the successor's value.
	c.router.ClearFilters()
	v, found, err := oldLead.SubmitRead(ctx, "k", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(v))
}

// A follower whose commit notifications are suppressed must hold a read
// until it has applied far enough, then answer with the newest value
// rather than the stale one it could see locally.
func TestFollowerReadWaitsForSuppressedCommit(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v1")))
	_, followers := c.leaderAndFollowers(t)
	target := followers[0]

	// Freeze target's view of the commit index without partitioning it.
	suppress := transport.NewCommitSuppressFilter(func(msg *api.Message) bool {
		return msg.To == target.ID() &&
			(msg.Type == api.MsgHeartbeat || msg.Type == api.MsgAppend)
	})
	c.router.AddFilter(suppress)

	require.NoError(t, c.client.Put(ctx, "k", []byte("v2")))

	type outcome struct {
		value []byte
		err   error
	}
	readCh := make(chan outcome, 1)
	go func() {
		v, _, err := target.SubmitRead(ctx, "k", false)
		readCh <- outcome{value: v, err: err}
	}()

	select {
	case res := <-readCh:
		t.Fatalf("read completed while commit was suppressed: %q, %v", res.value, res.err)
	case <-time.After(500 * time.Millisecond):
	}

	suppress.Stop()

	select {
	case res := <-readCh:
		require.NoError(t, res.err)
		assert.Equal(t, "v2", string(res.value))
	case <-time.After(5 * time.Second):
		t.Fatal("read did not complete after suppression lifted")
	}
}

// The reference scenario: v2 commits only on the old leader while its
// commit notifications to the followers are suppressed, then leadership
// moves to a replica that cannot commit its term-opening no-op because
// every append response to it is withheld. A read on the third replica
// must park behind that first commit rather than fail or answer stale,
// then complete with v2 once the withheld responses are delivered.
func TestReadParksBehindFirstCommitOfNewTerm(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v1")))
	for _, p := range c.peers {
		v, _, err := c.client.Get(ctx, p, "k")
		require.NoError(t, err)
		require.Equal(t, "v1", string(v))
	}
	oldLead, followers := c.leaderAndFollowers(t)
	target, reader := followers[0], followers[1]

	// Followers keep receiving v2's entries but never learn that they
	// committed.
	suppress := transport.NewCommitSuppressFilter(func(msg *api.Message) bool {
		return msg.From == oldLead.ID() &&
			(msg.Type == api.MsgAppend || msg.Type == api.MsgHeartbeat)
	})
	c.router.AddFilter(suppress)

	// v2 commits and applies on the old leader only.
	_, _, ok := oldLead.Propose(api.Command{Key: "k", Value: []byte("v2")})
	require.True(t, ok)
	v, _, err := oldLead.SubmitRead(ctx, "k", false)
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))

	// Withhold every append response addressed to the incoming leader
	// so nothing of its new term can commit.
	withhold := transport.NewDropFilter(
		transport.MatchTypeTo(api.MsgAppendResp, target.ID()), true)
	c.router.AddFilter(withhold)

	oldLead.TransferLeader(target.ID())
	require.Eventually(t, func() bool {
		_, isLeader := target.State()
		return isLeader
	}, 5*time.Second, 20*time.Millisecond, "leadership transfer did not complete")

	type outcome struct {
		value []byte
		found bool
		err   error
	}
	readCh := make(chan outcome, 1)
	readStart := time.Now()
	go func() {
		v, found, err := reader.SubmitRead(ctx, "k", false)
		readCh <- outcome{value: v, found: found, err: err}
	}()

	// The new leader has no commit of its own term, so the read must
	// stay parked, not fail and not answer v1.
	select {
	case res := <-readCh:
		t.Fatalf("read completed behind a closed term gate: %q, %v", res.value, res.err)
	case <-time.After(time.Second):
	}

	require.Greater(t, withhold.Dropped(), 0)
	withhold.Redeliver(c.router)

	select {
	case res := <-readCh:
		require.NoError(t, res.err)
		require.True(t, res.found)
		assert.Equal(t, "v2", string(res.value))
		assert.Less(t, time.Since(readStart), 6*time.Second)
	case <-time.After(6 * time.Second):
		t.Fatal("parked read did not complete after responses were delivered")
	}

	// The region is healthy again; a follow-up read is quick.
	followCtx, followCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer followCancel()
	v, found, err := reader.SubmitRead(followCtx, "k", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(v))
}

// Only the caller may give up on a read: cancellation surfaces
// ErrAbandoned while the replica keeps retrying internally up to that
// point.
func TestReadAbandonedOnCallerCancellation(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v1")))
	_, followers := c.leaderAndFollowers(t)
	reader := followers[0]

	// Black-hole every forwarded read so no round can resolve.
	blackhole := transport.NewDropFilter(transport.MatchType(api.MsgReadIndex), false)
	c.router.AddFilter(blackhole)

	readCtx, readCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer readCancel()
	start := time.Now()
	_, _, err := reader.SubmitRead(readCtx, "k", false)
	require.ErrorIs(t, err, api.ErrAbandoned)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)

	// The abandoned entry is swept and the replica keeps serving.
	c.router.ClearFilters()
	v, found, err := reader.SubmitRead(ctx, "k", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", string(v))
}

// Protocol-level retries must heal steady message loss without any
// caller involvement.
func TestReadsAndWritesSurviveMessageLoss(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v1")))

	var n atomic.Uint64
	lossy := transport.NewDropFilter(func(msg *api.Message) bool {
		switch msg.Type {
		case api.MsgAppendResp, api.MsgHeartbeatResp, api.MsgReadIndexResp:
			return n.Add(1)%3 == 0
		default:
			return false
		}
	}, false)
	c.router.AddFilter(lossy)

	require.NoError(t, c.client.Put(ctx, "k", []byte("v2")))
	for _, p := range c.peers {
		v, found, err := c.client.Get(ctx, p, "k")
		require.NoError(t, err, "replica %d", p.ID())
		require.True(t, found)
		assert.Equal(t, "v2", string(v), "replica %d", p.ID())
	}
}

// Idle followers hibernate, and a hibernating region still detects a
// dead leader: the election timeout keeps ticking and surfaces as a
// pre-vote probe before a new leader takes over.
func TestHibernationAndLivenessAfterLeaderLoss(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v1")))
	lead, followers := c.leaderAndFollowers(t)

	require.Eventually(t, func() bool {
		for _, f := range followers {
			st, err := f.Status()
			if err != nil || st.Hibernation != "hibernating" {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond, "idle followers did not hibernate")

	var preVoteSeen atomic.Bool
	c.router.AddFilter(transport.NewCallbackFilter(
		transport.MatchType(api.MsgPreVote),
		func(api.Message) { preVoteSeen.Store(true) },
	))

	require.NoError(t, lead.Stop())
	c.router.Unregister(lead.ID())

	require.Eventually(t, func() bool {
		if !preVoteSeen.Load() {
			return false
		}
		for _, f := range followers {
			if _, isLeader := f.State(); isLeader {
				return true
			}
		}
		return false
	}, 15*time.Second, 50*time.Millisecond, "no pre-vote or no new leader after leader loss")

	// The surviving quorum still serves linearizable traffic.
	require.NoError(t, c.client.Put(ctx, "k", []byte("v2")))
	v, found, err := c.client.Get(ctx, followers[0], "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(v))
}

const (
	registerPut = iota
	registerGet
)

type registerInput struct {
	op    int
	value string
}

// registerModel is a sequential specification of a single key treated
// as a register.
var registerModel = porc.Model{
	Init: func() interface{} {
		return ""
	},
	Step: func(state, input, output interface{}) (bool, interface{}) {
		in := input.(registerInput)
		switch in.op {
		case registerPut:
			return true, in.value
		default:
			return output.(string) == state.(string), state
		}
	},
	DescribeOperation: func(input, output interface{}) string {
		in := input.(registerInput)
		if in.op == registerPut {
			return fmt.Sprintf("put(%q)", in.value)
		}
		return fmt.Sprintf("get() -> %q", output.(string))
	},
}

// Concurrent writers and follower readers over one key must produce a
// linearizable history, reads going through whichever replica the
// client happens to pick.
func TestConcurrentHistoryIsLinearizable(t *testing.T) {
	c := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, c.client.Put(ctx, "reg", []byte("")))

	var (
		opsMu sync.Mutex
		ops   []porc.Operation
		wg    sync.WaitGroup
	)
	record := func(clientID int, in registerInput, out string, call, ret time.Time) {
		opsMu.Lock()
		defer opsMu.Unlock()
		ops = append(ops, porc.Operation{
			ClientId: clientID,
			Input:    in,
			Output:   out,
			Call:     call.UnixNano(),
			Return:   ret.UnixNano(),
		})
	}

	for clientID := 0; clientID < 3; clientID++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			replica := c.peers[clientID%len(c.peers)]
			for i := 0; i < 5; i++ {
				val := fmt.Sprintf("c%d-%d", clientID, i)
				call := time.Now()
				if err := c.client.Put(ctx, "reg", []byte(val)); err != nil {
					t.Error(err)
					return
				}
				record(clientID, registerInput{op: registerPut, value: val}, "", call, time.Now())

				call = time.Now()
				v, _, err := c.client.Get(ctx, replica, "reg")
				if err != nil {
					t.Error(err)
					return
				}
				record(clientID, registerInput{op: registerGet}, string(v), call, time.Now())
			}
		}(clientID)
	}
	wg.Wait()

	require.True(t, porc.CheckOperations(registerModel, ops), "history is not linearizable")
}
