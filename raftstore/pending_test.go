package raftstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRead(corr uint64, key string) *pendingRead {
	return &pendingRead{
		corr:        corr,
		key:         key,
		submittedAt: time.Now(),
		resultCh:    make(chan readResult, 1),
	}
}

func TestPendingQueueReleaseOrder(t *testing.T) {
	q := newPendingReadQueue()

	// Enqueued out of required-index order on purpose.
	a := newTestRead(1, "a")
	b := newTestRead(2, "b")
	c := newTestRead(3, "c")
	q.add(a)
	q.add(b)
	q.add(c)

	require.NotNil(t, q.resolve(2, 5))
	require.NotNil(t, q.resolve(1, 9))
	require.NotNil(t, q.resolve(3, 7))

	released := q.releasable(8)
	require.Len(t, released, 2)
	assert.Equal(t, uint64(5), released[0].requiredIndex)
	assert.Equal(t, uint64(7), released[1].requiredIndex)
	assert.Equal(t, 1, q.len(), "read requiring index 9 stays queued")

	released = q.releasable(9)
	require.Len(t, released, 1)
	assert.Equal(t, "a", released[0].key)
}

func TestPendingQueueNeverReleasesEarly(t *testing.T) {
	q := newPendingReadQueue()
	pr := newTestRead(1, "k")
	q.add(pr)

	assert.Empty(t, q.releasable(100), "unresolved read must not release")

	q.resolve(1, 50)
	assert.Empty(t, q.releasable(49))
	assert.Len(t, q.releasable(50), 1)
}

func TestPendingQueueDuplicateResponseIgnored(t *testing.T) {
	q := newPendingReadQueue()
	pr := newTestRead(1, "k")
	q.add(pr)

	require.NotNil(t, q.resolve(1, 5))
	assert.Nil(t, q.resolve(1, 7), "second response for same round is dropped")
	assert.Equal(t, uint64(5), pr.requiredIndex, "required index never changes once set")

	assert.Nil(t, q.resolve(42, 5), "response with no matching read is dropped")
}

func TestPendingQueueRebindInvalidatesOldRound(t *testing.T) {
	q := newPendingReadQueue()
	pr := newTestRead(1, "k")
	q.add(pr)

	q.rebind(pr, 2)
	assert.Equal(t, 1, pr.retries)

	assert.Nil(t, q.resolve(1, 5), "stale round response must be ignored")
	require.NotNil(t, q.resolve(2, 6))
	assert.Equal(t, uint64(6), pr.requiredIndex)
}

func TestPendingQueueUnresolvedSkipsResolvedAndAbandoned(t *testing.T) {
	q := newPendingReadQueue()
	a := newTestRead(1, "a")
	b := newTestRead(2, "b")
	c := newTestRead(3, "c")
	q.add(a)
	q.add(b)
	q.add(c)

	q.resolve(1, 5)
	b.abandon()

	un := q.unresolved()
	require.Len(t, un, 1)
	assert.Equal(t, "c", un[0].key)
}

func TestPendingReadAbandonRacesSafelyWithRelease(t *testing.T) {
	pr := newTestRead(1, "k")

	var wg sync.WaitGroup
	delivered := false
	wg.Add(2)
	go func() {
		defer wg.Done()
		delivered = pr.complete(readResult{value: []byte("v"), found: true})
	}()
	go func() {
		defer wg.Done()
		pr.abandon()
	}()
	wg.Wait()

	if delivered {
		res := <-pr.resultCh
		assert.Equal(t, []byte("v"), res.value)
	} else {
		select {
		case <-pr.resultCh:
			t.Fatal("abandoned read must not receive a result")
		default:
		}
	}
}

func TestPendingQueueSweepsAbandonedOnRelease(t *testing.T) {
	q := newPendingReadQueue()
	a := newTestRead(1, "a")
	b := newTestRead(2, "b")
	q.add(a)
	q.add(b)

	q.resolve(1, 5)
	q.resolve(2, 5)
	a.abandon()

	released := q.releasable(5)
	require.Len(t, released, 1)
	assert.Equal(t, "b", released[0].key)
	assert.Zero(t, q.len())
}
