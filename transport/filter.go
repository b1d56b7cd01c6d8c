package transport

import (
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/shrtyk/replica-read/api"
)

// Filter sees every message before delivery and may mutate it in place.
// Return false to drop the message. Filters must be safe for concurrent
// use; the router calls them from many replica goroutines.
type Filter interface {
	Before(msg *api.Message) bool
}

// Matcher selects the messages a filter acts on.
type Matcher func(msg *api.Message) bool

// MatchType matches by message type only.
func MatchType(t api.MessageType) Matcher {
	return func(msg *api.Message) bool { return msg.Type == t }
}

// MatchTypeFrom matches by type and sender.
func MatchTypeFrom(t api.MessageType, from uint64) Matcher {
	return func(msg *api.Message) bool { return msg.Type == t && msg.From == from }
}

// MatchTypeTo matches by type and destination.
func MatchTypeTo(t api.MessageType, to uint64) Matcher {
	return func(msg *api.Message) bool { return msg.Type == t && msg.To == to }
}

// cloneMessage deep-copies a message so retained copies never alias the
// sender's entry slices.
func cloneMessage(msg api.Message) api.Message {
	data, err := json.Marshal(msg)
	if err != nil {
		return msg
	}
	var out api.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return msg
	}
	return out
}

// CommitSuppressFilter zeroes the commit index on matched messages
// while active. Replicas downstream of it keep receiving heartbeats and
// appends but never learn that new entries committed, which is how
// tests freeze a replica's applied index without partitioning it.
type CommitSuppressFilter struct {
	match  Matcher
	active atomic.Bool
}

func NewCommitSuppressFilter(match Matcher) *CommitSuppressFilter {
	f := &CommitSuppressFilter{match: match}
	f.active.Store(true)
	return f
}

func (f *CommitSuppressFilter) Before(msg *api.Message) bool {
	if f.active.Load() && f.match(msg) {
		msg.Commit = 0
	}
	return true
}

// Stop deactivates the filter; messages flow through untouched.
func (f *CommitSuppressFilter) Stop() {
	f.active.Store(false)
}

// DropFilter discards matched messages while active. When built with
// retention it keeps a deep copy of everything it drops, and Redeliver
// injects the retained backlog directly into the destination mailboxes,
// bypassing the filter pipeline.
type DropFilter struct {
	match  Matcher
	retain bool
	active atomic.Bool

	mu       sync.Mutex
	retained []api.Message
}

func NewDropFilter(match Matcher, retain bool) *DropFilter {
	f := &DropFilter{match: match, retain: retain}
	f.active.Store(true)
	return f
}

func (f *DropFilter) Before(msg *api.Message) bool {
	if !f.active.Load() || !f.match(msg) {
		return true
	}
	if f.retain {
		f.mu.Lock()
		f.retained = append(f.retained, cloneMessage(*msg))
		f.mu.Unlock()
	}
	return false
}

// Stop deactivates the filter without releasing retained messages.
func (f *DropFilter) Stop() {
	f.active.Store(false)
}

// Dropped returns how many messages have been retained so far.
func (f *DropFilter) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retained)
}

// Redeliver stops the filter and injects every retained message into
// the router, in original order. Returns the number delivered.
func (f *DropFilter) Redeliver(r *Router) int {
	f.Stop()

	f.mu.Lock()
	retained := f.retained
	f.retained = nil
	f.mu.Unlock()

	delivered := 0
	for _, msg := range retained {
		if err := r.deliver(msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// CallbackFilter invokes fn on every matched message and passes it
// through unchanged. Tests use it to observe protocol traffic, for
// example to detect a pre-vote probe from a hibernating follower.
type CallbackFilter struct {
	match Matcher
	fn    func(msg api.Message)
}

func NewCallbackFilter(match Matcher, fn func(msg api.Message)) *CallbackFilter {
	return &CallbackFilter{match: match, fn: fn}
}

func (f *CallbackFilter) Before(msg *api.Message) bool {
	if f.match(msg) {
		f.fn(*msg)
	}
	return true
}
