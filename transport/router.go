// Package transport delivers messages between region replicas living in
// the same process. Every replica owns a mailbox channel; the router
// fans messages into them through a configurable filter pipeline, which
// is how tests inject partitions, message loss and payload corruption
// without touching replica code.
package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shrtyk/replica-read/api"
	"github.com/shrtyk/replica-read/internal/cbreaker"
)

// Router routes messages to registered replica mailboxes. It implements
// api.Transport with best-effort semantics: a full mailbox or an open
// circuit drops the message and the protocol's own retries recover.
type Router struct {
	log *slog.Logger

	cbCfg api.CBreakerCfg

	mu       sync.RWMutex
	peers    map[uint64]chan<- api.Message
	breakers map[uint64]*cbreaker.CircuitBreaker
	filters  []Filter
}

func NewRouter(log *slog.Logger, cbCfg api.CBreakerCfg) *Router {
	return &Router{
		log:      log,
		cbCfg:    cbCfg,
		peers:    make(map[uint64]chan<- api.Message),
		breakers: make(map[uint64]*cbreaker.CircuitBreaker),
	}
}

// Register attaches a replica's mailbox under its peer id.
func (r *Router) Register(id uint64, mailbox chan<- api.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = mailbox
}

// Unregister detaches a replica. In-flight messages to it are dropped.
func (r *Router) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	delete(r.breakers, id)
}

// AddFilter appends a filter to the pipeline. Filters run in order on
// every message.
func (r *Router) AddFilter(f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, f)
}

// ClearFilters removes the whole pipeline, restoring clean delivery.
func (r *Router) ClearFilters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = nil
}

// Send runs the message through the filter pipeline and delivers it to
// the destination mailbox.
func (r *Router) Send(msg api.Message) error {
	r.mu.RLock()
	filters := r.filters
	r.mu.RUnlock()

	for _, f := range filters {
		if !f.Before(&msg) {
			r.log.Debug("message dropped by filter",
				slog.String("type", msg.Type.String()),
				slog.Uint64("from", msg.From),
				slog.Uint64("to", msg.To),
			)
			return nil
		}
	}
	return r.deliver(msg)
}

// deliver bypasses the filter pipeline. Filters use it to re-inject
// retained messages without running them through themselves again.
func (r *Router) deliver(msg api.Message) error {
	r.mu.RLock()
	mailbox, ok := r.peers[msg.To]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no mailbox for peer %d", msg.To)
	}

	cb := r.breakerFor(msg.To)
	return cb.Do(func() error {
		select {
		case mailbox <- msg:
			return nil
		default:
			return fmt.Errorf("%w: peer %d", api.ErrMailboxFull, msg.To)
		}
	})
}

func (r *Router) breakerFor(id uint64) *cbreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[id]
	if !ok {
		cb = cbreaker.New(r.cbCfg.FailureThreshold, r.cbCfg.SuccessThreshold, r.cbCfg.ResetTimeout)
		r.breakers[id] = cb
	}
	return cb
}
