package raftstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shrtyk/replica-read/api"
	"github.com/shrtyk/replica-read/internal/retry"
)

// Client is the caller-facing handle for a region: writes go to the
// current leader, reads may target any replica and stay linearizable.
// Leader discovery is retried with backoff; the read path itself never
// gives up on its own, so the only terminal errors are a stopped
// replica, caller cancellation, or an exhausted leader search.
type Client struct {
	replicas []*Peer
	log      *slog.Logger
	retry    []retry.Option
}

func NewClient(log *slog.Logger, replicas ...*Peer) *Client {
	return &Client{
		replicas: replicas,
		log:      log,
		retry: []retry.Option{
			retry.WithMaxAttempts(50),
			retry.WithDelayFunc(func() func() time.Duration {
				return func() time.Duration { return 50 * time.Millisecond }
			}),
		},
	}
}

// Leader returns the replica currently acting as leader, retrying until
// one is elected or the context is cancelled.
func (c *Client) Leader(ctx context.Context) (*Peer, error) {
	var lead *Peer
	err := retry.Do(ctx, func(context.Context) error {
		for _, r := range c.replicas {
			if _, isLeader := r.State(); isLeader {
				lead = r
				return nil
			}
		}
		return api.ErrNoLeader
	}, c.retry...)
	if err != nil {
		return nil, err
	}
	return lead, nil
}

// Put replicates a key-value write through the leader and returns only
// once the write's own entry has committed and applied there. A
// leadership change that discards the entry surfaces as ErrStaleLeader
// and the proposal is retried.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		lead, err := c.Leader(ctx)
		if err != nil {
			return err
		}
		index, term, ok := lead.Propose(api.Command{Key: key, Value: value})
		if !ok {
			// Lost leadership between discovery and proposal.
			return api.ErrStaleLeader
		}
		if err := lead.WaitApplied(ctx, index, term); err != nil {
			if errors.Is(err, api.ErrPeerStopped) {
				return retry.Permanent(err)
			}
			return fmt.Errorf("awaiting commit of %q: %w", key, err)
		}
		return nil
	}, c.retry...)
}

// Get performs a linearizable read on the given replica. Any replica of
// the region may serve it; followers run the read-index protocol under
// the hood.
func (c *Client) Get(ctx context.Context, replica *Peer, key string) ([]byte, bool, error) {
	return c.get(ctx, replica, key, false)
}

// GetQuorum reads like Get but forbids the leader lease shortcut; the
// answer is always backed by a fresh heartbeat quorum round.
func (c *Client) GetQuorum(ctx context.Context, replica *Peer, key string) ([]byte, bool, error) {
	return c.get(ctx, replica, key, true)
}

func (c *Client) get(ctx context.Context, replica *Peer, key string, requireQuorum bool) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := retry.Do(ctx, func(ctx context.Context) error {
		v, ok, err := replica.SubmitRead(ctx, key, requireQuorum)
		if err != nil {
			if errors.Is(err, api.ErrPeerStopped) || errors.Is(err, api.ErrAbandoned) {
				return retry.Permanent(err)
			}
			return err
		}
		value, found = v, ok
		return nil
	}, c.retry...)
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}
