package raftstore

import (
	"time"

	"github.com/shrtyk/replica-read/api"
	"github.com/shrtyk/replica-read/pkg/logger"
)

// votedForNone marks a replica that has not voted in the current term.
// Peer ids are non-zero.
const votedForNone = 0

func DefaultConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Prod,
		},
		Timings: api.Timings{
			TickInterval:               50 * time.Millisecond,
			ElectionTimeoutTicks:       10,
			ElectionTimeoutRandomTicks: 10,
			HeartbeatTicks:             2,
			MaxLeaderLease:             400 * time.Millisecond,
			ShutdownTimeout:            3 * time.Second,
		},
		ReadIndex: api.ReadIndexCfg{
			RetryTicks:       6,
			MaxLoggedRetries: 10,
		},
		Hibernation: api.HibernationCfg{
			Enabled:   true,
			IdleTicks: 20,
		},
		CBreaker: api.CBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		MailboxSize: 256,
	}
}

// TestsConfig shrinks every timeout so integration tests converge fast.
func TestsConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.Timings{
			TickInterval:               10 * time.Millisecond,
			ElectionTimeoutTicks:       30,
			ElectionTimeoutRandomTicks: 15,
			HeartbeatTicks:             2,
			MaxLeaderLease:             250 * time.Millisecond,
			ShutdownTimeout:            time.Second,
		},
		ReadIndex: api.ReadIndexCfg{
			RetryTicks:       20,
			MaxLoggedRetries: 5,
		},
		Hibernation: api.HibernationCfg{
			Enabled:   true,
			IdleTicks: 40,
		},
		CBreaker: api.CBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     time.Second,
		},
		MailboxSize: 1024,
	}
}
