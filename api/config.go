package api

import (
	"fmt"
	"os"
	"time"

	"github.com/shrtyk/replica-read/pkg/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggerCfg      `yaml:"log"`
	Timings     Timings        `yaml:"timings"`
	ReadIndex   ReadIndexCfg   `yaml:"read_index"`
	Hibernation HibernationCfg `yaml:"hibernation"`
	CBreaker    CBreakerCfg    `yaml:"circuit_breaker"`

	// MailboxSize bounds each replica's inbound message queue.
	MailboxSize int `yaml:"mailbox_size"`
	// MonitoringAddr enables the HTTP status endpoint when non-empty.
	MonitoringAddr string `yaml:"monitoring_addr"`
}

type LoggerCfg struct {
	Env logger.Enviroment `yaml:"env"`
}

// Timings drives every replica clock. Replicas advance on logical ticks
// of TickInterval; timeouts are expressed in ticks so tests can drive
// them deterministically.
type Timings struct {
	TickInterval time.Duration `yaml:"tick_interval"`

	// ElectionTimeoutTicks is the minimum number of silent ticks before
	// a follower starts a pre-vote round. A per-peer random extra of up
	// to ElectionTimeoutRandomTicks is added on every reset.
	ElectionTimeoutTicks       int `yaml:"election_timeout_ticks"`
	ElectionTimeoutRandomTicks int `yaml:"election_timeout_random_ticks"`

	HeartbeatTicks int `yaml:"heartbeat_ticks"`

	// MaxLeaderLease bounds how long a leader may serve lease reads after
	// its last quorum-confirmed commit. It MUST expire before a deposed
	// leader's successor can possibly be elected and commit conflicting
	// writes; Validate rejects any value that is not strictly below the
	// minimum election timeout.
	MaxLeaderLease time.Duration `yaml:"max_leader_lease"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ReadIndexCfg struct {
	// RetryTicks is how many ticks an unresolved read-index round waits
	// before being re-issued against the currently known leader.
	RetryTicks int `yaml:"retry_ticks"`
	// MaxLoggedRetries bounds log noise, not correctness: retries
	// continue past it, silently.
	MaxLoggedRetries int `yaml:"max_logged_retries"`
}

type HibernationCfg struct {
	Enabled bool `yaml:"enabled"`
	// IdleTicks is the quiet period before a follower hibernates or an
	// unobligated leader stops heartbeat chatter.
	IdleTicks int `yaml:"idle_ticks"`
}

type CBreakerCfg struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks internal consistency of the configuration. The lease
// bound is the safety-critical one: it is an explicit contract, not a
// default to guess.
func (c *Config) Validate() error {
	t := c.Timings
	if t.TickInterval <= 0 {
		return fmt.Errorf("timings.tick_interval must be positive, got %v", t.TickInterval)
	}
	if t.ElectionTimeoutTicks <= 0 {
		return fmt.Errorf("timings.election_timeout_ticks must be positive, got %d", t.ElectionTimeoutTicks)
	}
	if t.ElectionTimeoutRandomTicks < 0 {
		return fmt.Errorf("timings.election_timeout_random_ticks must not be negative, got %d", t.ElectionTimeoutRandomTicks)
	}
	if t.HeartbeatTicks <= 0 {
		return fmt.Errorf("timings.heartbeat_ticks must be positive, got %d", t.HeartbeatTicks)
	}
	if t.HeartbeatTicks >= t.ElectionTimeoutTicks {
		return fmt.Errorf("timings.heartbeat_ticks (%d) must be below election_timeout_ticks (%d)",
			t.HeartbeatTicks, t.ElectionTimeoutTicks)
	}

	// A lease read is served with no quorum round, so the lease duration
	// must provably not overlap a successor's ability to win an election:
	// strictly below the minimum election timeout.
	minElection := time.Duration(t.ElectionTimeoutTicks) * t.TickInterval
	if t.MaxLeaderLease <= 0 {
		return fmt.Errorf("timings.max_leader_lease must be positive, got %v", t.MaxLeaderLease)
	}
	if t.MaxLeaderLease >= minElection {
		return fmt.Errorf("timings.max_leader_lease (%v) must be strictly below the minimum election timeout (%v)",
			t.MaxLeaderLease, minElection)
	}

	if c.ReadIndex.RetryTicks <= 0 {
		return fmt.Errorf("read_index.retry_ticks must be positive, got %d", c.ReadIndex.RetryTicks)
	}
	if c.Hibernation.Enabled && c.Hibernation.IdleTicks <= 0 {
		return fmt.Errorf("hibernation.idle_ticks must be positive when hibernation is enabled, got %d", c.Hibernation.IdleTicks)
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("mailbox_size must be positive, got %d", c.MailboxSize)
	}
	return nil
}
