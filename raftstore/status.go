package raftstore

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/shrtyk/replica-read/api"
	"github.com/shrtyk/replica-read/pkg/logger"
)

// Status is a point-in-time snapshot of one replica, taken inside the
// actor loop so every field is mutually consistent.
type Status struct {
	ID       uint64 `json:"id"`
	RegionID uint64 `json:"region_id"`
	Role     string `json:"role"`
	Term     uint64 `json:"term"`
	LeaderID uint64 `json:"leader_id"`

	CommitIndex  uint64 `json:"commit_index"`
	AppliedIndex uint64 `json:"applied_index"`
	LastLogIndex uint64 `json:"last_log_index"`

	PendingReads int `json:"pending_reads"`
	ReadRounds   int `json:"read_rounds"`
	ParkedReads  int `json:"parked_reads"`

	LeaseRemaining time.Duration `json:"lease_remaining"`
	Hibernation    string        `json:"hibernation"`
}

// Status returns a consistent snapshot of the replica's state.
func (p *Peer) Status() (Status, error) {
	var st Status
	done := make(chan struct{})
	ok := p.post(func() {
		st = Status{
			ID:             p.id,
			RegionID:       p.regionID,
			Role:           roleToString(p.role),
			Term:           p.term,
			LeaderID:       p.leaderID,
			CommitIndex:    p.tracker.commitIndex(),
			AppliedIndex:   p.tracker.appliedIndex(),
			LastLogIndex:   p.lastLogIndex(),
			PendingReads:   p.pending.len(),
			ReadRounds:     p.readOnly.len(),
			ParkedReads:    len(p.parked),
			LeaseRemaining: p.lease.remaining(),
			Hibernation:    p.hib.state.String(),
		}
		close(done)
	})
	if !ok {
		return Status{}, api.ErrPeerStopped
	}
	<-done
	return st, nil
}

// monitoringServer exposes the replica's status over HTTP for operators
// and tests.
type monitoringServer struct {
	peer *Peer
	srv  *http.Server
	addr string
}

func newMonitoringServer(p *Peer, addr string) *monitoringServer {
	m := &monitoringServer{peer: p}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", m.handleStatus)
	mux.HandleFunc("GET /healthz", m.handleHealthz)

	m.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m
}

func (m *monitoringServer) start() error {
	ln, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return err
	}
	m.addr = ln.Addr().String()
	go func() {
		if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.peer.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	}()
	m.peer.logger.Info("monitoring server listening", slog.String("addr", m.addr))
	return nil
}

// MonitoringAddr returns the bound address of the status endpoint, or
// empty when monitoring is disabled.
func (p *Peer) MonitoringAddr() string {
	if p.monitoring == nil {
		return ""
	}
	return p.monitoring.addr
}

func (m *monitoringServer) stop(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

func (m *monitoringServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := m.peer.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		m.peer.logger.Error("failed to encode status", logger.ErrAttr(err))
	}
}

func (m *monitoringServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if m.peer.Killed() {
		http.Error(w, "stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
