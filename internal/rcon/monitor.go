package rcon

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/bus"
	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/repository"
	"github.com/openmohaa/telemetryd/internal/session"
)

// ServerDiscovery supplies the candidate server set for a sweep — the
// union of recently-active and currently-authenticated servers (§4.6).
type ServerDiscovery interface {
	FindActiveServersWithRcon(ctx context.Context) ([]repository.ServerRecord, error)
}

// Monitor polls every candidate server's RCON `status` on a cron
// schedule, feeds results into the FailureTracker, and reacts to
// SERVER_AUTHENTICATED events with an immediate out-of-band connect
// (§4.6). Grounded on the teacher's cron-driven periodic jobs pattern,
// adapted from a single scheduled query to a per-server health sweep.
type Monitor struct {
	rcon      repository.RconService
	discovery ServerDiscovery
	sessions  *session.Service
	tracker   *FailureTracker
	logger    *zap.SugaredLogger

	cron *cron.Cron

	mu         sync.Mutex
	connecting map[string]bool
}

func NewMonitor(rconSvc repository.RconService, discovery ServerDiscovery, sessions *session.Service, tracker *FailureTracker, logger *zap.Logger) *Monitor {
	return &Monitor{
		rcon:       rconSvc,
		discovery:  discovery,
		sessions:   sessions,
		tracker:    tracker,
		logger:     logger.Sugar(),
		cron:       cron.New(),
		connecting: make(map[string]bool),
	}
}

// SubscribeEarlyConnect registers the SERVER_AUTHENTICATED bus handler
// that triggers an async, non-blocking connect + session sync for a
// server as soon as it authenticates, instead of waiting for the next
// sweep (§4.6 event-driven early connect).
func (m *Monitor) SubscribeEarlyConnect(b *bus.Bus) {
	b.On(models.EventServerAuthenticated, 0, func(ctx context.Context, e *models.Event) error {
		go m.earlyConnect(e.ServerID)
		return nil
	})
}

func (m *Monitor) earlyConnect(serverID string) {
	m.mu.Lock()
	if m.connecting[serverID] || m.rcon.IsConnected(serverID) {
		m.mu.Unlock()
		return
	}
	m.connecting[serverID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, serverID)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.pollOne(ctx, serverID)
}

// StartSweep schedules the periodic health sweep at the given cron
// expression (e.g. "@every 30s") and starts the scheduler.
func (m *Monitor) StartSweep(ctx context.Context, cronExpr string) error {
	_, err := m.cron.AddFunc(cronExpr, func() {
		m.sweep(ctx)
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

func (m *Monitor) Stop() {
	m.cron.Stop()
}

func (m *Monitor) sweep(ctx context.Context) {
	servers, err := m.discovery.FindActiveServersWithRcon(ctx)
	if err != nil {
		m.logger.Warnw("rcon sweep: failed to list candidate servers", "error", err)
		return
	}

	now := time.Now()
	for _, srv := range servers {
		state := m.tracker.State(srv.ServerID)
		if !ShouldRetry(state, now) {
			continue
		}
		m.pollOne(ctx, srv.ServerID)
	}
}

func (m *Monitor) pollOne(ctx context.Context, serverID string) {
	if !m.rcon.IsConnected(serverID) {
		if err := m.rcon.Connect(ctx, serverID); err != nil {
			m.tracker.RecordFailure(serverID, time.Now())
			m.logger.Warnw("rcon connect failed", "serverId", serverID, "error", err)
			return
		}
	}

	if _, err := m.rcon.GetStatus(ctx, serverID); err != nil {
		m.tracker.RecordFailure(serverID, time.Now())
		m.logger.Warnw("rcon status poll failed", "serverId", serverID, "error", err)
		return
	}

	m.tracker.RecordSuccess(serverID)

	if _, err := m.sessions.SynchronizeServerSessions(ctx, serverID, session.DefaultSyncOptions()); err != nil {
		m.logger.Warnw("session synchronization failed after successful poll", "serverId", serverID, "error", err)
	}
}
