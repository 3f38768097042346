package rcon

import (
	"math"
	"sync"
	"time"

	"github.com/openmohaa/telemetryd/internal/models"
)

// BackoffConfig parameterizes the retry calculator (§4.6).
type BackoffConfig struct {
	Base                time.Duration
	Multiplier          float64
	MaxBackoff          time.Duration
	MaxConsecutiveFails int
	DormantRetry        time.Duration
}

// FailureTracker owns every server's ServerFailureState behind a single
// mutex (§5 — "Failure state: single mutex in the retry calculator").
type FailureTracker struct {
	cfg BackoffConfig

	mu     sync.Mutex
	states map[string]models.ServerFailureState
}

func NewFailureTracker(cfg BackoffConfig) *FailureTracker {
	return &FailureTracker{cfg: cfg, states: make(map[string]models.ServerFailureState)}
}

// RecordFailure advances a server's failure state per the §4.6 retry
// logic and returns the resulting state.
func (t *FailureTracker) RecordFailure(serverID string, now time.Time) models.ServerFailureState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.states[serverID]
	state.ServerID = serverID
	state.ConsecutiveFailures++

	if state.ConsecutiveFailures < t.cfg.MaxConsecutiveFails {
		state.Status = models.ServerBackingOff
		backoff := time.Duration(float64(t.cfg.Base) * math.Pow(t.cfg.Multiplier, float64(state.ConsecutiveFailures-1)))
		if backoff > t.cfg.MaxBackoff {
			backoff = t.cfg.MaxBackoff
		}
		state.NextRetryAt = now.Add(backoff)
	} else {
		state.Status = models.ServerDormant
		state.NextRetryAt = now.Add(t.cfg.DormantRetry)
	}

	t.states[serverID] = state
	return state
}

// RecordSuccess resets a server to healthy with a zeroed failure count.
func (t *FailureTracker) RecordSuccess(serverID string) models.ServerFailureState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := models.ServerFailureState{ServerID: serverID, Status: models.ServerHealthy}
	t.states[serverID] = state
	return state
}

// State returns the current failure state for a server, defaulting to
// healthy if never recorded.
func (t *FailureTracker) State(serverID string) models.ServerFailureState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[serverID]
	if !ok {
		return models.ServerFailureState{ServerID: serverID, Status: models.ServerHealthy}
	}
	return state
}

// ShouldRetry reports whether a sweep should attempt this server now
// (§4.6 — healthy servers always retry; backing-off/dormant servers
// retry only once nextRetryAt has elapsed).
func ShouldRetry(state models.ServerFailureState, now time.Time) bool {
	if state.Status == models.ServerHealthy {
		return true
	}
	return !now.Before(state.NextRetryAt)
}
