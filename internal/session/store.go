// Package session implements the in-memory session store (C5) and the
// session lifecycle/service layer built on top of it (C7).
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/openmohaa/telemetryd/internal/models"
)

// perServerIndex holds the three consistent indices for one server's live
// sessions, guarded by its own lock (§5 — per-server locking).
type perServerIndex struct {
	mu           sync.RWMutex
	byGameUserID map[int]*models.PlayerSession
	byPlayerID   map[int64]*models.PlayerSession
	bySteamID    map[string]*models.PlayerSession
}

func newPerServerIndex() *perServerIndex {
	return &perServerIndex{
		byGameUserID: make(map[int]*models.PlayerSession),
		byPlayerID:   make(map[int64]*models.PlayerSession),
		bySteamID:    make(map[string]*models.PlayerSession),
	}
}

// Store is the authoritative, in-memory view of every server's live
// sessions. The top-level mutex only guards lazy creation of a server's
// index (indexes are never removed); all session mutation happens under that server's own
// lock, so unrelated servers never contend.
type Store struct {
	mu      sync.Mutex
	servers map[string]*perServerIndex
}

func NewStore() *Store {
	return &Store{servers: make(map[string]*perServerIndex)}
}

func (s *Store) indexFor(serverID string) *perServerIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.servers[serverID]
	if !ok {
		idx = newPerServerIndex()
		s.servers[serverID] = idx
	}
	return idx
}

// ErrSessionExists is returned by CreateSession when (server, gameUserId)
// is already occupied.
type ErrSessionExists struct {
	ServerID   string
	GameUserID int
}

func (e *ErrSessionExists) Error() string {
	return fmt.Sprintf("session already exists for server=%s gameUserId=%d", e.ServerID, e.GameUserID)
}

// CreateSession inserts a new session into all three indices atomically.
// Fails if (server, gameUserId) already exists.
func (s *Store) CreateSession(session *models.PlayerSession) error {
	idx := s.indexFor(session.ServerID)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.byGameUserID[session.GameUserID]; exists {
		return &ErrSessionExists{ServerID: session.ServerID, GameUserID: session.GameUserID}
	}

	stored := session.Clone()
	if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = time.Now()
	}
	if stored.LastSeen.Before(stored.ConnectedAt) {
		stored.LastSeen = stored.ConnectedAt
	}

	idx.byGameUserID[stored.GameUserID] = stored
	idx.byPlayerID[stored.DatabasePlayerID] = stored
	if !stored.IsBot {
		idx.bySteamID[stored.SteamID] = stored
	}
	return nil
}

// UpdateSession merges patch into the existing session and bumps LastSeen.
// Returns nil, nil if no session exists for (server, gameUserId) — a no-op.
func (s *Store) UpdateSession(serverID string, gameUserID int, patch models.SessionPatch) (*models.PlayerSession, error) {
	idx := s.indexFor(serverID)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing, ok := idx.byGameUserID[gameUserID]
	if !ok {
		return nil, nil
	}

	if patch.SteamID != nil && *patch.SteamID != existing.SteamID {
		if !existing.IsBot {
			delete(idx.bySteamID, existing.SteamID)
		}
		existing.SteamID = *patch.SteamID
		if !existing.IsBot {
			idx.bySteamID[existing.SteamID] = existing
		}
	}
	if patch.PlayerName != nil {
		existing.PlayerName = *patch.PlayerName
	}
	existing.LastSeen = time.Now()

	return existing.Clone(), nil
}

// RemoveSession removes the session for (server, gameUserId) from all
// three indices. Returns whether a session was actually removed.
func (s *Store) RemoveSession(serverID string, gameUserID int) bool {
	idx := s.indexFor(serverID)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing, ok := idx.byGameUserID[gameUserID]
	if !ok {
		return false
	}

	delete(idx.byGameUserID, gameUserID)
	delete(idx.byPlayerID, existing.DatabasePlayerID)
	if !existing.IsBot {
		delete(idx.bySteamID, existing.SteamID)
	}
	return true
}

// GetSessionByGameUserID looks up a live session by its game-issued slot.
func (s *Store) GetSessionByGameUserID(serverID string, gameUserID int) *models.PlayerSession {
	idx := s.indexFor(serverID)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byGameUserID[gameUserID].Clone()
}

// GetSessionByPlayerID looks up a live session by the durable player id.
func (s *Store) GetSessionByPlayerID(serverID string, playerID int64) *models.PlayerSession {
	idx := s.indexFor(serverID)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byPlayerID[playerID].Clone()
}

// GetSessionBySteamID looks up a live non-bot session by its natural id.
func (s *Store) GetSessionBySteamID(serverID, steamID string) *models.PlayerSession {
	idx := s.indexFor(serverID)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.bySteamID[steamID].Clone()
}

// ClearServerSessions removes every session for a server — used on
// connection loss and before a full re-sync.
func (s *Store) ClearServerSessions(serverID string) {
	idx := s.indexFor(serverID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byGameUserID = make(map[int]*models.PlayerSession)
	idx.byPlayerID = make(map[int64]*models.PlayerSession)
	idx.bySteamID = make(map[string]*models.PlayerSession)
}

// ListServerSessions returns a snapshot of every live session on a server,
// used by the operator introspection endpoint.
func (s *Store) ListServerSessions(serverID string) []*models.PlayerSession {
	idx := s.indexFor(serverID)
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]*models.PlayerSession, 0, len(idx.byGameUserID))
	for _, sess := range idx.byGameUserID {
		out = append(out, sess.Clone())
	}
	return out
}
