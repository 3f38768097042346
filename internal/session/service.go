package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/repository"
)

// PlayerResolver is the subset of the player resolver (C6) the session
// service depends on, kept as a narrow interface so the two packages
// don't import each other.
type PlayerResolver interface {
	GetOrCreatePlayer(ctx context.Context, rawUniqueID, playerName, game, serverID string) (int64, error)
}

// SyncOptions controls synchronizeServerSessions (§4.3).
type SyncOptions struct {
	ClearExisting     bool
	RespectIgnoreBots bool
}

func DefaultSyncOptions() SyncOptions {
	return SyncOptions{ClearExisting: true, RespectIgnoreBots: true}
}

// SyncResult reports the outcome of a synchronization sweep.
type SyncResult struct {
	Created      int
	SkippedBots  int
	Errors       int
}

// Service is the session lifecycle layer (C7), built on top of the Store
// (C5). It owns bot policy, RCON-driven synchronization, and fallback
// session reconstruction.
type Service struct {
	store    *Store
	resolver PlayerResolver
	rcon     repository.RconService
	players  repository.PlayerRepository
	servers  repository.ServerRepository
	logger   *zap.SugaredLogger
}

func NewService(store *Store, resolver PlayerResolver, rcon repository.RconService, players repository.PlayerRepository, servers repository.ServerRepository, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		rcon:     rcon,
		players:  players,
		servers:  servers,
		logger:   logger.Sugar(),
	}
}

func (s *Service) CreateSession(session *models.PlayerSession) error {
	return s.store.CreateSession(session)
}

func (s *Service) UpdateSession(serverID string, gameUserID int, patch models.SessionPatch) (*models.PlayerSession, error) {
	return s.store.UpdateSession(serverID, gameUserID, patch)
}

func (s *Service) RemoveSession(serverID string, gameUserID int) bool {
	return s.store.RemoveSession(serverID, gameUserID)
}

func (s *Service) GetSessionByGameUserID(serverID string, gameUserID int) *models.PlayerSession {
	return s.store.GetSessionByGameUserID(serverID, gameUserID)
}

func (s *Service) GetSessionByPlayerID(serverID string, playerID int64) *models.PlayerSession {
	return s.store.GetSessionByPlayerID(serverID, playerID)
}

func (s *Service) GetSessionBySteamID(serverID, steamID string) *models.PlayerSession {
	return s.store.GetSessionBySteamID(serverID, steamID)
}

func (s *Service) ClearServerSessions(serverID string) {
	s.store.ClearServerSessions(serverID)
}

func (s *Service) ListServerSessions(serverID string) []*models.PlayerSession {
	return s.store.ListServerSessions(serverID)
}

// SynchronizeServerSessions rebuilds a server's live session set from an
// RCON `status` reply (§4.3 synchronization algorithm).
func (s *Service) SynchronizeServerSessions(ctx context.Context, serverID string, opts SyncOptions) (SyncResult, error) {
	var result SyncResult

	ignoreBots := false
	if opts.RespectIgnoreBots {
		var err error
		ignoreBots, err = s.servers.GetServerConfigBoolean(ctx, serverID, "ignore_bots", false)
		if err != nil {
			s.logger.Warnw("falling back to ignoreBots=false after config lookup failure", "serverId", serverID, "error", err)
			ignoreBots = false
		}
	}

	if opts.ClearExisting {
		s.store.ClearServerSessions(serverID)
	}

	if !s.rcon.IsConnected(serverID) {
		if err := s.rcon.Connect(ctx, serverID); err != nil {
			return result, apperrors.Transient("SynchronizeServerSessions", fmt.Errorf("connect rcon: %w", err))
		}
	}

	status, err := s.rcon.GetStatus(ctx, serverID)
	if err != nil {
		return result, apperrors.Transient("SynchronizeServerSessions", fmt.Errorf("get status: %w", err))
	}

	game, err := s.servers.GetServerGame(ctx, serverID)
	if err != nil {
		return result, fmt.Errorf("resolve server game: %w", err)
	}

	for _, player := range status.Players {
		if ignoreBots && player.IsBot {
			result.SkippedBots++
			continue
		}

		// Bots are handed the literal "BOT" sentinel so the resolver builds
		// their per-server, per-name pseudo-ID the same way it does for the
		// connect-event path, instead of this package duplicating that
		// normalization and risking the two diverging.
		effectiveUniqueID := player.UniqueID
		if player.IsBot {
			effectiveUniqueID = "BOT"
		}

		playerID, err := s.resolver.GetOrCreatePlayer(ctx, effectiveUniqueID, player.Name, game, serverID)
		if err != nil {
			s.logger.Warnw("failed to resolve player during sync", "serverId", serverID, "uniqueId", effectiveUniqueID, "error", err)
			result.Errors++
			continue
		}

		sess := &models.PlayerSession{
			ServerID:         serverID,
			GameUserID:       player.UserID,
			DatabasePlayerID: playerID,
			SteamID:          player.UniqueID,
			PlayerName:       player.Name,
			IsBot:            player.IsBot,
		}
		if err := s.store.CreateSession(sess); err != nil {
			s.logger.Warnw("failed to create session during sync", "serverId", serverID, "gameUserId", player.UserID, "error", err)
			result.Errors++
			continue
		}
		result.Created++
	}

	return result, nil
}

// ConvertToGameUserIds resolves durable playerIds to live gameUserIds,
// filtering out bots and attempting fallback creation for misses (§4.3).
func (s *Service) ConvertToGameUserIds(ctx context.Context, serverID string, playerIDs []int64) []int {
	out := make([]int, 0, len(playerIDs))
	for _, playerID := range playerIDs {
		sess := s.store.GetSessionByPlayerID(serverID, playerID)
		if sess == nil {
			var err error
			sess, err = s.fallbackCreateSession(ctx, serverID, playerID)
			if err != nil || sess == nil {
				continue
			}
		}
		if sess.IsBot {
			continue
		}
		out = append(out, sess.GameUserID)
	}
	return out
}

// CanSendPrivateMessage reports whether playerId has a live, non-bot
// session, attempting fallback creation first (§4.3).
func (s *Service) CanSendPrivateMessage(ctx context.Context, serverID string, playerID int64) bool {
	sess := s.store.GetSessionByPlayerID(serverID, playerID)
	if sess == nil {
		var err error
		sess, err = s.fallbackCreateSession(ctx, serverID, playerID)
		if err != nil || sess == nil {
			return false
		}
	}
	return !sess.IsBot
}

// fallbackCreateSession manufactures a session for a playerId with no live
// entry by matching the durable player's known unique IDs (or last name)
// against a fresh RCON status listing (§4.3 fallback session creation).
func (s *Service) fallbackCreateSession(ctx context.Context, serverID string, playerID int64) (*models.PlayerSession, error) {
	player, err := s.players.FindByID(ctx, playerID)
	if err != nil {
		s.logger.Warnw("fallback session creation: player lookup failed", "playerId", playerID, "error", err)
		return nil, err
	}

	status, err := s.rcon.GetStatus(ctx, serverID)
	if err != nil {
		s.logger.Warnw("fallback session creation: rcon status failed", "serverId", serverID, "error", err)
		return nil, err
	}

	knownIDs := make(map[string]bool, len(player.UniqueIDs))
	for _, uid := range player.UniqueIDs {
		knownIDs[uid.UniqueID] = true
	}

	var match *models.RconPlayer
	for i := range status.Players {
		p := &status.Players[i]
		if knownIDs[p.UniqueID] {
			match = p
			break
		}
	}
	if match == nil {
		for i := range status.Players {
			p := &status.Players[i]
			if p.Name == player.LastName {
				match = p
				break
			}
		}
	}

	if match == nil {
		s.logger.Warnw("fallback session creation: no matching live slot", "serverId", serverID, "playerId", playerID)
		return nil, nil
	}

	sess := &models.PlayerSession{
		ServerID:         serverID,
		GameUserID:       match.UserID,
		DatabasePlayerID: playerID,
		SteamID:          match.UniqueID,
		PlayerName:       match.Name,
		IsBot:            match.IsBot,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}
