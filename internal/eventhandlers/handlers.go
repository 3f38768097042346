// Package eventhandlers implements the per-event-type domain handlers
// (C8): resolve identities, mutate durable stats, maintain sessions, and
// trigger notifications. Each handler returns a plain error — nil means
// success, and the category on a non-nil error (via apperrors.ClassOf)
// tells the queue consumer whether to ack or nack.
package eventhandlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/notify"
	"github.com/openmohaa/telemetryd/internal/repository"
	"github.com/openmohaa/telemetryd/internal/resolver"
	"github.com/openmohaa/telemetryd/internal/session"
	"github.com/openmohaa/telemetryd/internal/statbatch"
)

// Resolver is the subset of the player resolver (C6) handlers depend on.
type Resolver interface {
	GetOrCreatePlayer(ctx context.Context, rawUniqueID, playerName, game, serverID string) (int64, error)
}

// Handlers wires every event-type handler to its collaborators.
type Handlers struct {
	resolver Resolver
	sessions *session.Service
	players  repository.PlayerRepository
	servers  repository.ServerRepository
	ranking  repository.RankingService
	rcon     repository.RconService
	notifier *notify.Dispatcher
	logger   *zap.SugaredLogger

	batcher    *statbatch.Batcher
	batcherCtx context.CancelFunc
}

func New(resolver Resolver, sessions *session.Service, players repository.PlayerRepository, servers repository.ServerRepository, ranking repository.RankingService, rcon repository.RconService, notifier *notify.Dispatcher, logger *zap.Logger, reg prometheus.Registerer) *Handlers {
	batcher := statbatch.NewBatcher(players, statbatch.Config{}, logger, reg)
	ctx, cancel := context.WithCancel(context.Background())
	go batcher.Run(ctx)

	return &Handlers{
		resolver:   resolver,
		sessions:   sessions,
		players:    players,
		servers:    servers,
		ranking:    ranking,
		rcon:       rcon,
		notifier:   notifier,
		logger:     logger.Sugar(),
		batcher:    batcher,
		batcherCtx: cancel,
	}
}

// currentMap resolves the live map name for serverId with a fresh RCON
// status query, falling back to empty when RCON is unavailable (§4.5.4 Chat).
func (h *Handlers) currentMap(ctx context.Context, serverID string) string {
	status, err := h.rcon.GetStatus(ctx, serverID)
	if err != nil {
		h.logger.Debugw("failed to resolve current map for chat event", "serverId", serverID, "error", err)
		return ""
	}
	return status.Map
}

// Stop flushes and tears down the handlers' background skill-delta
// batcher. Callers should invoke this during process shutdown.
func (h *Handlers) Stop() {
	h.batcherCtx()
	h.batcher.Stop()
}

func (h *Handlers) gameFor(ctx context.Context, serverID string) (string, error) {
	game, err := h.servers.GetServerGame(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("resolve server game: %w", err)
	}
	return game, nil
}

// Connect implements §4.5.1.
func (h *Handlers) Connect(ctx context.Context, event *models.Event) error {
	if event.Meta == nil || event.Meta.SteamID == "" || event.Meta.PlayerName == "" {
		return apperrors.Validation("Connect", errors.New("connect event missing steamId or playerName"))
	}

	data, err := models.DecodeData[models.ConnectData](event)
	if err != nil {
		return apperrors.Validation("Connect", err)
	}

	game, err := h.gameFor(ctx, event.ServerID)
	if err != nil {
		return err
	}

	playerID, err := h.resolver.GetOrCreatePlayer(ctx, event.Meta.SteamID, event.Meta.PlayerName, game, event.ServerID)
	if err != nil {
		return err
	}

	if existing := h.sessions.GetSessionByGameUserID(event.ServerID, data.GameUserID); existing != nil {
		h.sessions.RemoveSession(event.ServerID, data.GameUserID)
	}

	sess := &models.PlayerSession{
		ServerID:         event.ServerID,
		GameUserID:       data.GameUserID,
		DatabasePlayerID: playerID,
		SteamID:          event.Meta.SteamID,
		PlayerName:       event.Meta.PlayerName,
	}
	if err := h.sessions.CreateSession(sess); err != nil {
		return apperrors.Transient("Connect", err)
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	if err := h.players.CreateConnectEvent(ctx, event.ServerID, playerID, data.IPAddress, now); err != nil {
		h.logger.Warnw("failed to persist connect event row", "serverId", event.ServerID, "playerId", playerID, "error", err)
	}

	lastEvent := now.Unix()
	if err := h.players.Update(ctx, playerID, models.PlayerUpdate{LastEventSet: &lastEvent}); err != nil {
		h.logger.Warnw("failed to bump lastEvent on connect", "playerId", playerID, "error", err)
	}

	h.notifier.NotifyConnectEvent(ctx, event.ServerID, data.GameUserID, event.Meta.PlayerName, "")
	return nil
}

// Disconnect implements §4.5.2.
func (h *Handlers) Disconnect(ctx context.Context, event *models.Event) error {
	data, err := models.DecodeData[models.DisconnectData](event)
	if err != nil {
		return apperrors.Validation("Disconnect", err)
	}

	sess := h.sessions.GetSessionByGameUserID(event.ServerID, data.GameUserID)
	if sess == nil && data.SteamID != "" {
		if bySteam := h.sessions.GetSessionBySteamID(event.ServerID, data.SteamID); bySteam != nil && bySteam.GameUserID != data.GameUserID {
			h.logger.Infow("cleaned up mismatched session", "serverId", event.ServerID, "staleGameUserId", bySteam.GameUserID, "steamId", data.SteamID)
			h.sessions.RemoveSession(event.ServerID, bySteam.GameUserID)
			sess = bySteam
		}
	}

	if sess == nil {
		return h.disconnectWithoutSession(ctx, event, data)
	}

	sessionDuration := time.Duration(0)
	if !sess.LastSeen.IsZero() && !sess.ConnectedAt.IsZero() {
		sessionDuration = sess.LastSeen.Sub(sess.ConnectedAt)
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	if err := h.players.CreateDisconnectEvent(ctx, event.ServerID, sess.DatabasePlayerID, data.Reason, now); err != nil {
		h.logger.Warnw("failed to persist disconnect event row", "serverId", event.ServerID, "playerId", sess.DatabasePlayerID, "error", err)
	}
	if err := h.players.BackfillConnectDisconnectTime(ctx, event.ServerID, sess.DatabasePlayerID, now); err != nil {
		h.logger.Debugw("best-effort connect-row backfill failed", "serverId", event.ServerID, "playerId", sess.DatabasePlayerID, "error", err)
	}

	if err := h.players.Update(ctx, sess.DatabasePlayerID, models.PlayerUpdate{ConnectionTimeDelta: int64(sessionDuration.Seconds())}); err != nil {
		return apperrors.Transient("Disconnect", err)
	}

	h.sessions.RemoveSession(event.ServerID, data.GameUserID)

	h.notifier.NotifyDisconnectEvent(ctx, event.ServerID, data.GameUserID, sess.PlayerName, data.Reason, int64(sessionDuration.Seconds()))
	return nil
}

// disconnectWithoutSession handles a disconnect for a gameUserId with no
// live session: bots (SteamID "BOT" plus a player name in the event meta)
// resolve via their synthetic per-server uniqueId, everything else is a
// no-op skip (§4.5.2 step 7).
func (h *Handlers) disconnectWithoutSession(ctx context.Context, event *models.Event, data models.DisconnectData) error {
	game, err := h.gameFor(ctx, event.ServerID)
	if err != nil {
		return err
	}

	if data.SteamID == "" {
		h.logger.Debugw("skipping disconnect processing", "serverId", event.ServerID, "gameUserId", data.GameUserID)
		return nil
	}

	uniqueID := data.SteamID
	if strings.EqualFold(uniqueID, "BOT") && event.Meta != nil && event.Meta.PlayerName != "" {
		if botID, err := resolver.NormalizeIdentifier(uniqueID, event.Meta.PlayerName, event.ServerID); err == nil {
			uniqueID = botID
		}
	}

	player, err := h.players.FindByUniqueID(ctx, uniqueID, game)
	if err == nil && player != nil {
		h.logger.Infow("resolved bot to playerId", "serverId", event.ServerID, "uniqueId", uniqueID, "playerId", player.PlayerID)
		return nil
	}

	h.logger.Debugw("skipping disconnect processing", "serverId", event.ServerID, "gameUserId", data.GameUserID, "steamId", data.SteamID)
	return nil
}

// Kill implements §4.5.3.
func (h *Handlers) Kill(ctx context.Context, event *models.Event) error {
	data, err := models.DecodeData[models.KillData](event)
	if err != nil {
		return apperrors.Validation("Kill", err)
	}

	killerSess := h.sessions.GetSessionByGameUserID(event.ServerID, data.KillerGameUserID)
	victimSess := h.sessions.GetSessionByGameUserID(event.ServerID, data.VictimGameUserID)
	if killerSess == nil || victimSess == nil {
		return apperrors.NotFound("Kill", errors.New("Unable to retrieve player stats for skill calculation"))
	}

	killerPlayer, err := h.players.FindByID(ctx, killerSess.DatabasePlayerID)
	if err != nil || killerPlayer == nil {
		return apperrors.NotFound("Kill", errors.New("Unable to retrieve player stats for skill calculation"))
	}
	victimPlayer, err := h.players.FindByID(ctx, victimSess.DatabasePlayerID)
	if err != nil || victimPlayer == nil {
		return apperrors.NotFound("Kill", errors.New("Unable to retrieve player stats for skill calculation"))
	}

	killerStats := models.PlayerStats{PlayerID: killerPlayer.PlayerID, Skill: killerPlayer.Skill, Confidence: killerPlayer.Confidence, Volatility: killerPlayer.Volatility}
	victimStats := models.PlayerStats{PlayerID: victimPlayer.PlayerID, Skill: victimPlayer.Skill, Confidence: victimPlayer.Confidence, Volatility: victimPlayer.Volatility}

	kctx := models.KillContext{Weapon: data.Weapon, Headshot: data.Headshot, KillerTeam: data.KillerTeam, VictimTeam: data.VictimTeam}
	killerChange, victimChange, err := h.ranking.CalculateSkillAdjustment(ctx, killerStats, victimStats, kctx)
	if err != nil {
		return apperrors.Transient("Kill", err)
	}

	isTeamkill := data.KillerTeam != "" && data.KillerTeam == data.VictimTeam
	if isTeamkill {
		h.logger.Warnw("teamkill detected", "serverId", event.ServerID, "killer", killerSess.DatabasePlayerID, "victim", victimSess.DatabasePlayerID)
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	nowUnix := now.Unix()
	zero := int64(0)
	killerKillStreak := killerPlayer.KillStreak + 1
	victimDeathStreak := victimPlayer.DeathStreak + 1

	killerUpdate := models.PlayerUpdate{
		KillsDelta:     1,
		HeadshotsDelta: boolToInt64(data.Headshot),
		KillStreakSet:  &killerKillStreak,
		DeathStreakSet: &zero,
		LastEventSet:   &nowUnix,
	}
	if isTeamkill {
		killerUpdate.TeamkillsDelta = 1
	}
	victimUpdate := models.PlayerUpdate{
		DeathsDelta:    1,
		DeathStreakSet: &victimDeathStreak,
		KillStreakSet:  &zero,
		LastEventSet:   &nowUnix,
	}
	h.batcher.Enqueue(killerSess.DatabasePlayerID, killerChange)
	h.batcher.Enqueue(victimSess.DatabasePlayerID, victimChange)

	frag := models.EventFrag{
		Timestamp:  now,
		ServerID:   event.ServerID,
		MapName:    data.MapName,
		KillerID:   killerSess.DatabasePlayerID,
		KillerName: killerSess.PlayerName,
		KillerTeam: data.KillerTeam,
		VictimID:   victimSess.DatabasePlayerID,
		VictimName: victimSess.PlayerName,
		VictimTeam: data.VictimTeam,
		Weapon:     data.Weapon,
		Headshot:   data.Headshot,
		KillerPos:  data.KillerPos,
		VictimPos:  data.VictimPos,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.applyPlayerUpdate(gctx, killerSess.DatabasePlayerID, killerUpdate) })
	g.Go(func() error { return h.applyPlayerUpdate(gctx, victimSess.DatabasePlayerID, victimUpdate) })
	g.Go(func() error {
		if err := h.players.LogEventFrag(gctx, frag); err != nil {
			h.logger.Warnw("failed to log event frag", "serverId", event.ServerID, "error", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return apperrors.Transient("Kill", err)
	}

	h.notifier.NotifyKillEvent(ctx, event.ServerID, data.KillerGameUserID, data.VictimGameUserID, killerSess.PlayerName, victimSess.PlayerName, data.Weapon, data.Headshot, killerPlayer.Kills+1, killerPlayer.Deaths)
	return nil
}

// applyPlayerUpdate applies patch, retrying once with the skill clamped
// to 0 if the persistence layer signals an underflow (§4.5.3 step 7).
func (h *Handlers) applyPlayerUpdate(ctx context.Context, playerID int64, patch models.PlayerUpdate) error {
	err := h.players.Update(ctx, playerID, patch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperrors.ErrSkillUnderflow) {
		return err
	}

	clamped := patch
	clamped.SkillDelta = 0
	zero := 0.0
	clamped.SkillSet = &zero
	return h.players.Update(ctx, playerID, clamped)
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
