package eventhandlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/notify"
)

// Suicide implements §4.5.4: a zero-opponent death with a skill penalty.
func (h *Handlers) Suicide(ctx context.Context, event *models.Event) error {
	data, err := models.DecodeData[models.SuicideData](event)
	if err != nil {
		return apperrors.Validation("Suicide", err)
	}

	sess := h.sessions.GetSessionByGameUserID(event.ServerID, data.GameUserID)
	if sess == nil {
		return apperrors.NotFound("Suicide", errors.New("no live session for suicide event"))
	}

	penalty, err := h.ranking.CalculateSuicidePenalty(ctx)
	if err != nil {
		penalty = 0
	}

	nowUnix := nowUnixFor(event)
	zero := int64(0)
	update := models.PlayerUpdate{
		DeathsDelta:   1,
		SuicidesDelta: 1,
		SkillDelta:    -penalty,
		KillStreakSet: &zero,
		LastEventSet:  &nowUnix,
	}
	if err := h.applyPlayerUpdate(ctx, sess.DatabasePlayerID, update); err != nil {
		return apperrors.Transient("Suicide", err)
	}

	h.notifier.NotifySuicideEvent(ctx, event.ServerID, data.GameUserID, sess.PlayerName)
	return nil
}

// Teamkill handles the pre-classified TEAMKILL variant some upstream
// parsers emit directly. It copies VictimTeam into KillerTeam and routes
// the payload through Kill, whose killerTeam == victimTeam check then
// classifies it as a teamkill (§4.5.4 — TeamkillData embeds KillData).
func (h *Handlers) Teamkill(ctx context.Context, event *models.Event) error {
	data, err := models.DecodeData[models.TeamkillData](event)
	if err != nil {
		return apperrors.Validation("Teamkill", err)
	}
	data.KillerTeam = data.VictimTeam // force teamkill classification in Kill
	payload, encErr := json.Marshal(data.KillData)
	if encErr != nil {
		return apperrors.Validation("Teamkill", encErr)
	}
	synthetic := *event
	synthetic.Data = payload
	return h.Kill(ctx, &synthetic)
}

// Damage implements §4.5.4: attacker accuracy counters only, no stat
// deltas on the victim.
func (h *Handlers) Damage(ctx context.Context, event *models.Event) error {
	data, err := models.DecodeData[models.DamageData](event)
	if err != nil {
		return apperrors.Validation("Damage", err)
	}

	sess := h.sessions.GetSessionByGameUserID(event.ServerID, data.AttackerGameUserID)
	if sess == nil {
		return apperrors.NotFound("Damage", errors.New("no live session for damage event attacker"))
	}

	update := models.PlayerUpdate{ShotsDelta: 1, HitsDelta: 1}
	if data.Hitgroup == "head" {
		update.HeadshotsDelta = 1
	}
	if err := h.players.Update(ctx, sess.DatabasePlayerID, update); err != nil {
		return apperrors.Transient("Damage", err)
	}
	return nil
}

// Chat implements §4.5.4: persists a chat-event row and mirrors it via
// the notification dispatcher.
func (h *Handlers) Chat(ctx context.Context, event *models.Event) error {
	data, err := models.DecodeData[models.ChatData](event)
	if err != nil {
		return apperrors.Validation("Chat", err)
	}

	sess := h.sessions.GetSessionByGameUserID(event.ServerID, data.GameUserID)
	if sess == nil {
		return apperrors.NotFound("Chat", errors.New("no live session for chat event"))
	}

	mapName := h.currentMap(ctx, event.ServerID)
	if err := h.players.CreateChatEvent(ctx, event.ServerID, sess.DatabasePlayerID, data.Message, data.TeamOnly, mapName, timeOf(event)); err != nil {
		h.logger.Warnw("failed to persist chat event row", "serverId", event.ServerID, "playerId", sess.DatabasePlayerID, "error", err)
	}

	target := notify.Broadcast
	if data.TeamOnly {
		// Team chat stays off the wire for the opposing team: mirror it
		// back to the sender's own slot rather than broadcasting.
		target = data.GameUserID
	}
	h.notifier.NotifyChatEvent(ctx, event.ServerID, target, data.GameUserID, sess.PlayerName, data.Message, data.TeamOnly)
	return nil
}

// ChangeName implements §4.5.4: updates the session and durable lastName,
// audit-only (no counter mutation).
func (h *Handlers) ChangeName(ctx context.Context, event *models.Event) error {
	data, err := models.DecodeData[models.ChangeNameData](event)
	if err != nil {
		return apperrors.Validation("ChangeName", err)
	}

	sess := h.sessions.GetSessionByGameUserID(event.ServerID, data.GameUserID)
	if sess == nil {
		return apperrors.NotFound("ChangeName", errors.New("no live session for change-name event"))
	}

	newName := data.NewName
	if _, err := h.sessions.UpdateSession(event.ServerID, data.GameUserID, models.SessionPatch{PlayerName: &newName}); err != nil {
		h.logger.Warnw("failed to update session name", "serverId", event.ServerID, "error", err)
	}
	if err := h.players.Update(ctx, sess.DatabasePlayerID, models.PlayerUpdate{LastNameSet: &newName}); err != nil {
		return apperrors.Transient("ChangeName", err)
	}
	return nil
}

// ChangeTeam implements §4.5.4: decodes and validates the payload only.
// No audit row is written and no counters change.
func (h *Handlers) ChangeTeam(ctx context.Context, event *models.Event) error {
	if _, err := models.DecodeData[models.ChangeTeamData](event); err != nil {
		return apperrors.Validation("ChangeTeam", err)
	}
	return nil
}

// ChangeRole implements §4.5.4: decodes and validates the payload only.
// No audit row is written and no counters change.
func (h *Handlers) ChangeRole(ctx context.Context, event *models.Event) error {
	if _, err := models.DecodeData[models.ChangeRoleData](event); err != nil {
		return apperrors.Validation("ChangeRole", err)
	}
	return nil
}

// Entry implements §4.5.4: materializes a session for a player observed
// without a full connect sequence (e.g. spectator slot from a late sync).
func (h *Handlers) Entry(ctx context.Context, event *models.Event) error {
	data, err := models.DecodeData[models.EntryData](event)
	if err != nil {
		return apperrors.Validation("Entry", err)
	}
	if data.SteamID == "" || data.PlayerName == "" {
		return apperrors.Validation("Entry", errors.New("entry event missing steamId or playerName"))
	}

	game, err := h.gameFor(ctx, event.ServerID)
	if err != nil {
		return err
	}

	playerID, err := h.resolver.GetOrCreatePlayer(ctx, data.SteamID, data.PlayerName, game, event.ServerID)
	if err != nil {
		return err
	}

	if h.sessions.GetSessionByGameUserID(event.ServerID, data.GameUserID) != nil {
		return nil
	}

	sess := &models.PlayerSession{
		ServerID:         event.ServerID,
		GameUserID:       data.GameUserID,
		DatabasePlayerID: playerID,
		SteamID:          data.SteamID,
		PlayerName:       data.PlayerName,
	}
	if err := h.sessions.CreateSession(sess); err != nil {
		return apperrors.Transient("Entry", err)
	}
	return nil
}

func nowUnixFor(event *models.Event) int64 {
	return timeOf(event).Unix()
}

func timeOf(event *models.Event) time.Time {
	if event.Timestamp.IsZero() {
		return time.Now()
	}
	return event.Timestamp
}
