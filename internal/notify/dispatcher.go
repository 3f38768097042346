// Package notify implements the notification dispatcher (C9): per-event
// structured RCON commands, fail-open config gating, and best-effort
// delivery that never cascades into handler failure.
package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/repository"
)

// Broadcast is the target value meaning "every connected player".
const Broadcast = 0

// Dispatcher sends per-event-type RCON notifications, grounded on the
// squad-aegis-style rcon command channel for the transport and on the
// teacher's structured zap logging for swallow-and-log delivery failure.
type Dispatcher struct {
	rcon   repository.RconService
	cache  *configCache
	logger *zap.SugaredLogger
}

func NewDispatcher(rcon repository.RconService, loader ConfigLoader, ttl time.Duration, logger *zap.Logger, reg prometheus.Registerer) *Dispatcher {
	return &Dispatcher{
		rcon:   rcon,
		cache:  newConfigCache(loader, ttl, reg),
		logger: logger.Sugar(),
	}
}

// field is one positional argument of the command grammar. Quoted fields
// are always wrapped in double quotes with embedded `"` escaped; numeric
// fields serialize as plain base-10 ASCII.
type field struct {
	value  string
	quoted bool
}

func quoted(v string) field { return field{value: v, quoted: true} }
func numeric(v string) field { return field{value: v} }

func intField(v int) field     { return numeric(strconv.Itoa(v)) }
func int64Field(v int64) field { return numeric(strconv.FormatInt(v, 10)) }
func boolField(v bool) field   { return numeric(strconv.FormatBool(v)) }

// kdr formats a kill/death ratio to two decimal places, per the
// grammar's numeric-field convention.
func kdr(kills, deaths int64) field {
	if deaths == 0 {
		deaths = 1
	}
	return numeric(strconv.FormatFloat(float64(kills)/float64(deaths), 'f', 2, 64))
}

// buildCommand assembles "<commandPrefix> <target> <EVENT_TAG> <field>…"
// per the grammar in §4.7, quoting and escaping free-text fields.
func buildCommand(prefix string, target int, tag string, fields ...field) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(target))
	b.WriteByte(' ')
	b.WriteString(tag)

	for _, f := range fields {
		b.WriteByte(' ')
		if !f.quoted {
			b.WriteString(f.value)
			continue
		}
		escaped := strings.ReplaceAll(f.value, `"`, `\"`)
		b.WriteByte('"')
		b.WriteString(escaped)
		b.WriteByte('"')
	}
	return b.String()
}

// configFor loads a server's notification config once per call, failing
// open (nil, meaning "everything enabled, default prefix") on a loader
// error.
func (d *Dispatcher) configFor(ctx context.Context, serverID string) *models.NotificationConfig {
	cfg, err := d.cache.get(ctx, serverID)
	if err != nil {
		d.logger.Warnw("notification config load failed, defaulting to enabled", "serverId", serverID, "error", err)
		return nil
	}
	return cfg
}

func prefixOf(cfg *models.NotificationConfig) string {
	if cfg == nil || cfg.CommandPrefix == "" {
		return "hlx_event"
	}
	return cfg.CommandPrefix
}

// send checks the fail-open config gate for t, builds and transmits the
// command, and swallows transport errors — notification failures must
// never cascade into handler failure (§4.7 step 3, §7).
func (d *Dispatcher) send(ctx context.Context, serverID string, cfg *models.NotificationConfig, t models.EventType, cmd string) {
	if !cfg.Enabled(t) {
		return
	}

	if _, err := d.rcon.ExecuteCommand(ctx, serverID, cmd); err != nil {
		d.logger.Warnw("notification delivery failed", "serverId", serverID, "eventType", t, "error", err)
	}
}

// NotifyConnectEvent announces a player's connection.
func (d *Dispatcher) NotifyConnectEvent(ctx context.Context, serverID string, gameUserID int, playerName, country string) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), Broadcast, "CONNECT", intField(gameUserID), quoted(playerName), quoted(country))
	d.send(ctx, serverID, cfg, models.EventPlayerConnect, cmd)
}

// NotifyDisconnectEvent announces a disconnection with session length.
func (d *Dispatcher) NotifyDisconnectEvent(ctx context.Context, serverID string, gameUserID int, playerName, reason string, sessionSeconds int64) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), Broadcast, "DISCONNECT", intField(gameUserID), quoted(playerName), quoted(reason), int64Field(sessionSeconds))
	d.send(ctx, serverID, cfg, models.EventPlayerDisconnect, cmd)
}

// NotifyKillEvent announces a kill, including the killer's running KDR.
func (d *Dispatcher) NotifyKillEvent(ctx context.Context, serverID string, killerSlot, victimSlot int, killerName, victimName, weapon string, headshot bool, killerKills, killerDeaths int64) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), Broadcast, "KILL",
		intField(killerSlot), quoted(killerName),
		intField(victimSlot), quoted(victimName),
		quoted(weapon), boolField(headshot), kdr(killerKills, killerDeaths))
	d.send(ctx, serverID, cfg, models.EventPlayerKill, cmd)
}

// NotifySuicideEvent announces a self-kill.
func (d *Dispatcher) NotifySuicideEvent(ctx context.Context, serverID string, slot int, playerName string) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), Broadcast, "SUICIDE", intField(slot), quoted(playerName))
	d.send(ctx, serverID, cfg, models.EventPlayerSuicide, cmd)
}

// NotifyTeamkillEvent announces a friendly-fire kill.
func (d *Dispatcher) NotifyTeamkillEvent(ctx context.Context, serverID string, killerSlot, victimSlot int, killerName, victimName string) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), Broadcast, "TEAMKILL", intField(killerSlot), quoted(killerName), intField(victimSlot), quoted(victimName))
	d.send(ctx, serverID, cfg, models.EventPlayerTeamkill, cmd)
}

// NotifyChatEvent relays an in-game chat line, optionally addressed to a
// single slot (team chat mirrored privately) rather than broadcast.
func (d *Dispatcher) NotifyChatEvent(ctx context.Context, serverID string, target int, slot int, playerName, message string, teamOnly bool) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), target, "CHAT", intField(slot), quoted(playerName), quoted(message), boolField(teamOnly))
	d.send(ctx, serverID, cfg, models.EventChatMessage, cmd)
}

// NotifyRank sends a player's rank position as a targeted, non-event
// command (§4.7 — RANK follows the same grammar as event notifications).
func (d *Dispatcher) NotifyRank(ctx context.Context, serverID string, targetSlot int, playerName string, rank int, skill float64) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), targetSlot, "RANK", quoted(playerName), intField(rank), numeric(strconv.FormatFloat(skill, 'f', 2, 64)))
	if _, err := d.rcon.ExecuteCommand(ctx, serverID, cmd); err != nil {
		d.logger.Warnw("rank command delivery failed", "serverId", serverID, "error", err)
	}
}

// NotifyStats sends a player's full stat line as a targeted command.
func (d *Dispatcher) NotifyStats(ctx context.Context, serverID string, targetSlot int, playerName string, kills, deaths int64, skill float64) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), targetSlot, "STATS", quoted(playerName), int64Field(kills), int64Field(deaths), kdr(kills, deaths), numeric(strconv.FormatFloat(skill, 'f', 2, 64)))
	if _, err := d.rcon.ExecuteCommand(ctx, serverID, cmd); err != nil {
		d.logger.Warnw("stats command delivery failed", "serverId", serverID, "error", err)
	}
}

// NotifyMessage sends a raw announcement, broadcast or targeted.
func (d *Dispatcher) NotifyMessage(ctx context.Context, serverID string, target int, message string) {
	cfg := d.configFor(ctx, serverID)
	cmd := buildCommand(prefixOf(cfg), target, "MESSAGE", quoted(message))
	if _, err := d.rcon.ExecuteCommand(ctx, serverID, cmd); err != nil {
		d.logger.Warnw("message command delivery failed", "serverId", serverID, "error", err)
	}
}

// InvalidateConfig drops the cached notification config for a server —
// used after a config write so the next dispatch observes it immediately
// instead of waiting out the TTL.
func (d *Dispatcher) InvalidateConfig(serverID string) {
	d.cache.invalidate(serverID)
}
