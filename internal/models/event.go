// Package models holds the data contracts shared across the telemetry
// core: the event taxonomy (C1), session and player types (C4/C5), and the
// per-server operational types consumed by C9/C10.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the tagged-union discriminator for Event.Data.
type EventType string

const (
	EventPlayerConnect      EventType = "PLAYER_CONNECT"
	EventPlayerDisconnect   EventType = "PLAYER_DISCONNECT"
	EventPlayerKill         EventType = "PLAYER_KILL"
	EventPlayerSuicide      EventType = "PLAYER_SUICIDE"
	EventPlayerTeamkill     EventType = "PLAYER_TEAMKILL"
	EventPlayerDamage       EventType = "PLAYER_DAMAGE"
	EventPlayerEntry        EventType = "PLAYER_ENTRY"
	EventPlayerChangeName   EventType = "PLAYER_CHANGE_NAME"
	EventPlayerChangeTeam   EventType = "PLAYER_CHANGE_TEAM"
	EventPlayerChangeRole   EventType = "PLAYER_CHANGE_ROLE"
	EventChatMessage        EventType = "CHAT_MESSAGE"
	EventWeaponFire         EventType = "WEAPON_FIRE"
	EventWeaponHit          EventType = "WEAPON_HIT"
	EventActionPlayer       EventType = "ACTION_PLAYER"
	EventActionTeam         EventType = "ACTION_TEAM"
	EventActionPlayerPlayer EventType = "ACTION_PLAYER_PLAYER"
	EventRoundStart         EventType = "ROUND_START"
	EventRoundEnd           EventType = "ROUND_END"
	EventServerAuthenticated EventType = "SERVER_AUTHENTICATED"
)

// QueueOnlyEventTypes are routed by the consumer straight to their handler,
// bypassing the bus (§4.2 — high volume, no priority scheduling needed).
var QueueOnlyEventTypes = map[EventType]bool{
	EventPlayerKill: true,
	EventWeaponFire: true,
	EventWeaponHit:  true,
}

// IsQueueOnly reports whether t is dispatched directly by the consumer
// instead of through the bus.
func (t EventType) IsQueueOnly() bool { return QueueOnlyEventTypes[t] }

// EventMeta carries the parsed player identity straight off the raw log
// line, before resolution to a durable playerId.
type EventMeta struct {
	SteamID    string `json:"steamId,omitempty"`
	PlayerName string `json:"playerName,omitempty"`
	GameUserID int    `json:"gameUserId,omitempty"`
}

// Event is the common envelope for every variant in the taxonomy. Data
// holds the type-specific payload as raw JSON; handlers decode it with
// DecodeData once they know EventType.
type Event struct {
	EventType     EventType       `json:"eventType" validate:"required"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
	ServerID      string          `json:"serverId" validate:"required"`
	EventID       string          `json:"eventId,omitempty" validate:"omitempty,idempotencyKey"`
	CorrelationID string          `json:"correlationId,omitempty" validate:"omitempty,correlationKey"`
	Meta          *EventMeta      `json:"meta,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// DecodeData unmarshals e.Data into a value of type T. Callers know T from
// e.EventType; a mismatch is a caller bug, not a runtime branch.
func DecodeData[T any](e *Event) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, nil
	}
	if err := LenientUnmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s data: %w", e.EventType, err)
	}
	return out, nil
}

// --- Per-variant payloads -------------------------------------------------

// ConnectData is the payload for PLAYER_CONNECT.
type ConnectData struct {
	GameUserID int    `json:"gameUserId"`
	SteamID    string `json:"steamId"`
	PlayerName string `json:"playerName"`
	IPAddress  string `json:"ipAddress,omitempty"`
}

// DisconnectData is the payload for PLAYER_DISCONNECT.
type DisconnectData struct {
	GameUserID int    `json:"gameUserId"`
	SteamID    string `json:"steamId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// KillContext is the derived context handed to the ranking service.
type KillContext struct {
	Weapon     string
	Headshot   bool
	KillerTeam string
	VictimTeam string
}

// KillData is the payload for PLAYER_KILL.
type KillData struct {
	KillerGameUserID int    `json:"killerGameUserId"`
	VictimGameUserID int    `json:"victimGameUserId"`
	Weapon           string `json:"weapon"`
	Headshot         bool   `json:"headshot"`
	KillerTeam       string `json:"killerTeam"`
	VictimTeam       string `json:"victimTeam"`
	MapName          string `json:"mapName,omitempty"`
	KillerPos        *Position `json:"killerPos,omitempty"`
	VictimPos        *Position `json:"victimPos,omitempty"`
}

// Position is an optional 3D coordinate attached to frag events.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SuicideData is the payload for PLAYER_SUICIDE.
type SuicideData struct {
	GameUserID int    `json:"gameUserId"`
	Weapon     string `json:"weapon,omitempty"`
}

// TeamkillData is the payload for PLAYER_TEAMKILL. Teamkills are detected
// by the kill handler (killerTeam == victimTeam) — this variant exists for
// queue producers that pre-classify it upstream.
type TeamkillData struct {
	KillData
}

// DamageData is the payload for PLAYER_DAMAGE.
type DamageData struct {
	AttackerGameUserID int    `json:"attackerGameUserId"`
	VictimGameUserID   int    `json:"victimGameUserId"`
	Weapon             string `json:"weapon"`
	Hitgroup           string `json:"hitgroup,omitempty"`
	Amount             int    `json:"amount"`
}

// ChatData is the payload for CHAT_MESSAGE.
type ChatData struct {
	GameUserID int    `json:"gameUserId"`
	Message    string `json:"message"`
	TeamOnly   bool   `json:"teamOnly,omitempty"`
}

// ChangeNameData is the payload for PLAYER_CHANGE_NAME.
type ChangeNameData struct {
	GameUserID int    `json:"gameUserId"`
	OldName    string `json:"oldName"`
	NewName    string `json:"newName"`
}

// ChangeTeamData is the payload for PLAYER_CHANGE_TEAM.
type ChangeTeamData struct {
	GameUserID int    `json:"gameUserId"`
	OldTeam    string `json:"oldTeam,omitempty"`
	NewTeam    string `json:"newTeam"`
}

// ChangeRoleData is the payload for PLAYER_CHANGE_ROLE.
type ChangeRoleData struct {
	GameUserID int    `json:"gameUserId"`
	OldRole    string `json:"oldRole,omitempty"`
	NewRole    string `json:"newRole"`
}

// EntryData is the payload for PLAYER_ENTRY (a player entering observation
// without a full connect sequence — e.g. spectator slot materialized by a
// late status sync).
type EntryData struct {
	GameUserID int    `json:"gameUserId"`
	SteamID    string `json:"steamId"`
	PlayerName string `json:"playerName"`
}

// ServerAuthenticatedData is the payload for SERVER_AUTHENTICATED, the
// event C10 subscribes to for event-driven early connect (§4.6).
type ServerAuthenticatedData struct {
	ServerID string `json:"serverId"`
}

// WeaponFireData / WeaponHitData are queue-only, high-volume variants
// (§4.2) carrying minimal accuracy-tracking fields.
type WeaponFireData struct {
	GameUserID int    `json:"gameUserId"`
	Weapon     string `json:"weapon"`
}

type WeaponHitData struct {
	GameUserID int    `json:"gameUserId"`
	Weapon     string `json:"weapon"`
	Hitloc     string `json:"hitloc,omitempty"`
}
