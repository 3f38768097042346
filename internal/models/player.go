package models

import "time"

// Player is the durable identity record (C4). The core never holds a
// long-lived reference to one — it always resolves by playerId at the
// point of use and discards the value after.
type Player struct {
	PlayerID    int64     `json:"playerId"`
	Game        string    `json:"game"`
	LastName    string    `json:"lastName"`
	Skill       float64   `json:"skill"`
	Confidence  float64   `json:"confidence"`
	Volatility  float64   `json:"volatility"`
	KillStreak  int64     `json:"killStreak"`
	DeathStreak int64     `json:"deathStreak"`
	LastEvent   int64     `json:"lastEvent"` // UNIX seconds

	Kills          int64 `json:"kills"`
	Deaths         int64 `json:"deaths"`
	Suicides       int64 `json:"suicides"`
	Teamkills      int64 `json:"teamkills"`
	Headshots      int64 `json:"headshots"`
	Shots          int64 `json:"shots"`
	Hits           int64 `json:"hits"`
	ConnectionTime int64 `json:"connectionTime"` // seconds

	UniqueIDs []PlayerUniqueID `json:"uniqueIds,omitempty"`
}

// PlayerUniqueID maps a natural identifier to a playerId within a game.
// (uniqueId, game) is a unique constraint at the persistence layer.
type PlayerUniqueID struct {
	UniqueID string `json:"uniqueId"`
	Game     string `json:"game"`
	PlayerID int64  `json:"playerId"`
}

// PlayerUpsert is the natural-key upsert request passed to the repository.
type PlayerUpsert struct {
	UniqueID   string
	Game       string
	PlayerName string
}

// PlayerUpdate is a partial, increment-semantics update applied to a
// durable player. Zero-valued counter fields are not applied — callers
// set only the deltas they intend to add.
type PlayerUpdate struct {
	LastNameSet       *string
	SkillDelta        float64
	SkillSet          *float64 // used only by the underflow-clamp retry (§4.5.3)
	KillsDelta        int64
	DeathsDelta       int64
	SuicidesDelta     int64
	TeamkillsDelta    int64
	HeadshotsDelta    int64
	ShotsDelta        int64
	HitsDelta         int64
	ConnectionTimeDelta int64
	KillStreakSet     *int64
	DeathStreakSet    *int64
	LastEventSet      *int64
}

// StatBatchUpdate is one entry of a batched skill adjustment, applied via
// PlayerRepository.UpdatePlayerStatsBatch.
type StatBatchUpdate struct {
	PlayerID   int64
	SkillDelta float64
}

// PlayerStats is the default/fallback rating returned for a player with no
// recorded history yet (§7 not-found → default rating).
type PlayerStats struct {
	PlayerID   int64
	Skill      float64
	Confidence float64
	Volatility float64
}

// DefaultPlayerStats returns the zero-history rating used when a lookup
// misses (e.g. a batch stats fetch for a player never seen before).
func DefaultPlayerStats(playerID int64) PlayerStats {
	return PlayerStats{PlayerID: playerID, Skill: 1000, Confidence: 350, Volatility: 0.06}
}

// EventFrag is the analytical row logged for every kill (§6 logEventFrag),
// grounded on the teacher's ClickHouseEvent sink.
type EventFrag struct {
	Timestamp    time.Time
	ServerID     string
	MapName      string
	KillerID     int64
	KillerName   string
	KillerTeam   string
	VictimID     int64
	VictimName   string
	VictimTeam   string
	Weapon       string
	Headshot     bool
	KillerPos    *Position
	VictimPos    *Position
}
