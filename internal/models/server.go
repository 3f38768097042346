package models

import "time"

// ServerStatus is the health classification tracked by the RCON monitor's
// retry-backoff calculator (C10).
type ServerStatus string

const (
	ServerHealthy    ServerStatus = "healthy"
	ServerBackingOff ServerStatus = "backingOff"
	ServerDormant    ServerStatus = "dormant"
)

// ServerFailureState is the per-server health record owned exclusively by
// the retry-backoff calculator; every other component treats it read-only.
type ServerFailureState struct {
	ServerID            string
	ConsecutiveFailures int
	Status              ServerStatus
	NextRetryAt         time.Time
}

// RconPlayer is one row of an RCON `status` reply.
type RconPlayer struct {
	Name      string
	UserID    int
	UniqueID  string
	IsBot     bool
	Frags     int
	TimeSecs  int
	Ping      int
	Loss      int
	Address   string
}

// RconStatus is the parsed response of an RCON `status` command.
type RconStatus struct {
	Map        string
	Players    []RconPlayer
	MaxPlayers int
	Uptime     time.Duration
	FPS        float64
	Timestamp  time.Time
}

// EngineFamily is the color/command dialect a game server speaks.
type EngineFamily string

const (
	EngineGoldSrc EngineFamily = "goldsrc"
	EngineSource  EngineFamily = "source"
	EngineSource2 EngineFamily = "source2"
)

// NotificationConfig is the per-server dispatch configuration cached by C9
// with a TTL (SPEC_FULL §11).
type NotificationConfig struct {
	ServerID       string
	Engine         EngineFamily
	ColorEnabled   bool
	EnabledEvents  map[EventType]bool
	MessageFormats map[EventType]string
	CommandPrefix  string
}

// Enabled reports whether t should be dispatched for this server. Absence
// of an explicit entry defaults to enabled (fail-open, §4.7).
func (c *NotificationConfig) Enabled(t EventType) bool {
	if c == nil || c.EnabledEvents == nil {
		return true
	}
	v, ok := c.EnabledEvents[t]
	if !ok {
		return true
	}
	return v
}

// ServerConfig is the small set of per-server flags the session service
// consults (§6 config options).
type ServerConfig struct {
	IgnoreBots                    bool
	BroadcastEventsCommand        string
	BroadcastEventsCommandAnnounce string
	MinPlayers                    int
}
