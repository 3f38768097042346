// Package repository defines the external collaborators the core consumes
// (§6): PlayerRepository, ServerRepository, RconService, and
// RankingService. The core depends only on these interfaces; concrete
// implementations live in this package but are a boundary, not the core.
package repository

import (
	"context"
	"time"

	"github.com/openmohaa/telemetryd/internal/models"
)

// PlayerRepository is the persistence boundary for durable player records.
type PlayerRepository interface {
	FindByID(ctx context.Context, playerID int64) (*models.Player, error)
	FindByUniqueID(ctx context.Context, uniqueID, game string) (*models.Player, error)
	Create(ctx context.Context, up models.PlayerUpsert) (*models.Player, error)
	UpsertPlayer(ctx context.Context, up models.PlayerUpsert) (*models.Player, error)
	Update(ctx context.Context, playerID int64, patch models.PlayerUpdate) error
	GetPlayerStats(ctx context.Context, playerID int64) (models.PlayerStats, error)
	GetPlayerStatsBatch(ctx context.Context, playerIDs []int64) (map[int64]models.PlayerStats, error)
	UpdatePlayerStatsBatch(ctx context.Context, updates []models.StatBatchUpdate) error

	LogEventFrag(ctx context.Context, frag models.EventFrag) error
	CreateConnectEvent(ctx context.Context, serverID string, playerID int64, ip string, at time.Time) error
	CreateDisconnectEvent(ctx context.Context, serverID string, playerID int64, reason string, at time.Time) error
	CreateChatEvent(ctx context.Context, serverID string, playerID int64, message string, teamOnly bool, mapName string, at time.Time) error
	HasRecentConnect(ctx context.Context, serverID string, playerID int64, within time.Duration) (bool, error)
	BackfillConnectDisconnectTime(ctx context.Context, serverID string, playerID int64, at time.Time) error

	FindTopPlayers(ctx context.Context, game string, limit int) ([]models.Player, error)
}

// ServerRepository is the persistence/config boundary for game servers.
type ServerRepository interface {
	FindByID(ctx context.Context, serverID string) (*ServerRecord, error)
	FindActiveServersWithRcon(ctx context.Context) ([]ServerRecord, error)
	FindServersByIDs(ctx context.Context, serverIDs []string) ([]ServerRecord, error)
	GetServerGame(ctx context.Context, serverID string) (string, error)
	GetServerConfigBoolean(ctx context.Context, serverID, key string, def bool) (bool, error)
	HasRconCredentials(ctx context.Context, serverID string) (bool, error)
}

// ServerRecord is the minimal server row the core needs.
type ServerRecord struct {
	ServerID string
	Game     string
	Name     string
	Address  string
}

// RconService is the request/response boundary to a game server's remote
// console (§6).
type RconService interface {
	IsConnected(serverID string) bool
	Connect(ctx context.Context, serverID string) error
	Disconnect(ctx context.Context, serverID string) error
	GetStatus(ctx context.Context, serverID string) (*models.RconStatus, error)
	ExecuteCommand(ctx context.Context, serverID, raw string) (string, error)
}

// RankingService computes skill adjustments; owned outside the core.
type RankingService interface {
	CalculateSkillAdjustment(ctx context.Context, killer, victim models.PlayerStats, kctx models.KillContext) (killerChange, victimChange float64, err error)
	CalculateSuicidePenalty(ctx context.Context) (float64, error)
	GetBatchPlayerRanks(ctx context.Context, playerIDs []int64) (map[int64]int, error)
	GetPlayerRankPosition(ctx context.Context, playerID int64) (int, error)
}
