package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/models"
)

// pgCheckViolation matches the Postgres error code raised when an
// unsigned-semantics CHECK constraint (skill >= 0) would be violated.
const pgCheckViolation = "23514"

// PgPlayerRepository is a Postgres-backed PlayerRepository, grounded on
// the teacher's direct-SQL style in internal/logic/server_tracking.go.
type PgPlayerRepository struct {
	pg *pgxpool.Pool
	ch ClickHouseSink
}

// ClickHouseSink is the analytical-event write path (§6 logEventFrag and
// the event-row creators), kept separate from the Postgres pool because
// the teacher's worker.Pool batches these writes independently.
type ClickHouseSink interface {
	InsertEventFrag(ctx context.Context, frag models.EventFrag) error
	InsertEventRow(ctx context.Context, eventType, serverID string, playerID int64, at time.Time, extra map[string]string) error
}

func NewPgPlayerRepository(pg *pgxpool.Pool, ch ClickHouseSink) *PgPlayerRepository {
	return &PgPlayerRepository{pg: pg, ch: ch}
}

func (r *PgPlayerRepository) FindByID(ctx context.Context, playerID int64) (*models.Player, error) {
	row := r.pg.QueryRow(ctx, `
		SELECT player_id, game, last_name, skill, confidence, volatility,
		       kill_streak, death_streak, last_event,
		       kills, deaths, suicides, teamkills, headshots, shots, hits, connection_time
		FROM players WHERE player_id = $1
	`, playerID)

	p := &models.Player{}
	err := row.Scan(&p.PlayerID, &p.Game, &p.LastName, &p.Skill, &p.Confidence, &p.Volatility,
		&p.KillStreak, &p.DeathStreak, &p.LastEvent,
		&p.Kills, &p.Deaths, &p.Suicides, &p.Teamkills, &p.Headshots, &p.Shots, &p.Hits, &p.ConnectionTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("FindByID", fmt.Errorf("player %d not found", playerID))
	}
	if err != nil {
		return nil, apperrors.Transient("FindByID", err)
	}
	return p, nil
}

func (r *PgPlayerRepository) FindByUniqueID(ctx context.Context, uniqueID, game string) (*models.Player, error) {
	row := r.pg.QueryRow(ctx, `
		SELECT p.player_id, p.game, p.last_name, p.skill, p.confidence, p.volatility,
		       p.kill_streak, p.death_streak, p.last_event,
		       p.kills, p.deaths, p.suicides, p.teamkills, p.headshots, p.shots, p.hits, p.connection_time
		FROM players p
		JOIN player_unique_ids u ON u.player_id = p.player_id
		WHERE u.unique_id = $1 AND u.game = $2
	`, uniqueID, game)

	p := &models.Player{}
	err := row.Scan(&p.PlayerID, &p.Game, &p.LastName, &p.Skill, &p.Confidence, &p.Volatility,
		&p.KillStreak, &p.DeathStreak, &p.LastEvent,
		&p.Kills, &p.Deaths, &p.Suicides, &p.Teamkills, &p.Headshots, &p.Shots, &p.Hits, &p.ConnectionTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("FindByUniqueID", fmt.Errorf("no player for %s/%s", game, uniqueID))
	}
	if err != nil {
		return nil, apperrors.Transient("FindByUniqueID", err)
	}
	return p, nil
}

// Create inserts a brand-new player with default rating and attaches the
// uniqueId in the same transaction (§4.4 step 4).
func (r *PgPlayerRepository) Create(ctx context.Context, up models.PlayerUpsert) (*models.Player, error) {
	tx, err := r.pg.Begin(ctx)
	if err != nil {
		return nil, apperrors.Transient("Create", err)
	}
	defer tx.Rollback(ctx)

	def := models.DefaultPlayerStats(0)
	var playerID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO players (game, last_name, skill, confidence, volatility, last_event)
		VALUES ($1, $2, $3, $4, $5, extract(epoch from now()))
		RETURNING player_id
	`, up.Game, up.PlayerName, def.Skill, def.Confidence, def.Volatility).Scan(&playerID)
	if err != nil {
		return nil, apperrors.Transient("Create", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO player_unique_ids (unique_id, game, player_id)
		VALUES ($1, $2, $3)
	`, up.UniqueID, up.Game, playerID); err != nil {
		return nil, apperrors.Transient("Create", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Transient("Create", err)
	}

	return &models.Player{
		PlayerID: playerID, Game: up.Game, LastName: up.PlayerName,
		Skill: def.Skill, Confidence: def.Confidence, Volatility: def.Volatility,
	}, nil
}

// UpsertPlayer implements the resolver's (uniqueId, game) natural-key
// upsert: return the existing playerId or create one (§4.4 step 4).
func (r *PgPlayerRepository) UpsertPlayer(ctx context.Context, up models.PlayerUpsert) (*models.Player, error) {
	if existing, err := r.FindByUniqueID(ctx, up.UniqueID, up.Game); err == nil {
		return existing, nil
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}
	return r.Create(ctx, up)
}

func (r *PgPlayerRepository) Update(ctx context.Context, playerID int64, patch models.PlayerUpdate) error {
	var sb strings.Builder
	sb.WriteString("UPDATE players SET ")
	args := []any{}
	add := func(clause string, val any) {
		if len(args) > 0 {
			sb.WriteString(", ")
		}
		args = append(args, val)
		fmt.Fprintf(&sb, "%s $%d", clause, len(args))
	}

	if patch.SkillSet != nil {
		add("skill =", *patch.SkillSet)
	} else if patch.SkillDelta != 0 {
		// No floor clamp here: the players.skill column is constrained
		// CHECK (skill >= 0). Violations surface as pgCheckViolation and
		// are translated to ErrSkillUnderflow below; the kill handler
		// retries once with SkillSet=0 (§4.5.3).
		add("skill = skill +", patch.SkillDelta)
	}
	if patch.LastNameSet != nil {
		add("last_name =", *patch.LastNameSet)
	}
	if patch.KillsDelta != 0 {
		add("kills = kills +", patch.KillsDelta)
	}
	if patch.DeathsDelta != 0 {
		add("deaths = deaths +", patch.DeathsDelta)
	}
	if patch.SuicidesDelta != 0 {
		add("suicides = suicides +", patch.SuicidesDelta)
	}
	if patch.TeamkillsDelta != 0 {
		add("teamkills = teamkills +", patch.TeamkillsDelta)
	}
	if patch.HeadshotsDelta != 0 {
		add("headshots = headshots +", patch.HeadshotsDelta)
	}
	if patch.ShotsDelta != 0 {
		add("shots = shots +", patch.ShotsDelta)
	}
	if patch.HitsDelta != 0 {
		add("hits = hits +", patch.HitsDelta)
	}
	if patch.ConnectionTimeDelta != 0 {
		add("connection_time = connection_time +", patch.ConnectionTimeDelta)
	}
	if patch.KillStreakSet != nil {
		add("kill_streak =", *patch.KillStreakSet)
	}
	if patch.DeathStreakSet != nil {
		add("death_streak =", *patch.DeathStreakSet)
	}
	if patch.LastEventSet != nil {
		add("last_event =", *patch.LastEventSet)
	}

	if len(args) == 0 {
		return nil
	}

	args = append(args, playerID)
	fmt.Fprintf(&sb, " WHERE player_id = $%d", len(args))

	_, err := r.pg.Exec(ctx, sb.String(), args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return apperrors.Validation("Update", apperrors.ErrSkillUnderflow)
		}
		return apperrors.Transient("Update", err)
	}
	return nil
}

func (r *PgPlayerRepository) GetPlayerStats(ctx context.Context, playerID int64) (models.PlayerStats, error) {
	row := r.pg.QueryRow(ctx, `SELECT skill, confidence, volatility FROM players WHERE player_id = $1`, playerID)
	var s models.PlayerStats
	s.PlayerID = playerID
	if err := row.Scan(&s.Skill, &s.Confidence, &s.Volatility); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DefaultPlayerStats(playerID), nil
		}
		return models.PlayerStats{}, apperrors.Transient("GetPlayerStats", err)
	}
	return s, nil
}

func (r *PgPlayerRepository) GetPlayerStatsBatch(ctx context.Context, playerIDs []int64) (map[int64]models.PlayerStats, error) {
	out := make(map[int64]models.PlayerStats, len(playerIDs))
	for _, id := range playerIDs {
		out[id] = models.DefaultPlayerStats(id)
	}
	if len(playerIDs) == 0 {
		return out, nil
	}

	rows, err := r.pg.Query(ctx, `
		SELECT player_id, skill, confidence, volatility FROM players WHERE player_id = ANY($1)
	`, playerIDs)
	if err != nil {
		return nil, apperrors.Transient("GetPlayerStatsBatch", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s models.PlayerStats
		if err := rows.Scan(&s.PlayerID, &s.Skill, &s.Confidence, &s.Volatility); err != nil {
			continue
		}
		out[s.PlayerID] = s
	}
	return out, nil
}

func (r *PgPlayerRepository) UpdatePlayerStatsBatch(ctx context.Context, updates []models.StatBatchUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`UPDATE players SET skill = GREATEST(0, skill + $1) WHERE player_id = $2`, u.SkillDelta, u.PlayerID)
	}
	br := r.pg.SendBatch(ctx, batch)
	defer br.Close()

	for range updates {
		if _, err := br.Exec(); err != nil {
			return apperrors.Transient("UpdatePlayerStatsBatch", err)
		}
	}
	return nil
}

func (r *PgPlayerRepository) LogEventFrag(ctx context.Context, frag models.EventFrag) error {
	if r.ch == nil {
		return nil
	}
	if err := r.ch.InsertEventFrag(ctx, frag); err != nil {
		return apperrors.Transient("LogEventFrag", err)
	}
	return nil
}

func (r *PgPlayerRepository) CreateConnectEvent(ctx context.Context, serverID string, playerID int64, ip string, at time.Time) error {
	_, err := r.pg.Exec(ctx, `
		INSERT INTO connect_events (server_id, player_id, ip_address, event_time)
		VALUES ($1, $2, $3, $4)
	`, serverID, playerID, ip, at)
	if err != nil {
		return apperrors.Transient("CreateConnectEvent", err)
	}
	return nil
}

func (r *PgPlayerRepository) CreateDisconnectEvent(ctx context.Context, serverID string, playerID int64, reason string, at time.Time) error {
	_, err := r.pg.Exec(ctx, `
		INSERT INTO disconnect_events (server_id, player_id, reason, event_time)
		VALUES ($1, $2, $3, $4)
	`, serverID, playerID, reason, at)
	if err != nil {
		return apperrors.Transient("CreateDisconnectEvent", err)
	}
	return nil
}

func (r *PgPlayerRepository) CreateChatEvent(ctx context.Context, serverID string, playerID int64, message string, teamOnly bool, mapName string, at time.Time) error {
	_, err := r.pg.Exec(ctx, `
		INSERT INTO chat_events (server_id, player_id, message, team_only, map_name, event_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, serverID, playerID, message, teamOnly, mapName, at)
	if err != nil {
		return apperrors.Transient("CreateChatEvent", err)
	}
	return nil
}

func (r *PgPlayerRepository) HasRecentConnect(ctx context.Context, serverID string, playerID int64, within time.Duration) (bool, error) {
	row := r.pg.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM connect_events
			WHERE server_id = $1 AND player_id = $2 AND event_time > now() - $3::interval
		)
	`, serverID, playerID, within.String())
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, apperrors.Transient("HasRecentConnect", err)
	}
	return ok, nil
}

// BackfillConnectDisconnectTime best-effort backfills the most-recent
// matching connect row with its disconnect time (§4.5.2 step 3).
func (r *PgPlayerRepository) BackfillConnectDisconnectTime(ctx context.Context, serverID string, playerID int64, at time.Time) error {
	_, err := r.pg.Exec(ctx, `
		UPDATE connect_events SET event_time_disconnect = $3
		WHERE id = (
			SELECT id FROM connect_events
			WHERE server_id = $1 AND player_id = $2 AND event_time_disconnect IS NULL
			ORDER BY event_time DESC LIMIT 1
		)
	`, serverID, playerID, at)
	if err != nil {
		// best-effort: log-worthy but never propagated as a handler failure
		return apperrors.Notification("BackfillConnectDisconnectTime", err)
	}
	return nil
}

func (r *PgPlayerRepository) FindTopPlayers(ctx context.Context, game string, limit int) ([]models.Player, error) {
	rows, err := r.pg.Query(ctx, `
		SELECT player_id, game, last_name, skill FROM players
		WHERE game = $1 ORDER BY skill DESC LIMIT $2
	`, game, limit)
	if err != nil {
		return nil, apperrors.Transient("FindTopPlayers", err)
	}
	defer rows.Close()

	var out []models.Player
	for rows.Next() {
		var p models.Player
		if err := rows.Scan(&p.PlayerID, &p.Game, &p.LastName, &p.Skill); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
