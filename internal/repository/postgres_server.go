package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/models"
)

// PgServerRepository is a Postgres-backed ServerRepository, grounded on
// the teacher's internal/logic/server_tracking.go query style.
type PgServerRepository struct {
	pg *pgxpool.Pool
}

func NewPgServerRepository(pg *pgxpool.Pool) *PgServerRepository {
	return &PgServerRepository{pg: pg}
}

func (r *PgServerRepository) FindByID(ctx context.Context, serverID string) (*ServerRecord, error) {
	row := r.pg.QueryRow(ctx, `
		SELECT id, game, name, COALESCE(ip_address, '') FROM servers WHERE id = $1
	`, serverID)
	var s ServerRecord
	if err := row.Scan(&s.ServerID, &s.Game, &s.Name, &s.Address); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("FindByID", fmt.Errorf("server %s not found", serverID))
		}
		return nil, apperrors.Transient("FindByID", err)
	}
	return &s, nil
}

func (r *PgServerRepository) FindActiveServersWithRcon(ctx context.Context) ([]ServerRecord, error) {
	rows, err := r.pg.Query(ctx, `
		SELECT id, game, name, COALESCE(ip_address, '') FROM servers
		WHERE is_active = true AND rcon_password IS NOT NULL
	`)
	if err != nil {
		return nil, apperrors.Transient("FindActiveServersWithRcon", err)
	}
	defer rows.Close()

	var out []ServerRecord
	for rows.Next() {
		var s ServerRecord
		if err := rows.Scan(&s.ServerID, &s.Game, &s.Name, &s.Address); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *PgServerRepository) FindServersByIDs(ctx context.Context, serverIDs []string) ([]ServerRecord, error) {
	if len(serverIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pg.Query(ctx, `
		SELECT id, game, name, COALESCE(ip_address, '') FROM servers WHERE id = ANY($1)
	`, serverIDs)
	if err != nil {
		return nil, apperrors.Transient("FindServersByIDs", err)
	}
	defer rows.Close()

	var out []ServerRecord
	for rows.Next() {
		var s ServerRecord
		if err := rows.Scan(&s.ServerID, &s.Game, &s.Name, &s.Address); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *PgServerRepository) GetServerGame(ctx context.Context, serverID string) (string, error) {
	row := r.pg.QueryRow(ctx, `SELECT game FROM servers WHERE id = $1`, serverID)
	var game string
	if err := row.Scan(&game); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.NotFound("GetServerGame", fmt.Errorf("server %s not found", serverID))
		}
		return "", apperrors.Transient("GetServerGame", err)
	}
	return game, nil
}

// GetServerConfigBoolean reads a single boolean config flag, defaulting to
// def on any miss or error — matching the fail-open posture the session
// service expects for IgnoreBots (§4.3).
func (r *PgServerRepository) GetServerConfigBoolean(ctx context.Context, serverID, key string, def bool) (bool, error) {
	row := r.pg.QueryRow(ctx, `
		SELECT value::boolean FROM server_config WHERE server_id = $1 AND key = $2
	`, serverID, key)
	var v bool
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return def, nil
		}
		return def, apperrors.Transient("GetServerConfigBoolean", err)
	}
	return v, nil
}

func (r *PgServerRepository) HasRconCredentials(ctx context.Context, serverID string) (bool, error) {
	row := r.pg.QueryRow(ctx, `
		SELECT rcon_password IS NOT NULL AND rcon_password != '' FROM servers WHERE id = $1
	`, serverID)
	var has bool
	if err := row.Scan(&has); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.NotFound("HasRconCredentials", fmt.Errorf("server %s not found", serverID))
		}
		return false, apperrors.Transient("HasRconCredentials", err)
	}
	return has, nil
}

// RconAddress satisfies rcon.ServerAddress: the RCON connection endpoint
// and password live on the same servers row as everything else.
func (r *PgServerRepository) RconAddress(ctx context.Context, serverID string) (string, string, error) {
	row := r.pg.QueryRow(ctx, `
		SELECT COALESCE(ip_address, ''), COALESCE(rcon_password, '') FROM servers WHERE id = $1
	`, serverID)
	var address, password string
	if err := row.Scan(&address, &password); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", apperrors.NotFound("RconAddress", fmt.Errorf("server %s not found", serverID))
		}
		return "", "", apperrors.Transient("RconAddress", err)
	}
	if address == "" {
		return "", "", apperrors.NotFound("RconAddress", fmt.Errorf("server %s has no rcon address configured", serverID))
	}
	return address, password, nil
}

// LoadNotificationConfig satisfies notify.ConfigLoader. A missing row
// means "no explicit config" — the dispatcher's fail-open default applies.
func (r *PgServerRepository) LoadNotificationConfig(ctx context.Context, serverID string) (*models.NotificationConfig, error) {
	row := r.pg.QueryRow(ctx, `
		SELECT engine, color_enabled, command_prefix FROM server_notification_config WHERE server_id = $1
	`, serverID)
	var engine string
	cfg := &models.NotificationConfig{ServerID: serverID}
	if err := row.Scan(&engine, &cfg.ColorEnabled, &cfg.CommandPrefix); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Transient("LoadNotificationConfig", err)
	}
	cfg.Engine = models.EngineFamily(engine)

	rows, err := r.pg.Query(ctx, `
		SELECT event_type, enabled FROM server_notification_events WHERE server_id = $1
	`, serverID)
	if err != nil {
		return cfg, nil
	}
	defer rows.Close()
	cfg.EnabledEvents = make(map[models.EventType]bool)
	for rows.Next() {
		var eventType string
		var enabled bool
		if err := rows.Scan(&eventType, &enabled); err != nil {
			continue
		}
		cfg.EnabledEvents[models.EventType(eventType)] = enabled
	}
	return cfg, nil
}
